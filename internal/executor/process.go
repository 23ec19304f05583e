package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/seantiz/cosim/internal/model"
)

// processWaitDelay bounds how long output pipes are drained after the
// process exits or is killed; orphaned grandchildren may hold them open.
const processWaitDelay = 2 * time.Second

// maxCapturedOutput caps the output kept in a Result. Streaming via
// Spec.Output is not capped.
const maxCapturedOutput = 1 << 20

func runProcess(ctx context.Context, b ProcessBinding, spec Spec) Result {
	if b.Executable == "" {
		return launchFailure("task %q has an empty executable", spec.Name)
	}

	cmd := exec.CommandContext(ctx, b.Executable, b.Args...)
	cmd.Dir = spec.WorkingDir
	if len(b.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range b.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	configureProcess(cmd)
	cmd.WaitDelay = processWaitDelay

	// Stdout and Stderr share one writer, so os/exec serializes writes to it.
	out := &lineWriter{emit: spec.Output}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return launchFailure("start %s: %v", b.Executable, err)
	}

	waitErr := cmd.Wait()
	out.flush()

	res := Result{Output: out.captured.Bytes()}
	switch {
	case cmd.ProcessState != nil:
		res.ReturnCode = exitCode(cmd.ProcessState)
		if waitErr != nil && !isExitError(waitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
			res.Err = waitErr.Error()
		}
	case waitErr != nil:
		res.ReturnCode = model.ExitLaunchFailure
		res.Err = waitErr.Error()
	}
	return res
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// lineWriter splits written bytes into lines, forwards each to emit and
// keeps a bounded copy of everything written.
type lineWriter struct {
	emit     func(string)
	pending  []byte
	captured bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if room := maxCapturedOutput - w.captured.Len(); room > 0 {
		if len(p) > room {
			w.captured.Write(p[:room])
		} else {
			w.captured.Write(p)
		}
	}
	if w.emit == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.pending[:i], "\r")))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.emit != nil && len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}
