// Package demo holds reference components that exercise the runtime the way
// a coupled simulation does: a driver stepping concurrent workers, workers
// running task pools, launching standalone tasks, and spreading work over
// the distributed backend.
package demo

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// Transcript records the user-facing output of demo components in order.
// Lines are also copied to an optional writer.
type Transcript struct {
	mu    sync.Mutex
	lines []string
	w     io.Writer
}

// NewTranscript creates a transcript. w may be nil.
func NewTranscript(w io.Writer) *Transcript {
	return &Transcript{w: w}
}

// Printf appends one formatted line.
func (t *Transcript) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if t.w != nil {
		fmt.Fprintln(t.w, line)
	}
}

// Lines returns a copy of the recorded lines.
func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// Index returns the position of the first line equal to line, or -1.
func (t *Transcript) Index(line string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, l := range t.lines {
		if l == line {
			return i
		}
	}
	return -1
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// seconds parses a duration given in seconds, as passed to /bin/sleep.
func seconds(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse seconds %q: %w", s, err)
	}
	return time.Duration(f * float64(time.Second)), nil
}
