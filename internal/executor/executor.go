package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/cosim/internal/model"
)

// Spec describes one task handed to a session.
type Spec struct {
	ID            string
	Pool          string
	Name          string
	ResourceCount int
	WorkingDir    string
	Binding       Binding

	// Output, when set, receives captured output one line at a time.
	Output func(line string)
	// Started, when set, is called once the task is admitted to a worker
	// and about to run.
	Started func()
}

// Result is the normalized outcome of a task: exit status n is n, death by
// signal s is -s and a launch failure is model.ExitLaunchFailure with Err set.
type Result struct {
	ReturnCode int
	Output     []byte
	Err        string
	Duration   time.Duration
}

// Options selects and scales a backend for one pool submission. Scaling
// parameters are passed through to the backend unchanged.
type Options struct {
	Backend          string
	Nodes            int
	ProcessesPerNode int
	Plugin           WorkerPlugin
	Extra            map[string]string
}

// WorkerInfo identifies a worker of a session.
type WorkerInfo struct {
	ID    string
	Index int
	Node  int
}

// WorkerPlugin hooks run once per worker: Setup before the worker takes any
// task, Teardown when the worker stops.
type WorkerPlugin interface {
	Setup(w WorkerInfo) error
	Teardown(w WorkerInfo)
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name           string   `json:"name"`
	Bindings       []string `json:"bindings"`
	MaxConcurrency int      `json:"max_concurrency"`
	Distributed    bool     `json:"distributed"`
}

// Backend is an execution service. Each pool submission opens one session.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	Start(ctx context.Context, opts Options) (Session, error)
}

// Session executes the tasks of one submission.
type Session interface {
	// Execute runs spec to completion. The context carries the task's
	// cancellation; Execute returns once the task stops or ctx ends.
	Execute(ctx context.Context, spec Spec) Result
	// Close stops the session's workers after their current task.
	Close(ctx context.Context) error
}

// Run executes spec's binding in the calling goroutine. Backends use it as
// their common execution path; functions may be nil when no distributed
// function table is available.
func Run(ctx context.Context, spec Spec, functions FunctionTable) Result {
	if spec.Binding == nil {
		return launchFailure("task %q has no binding", spec.Name)
	}
	if spec.Started != nil {
		spec.Started()
	}
	start := time.Now()
	res := spec.Binding.run(ctx, &runEnv{spec: spec, functions: functions})
	res.Duration = time.Since(start)
	return res
}

func launchFailure(format string, args ...any) Result {
	return Result{ReturnCode: model.ExitLaunchFailure, Err: fmt.Sprintf(format, args...)}
}
