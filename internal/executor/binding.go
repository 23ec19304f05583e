package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/seantiz/cosim/internal/model"
)

// Binding kinds.
const (
	KindProcess     = "process"
	KindCallable    = "callable"
	KindDistributed = "distributed"
)

// Callable is a unit of in-process work. It returns the task's return code;
// an error with a zero code is reported as model.ExitFailure.
type Callable func(ctx context.Context, args ...string) (int, error)

// FunctionTable resolves the names used by DistributedBinding.
type FunctionTable interface {
	Lookup(name string) (Callable, bool)
}

// Binding is the executable part of a task. The set of implementations is
// closed: ProcessBinding, CallableBinding and DistributedBinding.
type Binding interface {
	Kind() string
	String() string
	run(ctx context.Context, env *runEnv) Result
}

// runEnv carries what a binding needs from the session executing it.
type runEnv struct {
	spec      Spec
	functions FunctionTable
}

// ProcessBinding runs an external executable with argv-style arguments.
type ProcessBinding struct {
	Executable string
	Args       []string
	Env        map[string]string
}

// Command is shorthand for a ProcessBinding without extra environment.
func Command(executable string, args ...string) ProcessBinding {
	return ProcessBinding{Executable: executable, Args: args}
}

func (b ProcessBinding) Kind() string { return KindProcess }

func (b ProcessBinding) String() string {
	return strings.TrimSpace(b.Executable + " " + strings.Join(b.Args, " "))
}

func (b ProcessBinding) run(ctx context.Context, env *runEnv) Result {
	return runProcess(ctx, b, env.spec)
}

// CallableBinding runs a Go function with bound arguments.
type CallableBinding struct {
	// Name labels the callable in records and logs.
	Name string
	Fn   Callable
	Args []string
}

// Func is shorthand for a named CallableBinding.
func Func(name string, fn Callable, args ...string) CallableBinding {
	return CallableBinding{Name: name, Fn: fn, Args: args}
}

func (b CallableBinding) Kind() string { return KindCallable }

func (b CallableBinding) String() string {
	name := b.Name
	if name == "" {
		name = "func"
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(b.Args, ", "))
}

func (b CallableBinding) run(ctx context.Context, _ *runEnv) Result {
	if b.Fn == nil {
		return launchFailure("callable %s is nil", b.String())
	}
	return runCallable(ctx, b.Fn, b.Args)
}

// DistributedBinding names a function registered on a distributed backend.
type DistributedBinding struct {
	Function string
	Args     []string
}

// Remote is shorthand for a DistributedBinding.
func Remote(function string, args ...string) DistributedBinding {
	return DistributedBinding{Function: function, Args: args}
}

func (b DistributedBinding) Kind() string { return KindDistributed }

func (b DistributedBinding) String() string {
	return fmt.Sprintf("%s@remote(%s)", b.Function, strings.Join(b.Args, ", "))
}

func (b DistributedBinding) run(ctx context.Context, env *runEnv) Result {
	if env.functions == nil {
		return launchFailure("function %q requires a distributed backend", b.Function)
	}
	fn, ok := env.functions.Lookup(b.Function)
	if !ok || fn == nil {
		return launchFailure("function %q is not registered on the distributed backend", b.Function)
	}
	return runCallable(ctx, fn, b.Args)
}

// runCallable invokes fn in its own goroutine. Cancellation is cooperative:
// if ctx ends first the result reflects the cancellation and fn is left to
// observe ctx on its own.
func runCallable(ctx context.Context, fn Callable, args []string) Result {
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{
					ReturnCode: model.ExitLaunchFailure,
					Err:        fmt.Sprintf("callable panicked: %v\n%s", r, debug.Stack()),
				}
			}
		}()
		code, err := fn(ctx, args...)
		res := Result{ReturnCode: code}
		if err != nil {
			res.Err = err.Error()
			if code == model.ExitSuccess {
				res.ReturnCode = model.ExitFailure
			}
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return Result{ReturnCode: model.ExitKilled, Err: context.Cause(ctx).Error()}
	}
}
