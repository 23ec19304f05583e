// Package services is the facade a component uses to reach the rest of a
// run: other components through the dispatcher, its own task pools, and
// the run's log.
package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/cosim/internal/component"
	"github.com/seantiz/cosim/internal/dispatch"
	"github.com/seantiz/cosim/internal/executor"
	"github.com/seantiz/cosim/internal/model"
	"github.com/seantiz/cosim/internal/taskpool"
)

// Config wires a Services instance to the run it belongs to.
type Config struct {
	Name       string
	WorkDir    string
	Components *component.Set
	Dispatcher *dispatch.Dispatcher
	Tasks      *taskpool.Manager
	Logger     *slog.Logger
}

// Services is handed to one component at construction.
type Services struct {
	name       string
	workDir    string
	components *component.Set
	dispatcher *dispatch.Dispatcher
	tasks      *taskpool.Manager
	logger     *slog.Logger
}

// New creates the services of one component.
func New(cfg Config) *Services {
	return &Services{
		name:       cfg.Name,
		workDir:    cfg.WorkDir,
		components: cfg.Components,
		dispatcher: cfg.Dispatcher,
		tasks:      cfg.Tasks,
		logger:     cfg.Logger.With("component", cfg.Name),
	}
}

// Name returns the name of the component these services belong to.
func (s *Services) Name() string { return s.name }

// WorkingDir returns the component's working directory.
func (s *Services) WorkingDir() string { return s.workDir }

// GetPort resolves a component name to a reference usable as a call target.
func (s *Services) GetPort(name string) (component.Ref, error) {
	return s.components.Lookup(name)
}

// Call invokes method on target and waits for its result.
func (s *Services) Call(ctx context.Context, target component.Ref, method string, args ...any) (any, error) {
	return s.dispatcher.Call(ctx, target, method, args...)
}

// CallNonblocking starts method on target and returns the call's id.
func (s *Services) CallNonblocking(ctx context.Context, target component.Ref, method string, args ...any) (model.CallID, error) {
	return s.dispatcher.CallNonblocking(ctx, target, method, args...)
}

// WaitCall returns the result of a call; see dispatch.Dispatcher.WaitCall.
func (s *Services) WaitCall(ctx context.Context, id model.CallID, block bool) (any, error) {
	return s.dispatcher.WaitCall(ctx, id, block)
}

// WaitCallList returns the results of several calls; see
// dispatch.Dispatcher.WaitCallList.
func (s *Services) WaitCallList(ctx context.Context, ids []model.CallID, block bool) (map[model.CallID]any, error) {
	return s.dispatcher.WaitCallList(ctx, ids, block)
}

func (s *Services) CreateTaskPool(pool string) error {
	return s.tasks.CreateTaskPool(pool)
}

func (s *Services) AddTask(pool, task string, resourceCount int, workingDir string, binding executor.Binding, opts ...taskpool.TaskOption) error {
	return s.tasks.AddTask(pool, task, resourceCount, workingDir, binding, opts...)
}

func (s *Services) SubmitTasks(ctx context.Context, pool string, opts executor.Options) (int, error) {
	return s.tasks.SubmitTasks(ctx, pool, opts)
}

func (s *Services) GetFinishedTasks(ctx context.Context, pool string, block bool) (map[string]int, error) {
	return s.tasks.GetFinishedTasks(ctx, pool, block)
}

func (s *Services) WaitTask(ctx context.Context, pool, task string) (int, error) {
	return s.tasks.WaitTask(ctx, pool, task)
}

func (s *Services) WaitTaskList(ctx context.Context, pool string, tasks []string) (map[string]int, error) {
	return s.tasks.WaitTaskList(ctx, pool, tasks)
}

func (s *Services) KillTask(pool, task string) error {
	return s.tasks.KillTask(pool, task)
}

func (s *Services) KillAllTasks(pool string) error {
	return s.tasks.KillAllTasks(pool)
}

// RemoveTaskPool deletes a pool. A missing pool yields
// taskpool.ErrPoolNotFound, which callers usually log and ignore.
func (s *Services) RemoveTaskPool(pool string) error {
	return s.tasks.RemoveTaskPool(pool)
}

func (s *Services) ActiveTasks(pool string) (int, error) {
	return s.tasks.ActiveTasks(pool)
}

func (s *Services) FinishedTasks(pool string) (int, error) {
	return s.tasks.FinishedTasks(pool)
}

func (s *Services) LaunchTask(ctx context.Context, resourceCount int, workingDir string, binding executor.Binding, backend executor.Options, opts ...taskpool.TaskOption) (int, error) {
	return s.tasks.LaunchTask(ctx, resourceCount, workingDir, binding, backend, opts...)
}

func (s *Services) WaitLaunched(ctx context.Context, id int) (int, error) {
	return s.tasks.WaitLaunched(ctx, id)
}

func (s *Services) WaitLaunchedList(ctx context.Context, ids []int) (map[int]int, error) {
	return s.tasks.WaitLaunchedList(ctx, ids)
}

func (s *Services) KillLaunched(id int) error {
	return s.tasks.KillLaunched(id)
}

func (s *Services) KillAllLaunched() {
	s.tasks.KillAllLaunched()
}

// LaunchedTasks returns how many launched tasks have not been waited on.
func (s *Services) LaunchedTasks() int {
	return s.tasks.LaunchedTasks()
}

// Log writes an informational message to the run log, tagged with the
// component's name.
func (s *Services) Log(msg string, args ...any) {
	s.logger.Info(msg, args...)
}

// Logf is Log with a formatted message.
func (s *Services) Logf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// Warnf writes a formatted warning to the run log.
func (s *Services) Warnf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}

// Debugf writes a formatted debug message to the run log.
func (s *Services) Debugf(format string, args ...any) {
	s.logger.Debug(fmt.Sprintf(format, args...))
}
