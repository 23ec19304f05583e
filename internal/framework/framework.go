// Package framework wires one simulation run: the component set, the call
// dispatcher, the executor backends and the per-component task pool
// managers, all sharing one task ledger and output broker.
package framework

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/seantiz/cosim/internal/component"
	"github.com/seantiz/cosim/internal/config"
	"github.com/seantiz/cosim/internal/dispatch"
	"github.com/seantiz/cosim/internal/executor"
	"github.com/seantiz/cosim/internal/executor/distributed"
	"github.com/seantiz/cosim/internal/model"
	"github.com/seantiz/cosim/internal/services"
	"github.com/seantiz/cosim/internal/store"
	"github.com/seantiz/cosim/internal/taskpool"
)

// Factory builds a component around the services it is given.
type Factory func(svc *services.Services) component.Component

// Framework owns everything shared by the components of a run.
type Framework struct {
	cfg    config.Config
	logger *slog.Logger
	store  store.Store
	runID  string

	components  *component.Set
	dispatcher  *dispatch.Dispatcher
	registry    *executor.Registry
	distributed *distributed.Backend
	broker      *taskpool.OutputBroker

	mu       sync.Mutex
	managers map[string]*taskpool.Manager
	closed   bool
}

// New creates a framework for one run. s may be nil to run without a task
// ledger.
func New(cfg config.Config, logger *slog.Logger, s store.Store) *Framework {
	runID := model.NewID()
	logger = logger.With("run_id", runID)

	components := component.NewSet()
	registry := executor.NewRegistry()
	registry.Register(executor.NewLocalBackend(cfg.LocalMaxConcurrency, logger))
	dist := distributed.New(cfg.DistributedNodes, cfg.DistributedPPN, logger)
	registry.Register(dist)

	return &Framework{
		cfg:         cfg,
		logger:      logger,
		store:       s,
		runID:       runID,
		components:  components,
		dispatcher:  dispatch.NewDispatcher(components, logger),
		registry:    registry,
		distributed: dist,
		broker:      taskpool.NewOutputBroker(),
		managers:    make(map[string]*taskpool.Manager),
	}
}

// Register builds a component with factory and adds it to the run under
// name. The component's working directory is created under the configured
// work directory.
func (f *Framework) Register(name string, factory Factory) (component.Ref, error) {
	workDir := filepath.Join(f.cfg.WorkDir, "work", name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return component.Ref{}, fmt.Errorf("create working directory for %s: %w", name, err)
	}

	tasks := taskpool.NewManager(taskpool.Config{
		Owner:          name,
		RunID:          f.runID,
		Registry:       f.registry,
		Store:          f.store,
		Broker:         f.broker,
		Logger:         f.logger,
		DefaultTimeout: f.cfg.TaskTimeout,
	})
	svc := services.New(services.Config{
		Name:       name,
		WorkDir:    workDir,
		Components: f.components,
		Dispatcher: f.dispatcher,
		Tasks:      tasks,
		Logger:     f.logger,
	})

	ref, err := f.components.Register(name, factory(svc))
	if err != nil {
		tasks.Close()
		return component.Ref{}, err
	}

	f.mu.Lock()
	f.managers[name] = tasks
	f.mu.Unlock()

	f.logger.Debug("component registered", "component", name, "work_dir", workDir)
	return ref, nil
}

// RegisterFunction makes fn available to distributed bindings by name.
func (f *Framework) RegisterFunction(name string, fn executor.Callable) {
	f.distributed.RegisterFunction(name, fn)
}

// Run drives the named component through init, step and finalize, passing
// args to each. Every lifecycle call goes through the dispatcher.
func (f *Framework) Run(ctx context.Context, driver string, args ...any) error {
	ref, err := f.components.Lookup(driver)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	f.logger.Info("run started", "driver", driver, "components", f.components.Names())
	for _, method := range []string{model.MethodInit, model.MethodStep, model.MethodFinalize} {
		if _, err := f.dispatcher.Call(ctx, ref, method, args...); err != nil {
			f.logger.Error("run aborted", "driver", driver, "method", method, "error", err)
			return fmt.Errorf("run %s.%s: %w", driver, method, err)
		}
	}
	f.logger.Info("run finished", "driver", driver)
	return nil
}

// Close cancels the tasks still held by any component, waits for in-flight
// calls and ends every output stream. It does not close the store.
func (f *Framework) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	managers := make([]*taskpool.Manager, 0, len(f.managers))
	for _, m := range f.managers {
		managers = append(managers, m)
	}
	f.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
	f.dispatcher.Wait()
	f.broker.CloseAll()
}

func (f *Framework) RunID() string { return f.runID }
func (f *Framework) Components() *component.Set { return f.components }
func (f *Framework) Dispatcher() *dispatch.Dispatcher { return f.dispatcher }
func (f *Framework) Registry() *executor.Registry { return f.registry }
func (f *Framework) Broker() *taskpool.OutputBroker { return f.broker }
func (f *Framework) Store() store.Store { return f.store }
func (f *Framework) Logger() *slog.Logger { return f.logger }
