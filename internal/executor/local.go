package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/cosim/internal/model"
)

// LocalBackendName is the name of the in-host backend and the default.
const LocalBackendName = "local"

// LocalBackend runs processes and callables on this host. An optional
// concurrency ceiling, measured in resource units, is shared by all sessions.
type LocalBackend struct {
	maxConcurrency int64
	sem            *semaphore.Weighted
	logger         *slog.Logger
}

// NewLocalBackend creates a local backend. maxConcurrency <= 0 means no ceiling.
func NewLocalBackend(maxConcurrency int, logger *slog.Logger) *LocalBackend {
	b := &LocalBackend{logger: logger}
	if maxConcurrency > 0 {
		b.maxConcurrency = int64(maxConcurrency)
		b.sem = semaphore.NewWeighted(b.maxConcurrency)
	}
	return b
}

func (b *LocalBackend) Name() string { return LocalBackendName }

func (b *LocalBackend) Capabilities() Capabilities {
	return Capabilities{
		Name:           LocalBackendName,
		Bindings:       []string{KindProcess, KindCallable},
		MaxConcurrency: int(b.maxConcurrency),
	}
}

// Start opens a session. The local host counts as a single worker, so a
// plugin's Setup runs here and its Teardown on Close.
func (b *LocalBackend) Start(_ context.Context, opts Options) (Session, error) {
	s := &localSession{backend: b, plugin: opts.Plugin, worker: WorkerInfo{ID: LocalBackendName}}
	if s.plugin != nil {
		if err := s.plugin.Setup(s.worker); err != nil {
			return nil, fmt.Errorf("local worker setup: %w", err)
		}
	}
	return s, nil
}

type localSession struct {
	backend   *LocalBackend
	plugin    WorkerPlugin
	worker    WorkerInfo
	closeOnce sync.Once
}

func (s *localSession) Execute(ctx context.Context, spec Spec) Result {
	if sem := s.backend.sem; sem != nil {
		w := s.backend.weight(spec.ResourceCount)
		if err := sem.Acquire(ctx, w); err != nil {
			return Result{ReturnCode: model.ExitKilled, Err: fmt.Sprintf("cancelled waiting for resources: %v", context.Cause(ctx))}
		}
		defer sem.Release(w)
	}
	s.backend.logger.Debug("executing task", "pool", spec.Pool, "task", spec.Name, "binding", spec.Binding.String())
	return Run(ctx, spec, nil)
}

func (s *localSession) Close(context.Context) error {
	s.closeOnce.Do(func() {
		if s.plugin != nil {
			s.plugin.Teardown(s.worker)
		}
	})
	return nil
}

// weight clamps a resource request to the ceiling so that oversized tasks
// still run, alone.
func (b *LocalBackend) weight(resources int) int64 {
	w := int64(resources)
	if w < 1 {
		w = 1
	}
	if w > b.maxConcurrency {
		w = b.maxConcurrency
	}
	return w
}
