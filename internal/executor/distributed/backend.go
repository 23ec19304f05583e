// Package distributed provides an executor backend that spreads tasks over a
// fixed set of workers. Workers are laid out as nodes × processes-per-node and
// each runs the worker plugin's Setup and Teardown exactly once.
package distributed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/cosim/internal/executor"
	"github.com/seantiz/cosim/internal/model"
)

// BackendName is the registry name of the distributed backend.
const BackendName = "distributed"

// Backend runs tasks on a pool of workers started per session. Functions
// registered with RegisterFunction are what DistributedBinding resolves to.
type Backend struct {
	defaultNodes int
	defaultPPN   int
	logger       *slog.Logger

	mu        sync.RWMutex
	functions map[string]executor.Callable
}

// New creates a distributed backend. nodes and ppn are the layout used when
// a submission does not specify one.
func New(nodes, ppn int, logger *slog.Logger) *Backend {
	return &Backend{
		defaultNodes: max(1, nodes),
		defaultPPN:   max(1, ppn),
		logger:       logger,
		functions:    make(map[string]executor.Callable),
	}
}

// RegisterFunction makes fn callable by name from a DistributedBinding.
func (b *Backend) RegisterFunction(name string, fn executor.Callable) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.functions[name] = fn
}

// Lookup implements executor.FunctionTable.
func (b *Backend) Lookup(name string) (executor.Callable, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.functions[name]
	return fn, ok
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) Capabilities() executor.Capabilities {
	return executor.Capabilities{
		Name:           BackendName,
		Bindings:       []string{executor.KindProcess, executor.KindCallable, executor.KindDistributed},
		MaxConcurrency: b.defaultNodes * b.defaultPPN,
		Distributed:    true,
	}
}

// Start launches the session's workers. It returns once every worker has
// been started; plugin setup runs on the workers themselves.
func (b *Backend) Start(ctx context.Context, opts executor.Options) (executor.Session, error) {
	nodes, ppn := b.defaultNodes, b.defaultPPN
	if opts.Nodes > 0 {
		nodes = opts.Nodes
	}
	if opts.ProcessesPerNode > 0 {
		ppn = opts.ProcessesPerNode
	}

	s := &session{
		backend: b,
		plugin:  opts.Plugin,
		jobs:    make(chan job),
		closing: make(chan struct{}),
		dead:    make(chan struct{}),
		logger:  b.logger.With("session", uuid.NewString()),
	}

	total := nodes * ppn
	s.alive.Store(int32(total))
	s.workers = make([]executor.WorkerInfo, total)
	for i := range total {
		w := executor.WorkerInfo{ID: uuid.NewString(), Index: i, Node: i / ppn}
		s.workers[i] = w
		s.group.Go(func() error {
			return s.work(w)
		})
	}

	s.logger.Info("distributed session started", "nodes", nodes, "ppn", ppn)
	return s, nil
}

type job struct {
	ctx    context.Context
	spec   executor.Spec
	result chan executor.Result
}

type session struct {
	backend *Backend
	plugin  executor.WorkerPlugin
	workers []executor.WorkerInfo
	logger  *slog.Logger

	group errgroup.Group
	jobs  chan job

	closeOnce sync.Once
	closing   chan struct{}

	alive atomic.Int32
	dead  chan struct{}
}

// work is one worker's lifecycle: setup, take jobs until the session closes,
// teardown.
func (s *session) work(w executor.WorkerInfo) error {
	defer func() {
		if s.alive.Add(-1) == 0 {
			close(s.dead)
		}
	}()

	if s.plugin != nil {
		if err := s.plugin.Setup(w); err != nil {
			s.logger.Warn("worker setup failed", "worker", w.ID, "index", w.Index, "error", err)
			return fmt.Errorf("worker %d setup: %w", w.Index, err)
		}
		defer s.plugin.Teardown(w)
	}

	for {
		select {
		case <-s.closing:
			return nil
		case j := <-s.jobs:
			s.logger.Debug("worker executing task", "worker", w.Index, "node", w.Node, "task", j.spec.Name)
			j.result <- executor.Run(j.ctx, j.spec, s.backend)
		}
	}
}

func (s *session) Execute(ctx context.Context, spec executor.Spec) executor.Result {
	j := job{ctx: ctx, spec: spec, result: make(chan executor.Result, 1)}

	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return executor.Result{ReturnCode: model.ExitKilled, Err: context.Cause(ctx).Error()}
	case <-s.dead:
		return executor.Result{ReturnCode: model.ExitLaunchFailure, Err: "no distributed worker is available"}
	case <-s.closing:
		return executor.Result{ReturnCode: model.ExitLaunchFailure, Err: "distributed session is closed"}
	}

	select {
	case res := <-j.result:
		return res
	case <-ctx.Done():
		// The worker observes the same ctx and will return shortly; its
		// result is discarded into the buffered channel.
		return executor.Result{ReturnCode: model.ExitKilled, Err: context.Cause(ctx).Error()}
	}
}

// Close stops the workers once they finish their current task and waits for
// their teardown, bounded by ctx.
func (s *session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("distributed session closed with worker errors", "error", err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers returns the identities of the session's workers.
func (s *session) Workers() []executor.WorkerInfo {
	return append([]executor.WorkerInfo(nil), s.workers...)
}
