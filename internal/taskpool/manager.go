package taskpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/cosim/internal/executor"
	"github.com/seantiz/cosim/internal/model"
	"github.com/seantiz/cosim/internal/store"
)

// sessionCloseTimeout bounds how long a finished batch waits for its
// backend session to shut down.
const sessionCloseTimeout = 30 * time.Second

// Config configures a Manager.
type Config struct {
	// Owner is the name of the component owning the pools.
	Owner    string
	RunID    string
	Registry *executor.Registry
	// Store is the task ledger. Nil disables persistence.
	Store  store.Store
	Broker *OutputBroker
	Logger *slog.Logger
	// DefaultTimeout applies to tasks added without WithTimeout. Zero means
	// no limit.
	DefaultTimeout time.Duration
}

// Manager owns the task pools of one component. All pool and task state is
// guarded by a single mutex, so concurrent callers observe a consistent
// view and drains are disjoint.
type Manager struct {
	owner          string
	runID          string
	registry       *executor.Registry
	store          store.Store
	broker         *OutputBroker
	logger         *slog.Logger
	defaultTimeout time.Duration
	wg             sync.WaitGroup

	mu         sync.Mutex
	pools      map[string]*pool
	launched   *pool
	nextLaunch int
}

type pool struct {
	name   string
	state  model.PoolState
	tasks  map[string]*task
	order  []*task
	active int
	// changed is closed and replaced whenever a task of the pool finishes.
	changed chan struct{}
}

func newPool(name string) *pool {
	return &pool{
		name:    name,
		state:   model.PoolEmpty,
		tasks:   make(map[string]*task),
		changed: make(chan struct{}),
	}
}

func (p *pool) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// batch is the set of tasks started by one submission. The session is
// closed when the last of them stops executing.
type batch struct {
	session  executor.Session
	backend  string
	inflight int
}

// task is the manager's record of one task. rec, drained, timer and batch
// are guarded by Manager.mu.
type task struct {
	rec     model.Task
	binding executor.Binding
	timeout time.Duration
	batch   *batch
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timer   *time.Timer
	done    chan struct{}
	drained bool
	// unlisted is set once the task left its pool table; its output
	// marker is dropped as soon as the stream ends.
	unlisted bool
}

// TaskOption customizes a task when it is added.
type TaskOption func(*task)

// WithTimeout sets a wall-clock limit for the task, measured from its
// admission to a backend worker. A task exceeding it finishes with model.ExitTimeout.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *task) {
		t.timeout = d
	}
}

// NewManager creates a task pool manager.
func NewManager(cfg Config) *Manager {
	broker := cfg.Broker
	if broker == nil {
		broker = NewOutputBroker()
	}
	return &Manager{
		owner:          cfg.Owner,
		runID:          cfg.RunID,
		registry:       cfg.Registry,
		store:          cfg.Store,
		broker:         broker,
		logger:         cfg.Logger.With("owner", cfg.Owner),
		defaultTimeout: cfg.DefaultTimeout,
		pools:          make(map[string]*pool),
		launched:       newPool(launchPoolName),
	}
}

// Broker returns the output broker tasks publish to.
func (m *Manager) Broker() *OutputBroker {
	return m.broker
}

// CreateTaskPool creates an empty pool.
func (m *Manager) CreateTaskPool(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[name]; ok {
		return fmt.Errorf("%w: %s", ErrPoolExists, name)
	}
	m.pools[name] = newPool(name)
	m.logger.Debug("task pool created", "pool", name)
	return nil
}

// AddTask registers a task in an unsubmitted pool.
func (m *Manager) AddTask(poolName, taskName string, resourceCount int, workingDir string, binding executor.Binding, opts ...TaskOption) error {
	if binding == nil {
		return fmt.Errorf("add task %s/%s: binding is required", poolName, taskName)
	}
	t := m.newTask(poolName, taskName, resourceCount, workingDir, binding, opts)

	m.mu.Lock()
	p, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	if p.state == model.PoolSubmitted {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPoolSubmitted, poolName)
	}
	if _, dup := p.tasks[taskName]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s/%s", ErrTaskExists, poolName, taskName)
	}
	p.tasks[taskName] = t
	p.order = append(p.order, t)
	p.state = model.PoolPopulated
	rec := t.rec
	m.mu.Unlock()

	m.ledger("create task", rec.ID, func(ctx context.Context) error {
		return m.store.CreateTask(ctx, &rec)
	})
	return nil
}

func (m *Manager) newTask(poolName, taskName string, resourceCount int, workingDir string, binding executor.Binding, opts []TaskOption) *task {
	t := &task{
		binding: binding,
		timeout: m.defaultTimeout,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.rec = model.Task{
		ID:            model.NewID(),
		RunID:         m.runID,
		Owner:         m.owner,
		Pool:          poolName,
		Name:          taskName,
		Status:        model.TaskQueued,
		ResourceCount: resourceCount,
		WorkingDir:    workingDir,
		Binding:       binding.String(),
		CreatedAt:     time.Now().UTC(),
	}
	if t.timeout > 0 {
		ms := t.timeout.Milliseconds()
		t.rec.TimeoutMS = &ms
	}
	return t
}

// SubmitTasks starts every task of a populated pool on the backend selected
// by opts and returns the number of tasks accepted. It does not wait for
// them to finish.
func (m *Manager) SubmitTasks(ctx context.Context, poolName string, opts executor.Options) (int, error) {
	m.mu.Lock()
	p, ok := m.pools[poolName]
	switch {
	case !ok:
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	case p.state == model.PoolSubmitted:
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrPoolSubmitted, poolName)
	case len(p.order) == 0:
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrPoolEmpty, poolName)
	}
	p.state = model.PoolSubmitted
	tasks := slices.Clone(p.order)
	m.mu.Unlock()

	n, err := m.start(ctx, p, tasks, opts)
	if err != nil {
		m.mu.Lock()
		p.state = model.PoolPopulated
		m.mu.Unlock()
		return 0, err
	}

	m.logger.Info("task pool submitted", "pool", poolName, "accepted", n, "backend", opts.Backend)
	return n, nil
}

// start opens a backend session and launches every still-queued task of
// tasks on it.
func (m *Manager) start(ctx context.Context, p *pool, tasks []*task, opts executor.Options) (int, error) {
	b, err := m.registry.Resolve(opts.Backend)
	if err != nil {
		return 0, fmt.Errorf("submit %s: %w", p.name, err)
	}
	session, err := b.Start(ctx, opts)
	if err != nil {
		return 0, fmt.Errorf("start %s session for %s: %w", b.Name(), p.name, err)
	}

	bt := &batch{session: session, backend: b.Name()}
	now := time.Now().UTC()
	var started []*task

	m.mu.Lock()
	for _, t := range tasks {
		// Tasks killed before submission stay killed.
		if t.rec.Status != model.TaskQueued {
			continue
		}
		t.rec.Status = model.TaskRunning
		t.rec.Backend = bt.backend
		t.rec.StartedAt = &now
		t.batch = bt
		t.ctx, t.cancel = context.WithCancelCause(context.Background())
		started = append(started, t)
	}
	bt.inflight = len(started)
	p.active += len(started)
	m.mu.Unlock()

	if len(started) == 0 {
		m.closeSession(bt)
		return 0, nil
	}

	tasksActive.Add(float64(len(started)))
	for _, t := range started {
		id := t.rec.ID
		m.ledger("mark task running", id, func(ctx context.Context) error {
			return m.store.StartTask(ctx, id, bt.backend)
		})
	}
	for _, t := range started {
		m.wg.Go(func() {
			m.run(p, t)
		})
	}
	return len(started), nil
}

// run executes one task and records its natural completion. A kill or
// timeout recorded first takes precedence.
func (m *Manager) run(p *pool, t *task) {
	id := t.rec.ID
	defer m.release(t)

	m.mu.Lock()
	spec := executor.Spec{
		ID:            id,
		Pool:          t.rec.Pool,
		Name:          t.rec.Name,
		ResourceCount: t.rec.ResourceCount,
		WorkingDir:    t.rec.WorkingDir,
		Binding:       t.binding,
	}
	session := t.batch.session
	m.mu.Unlock()

	// Output is dual-written: persisted for history, then published for
	// live subscribers.
	var seq atomic.Int32
	spec.Output = func(line string) {
		n := int(seq.Add(1) - 1)
		m.ledger("persist output line", id, func(ctx context.Context) error {
			return m.store.InsertOutputLine(ctx, id, n, line)
		})
		m.broker.Publish(id, line)
	}

	// The timeout clock starts when a worker admits the task, so time spent
	// waiting for resources does not count against it.
	spec.Started = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !t.rec.Status.Terminal() && t.timeout > 0 && t.timer == nil {
			t.timer = time.AfterFunc(t.timeout, func() {
				m.expire(p, t)
			})
		}
	}

	res := session.Execute(t.ctx, spec)
	m.finish(p, t, outcome{
		status: model.TaskDone,
		code:   res.ReturnCode,
		err:    res.Err,
		output: res.Output,
	})
}

// release ends a task's output stream and closes its session once the
// whole batch has stopped executing.
func (m *Manager) release(t *task) {
	m.endOutput(t)

	m.mu.Lock()
	bt := t.batch
	bt.inflight--
	last := bt.inflight == 0
	m.mu.Unlock()

	if last {
		m.closeSession(bt)
	}
}

// endOutput closes the task's output stream. The closed marker is dropped
// when the task already left its pool table.
func (m *Manager) endOutput(t *task) {
	m.broker.Close(t.rec.ID)

	m.mu.Lock()
	unlisted := t.unlisted
	m.mu.Unlock()
	if unlisted {
		m.broker.Forget(t.rec.ID)
	}
}

func (m *Manager) closeSession(bt *batch) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
	defer cancel()
	if err := bt.session.Close(ctx); err != nil {
		m.logger.Warn("closing backend session", "backend", bt.backend, "error", err)
	}
}

// GetFinishedTasks returns the return codes of the pool's tasks that
// finished since the previous call. Each finished task is reported exactly
// once. With block set it first waits until no task of the pool is running.
func (m *Manager) GetFinishedTasks(ctx context.Context, poolName string, block bool) (map[string]int, error) {
	for {
		m.mu.Lock()
		p, ok := m.pools[poolName]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
		}
		if !block || p.active == 0 {
			finished := drain(p)
			m.mu.Unlock()
			return finished, nil
		}
		changed := p.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// drain collects and marks the pool's undrained terminal tasks. Callers
// hold m.mu.
func drain(p *pool) map[string]int {
	finished := make(map[string]int)
	for _, t := range p.order {
		if t.drained || !t.rec.Status.Terminal() {
			continue
		}
		t.drained = true
		finished[t.rec.Name] = *t.rec.ReturnCode
	}
	return finished
}

// WaitTask blocks until the named task is terminal and returns its return
// code.
func (m *Manager) WaitTask(ctx context.Context, poolName, taskName string) (int, error) {
	m.mu.Lock()
	t, err := m.lookup(poolName, taskName)
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return m.await(ctx, t)
}

// WaitTaskList blocks until every named task is terminal. Unknown names are
// reported before waiting on anything.
func (m *Manager) WaitTaskList(ctx context.Context, poolName string, taskNames []string) (map[string]int, error) {
	m.mu.Lock()
	tasks := make([]*task, 0, len(taskNames))
	for _, name := range taskNames {
		t, err := m.lookup(poolName, name)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	codes := make(map[string]int, len(tasks))
	for _, t := range tasks {
		code, err := m.await(ctx, t)
		if err != nil {
			return nil, err
		}
		codes[t.rec.Name] = code
	}
	return codes, nil
}

func (m *Manager) await(ctx context.Context, t *task) (int, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return *t.rec.ReturnCode, nil
}

// lookup finds a task by pool and name. Callers hold m.mu.
func (m *Manager) lookup(poolName, taskName string) (*task, error) {
	p, ok := m.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	t, ok := p.tasks[taskName]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrTaskNotFound, poolName, taskName)
	}
	return t, nil
}

// KillTask cancels one task. It finishes with model.ExitKilled unless it
// already reached a terminal state, in which case nothing changes.
func (m *Manager) KillTask(poolName, taskName string) error {
	m.mu.Lock()
	t, err := m.lookup(poolName, taskName)
	var p *pool
	if err == nil {
		p = m.pools[poolName]
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.kill(p, t, errKilled)
	return nil
}

// KillAllTasks cancels every task of the pool that is not yet terminal.
func (m *Manager) KillAllTasks(poolName string) error {
	m.mu.Lock()
	p, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	live := liveTasks(p)
	m.mu.Unlock()

	for _, t := range live {
		m.kill(p, t, errKilled)
	}
	return nil
}

// RemoveTaskPool cancels the pool's remaining tasks and deletes it.
// Removing an unknown pool returns ErrPoolNotFound.
func (m *Manager) RemoveTaskPool(poolName string) error {
	m.mu.Lock()
	p, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	delete(m.pools, poolName)
	live := liveTasks(p)
	ids := unlist(p.order)
	m.mu.Unlock()

	for _, t := range live {
		m.kill(p, t, errPoolRemoved)
	}
	m.broker.Forget(ids...)
	m.logger.Debug("task pool removed", "pool", poolName, "cancelled", len(live))
	return nil
}

// unlist marks tasks as removed from their pool and returns their ledger
// ids. Callers hold m.mu.
func unlist(tasks []*task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		t.unlisted = true
		ids = append(ids, t.rec.ID)
	}
	return ids
}

// liveTasks returns the pool's non-terminal tasks. Callers hold m.mu.
func liveTasks(p *pool) []*task {
	var live []*task
	for _, t := range p.order {
		if !t.rec.Status.Terminal() {
			live = append(live, t)
		}
	}
	return live
}

// ActiveTasks returns the number of submitted tasks of the pool that are
// still running.
func (m *Manager) ActiveTasks(poolName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	return p.active, nil
}

// FinishedTasks returns the number of terminal tasks in the pool, drained
// or not.
func (m *Manager) FinishedTasks(poolName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	n := 0
	for _, t := range p.order {
		if t.rec.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// Task returns a snapshot of the named task's record. Drained tasks remain
// queryable until their pool is removed.
func (m *Manager) Task(poolName, taskName string) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookup(poolName, taskName)
	if err != nil {
		return model.Task{}, err
	}
	return t.rec, nil
}

// PoolState returns the submission state of a pool.
func (m *Manager) PoolState(poolName string) (model.PoolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPoolNotFound, poolName)
	}
	return p.state, nil
}

// Close kills every remaining task, including launched ones, and waits for
// their executions to stop.
func (m *Manager) Close() {
	m.mu.Lock()
	live := make(map[*task]*pool)
	for _, p := range append(slices.Collect(maps.Values(m.pools)), m.launched) {
		for _, t := range liveTasks(p) {
			live[t] = p
		}
	}
	m.mu.Unlock()

	for t, p := range live {
		m.kill(p, t, errPoolRemoved)
	}
	m.wg.Wait()
}

// ledger runs a task-ledger write. Failures are logged; the ledger never
// decides a task's outcome.
func (m *Manager) ledger(op, taskID string, fn func(ctx context.Context) error) {
	if m.store == nil {
		return
	}
	err := fn(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInvalidTransition):
		// A kill or timeout was recorded before the running mark landed.
		m.logger.Debug("task ledger transition skipped", "op", op, "task_id", taskID, "error", err)
	default:
		m.logger.Error("task ledger write failed", "op", op, "task_id", taskID, "error", err)
	}
}
