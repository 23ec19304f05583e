package taskpool

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/seantiz/cosim/internal/executor"
	"github.com/seantiz/cosim/internal/model"
)

// launchPoolName names the internal pool holding launched tasks. It is not
// part of the pool table, so it never collides with a pool of the owner.
const launchPoolName = "launched"

// LaunchTask starts a single task outside any pool on the backend selected
// by backend and returns an integer id for the wait and kill operations.
// A task that cannot be started is recorded as a launch failure and the
// error is returned.
func (m *Manager) LaunchTask(ctx context.Context, resourceCount int, workingDir string, binding executor.Binding, backend executor.Options, opts ...TaskOption) (int, error) {
	if binding == nil {
		return 0, fmt.Errorf("launch task: binding is required")
	}

	m.mu.Lock()
	m.nextLaunch++
	id := m.nextLaunch
	name := strconv.Itoa(id)
	t := m.newTask(launchPoolName, name, resourceCount, workingDir, binding, opts)
	m.launched.tasks[name] = t
	m.launched.order = append(m.launched.order, t)
	rec := t.rec
	m.mu.Unlock()

	m.ledger("create task", rec.ID, func(ctx context.Context) error {
		return m.store.CreateTask(ctx, &rec)
	})

	if _, err := m.start(ctx, m.launched, []*task{t}, backend); err != nil {
		m.finish(m.launched, t, outcome{
			status: model.TaskDone,
			code:   model.ExitLaunchFailure,
			err:    err.Error(),
		})
		m.forget(id)
		return 0, err
	}

	m.logger.Debug("task launched", "launch_id", id, "binding", rec.Binding)
	return id, nil
}

// WaitLaunched blocks until the launched task is terminal, returns its
// return code and forgets the task.
func (m *Manager) WaitLaunched(ctx context.Context, id int) (int, error) {
	m.mu.Lock()
	t, err := m.lookupLaunched(id)
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}

	code, err := m.await(ctx, t)
	if err != nil {
		return 0, err
	}
	m.forget(id)
	return code, nil
}

// WaitLaunchedList waits for every listed launched task and forgets them.
// Unknown ids are reported before waiting on anything.
func (m *Manager) WaitLaunchedList(ctx context.Context, ids []int) (map[int]int, error) {
	m.mu.Lock()
	tasks := make([]*task, 0, len(ids))
	for _, id := range ids {
		t, err := m.lookupLaunched(id)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	codes := make(map[int]int, len(ids))
	for i, t := range tasks {
		code, err := m.await(ctx, t)
		if err != nil {
			return nil, err
		}
		codes[ids[i]] = code
	}
	for _, id := range ids {
		m.forget(id)
	}
	return codes, nil
}

// KillLaunched cancels a launched task. The task stays waitable.
func (m *Manager) KillLaunched(id int) error {
	m.mu.Lock()
	t, err := m.lookupLaunched(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.kill(m.launched, t, errKilled)
	return nil
}

// KillAllLaunched cancels every launched task that is still running.
func (m *Manager) KillAllLaunched() {
	m.mu.Lock()
	live := liveTasks(m.launched)
	m.mu.Unlock()

	for _, t := range live {
		m.kill(m.launched, t, errKilled)
	}
}

// Launched returns a snapshot of a launched task's record.
func (m *Manager) Launched(id int) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.lookupLaunched(id)
	if err != nil {
		return model.Task{}, err
	}
	return t.rec, nil
}

// lookupLaunched finds a launched task. Callers hold m.mu.
func (m *Manager) lookupLaunched(id int) (*task, error) {
	t, ok := m.launched.tasks[strconv.Itoa(id)]
	if !ok {
		return nil, fmt.Errorf("%w: launched task %d", ErrTaskNotFound, id)
	}
	return t, nil
}

func (m *Manager) forget(id int) {
	m.mu.Lock()
	name := strconv.Itoa(id)
	t, ok := m.launched.tasks[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.launched.tasks, name)
	m.launched.order = slices.DeleteFunc(m.launched.order, func(o *task) bool {
		return o == t
	})
	ids := unlist([]*task{t})
	m.mu.Unlock()

	m.broker.Forget(ids...)
}

// LaunchedTasks returns the number of launched tasks not yet waited on.
func (m *Manager) LaunchedTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.launched.tasks)
}
