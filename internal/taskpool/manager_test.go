package taskpool_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/cosim/internal/executor"
	"github.com/seantiz/cosim/internal/model"
	"github.com/seantiz/cosim/internal/store"
	"github.com/seantiz/cosim/internal/taskpool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, defaultTimeout time.Duration) (*taskpool.Manager, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := executor.NewRegistry()
	reg.Register(executor.NewLocalBackend(0, testLogger()))

	m := taskpool.NewManager(taskpool.Config{
		Owner:          "worker",
		RunID:          "run-test",
		Registry:       reg,
		Store:          s,
		Logger:         testLogger(),
		DefaultTimeout: defaultTimeout,
	})
	t.Cleanup(m.Close)
	return m, s
}

func succeed(context.Context, ...string) (int, error) { return 0, nil }

func blockUntilCancelled(ctx context.Context, _ ...string) (int, error) {
	<-ctx.Done()
	return 0, context.Cause(ctx)
}

func exitWith(code int) executor.Callable {
	return func(context.Context, ...string) (int, error) { return code, nil }
}

func local() executor.Options { return executor.Options{} }

func TestCreateTaskPoolDuplicate(t *testing.T) {
	m, _ := newTestManager(t, 0)

	require.NoError(t, m.CreateTaskPool("pool"))
	err := m.CreateTaskPool("pool")
	assert.ErrorIs(t, err, taskpool.ErrPoolExists)

	state, err := m.PoolState("pool")
	require.NoError(t, err)
	assert.Equal(t, model.PoolEmpty, state)
}

func TestAddTaskToMissingPoolRecordsNothing(t *testing.T) {
	m, s := newTestManager(t, 0)

	err := m.AddTask("nope", "task_0", 1, "", executor.Func("ok", succeed))
	assert.ErrorIs(t, err, taskpool.ErrPoolNotFound)

	_, total, err := s.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAddTaskValidation(t *testing.T) {
	m, _ := newTestManager(t, 0)
	require.NoError(t, m.CreateTaskPool("pool"))

	require.NoError(t, m.AddTask("pool", "task_0", 1, "", executor.Func("ok", succeed)))
	assert.ErrorIs(t, m.AddTask("pool", "task_0", 1, "", executor.Func("ok", succeed)), taskpool.ErrTaskExists)
	assert.Error(t, m.AddTask("pool", "task_1", 1, "", nil))

	state, err := m.PoolState("pool")
	require.NoError(t, err)
	assert.Equal(t, model.PoolPopulated, state)

	_, err = m.SubmitTasks(context.Background(), "pool", local())
	require.NoError(t, err)
	assert.ErrorIs(t, m.AddTask("pool", "late", 1, "", executor.Func("ok", succeed)), taskpool.ErrPoolSubmitted)
}

func TestSubmitValidation(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	_, err := m.SubmitTasks(ctx, "missing", local())
	assert.ErrorIs(t, err, taskpool.ErrPoolNotFound)

	require.NoError(t, m.CreateTaskPool("pool"))
	_, err = m.SubmitTasks(ctx, "pool", local())
	assert.ErrorIs(t, err, taskpool.ErrPoolEmpty)

	require.NoError(t, m.AddTask("pool", "task_0", 1, "", executor.Func("ok", succeed)))
	_, err = m.SubmitTasks(ctx, "pool", executor.Options{Backend: "gpu-cluster"})
	assert.Error(t, err)
	state, _ := m.PoolState("pool")
	assert.Equal(t, model.PoolPopulated, state, "failed submission leaves the pool resubmittable")

	n, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.SubmitTasks(ctx, "pool", local())
	assert.ErrorIs(t, err, taskpool.ErrPoolSubmitted)
}

func TestThreeImmediateTasks(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AddTask("pool", fmt.Sprintf("task_%d", i), 1, t.TempDir(), executor.Func("ok", succeed)))
	}

	n, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	finished, err := m.GetFinishedTasks(ctx, "pool", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"task_0": 0, "task_1": 0, "task_2": 0}, finished)

	again, err := m.GetFinishedTasks(ctx, "pool", true)
	require.NoError(t, err)
	assert.Empty(t, again)

	active, err := m.ActiveTasks("pool")
	require.NoError(t, err)
	done, err := m.FinishedTasks("pool")
	require.NoError(t, err)
	assert.Equal(t, 0, active)
	assert.Equal(t, 3, done)

	// Drained tasks stay queryable.
	rec, err := m.Task("pool", "task_1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskDone, rec.Status)
	assert.Equal(t, executor.LocalBackendName, rec.Backend)
}

func TestDrainPartitionsTasks(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()
	const n = 10

	gates := make([]chan struct{}, n)
	require.NoError(t, m.CreateTaskPool("pool"))
	for i := range gates {
		gates[i] = make(chan struct{})
		gate := gates[i]
		require.NoError(t, m.AddTask("pool", fmt.Sprintf("task_%d", i), 1, "", executor.Func("gated", func(context.Context, ...string) (int, error) {
			<-gate
			return i, nil
		})))
	}
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	seen := make(map[string]int)
	for i, gate := range gates {
		close(gate)
		_, err := m.WaitTask(ctx, "pool", fmt.Sprintf("task_%d", i))
		require.NoError(t, err)

		if i%3 == 0 {
			batch, err := m.GetFinishedTasks(ctx, "pool", false)
			require.NoError(t, err)
			for name, code := range batch {
				_, dup := seen[name]
				require.False(t, dup, "task %s reported twice", name)
				seen[name] = code
			}
		}
	}
	rest, err := m.GetFinishedTasks(ctx, "pool", true)
	require.NoError(t, err)
	for name, code := range rest {
		_, dup := seen[name]
		require.False(t, dup, "task %s reported twice", name)
		seen[name] = code
	}

	require.Len(t, seen, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, seen[fmt.Sprintf("task_%d", i)])
	}

	empty, err := m.GetFinishedTasks(ctx, "pool", false)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConcurrentDrainsAreDisjoint(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()
	const n = 50

	require.NoError(t, m.CreateTaskPool("pool"))
	for i := 0; i < n; i++ {
		require.NoError(t, m.AddTask("pool", fmt.Sprintf("task_%d", i), 1, "", executor.Func("ok", succeed)))
	}
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		seen  = make(map[string]int)
		dupes []string
		wg    sync.WaitGroup
	)
	deadline := time.Now().Add(5 * time.Second)
	for range 8 {
		wg.Go(func() {
			for time.Now().Before(deadline) {
				batch, err := m.GetFinishedTasks(ctx, "pool", false)
				if err != nil {
					return
				}
				mu.Lock()
				for name := range batch {
					if _, ok := seen[name]; ok {
						dupes = append(dupes, name)
					}
					seen[name]++
				}
				done := len(seen) == n
				mu.Unlock()
				if done {
					return
				}
				time.Sleep(time.Millisecond)
			}
		})
	}
	wg.Wait()

	assert.Empty(t, dupes)
	assert.Len(t, seen, n)
}

func TestBlockingDrainHonoursContext(t *testing.T) {
	m, _ := newTestManager(t, 0)

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "stuck", 1, "", executor.Func("stuck", blockUntilCancelled)))
	_, err := m.SubmitTasks(context.Background(), "pool", local())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.GetFinishedTasks(ctx, "pool", true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKillRunningTask(t *testing.T) {
	m, s := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "stuck", 1, "", executor.Func("stuck", blockUntilCancelled)))
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	require.NoError(t, m.KillTask("pool", "stuck"))
	code, err := m.WaitTask(ctx, "pool", "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.ExitKilled, code)

	rec, err := m.Task("pool", "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.TaskKilled, rec.Status)

	require.Eventually(t, func() bool {
		row, err := s.GetTask(ctx, rec.ID)
		return err == nil && row.Status == model.TaskKilled && row.ReturnCode != nil && *row.ReturnCode == model.ExitKilled
	}, 2*time.Second, 10*time.Millisecond)

	// Killing again is a no-op.
	require.NoError(t, m.KillTask("pool", "stuck"))
	code, err = m.WaitTask(ctx, "pool", "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.ExitKilled, code)
}

func TestKillProcessTask(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sleep")
	}
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "sleeper", 1, t.TempDir(), executor.Command("/bin/sleep", "30")))
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	require.NoError(t, m.KillTask("pool", "sleeper"))

	finished, err := m.GetFinishedTasks(ctx, "pool", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"sleeper": model.ExitKilled}, finished)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTaskTimeout(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "slow", 1, "", executor.Func("slow", blockUntilCancelled), taskpool.WithTimeout(50*time.Millisecond)))
	require.NoError(t, m.AddTask("pool", "fast", 1, "", executor.Func("fast", succeed), taskpool.WithTimeout(5*time.Second)))
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	codes, err := m.WaitTaskList(ctx, "pool", []string{"slow", "fast"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"slow": model.ExitTimeout, "fast": model.ExitSuccess}, codes)

	rec, err := m.Task("pool", "slow")
	require.NoError(t, err)
	assert.Equal(t, model.TaskTimedOut, rec.Status)
	require.NotNil(t, rec.TimeoutMS)
	assert.Equal(t, int64(50), *rec.TimeoutMS)
}

func TestTimeoutExcludesResourceWait(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(executor.NewLocalBackend(1, testLogger()))
	m := taskpool.NewManager(taskpool.Config{Owner: "worker", Registry: reg, Logger: testLogger()})
	t.Cleanup(m.Close)
	ctx := context.Background()

	running := make(chan struct{})
	hog := func(ctx context.Context, _ ...string) (int, error) {
		close(running)
		select {
		case <-time.After(200 * time.Millisecond):
			return 0, nil
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		}
	}
	require.NoError(t, m.CreateTaskPool("hog"))
	require.NoError(t, m.AddTask("hog", "hog", 1, "", executor.Func("hog", hog)))
	_, err := m.SubmitTasks(ctx, "hog", local())
	require.NoError(t, err)
	<-running

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "queued", 1, "", executor.Func("queued", succeed), taskpool.WithTimeout(100*time.Millisecond)))
	_, err = m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	code, err := m.WaitTask(ctx, "pool", "queued")
	require.NoError(t, err)
	assert.Equal(t, model.ExitSuccess, code, "waiting for the only slot does not count against the timeout")

	code, err = m.WaitTask(ctx, "hog", "hog")
	require.NoError(t, err)
	assert.Equal(t, model.ExitSuccess, code)
}

func TestDefaultTimeoutApplies(t *testing.T) {
	m, _ := newTestManager(t, 40*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "slow", 1, "", executor.Func("slow", blockUntilCancelled)))
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	code, err := m.WaitTask(ctx, "pool", "slow")
	require.NoError(t, err)
	assert.Equal(t, model.ExitTimeout, code)
}

func TestCompletionBeforeKillKeepsNaturalCode(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "three", 1, "", executor.Func("three", exitWith(3)), taskpool.WithTimeout(time.Second)))
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	code, err := m.WaitTask(ctx, "pool", "three")
	require.NoError(t, err)
	require.Equal(t, 3, code)

	require.NoError(t, m.KillTask("pool", "three"))
	rec, err := m.Task("pool", "three")
	require.NoError(t, err)
	assert.Equal(t, model.TaskDone, rec.Status)
	assert.Equal(t, 3, *rec.ReturnCode)
}

func TestKillQueuedTaskBeforeSubmit(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "a", 1, "", executor.Func("ok", succeed)))
	require.NoError(t, m.AddTask("pool", "b", 1, "", executor.Func("ok", succeed)))
	require.NoError(t, m.KillTask("pool", "b"))

	n, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	finished, err := m.GetFinishedTasks(ctx, "pool", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": model.ExitKilled}, finished)
}

func TestKillAllTasks(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "done", 1, "", executor.Func("ok", succeed)))
	for i := 0; i < 3; i++ {
		require.NoError(t, m.AddTask("pool", fmt.Sprintf("stuck_%d", i), 1, "", executor.Func("stuck", blockUntilCancelled)))
	}
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)
	_, err = m.WaitTask(ctx, "pool", "done")
	require.NoError(t, err)

	require.NoError(t, m.KillAllTasks("pool"))
	finished, err := m.GetFinishedTasks(ctx, "pool", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"done":    0,
		"stuck_0": model.ExitKilled,
		"stuck_1": model.ExitKilled,
		"stuck_2": model.ExitKilled,
	}, finished)

	assert.ErrorIs(t, m.KillAllTasks("missing"), taskpool.ErrPoolNotFound)
}

func TestRemoveTaskPoolTwice(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "stuck", 1, "", executor.Func("stuck", blockUntilCancelled)))
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	waited := make(chan int, 1)
	go func() {
		code, _ := m.WaitTask(ctx, "pool", "stuck")
		waited <- code
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.RemoveTaskPool("pool"))
	err = m.RemoveTaskPool("pool")
	require.Error(t, err)
	assert.True(t, errors.Is(err, taskpool.ErrPoolNotFound))

	select {
	case code := <-waited:
		assert.Equal(t, model.ExitKilled, code)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by pool removal")
	}

	_, err = m.GetFinishedTasks(ctx, "pool", false)
	assert.ErrorIs(t, err, taskpool.ErrPoolNotFound)

	// The name is free again.
	require.NoError(t, m.CreateTaskPool("pool"))
}

func TestWaitUnknownTask(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	_, err := m.WaitTask(ctx, "missing", "x")
	assert.ErrorIs(t, err, taskpool.ErrPoolNotFound)

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "a", 1, "", executor.Func("ok", succeed)))
	_, err = m.WaitTaskList(ctx, "pool", []string{"a", "b"})
	assert.ErrorIs(t, err, taskpool.ErrTaskNotFound)
	assert.ErrorIs(t, m.KillTask("pool", "b"), taskpool.ErrTaskNotFound)
}

func TestProcessOutputIsPersistedAndPublished(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	m, s := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "echo", 1, t.TempDir(), executor.Command("/bin/sh", "-c", "sleep 0.1; echo first; echo second")))
	rec, err := m.Task("pool", "echo")
	require.NoError(t, err)

	lines, unsub := m.Broker().Subscribe(rec.ID)
	defer unsub()

	_, err = m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	var streamed []string
	for l := range lines {
		streamed = append(streamed, l)
	}
	assert.Equal(t, []string{"first", "second"}, streamed)

	code, err := m.WaitTask(ctx, "pool", "echo")
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	persisted, err := s.GetOutputLines(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "first", persisted[0].Line)
	assert.Equal(t, 1, persisted[1].Seq)

	require.Eventually(t, func() bool {
		row, err := s.GetTask(ctx, rec.ID)
		return err == nil && row.Status == model.TaskDone && string(row.Output) == "first\nsecond\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func storeFilterPool(pool string) store.TaskFilter {
	return store.TaskFilter{Pool: pool}
}

func TestLedgerRecordsBackend(t *testing.T) {
	m, s := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "gate", 1, t.TempDir(), executor.Func("gate", blockUntilCancelled)))
	require.NoError(t, m.AddTask("pool", "quick", 1, t.TempDir(), executor.Func("quick", succeed)))
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)

	rec, err := m.Task("pool", "gate")
	require.NoError(t, err)
	row, err := s.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, row.Status)
	assert.Equal(t, executor.LocalBackendName, row.Backend, "backend is recorded when the task starts")

	require.NoError(t, m.KillTask("pool", "gate"))
	_, err = m.GetFinishedTasks(ctx, "pool", true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rows, _, err := s.ListTasks(ctx, storeFilterPool("pool"))
		if err != nil || len(rows) != 2 {
			return false
		}
		for _, r := range rows {
			if !r.Status.Terminal() || r.Backend != executor.LocalBackendName {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	stats, err := s.GetTaskStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{executor.LocalBackendName: 2}, stats.CountByBackend)
}

func TestRemoveTaskPoolDropsOutputMarkers(t *testing.T) {
	m, _ := newTestManager(t, 0)
	ctx := context.Background()

	require.NoError(t, m.CreateTaskPool("pool"))
	require.NoError(t, m.AddTask("pool", "done", 1, "", executor.Func("done", succeed)))
	require.NoError(t, m.AddTask("pool", "stuck", 1, "", executor.Func("stuck", blockUntilCancelled)))
	_, err := m.SubmitTasks(ctx, "pool", local())
	require.NoError(t, err)
	require.NoError(t, m.AddTask("pool", "late", 1, "", executor.Func("late", succeed)))

	_, err = m.WaitTask(ctx, "pool", "done")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Broker().Topics() == 1 },
		2*time.Second, 5*time.Millisecond, "finished task keeps a closed marker")

	require.NoError(t, m.RemoveTaskPool("pool"))
	m.Close()
	assert.Equal(t, 0, m.Broker().Topics(), "markers of the removed pool are dropped")
}
