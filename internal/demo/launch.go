package demo

import (
	"context"
	"time"

	"github.com/seantiz/cosim/internal/executor"
	"github.com/seantiz/cosim/internal/services"
	"github.com/seantiz/cosim/internal/taskpool"
)

// LaunchWorker launches standalone processes and exercises waiting,
// killing and timeouts on them.
type LaunchWorker struct {
	svc *services.Services
	tr  *Transcript

	// Exe is a sleep executable taking seconds as its only argument.
	Exe   string
	Short string
	Long  string
	// Timeout is the limit applied to the task expected to time out.
	Timeout time.Duration
}

// NewLaunchWorker creates a worker launching /bin/sleep.
func NewLaunchWorker(svc *services.Services, tr *Transcript) *LaunchWorker {
	return &LaunchWorker{
		svc:     svc,
		tr:      tr,
		Exe:     "/bin/sleep",
		Short:   "0.1",
		Long:    "30",
		Timeout: 200 * time.Millisecond,
	}
}

func (w *LaunchWorker) Init(context.Context, ...any) error     { return nil }
func (w *LaunchWorker) Finalize(context.Context, ...any) error { return nil }

func (w *LaunchWorker) Step(ctx context.Context, _ ...any) error {
	w.tr.Printf("Hello from HelloWorker")
	w.tr.Printf("Starting tasks = %d", w.svc.LaunchedTasks())

	id, err := w.launch(ctx, w.Short)
	if err != nil {
		return err
	}
	w.count()
	code, err := w.svc.WaitLaunched(ctx, id)
	if err != nil {
		return err
	}
	w.tr.Printf("wait_task ret_val = %d", code)

	ids, err := w.launchN(ctx, 2, w.Short)
	if err != nil {
		return err
	}
	w.count()
	codes, err := w.svc.WaitLaunchedList(ctx, ids)
	if err != nil {
		return err
	}
	w.tr.Printf("wait_tasklist ret_val = %v", codes)
	w.count()

	id, err = w.launch(ctx, w.Long)
	if err != nil {
		return err
	}
	w.count()
	if err := w.svc.KillLaunched(id); err != nil {
		return err
	}
	w.tr.Printf("kill_task")
	if _, err := w.svc.WaitLaunched(ctx, id); err != nil {
		return err
	}
	w.count()

	ids, err = w.launchN(ctx, 2, w.Long)
	if err != nil {
		return err
	}
	w.count()
	w.svc.KillAllLaunched()
	w.tr.Printf("kill_all_tasks")
	if _, err := w.svc.WaitLaunchedList(ctx, ids); err != nil {
		return err
	}
	w.count()

	timedOut, err := w.launch(ctx, w.Long, taskpool.WithTimeout(w.Timeout))
	if err != nil {
		return err
	}
	killed, err := w.launch(ctx, w.Long, taskpool.WithTimeout(time.Hour))
	if err != nil {
		return err
	}
	if err := w.svc.KillLaunched(killed); err != nil {
		return err
	}
	codes, err = w.svc.WaitLaunchedList(ctx, []int{timedOut, killed})
	if err != nil {
		return err
	}
	w.tr.Printf("Timeout task 1 retval = %d", codes[timedOut])
	w.tr.Printf("Timeout task 2 retval = %d", codes[killed])
	return nil
}

func (w *LaunchWorker) launch(ctx context.Context, secs string, opts ...taskpool.TaskOption) (int, error) {
	return w.svc.LaunchTask(ctx, 1, w.svc.WorkingDir(), executor.Command(w.Exe, secs), executor.Options{}, opts...)
}

func (w *LaunchWorker) launchN(ctx context.Context, n int, secs string) ([]int, error) {
	ids := make([]int, 0, n)
	for range n {
		id, err := w.launch(ctx, secs)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (w *LaunchWorker) count() {
	w.tr.Printf("Number of tasks = %d", w.svc.LaunchedTasks())
}
