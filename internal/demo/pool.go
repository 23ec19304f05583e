package demo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/cosim/internal/executor"
	"github.com/seantiz/cosim/internal/services"
	"github.com/seantiz/cosim/internal/taskpool"
)

// PoolWorker runs a batch of tasks in a pool, drains it blocking, then
// runs a second batch and drains it by polling.
type PoolWorker struct {
	svc   *services.Services
	tr    *Transcript
	Tasks int
	// PollInterval spaces the non-blocking drains.
	PollInterval time.Duration
}

// NewPoolWorker creates a worker running three tasks per batch.
func NewPoolWorker(svc *services.Services, tr *Transcript) *PoolWorker {
	return &PoolWorker{svc: svc, tr: tr, Tasks: 3, PollInterval: 10 * time.Millisecond}
}

func (w *PoolWorker) Init(context.Context, ...any) error     { return nil }
func (w *PoolWorker) Finalize(context.Context, ...any) error { return nil }

func (w *PoolWorker) Step(ctx context.Context, _ ...any) error {
	w.tr.Printf("Hello from HelloWorker")

	n, err := w.populate(ctx, "task_%d", func(int) executor.Callable {
		return func(context.Context, ...string) (int, error) { return 0, nil }
	})
	if err != nil {
		return err
	}
	w.tr.Printf("ret_val = %d", n)

	finished, err := w.svc.GetFinishedTasks(ctx, "pool", true)
	if err != nil {
		return err
	}
	w.tr.Printf("%v", finished)
	if err := w.svc.RemoveTaskPool("pool"); err != nil {
		return err
	}

	w.tr.Printf("====== Non Blocking")
	n, err = w.populate(ctx, "Nonblock_task_%d", func(i int) executor.Callable {
		return func(ctx context.Context, _ ...string) (int, error) {
			return 0, sleep(ctx, time.Duration(i)*w.PollInterval)
		}
	})
	if err != nil {
		return err
	}

	for reported := 0; reported < n; {
		finished, err := w.svc.GetFinishedTasks(ctx, "pool", false)
		if err != nil {
			return err
		}
		if len(finished) > 0 {
			w.tr.Printf("%v", finished)
			reported += len(finished)
			continue
		}
		if err := sleep(ctx, w.PollInterval); err != nil {
			return err
		}
	}

	active, err := w.svc.ActiveTasks("pool")
	if err != nil {
		return err
	}
	done, err := w.svc.FinishedTasks("pool")
	if err != nil {
		return err
	}
	w.tr.Printf("Active = %d Finished = %d", active, done)

	// The second removal is expected to fail and is only reported.
	for range 2 {
		if err := w.svc.RemoveTaskPool("pool"); err != nil {
			if !errors.Is(err, taskpool.ErrPoolNotFound) {
				return err
			}
			w.svc.Warnf("remove task pool: %v", err)
			w.tr.Printf("%v", err)
			continue
		}
		w.tr.Printf("removed pool")
	}
	return nil
}

// populate creates "pool" with w.Tasks callables and submits it locally.
func (w *PoolWorker) populate(ctx context.Context, nameFormat string, fn func(i int) executor.Callable) (int, error) {
	if err := w.svc.CreateTaskPool("pool"); err != nil {
		return 0, err
	}
	for i := range w.Tasks {
		name := fmt.Sprintf(nameFormat, i)
		if err := w.svc.AddTask("pool", name, 1, w.svc.WorkingDir(), executor.Func("hello", fn(i))); err != nil {
			return 0, err
		}
	}
	return w.svc.SubmitTasks(ctx, "pool", executor.Options{})
}
