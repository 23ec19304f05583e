package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/cosim/internal/component"
	"github.com/seantiz/cosim/internal/dispatch"
	"github.com/seantiz/cosim/internal/model"
	"github.com/seantiz/cosim/internal/services"
)

// ConcurrentDriver steps three workers through a time loop. The first
// worker runs synchronously; the other two depend on it and run
// concurrently with each other.
type ConcurrentDriver struct {
	svc *services.Services
	tr  *Transcript

	Workers  [3]string
	TimeLoop []float64
}

// NewConcurrentDriver creates a driver for workers WORKER1..WORKER3.
func NewConcurrentDriver(svc *services.Services, tr *Transcript) *ConcurrentDriver {
	return &ConcurrentDriver{
		svc:      svc,
		tr:       tr,
		Workers:  [3]string{"WORKER1", "WORKER2", "WORKER3"},
		TimeLoop: []float64{0, 1, 2},
	}
}

func (d *ConcurrentDriver) Init(context.Context, ...any) error {
	d.svc.Log("Initing")
	return nil
}

func (d *ConcurrentDriver) Step(ctx context.Context, _ ...any) error {
	d.svc.Log("Stepping")

	var refs [3]component.Ref
	for i, name := range d.Workers {
		ref, err := d.svc.GetPort(name)
		if err != nil {
			return fmt.Errorf("accessing physics components: %w", err)
		}
		refs[i] = ref
	}
	w1, w2, w3 := refs[0], refs[1], refs[2]

	for _, w := range refs {
		if _, err := d.svc.Call(ctx, w, model.MethodInit, 0.0); err != nil {
			return err
		}
	}

	for _, ts := range d.TimeLoop {
		t := fmt.Sprintf("%.2f", ts)
		d.tr.Printf("Current time = %s", t)

		if _, err := d.svc.Call(ctx, w1, model.MethodStep, t); err != nil {
			return err
		}
		id2, err := d.svc.CallNonblocking(ctx, w2, model.MethodStep, t)
		if err != nil {
			return err
		}
		id3, err := d.svc.CallNonblocking(ctx, w3, model.MethodStep, t)
		if err != nil {
			return err
		}
		ids := []model.CallID{id2, id3}

		if _, err := d.svc.WaitCallList(ctx, ids, false); dispatch.IsIncomplete(err) {
			d.tr.Printf("%v", err)
		} else if err != nil {
			return err
		}
		if _, err := d.svc.WaitCallList(ctx, ids, true); err != nil {
			return err
		}
	}

	for _, w := range refs {
		if _, err := d.svc.Call(ctx, w, model.MethodFinalize, 99); err != nil {
			return err
		}
	}
	return nil
}

func (d *ConcurrentDriver) Finalize(context.Context, ...any) error {
	return nil
}

// SleepWorker records its lifecycle calls and takes Delay per step.
type SleepWorker struct {
	svc   *services.Services
	tr    *Transcript
	Delay time.Duration
}

// NewSleepWorker creates a worker whose steps take delay.
func NewSleepWorker(svc *services.Services, tr *Transcript, delay time.Duration) *SleepWorker {
	return &SleepWorker{svc: svc, tr: tr, Delay: delay}
}

func (w *SleepWorker) Init(_ context.Context, args ...any) error {
	w.tr.Printf("%s: init %v", w.svc.Name(), args)
	return nil
}

func (w *SleepWorker) Step(ctx context.Context, args ...any) error {
	w.tr.Printf("%s: begin step %v", w.svc.Name(), args)
	if err := sleep(ctx, w.Delay); err != nil {
		return err
	}
	w.tr.Printf("%s: end step %v", w.svc.Name(), args)
	return nil
}

func (w *SleepWorker) Finalize(_ context.Context, args ...any) error {
	w.tr.Printf("%s: finalize %v", w.svc.Name(), args)
	return nil
}
