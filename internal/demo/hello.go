package demo

import (
	"context"

	"github.com/seantiz/cosim/internal/model"
	"github.com/seantiz/cosim/internal/services"
)

// HelloDriver forwards each lifecycle call to a single worker.
type HelloDriver struct {
	svc    *services.Services
	tr     *Transcript
	Worker string
}

// NewHelloDriver creates a driver for the named worker.
func NewHelloDriver(svc *services.Services, tr *Transcript, worker string) *HelloDriver {
	return &HelloDriver{svc: svc, tr: tr, Worker: worker}
}

func (d *HelloDriver) Init(ctx context.Context, args ...any) error {
	d.tr.Printf("HelloDriver: init")
	if err := d.call(ctx, model.MethodInit, args...); err != nil {
		return err
	}
	d.tr.Printf("HelloDriver: finished worker init call")
	return nil
}

func (d *HelloDriver) Step(ctx context.Context, args ...any) error {
	d.tr.Printf("HelloDriver: beginning step call")
	if err := d.call(ctx, model.MethodStep, args...); err != nil {
		return err
	}
	d.tr.Printf("HelloDriver: finished worker call")
	return nil
}

func (d *HelloDriver) Finalize(ctx context.Context, args ...any) error {
	return d.call(ctx, model.MethodFinalize, args...)
}

func (d *HelloDriver) call(ctx context.Context, method string, args ...any) error {
	worker, err := d.svc.GetPort(d.Worker)
	if err != nil {
		return err
	}
	_, err = d.svc.Call(ctx, worker, method, args...)
	return err
}
