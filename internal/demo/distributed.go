package demo

import (
	"context"
	"fmt"

	"github.com/seantiz/cosim/internal/executor"
	"github.com/seantiz/cosim/internal/executor/distributed"
	"github.com/seantiz/cosim/internal/services"
)

// DistributedWorker mixes process, method and registered-function tasks in
// one pool on the distributed backend.
type DistributedWorker struct {
	svc *services.Services
	tr  *Transcript

	Exe       string
	Durations []string
	Nodes     int
	PPN       int
}

// NewDistributedWorker creates a worker running nine tasks on one node
// with ten workers.
func NewDistributedWorker(svc *services.Services, tr *Transcript) *DistributedWorker {
	return &DistributedWorker{
		svc:       svc,
		tr:        tr,
		Exe:       "/bin/sleep",
		Durations: []string{"0.2", "0.4", "0.6"},
		Nodes:     1,
		PPN:       10,
	}
}

func (w *DistributedWorker) Init(context.Context, ...any) error     { return nil }
func (w *DistributedWorker) Finalize(context.Context, ...any) error { return nil }

func (w *DistributedWorker) Step(ctx context.Context, _ ...any) error {
	w.tr.Printf("Hello from HelloWorker")

	cwd := w.svc.WorkingDir()
	if err := w.svc.CreateTaskPool("pool"); err != nil {
		return err
	}
	for i, d := range w.Durations {
		for _, task := range []struct {
			name    string
			binding executor.Binding
		}{
			{fmt.Sprintf("bin_%d", i), executor.Command(w.Exe, d)},
			{fmt.Sprintf("meth_%d", i), executor.Func("myMethod", w.myMethod, d)},
			{fmt.Sprintf("func_%d", i), executor.Remote("myFun", d)},
		} {
			if err := w.svc.AddTask("pool", task.name, 1, cwd, task.binding); err != nil {
				return err
			}
		}
	}

	n, err := w.svc.SubmitTasks(ctx, "pool", executor.Options{
		Backend:          distributed.BackendName,
		Nodes:            w.Nodes,
		ProcessesPerNode: w.PPN,
		Plugin:           &WorkerPlugin{tr: w.tr},
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
	return nil
}

func (w *DistributedWorker) myMethod(ctx context.Context, args ...string) (int, error) {
	w.tr.Printf("myMethod(%s)", args[0])
	d, err := seconds(args[0])
	if err != nil {
		return 0, err
	}
	return 0, sleep(ctx, d)
}

// MyFun returns the function registered as "myFun" for distributed
// bindings.
func MyFun(tr *Transcript) executor.Callable {
	return func(ctx context.Context, args ...string) (int, error) {
		tr.Printf("myFun(%s)", args[0])
		d, err := seconds(args[0])
		if err != nil {
			return 0, err
		}
		return 0, sleep(ctx, d)
	}
}

// WorkerPlugin reports distributed worker setup and teardown.
type WorkerPlugin struct {
	tr *Transcript
}

func (p *WorkerPlugin) Setup(executor.WorkerInfo) error {
	p.tr.Printf("Running setup of worker")
	return nil
}

func (p *WorkerPlugin) Teardown(executor.WorkerInfo) {
	p.tr.Printf("Running teardown of worker")
}
