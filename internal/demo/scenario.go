package demo

import (
	"sort"
	"time"

	"github.com/seantiz/cosim/internal/component"
	"github.com/seantiz/cosim/internal/framework"
	"github.com/seantiz/cosim/internal/services"
)

// Scenario registers the components of a reference run and returns the
// name of its driver.
type Scenario func(fw *framework.Framework, tr *Transcript) (string, error)

// Scenarios are the reference runs available by name.
var Scenarios = map[string]Scenario{
	"concurrent":  Concurrent,
	"pool":        Pool,
	"launch":      Launch,
	"distributed": Distributed,
}

// Names returns the scenario names in sorted order.
func Names() []string {
	names := make([]string, 0, len(Scenarios))
	for n := range Scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Concurrent is a driver stepping three sleeping workers.
func Concurrent(fw *framework.Framework, tr *Transcript) (string, error) {
	for _, name := range []string{"WORKER1", "WORKER2", "WORKER3"} {
		if _, err := fw.Register(name, func(svc *services.Services) component.Component {
			return NewSleepWorker(svc, tr, 100*time.Millisecond)
		}); err != nil {
			return "", err
		}
	}
	_, err := fw.Register("DRIVER", func(svc *services.Services) component.Component {
		return NewConcurrentDriver(svc, tr)
	})
	return "DRIVER", err
}

// Pool is a driver with one task pool worker.
func Pool(fw *framework.Framework, tr *Transcript) (string, error) {
	return hello(fw, tr, func(svc *services.Services) component.Component {
		return NewPoolWorker(svc, tr)
	})
}

// Launch is a driver with one worker launching standalone tasks.
func Launch(fw *framework.Framework, tr *Transcript) (string, error) {
	return hello(fw, tr, func(svc *services.Services) component.Component {
		return NewLaunchWorker(svc, tr)
	})
}

// Distributed is a driver with one worker using the distributed backend.
func Distributed(fw *framework.Framework, tr *Transcript) (string, error) {
	fw.RegisterFunction("myFun", MyFun(tr))
	return hello(fw, tr, func(svc *services.Services) component.Component {
		return NewDistributedWorker(svc, tr)
	})
}

func hello(fw *framework.Framework, tr *Transcript, worker framework.Factory) (string, error) {
	if _, err := fw.Register("WORKER", worker); err != nil {
		return "", err
	}
	_, err := fw.Register("DRIVER", func(svc *services.Services) component.Component {
		return NewHelloDriver(svc, tr, "WORKER")
	})
	return "DRIVER", err
}
