package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/cosim/internal/component"
	"github.com/seantiz/cosim/internal/model"
)

// Dispatcher issues calls against the components of one run and owns the
// registry of their outcomes.
type Dispatcher struct {
	components *component.Set
	logger     *slog.Logger
	wg         sync.WaitGroup

	mu     sync.Mutex
	nextID model.CallID
	calls  map[model.CallID]*callEntry
}

// callEntry is the registry record of one call. Fields other than done are
// guarded by Dispatcher.mu; result and err are immutable once done is closed.
type callEntry struct {
	call   model.Call
	done   chan struct{}
	result any
	err    error
	// orphaned marks a call whose only waiter gave up; it is dropped from
	// the registry once it finishes.
	orphaned bool
}

// NewDispatcher creates a dispatcher for the given component set.
func NewDispatcher(components *component.Set, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		components: components,
		logger:     logger,
		calls:      make(map[model.CallID]*callEntry),
	}
}

// Call invokes method on target and blocks until it returns. A failure of
// the target method is returned as a *DispatchError wrapping the cause.
// If ctx ends first, ctx's error is returned and the call is dropped from
// the registry when it finishes, since nobody else holds its identifier.
func (d *Dispatcher) Call(ctx context.Context, target component.Ref, method string, args ...any) (any, error) {
	id, err := d.CallNonblocking(ctx, target, method, args...)
	if err != nil {
		return nil, err
	}
	res, err := d.WaitCall(ctx, id, true)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		d.orphan(id)
	}
	return res, err
}

// orphan drops a call now if it already finished, otherwise when it does.
func (d *Dispatcher) orphan(id model.CallID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.calls[id]
	if !ok {
		return
	}
	if isDone(e) {
		delete(d.calls, id)
		return
	}
	e.orphaned = true
}

// CallNonblocking registers a pending call, starts it concurrently and
// returns its identifier. An unknown target or method is reported before
// anything is registered.
func (d *Dispatcher) CallNonblocking(ctx context.Context, target component.Ref, method string, args ...any) (model.CallID, error) {
	inv, err := d.components.Resolve(target, method)
	if err != nil {
		return 0, &DispatchError{Target: target.Name(), Method: method, Cause: err}
	}

	e := &callEntry{done: make(chan struct{})}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	e.call = model.Call{
		ID:        id,
		Target:    target.Name(),
		Method:    method,
		Args:      formatArgs(args),
		Status:    model.CallPending,
		CreatedAt: time.Now().UTC(),
	}
	d.calls[id] = e
	d.mu.Unlock()

	callsInFlight.Inc()
	d.logger.Debug("call dispatched", "call_id", int64(id), "target", target.Name(), "method", method)

	// The call outlives the caller's cancellation; it is resolved by a wait.
	execCtx := context.WithoutCancel(ctx)
	d.wg.Go(func() {
		d.execute(execCtx, e, inv, args)
	})

	return id, nil
}

// execute runs one call: pending→running→done/failed.
func (d *Dispatcher) execute(ctx context.Context, e *callEntry, inv component.Invocation, args []any) {
	var start time.Time
	res, err := invoke(ctx, inv, func() {
		start = time.Now()
		d.transition(e, model.CallRunning, nil)
	}, args)

	if err != nil {
		d.mu.Lock()
		id := e.call.ID
		d.mu.Unlock()
		err = &DispatchError{Target: inv.Target.Name(), Method: inv.Method, CallID: id, Cause: err}
		d.logger.Warn("call failed", "call_id", int64(id), "target", inv.Target.Name(), "method", inv.Method, "error", err)
	}

	e.result = res
	e.err = err
	status := model.CallDone
	if err != nil {
		status = model.CallFailed
	}
	d.transition(e, status, err)
	close(e.done)

	d.mu.Lock()
	if e.orphaned && d.calls[e.call.ID] == e {
		delete(d.calls, e.call.ID)
	}
	d.mu.Unlock()

	callsInFlight.Dec()
	callsTotal.WithLabelValues(inv.Method, string(status)).Inc()
	if !start.IsZero() {
		callDuration.WithLabelValues(inv.Method).Observe(time.Since(start).Seconds())
	}
}

// invoke runs the bound method, converting a panic into a *PanicError.
func invoke(ctx context.Context, inv component.Invocation, acquired func(), args []any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return inv.Invoke(ctx, acquired, args...)
}

func (d *Dispatcher) transition(e *callEntry, to model.CallStatus, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	from := e.call.Status
	if !model.ValidCallTransition(from, to) {
		d.logger.Error("invalid call transition", "call_id", int64(e.call.ID), "from", from, "to", to)
		return
	}
	now := time.Now().UTC()
	e.call.Status = to
	switch to {
	case model.CallRunning:
		e.call.StartedAt = &now
	default:
		e.call.FinishedAt = &now
		if cause != nil {
			e.call.Error = cause.Error()
		}
	}
}

// Calls returns a snapshot of every registered call that has not been
// consumed, ordered by identifier.
func (d *Dispatcher) Calls() []model.Call {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]model.Call, 0, len(d.calls))
	for _, e := range d.calls {
		out = append(out, e.call)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the current status of a registered call.
func (d *Dispatcher) Status(id model.CallID) (model.CallStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.calls[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownCall, id)
	}
	return e.call.Status, nil
}

// Wait blocks until every started call has finished executing.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func formatArgs(args []any) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = fmt.Sprint(a)
	}
	return out
}
