package dispatch

import (
	"context"
	"fmt"

	"github.com/seantiz/cosim/internal/model"
)

// WaitCall resolves one call. With block set it waits for completion;
// otherwise an outstanding call yields an *IncompleteCallError and nothing
// changes. A completed call is consumed and its result or failure returned.
func (d *Dispatcher) WaitCall(ctx context.Context, id model.CallID, block bool) (any, error) {
	d.mu.Lock()
	e, ok := d.calls[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCall, id)
	}

	if !block && !isDone(e) {
		return nil, &IncompleteCallError{Pending: []model.CallID{id}}
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls[id] != e {
		// A concurrent waiter consumed it first.
		return nil, fmt.Errorf("%w: %d", ErrUnknownCall, id)
	}
	delete(d.calls, id)
	return e.result, e.err
}

// WaitCallList resolves a set of calls. Every identifier is validated before
// anything else happens. A non-blocking poll with any call outstanding
// returns an *IncompleteCallError listing them and consumes nothing, not even
// the calls that had completed. Otherwise all calls are awaited and consumed;
// successful results are returned keyed by identifier and the first failure,
// in argument order, is returned as the error.
func (d *Dispatcher) WaitCallList(ctx context.Context, ids []model.CallID, block bool) (map[model.CallID]any, error) {
	entries := make([]*callEntry, len(ids))

	d.mu.Lock()
	for i, id := range ids {
		e, ok := d.calls[id]
		if !ok {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrUnknownCall, id)
		}
		entries[i] = e
	}
	d.mu.Unlock()

	if !block {
		var pending []model.CallID
		for i, e := range entries {
			if !isDone(e) {
				pending = append(pending, ids[i])
			}
		}
		if len(pending) > 0 {
			return nil, &IncompleteCallError{Pending: pending}
		}
	}

	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	consumed := make(map[model.CallID]bool, len(ids))
	for i, id := range ids {
		if consumed[id] {
			continue
		}
		if d.calls[id] != entries[i] {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrUnknownCall, id)
		}
		consumed[id] = true
	}
	for id := range consumed {
		delete(d.calls, id)
	}
	d.mu.Unlock()

	results := make(map[model.CallID]any, len(ids))
	var firstErr error
	for i, e := range entries {
		if e.err != nil {
			if firstErr == nil {
				firstErr = e.err
			}
			continue
		}
		results[ids[i]] = e.result
	}
	return results, firstErr
}

func isDone(e *callEntry) bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
