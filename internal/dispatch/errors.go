package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/seantiz/cosim/internal/model"
)

var (
	// ErrUnknownCall is returned for identifiers that were never issued or
	// whose result has already been consumed.
	ErrUnknownCall = errors.New("unknown call")
	// ErrIncompleteCall is matched by IncompleteCallError.
	ErrIncompleteCall = errors.New("incomplete call")
)

// DispatchError reports a call that could not be dispatched or whose target
// method failed. Cause is the original error, unchanged.
type DispatchError struct {
	Target string
	Method string
	CallID model.CallID
	Cause  error
}

func (e *DispatchError) Error() string {
	if e.CallID == 0 {
		return fmt.Sprintf("dispatch %s.%s: %v", e.Target, e.Method, e.Cause)
	}
	return fmt.Sprintf("call %d %s.%s: %v", e.CallID, e.Target, e.Method, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// IncompleteCallError is returned by non-blocking waits while calls are
// still outstanding. It is informational; registry state is unchanged.
type IncompleteCallError struct {
	Pending []model.CallID
}

func (e *IncompleteCallError) Error() string {
	ids := make([]string, len(e.Pending))
	for i, id := range e.Pending {
		ids[i] = id.String()
	}
	return fmt.Sprintf("incomplete calls: [%s]", strings.Join(ids, ", "))
}

func (e *IncompleteCallError) Is(target error) bool { return target == ErrIncompleteCall }

// IsIncomplete reports whether err is an incomplete-call condition.
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncompleteCall)
}

// PanicError wraps a value recovered from a panicking component method.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("component method panicked: %v", e.Value)
}
