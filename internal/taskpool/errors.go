package taskpool

import "errors"

var (
	// ErrPoolNotFound is returned for operations on a pool that does not
	// exist or was removed. Callers removing pools are expected to log it
	// and carry on.
	ErrPoolNotFound = errors.New("task pool not found")
	// ErrPoolExists is returned when creating a pool whose name is taken.
	ErrPoolExists = errors.New("task pool already exists")
	// ErrPoolSubmitted is returned when adding to or resubmitting a pool
	// that was already submitted.
	ErrPoolSubmitted = errors.New("task pool already submitted")
	// ErrPoolEmpty is returned when submitting a pool with no tasks.
	ErrPoolEmpty = errors.New("task pool has no tasks")
	// ErrTaskExists is returned when a task name collides within a pool.
	ErrTaskExists = errors.New("task already exists in pool")
	// ErrTaskNotFound is returned for an unknown task name or launch id.
	ErrTaskNotFound = errors.New("task not found")
)

// Cancellation causes attached to a task's context.
var (
	errKilled      = errors.New("task killed")
	errPoolRemoved = errors.New("task pool removed")
)
