package model

import "time"

// TaskStatus is the execution state of a pool task.
type TaskStatus string

// Task status constants.
const (
	TaskQueued   TaskStatus = "queued"
	TaskRunning  TaskStatus = "running"
	TaskDone     TaskStatus = "done"
	TaskTimedOut TaskStatus = "timed_out"
	TaskKilled   TaskStatus = "killed"
)

// PoolState is the submission state of a task pool.
type PoolState string

// Pool state constants.
const (
	PoolEmpty     PoolState = "empty"
	PoolPopulated PoolState = "populated"
	PoolSubmitted PoolState = "submitted"
)

// Reserved return codes. Signal deaths are reported as the negated signal
// number, so ExitKilled matches a SIGKILL delivered by anyone.
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitTimeout       = -1
	ExitKilled        = -9
	ExitLaunchFailure = 127
)

// validTaskTransitions maps each status to the set of statuses it may transition to.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskQueued: {
		TaskRunning: true,
		TaskDone:    true,
		TaskKilled:  true,
	},
	TaskRunning: {
		TaskDone:     true,
		TaskTimedOut: true,
		TaskKilled:   true,
	},
}

// ValidTaskTransition reports whether transitioning from one status to another is allowed.
func ValidTaskTransition(from, to TaskStatus) bool {
	targets, ok := validTaskTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskTimedOut || s == TaskKilled
}

// OutputLine is a single persisted line of task output.
type OutputLine struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the ledger record of one unit of external work.
type Task struct {
	ID            string     `json:"id"`
	RunID         string     `json:"run_id"`
	Owner         string     `json:"owner"`
	Pool          string     `json:"pool"`
	Name          string     `json:"name"`
	Status        TaskStatus `json:"status"`
	Backend       string     `json:"backend"`
	ResourceCount int        `json:"resource_count"`
	WorkingDir    string     `json:"working_dir"`
	Binding       string     `json:"binding"`
	ReturnCode    *int       `json:"return_code,omitempty"`
	Output        []byte     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	TimeoutMS     *int64     `json:"timeout_ms,omitempty"`
	DurationMS    *int       `json:"duration_ms,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}
