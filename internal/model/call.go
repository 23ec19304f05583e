package model

import "time"

// CallStatus is the lifecycle state of a component call.
type CallStatus string

// Call status constants.
const (
	CallPending CallStatus = "pending"
	CallRunning CallStatus = "running"
	CallDone    CallStatus = "done"
	CallFailed  CallStatus = "failed"
)

// Lifecycle method names every component answers to.
const (
	MethodInit     = "init"
	MethodStep     = "step"
	MethodFinalize = "finalize"
)

var validCallTransitions = map[CallStatus]map[CallStatus]bool{
	CallPending: {
		CallRunning: true,
		CallFailed:  true,
	},
	CallRunning: {
		CallDone:   true,
		CallFailed: true,
	},
}

// ValidCallTransition reports whether a call may move from one status to another.
func ValidCallTransition(from, to CallStatus) bool {
	return validCallTransitions[from][to]
}

// Terminal reports whether the status is final.
func (s CallStatus) Terminal() bool {
	return s == CallDone || s == CallFailed
}

// Call is a snapshot of one invocation of a component method.
type Call struct {
	ID         CallID     `json:"id"`
	Target     string     `json:"target"`
	Method     string     `json:"method"`
	Args       []string   `json:"args,omitempty"`
	Status     CallStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
