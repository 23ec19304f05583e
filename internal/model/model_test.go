package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestCallIDString(t *testing.T) {
	if got := CallID(42).String(); got != "42" {
		t.Errorf("CallID(42).String() = %q, want %q", got, "42")
	}
}

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskQueued, TaskRunning, true},
		{TaskQueued, TaskDone, true},
		{TaskQueued, TaskKilled, true},
		{TaskQueued, TaskTimedOut, false},
		{TaskRunning, TaskDone, true},
		{TaskRunning, TaskTimedOut, true},
		{TaskRunning, TaskKilled, true},
		{TaskRunning, TaskQueued, false},
		{TaskDone, TaskKilled, false},
		{TaskKilled, TaskDone, false},
		{TaskTimedOut, TaskKilled, false},
	}
	for _, tt := range tests {
		if got := ValidTaskTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTaskTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCallTransitions(t *testing.T) {
	tests := []struct {
		from, to CallStatus
		want     bool
	}{
		{CallPending, CallRunning, true},
		{CallPending, CallFailed, true},
		{CallPending, CallDone, false},
		{CallRunning, CallDone, true},
		{CallRunning, CallFailed, true},
		{CallDone, CallRunning, false},
		{CallFailed, CallPending, false},
	}
	for _, tt := range tests {
		if got := ValidCallTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidCallTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskDone, TaskTimedOut, TaskKilled} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []TaskStatus{TaskQueued, TaskRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
	if CallPending.Terminal() || CallRunning.Terminal() {
		t.Error("pending/running calls reported terminal")
	}
	if !CallDone.Terminal() || !CallFailed.Terminal() {
		t.Error("done/failed calls not reported terminal")
	}
}

func TestReservedReturnCodes(t *testing.T) {
	codes := []struct {
		constant int
		expected int
	}{
		{ExitSuccess, 0},
		{ExitTimeout, -1},
		{ExitKilled, -9},
		{ExitLaunchFailure, 127},
	}
	for _, c := range codes {
		if c.constant != c.expected {
			t.Errorf("return code constant = %d, want %d", c.constant, c.expected)
		}
	}
}
