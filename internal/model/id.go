package model

import (
	"strconv"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a run or task ledger identifier.
func NewID() string {
	return ulid.Make().String()
}

// CallID identifies one dispatched component call. IDs are assigned in
// increasing order by a dispatcher and are never reused within a run.
type CallID int64

func (id CallID) String() string {
	return strconv.FormatInt(int64(id), 10)
}
