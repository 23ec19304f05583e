// Package dispatch implements inter-component calls. A Dispatcher issues
// blocking and non-blocking calls against components of a run, tracks every
// outstanding call in an in-memory registry keyed by CallID, and resolves
// identifiers to results through the wait operations.
//
// A call result is consumed by the wait operation that returns it; waiting on
// a consumed identifier fails with ErrUnknownCall. Non-blocking polls never
// consume anything.
package dispatch
