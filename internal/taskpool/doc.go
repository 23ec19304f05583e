// Package taskpool manages named pools of tasks owned by one component.
// Tasks are registered into a pool, submitted together to an executor
// backend and then reconciled through drain, wait, kill and remove
// operations. A supervisor enforces per-task wall-clock limits; timeouts,
// kills and natural completion race for a single terminal transition and
// the first one wins.
package taskpool
