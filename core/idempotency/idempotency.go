// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package idempotency defines the contract for gating side-effecting
// operations by business key.
package idempotency

// Status indicates where an idempotency record is in its lifecycle.
// The numeric values are part of the persistent schema contract
// and must not be changed.
type Status int

const (
	// Failed indicates that the guarded operation failed; the key
	// may be retried.
	Failed Status = 0
	// InProgress indicates that a worker holds the key under a
	// lock lease.
	InProgress Status = 1
	// Completed indicates terminal success; the key cannot be
	// begun again unless explicitly reset.
	Completed Status = 2
)

// String is used for logging and diagnostics, never for persistence.
func (s Status) String() string {
	switch s {
	case Failed:
		return "failed"
	case InProgress:
		return "in-progress"
	case Completed:
		return "completed"
	}
	return "unknown"
}
