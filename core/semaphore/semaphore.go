// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package semaphore defines the contract for counted-resource
// admission control: up to a configured number of concurrent lease
// holders per name, each admission carrying its own fencing token.
package semaphore

import (
	"time"
)

// AcquireResult describes the outcome of a semaphore acquire.
type AcquireResult struct {
	// Acquired is false when the semaphore is at capacity; the
	// remaining fields are then zero. Capacity is a result, not
	// an error.
	Acquired bool

	// Token identifies the lease for renew and release.
	Token string

	// Fencing is the monotonic token assigned to this admission
	// from the semaphore's counter.
	Fencing int64

	// LeaseUntil is when the admission expires, UTC.
	LeaseUntil time.Time
}

// Lease is a single live admission as held in the store.
type Lease struct {
	Name            string
	Token           string
	Fencing         int64
	Holder          string
	ClientRequestID string
	LeaseUntil      time.Time
	CreatedAt       time.Time
	RenewedAt       *time.Time
}
