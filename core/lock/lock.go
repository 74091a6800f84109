// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lock defines the contract for the fenced distributed lock:
// a named row with at most one live owner and a strictly monotonic
// fencing token issued on every successful acquire and renew.
package lock

import (
	"time"

	"github.com/conveyorworks/conveyor/core/owner"
)

// Acquisition describes a successful lock acquire or renew.
type Acquisition struct {
	// Acquired is false when the lock was held by a live owner;
	// the remaining fields are then zero. Contention is a result,
	// not an error.
	Acquired bool

	// Owner is the token minted for this acquisition. It must be
	// presented on renew and release.
	Owner owner.Token

	// Fencing is the strictly monotonic token for this resource.
	// Downstream writers must reject any write bearing a fencing
	// token lower than the highest they have observed.
	Fencing int64

	// LeaseUntil is when the acquisition expires, UTC.
	LeaseUntil time.Time
}
