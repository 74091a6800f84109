// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lease defines the contract for named leases: coarse
// single-holder grants used to elect singleton background workers.
// Unlike the distributed lock, the holder is a caller-chosen string
// so the same holder can re-acquire its own expired lease, and there
// is no fencing token; callers that need fencing use the lock.
package lease

import (
	"time"

	"github.com/juju/errors"
)

const (
	// ErrInvalid indicates that a renew required a live holding of
	// the lease and had none.
	ErrInvalid = errors.ConstError("lease not held")
)

// Grant describes the result of a lease acquire.
type Grant struct {
	// Acquired is false when the lease is held by another live
	// holder; contention is a result, not an error.
	Acquired bool

	// Now is the store's notion of the current time at the grant,
	// UTC. Callers schedule renewals relative to this.
	Now time.Time

	// LeaseUntil is when the grant expires, UTC.
	LeaseUntil time.Time
}
