// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package semaphore

import (
	"github.com/juju/errors"
)

const (
	// ErrNotFound indicates that no semaphore exists with the
	// requested name; semaphores are created explicitly with a
	// holder limit before they can be acquired.
	ErrNotFound = errors.ConstError("semaphore not found")

	// ErrLost indicates that a renew found the lease missing or
	// already expired. The holder must stop relying on its
	// admission and re-acquire.
	ErrLost = errors.ConstError("semaphore lease lost")
)
