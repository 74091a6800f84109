// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package outbox

import (
	"github.com/juju/errors"
)

const (
	// ErrNotOwned indicates that an acknowledge, reschedule or
	// abandon was attempted against a message that the caller does
	// not currently hold a live claim on.
	ErrNotOwned = errors.ConstError("message not owned")

	// ErrPermanent may be wrapped by a handler to signal that its
	// failure is not retryable; the dispatcher moves the message
	// straight to Failed.
	ErrPermanent = errors.ConstError("permanent handler failure")
)
