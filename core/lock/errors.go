// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lock

import (
	"github.com/juju/errors"
)

const (
	// ErrStale indicates that a renew or release required an
	// unexpired ownership and had none. The work guarded by the
	// lock is deemed lost; the cleanup pass recovers the row.
	ErrStale = errors.ConstError("lock ownership stale")
)
