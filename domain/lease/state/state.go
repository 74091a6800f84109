// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/conveyorworks/conveyor/core/database"
	corelease "github.com/conveyorworks/conveyor/core/lease"
	"github.com/conveyorworks/conveyor/domain"
)

// leaseArgs carries the bind parameters of the lease operations.
type leaseArgs struct {
	Name       string    `db:"name"`
	Holder     string    `db:"holder"`
	Now        time.Time `db:"now"`
	LeaseUntil time.Time `db:"lease_until"`
}

// State describes retrieval and persistence methods for named leases.
type State struct {
	*domain.StateBase
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
	}
}

// Acquire attempts to grant the named lease to the input holder until
// the input deadline. The grant succeeds when the lease is unheld,
// expired, or already held by this holder, which lets a singleton
// worker treat acquire-or-extend as one operation. Contention yields
// an unacquired grant, not an error.
func (s *State) Acquire(
	ctx context.Context, name, holder string, now, leaseUntil time.Time,
) (corelease.Grant, error) {
	db, err := s.DB()
	if err != nil {
		return corelease.Grant{}, errors.Trace(err)
	}

	args := leaseArgs{
		Name:       name,
		Holder:     holder,
		Now:        now,
		LeaseUntil: leaseUntil,
	}

	insertStmt, err := s.Prepare(`
INSERT INTO lease (name, holder, lease_until, last_granted, version)
VALUES ($leaseArgs.name, $leaseArgs.holder, $leaseArgs.lease_until, $leaseArgs.now, 1)`, args)
	if err != nil {
		return corelease.Grant{}, errors.Annotate(err, "preparing insert lease statement")
	}

	updateStmt, err := s.Prepare(`
UPDATE lease
SET    holder = $leaseArgs.holder, lease_until = $leaseArgs.lease_until,
       last_granted = $leaseArgs.now, version = version + 1
WHERE  name = $leaseArgs.name
AND    (holder IS NULL OR lease_until <= $leaseArgs.now OR holder = $leaseArgs.holder)`, args)
	if err != nil {
		return corelease.Grant{}, errors.Annotate(err, "preparing acquire lease statement")
	}

	existsStmt, err := s.Prepare(`
SELECT name AS &leaseArgs.name
FROM   lease
WHERE  name = $leaseArgs.name`, args)
	if err != nil {
		return corelease.Grant{}, errors.Annotate(err, "preparing select lease statement")
	}

	var grant corelease.Grant
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var existing leaseArgs
		err := tx.Query(ctx, existsStmt, args).Get(&existing)
		if errors.Is(err, sqlair.ErrNoRows) {
			if err := tx.Query(ctx, insertStmt, args).Run(); err != nil {
				return errors.Trace(err)
			}
			grant = corelease.Grant{Acquired: true, Now: now, LeaseUntil: leaseUntil}
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}

		var outcome sqlair.Outcome
		if err := tx.Query(ctx, updateStmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		grant = corelease.Grant{Acquired: affected > 0, Now: now, LeaseUntil: leaseUntil}
		return nil
	})
	return grant, errors.Trace(err)
}

// Renew extends the input holder's live grant of the named lease.
// It returns ErrInvalid when the grant has expired or the lease is
// held by someone else; the caller must re-acquire.
func (s *State) Renew(
	ctx context.Context, name, holder string, now, leaseUntil time.Time,
) (corelease.Grant, error) {
	db, err := s.DB()
	if err != nil {
		return corelease.Grant{}, errors.Trace(err)
	}

	args := leaseArgs{
		Name:       name,
		Holder:     holder,
		Now:        now,
		LeaseUntil: leaseUntil,
	}

	stmt, err := s.Prepare(`
UPDATE lease
SET    lease_until = $leaseArgs.lease_until, version = version + 1
WHERE  name = $leaseArgs.name
AND    holder = $leaseArgs.holder
AND    lease_until > $leaseArgs.now`, args)
	if err != nil {
		return corelease.Grant{}, errors.Annotate(err, "preparing renew lease statement")
	}

	var grant corelease.Grant
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.Annotatef(corelease.ErrInvalid, "lease %q for holder %q", name, holder)
		}
		grant = corelease.Grant{Acquired: true, Now: now, LeaseUntil: leaseUntil}
		return nil
	})
	return grant, errors.Trace(err)
}

// Release clears the input holder's grant of the named lease,
// reporting whether a grant was released. Releasing a lease held by
// another holder, or not held at all, is a harmless no-op.
func (s *State) Release(ctx context.Context, name, holder string) (bool, error) {
	db, err := s.DB()
	if err != nil {
		return false, errors.Trace(err)
	}

	args := leaseArgs{Name: name, Holder: holder}

	stmt, err := s.Prepare(`
UPDATE lease
SET    holder = NULL, lease_until = NULL
WHERE  name = $leaseArgs.name
AND    holder = $leaseArgs.holder`, args)
	if err != nil {
		return false, errors.Annotate(err, "preparing release lease statement")
	}

	var released bool
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		released = affected > 0
		return nil
	})
	return released, errors.Trace(err)
}
