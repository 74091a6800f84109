// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"

	coredatabase "github.com/conveyorworks/conveyor/core/database"
	corelock "github.com/conveyorworks/conveyor/core/lock"
	"github.com/conveyorworks/conveyor/core/owner"
	"github.com/conveyorworks/conveyor/domain"
)

// lockRow maps a full distributed_lock row.
type lockRow struct {
	ResourceName string         `db:"resource_name"`
	OwnerToken   sql.NullString `db:"owner_token"`
	LeaseUntil   *time.Time     `db:"lease_until"`
	FencingToken int64          `db:"fencing_token"`
	Context      sql.NullString `db:"context"`
}

// lockArgs carries the bind parameters of the lock operations.
type lockArgs struct {
	ResourceName string    `db:"resource_name"`
	Owner        string    `db:"owner_token"`
	Now          time.Time `db:"now"`
	LeaseUntil   time.Time `db:"lease_until"`
	Context      string    `db:"context"`
}

// State describes retrieval and persistence methods for the fenced
// distributed lock.
type State struct {
	*domain.StateBase
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
	}
}

// Acquire attempts to take the named lock until the input lease
// deadline, minting a fresh owner token for the acquisition. The
// fencing token is 0 for the first ever acquisition of a resource
// and strictly increases on every subsequent one, surviving release
// and expiry. A held lock yields an unacquired result, not an error.
func (s *State) Acquire(
	ctx context.Context, name string, now, leaseUntil time.Time, lockContext string,
) (corelock.Acquisition, error) {
	db, err := s.DB()
	if err != nil {
		return corelock.Acquisition{}, errors.Trace(err)
	}

	newOwner := owner.NewToken()
	args := lockArgs{
		ResourceName: name,
		Owner:        newOwner.String(),
		Now:          now,
		LeaseUntil:   leaseUntil,
		Context:      lockContext,
	}

	insertStmt, err := s.Prepare(`
INSERT INTO distributed_lock (resource_name, owner_token, lease_until, fencing_token, context)
VALUES ($lockArgs.resource_name, $lockArgs.owner_token, $lockArgs.lease_until, 0, $lockArgs.context)`, args)
	if err != nil {
		return corelock.Acquisition{}, errors.Annotate(err, "preparing insert lock statement")
	}

	updateStmt, err := s.Prepare(`
UPDATE distributed_lock
SET    owner_token = $lockArgs.owner_token, lease_until = $lockArgs.lease_until,
       fencing_token = fencing_token + 1, context = $lockArgs.context
WHERE  resource_name = $lockArgs.resource_name
AND    (owner_token IS NULL OR lease_until <= $lockArgs.now)`, args)
	if err != nil {
		return corelock.Acquisition{}, errors.Annotate(err, "preparing acquire lock statement")
	}

	selectStmt, err := s.Prepare(`
SELECT &lockRow.*
FROM   distributed_lock
WHERE  resource_name = $lockArgs.resource_name`, args, lockRow{})
	if err != nil {
		return corelock.Acquisition{}, errors.Annotate(err, "preparing select lock statement")
	}

	var result corelock.Acquisition
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var existing lockRow
		err := tx.Query(ctx, selectStmt, args).Get(&existing)
		if errors.Is(err, sqlair.ErrNoRows) {
			if err := tx.Query(ctx, insertStmt, args).Run(); err != nil {
				return errors.Trace(err)
			}
			result = corelock.Acquisition{
				Acquired:   true,
				Owner:      newOwner,
				Fencing:    0,
				LeaseUntil: leaseUntil,
			}
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
		if affected == 0 {
			// Held by a live owner.
			return nil
		}

		result = corelock.Acquisition{
			Acquired:   true,
			Owner:      newOwner,
			Fencing:    existing.FencingToken + 1,
			LeaseUntil: leaseUntil,
		}
		return nil
	})
	return result, errors.Trace(err)
}

// Renew extends the caller's live holding of the named lock to the
// input deadline, bumping the fencing token. It returns ErrStale
// when the holding has already expired or belongs to another owner.
func (s *State) Renew(
	ctx context.Context, name string, ownerToken owner.Token, now, leaseUntil time.Time,
) (corelock.Acquisition, error) {
	db, err := s.DB()
	if err != nil {
		return corelock.Acquisition{}, errors.Trace(err)
	}

	args := lockArgs{
		ResourceName: name,
		Owner:        ownerToken.String(),
		Now:          now,
		LeaseUntil:   leaseUntil,
	}

	updateStmt, err := s.Prepare(`
UPDATE distributed_lock
SET    lease_until = $lockArgs.lease_until, fencing_token = fencing_token + 1
WHERE  resource_name = $lockArgs.resource_name
AND    owner_token = $lockArgs.owner_token
AND    lease_until > $lockArgs.now`, args)
	if err != nil {
		return corelock.Acquisition{}, errors.Annotate(err, "preparing renew lock statement")
	}

	selectStmt, err := s.Prepare(`
SELECT &lockRow.*
FROM   distributed_lock
WHERE  resource_name = $lockArgs.resource_name`, args, lockRow{})
	if err != nil {
		return corelock.Acquisition{}, errors.Annotate(err, "preparing select lock statement")
	}

	var result corelock.Acquisition
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, updateStmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.Annotatef(corelock.ErrStale, "lock %q", name)
		}

		var row lockRow
		if err := tx.Query(ctx, selectStmt, args).Get(&row); err != nil {
			return errors.Trace(err)
		}
		result = corelock.Acquisition{
			Acquired:   true,
			Owner:      ownerToken,
			Fencing:    row.FencingToken,
			LeaseUntil: leaseUntil,
		}
		return nil
	})
	return result, errors.Trace(err)
}

// Release clears the lock's ownership, provided the input token
// still owns it. It reports whether a holding was released; the
// fencing token is retained for the next acquisition.
func (s *State) Release(ctx context.Context, name string, ownerToken owner.Token) (bool, error) {
	db, err := s.DB()
	if err != nil {
		return false, errors.Trace(err)
	}

	args := lockArgs{
		ResourceName: name,
		Owner:        ownerToken.String(),
	}

	stmt, err := s.Prepare(`
UPDATE distributed_lock
SET    owner_token = NULL, lease_until = NULL, context = NULL
WHERE  resource_name = $lockArgs.resource_name
AND    owner_token = $lockArgs.owner_token`, args)
	if err != nil {
		return false, errors.Annotate(err, "preparing release lock statement")
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

// CleanupExpired clears ownership of every lock whose lease has
// expired at the input time, reporting how many rows were cleared.
// Fencing tokens are untouched.
func (s *State) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}

	args := lockArgs{Now: now}

	stmt, err := s.Prepare(`
UPDATE distributed_lock
SET    owner_token = NULL, lease_until = NULL, context = NULL
WHERE  owner_token IS NOT NULL
AND    lease_until <= $lockArgs.now`, args)
	if err != nil {
		return 0, errors.Annotate(err, "preparing cleanup statement")
	}

	var cleared int
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		cleared = int(affected)
		return nil
	})
	return cleared, errors.Trace(err)
}
