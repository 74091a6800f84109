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
	coreidempotency "github.com/conveyorworks/conveyor/core/idempotency"
	"github.com/conveyorworks/conveyor/core/owner"
	"github.com/conveyorworks/conveyor/domain"
	"github.com/conveyorworks/conveyor/internal/database"
)

// idempotencyRecord maps a full idempotency_record row.
type idempotencyRecord struct {
	Key          string         `db:"key"`
	StatusID     int            `db:"status_id"`
	LockedUntil  *time.Time     `db:"locked_until"`
	LockedBy     sql.NullString `db:"locked_by"`
	FailureCount int            `db:"failure_count"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	CompletedAt  *time.Time     `db:"completed_at"`
}

// State describes retrieval and persistence methods for the
// idempotency store that gates side-effecting operations by
// business key.
type State struct {
	*domain.StateBase
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
	}
}

// TryBegin attempts to take the key for the input owner until the
// input lock deadline. It returns true when the caller may proceed
// with the guarded operation: the key was unseen, previously failed,
// stale-locked, or already held by the same owner. It returns false
// when the key is completed, or live under a different owner.
func (s *State) TryBegin(
	ctx context.Context, key string, lockedBy owner.Token, now, lockUntil time.Time,
) (bool, error) {
	db, err := s.DB()
	if err != nil {
		return false, errors.Trace(err)
	}

	row := idempotencyRecord{
		Key:         key,
		StatusID:    int(coreidempotency.InProgress),
		LockedUntil: &lockUntil,
		LockedBy:    sql.NullString{String: lockedBy.String(), Valid: true},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	selectStmt, err := s.Prepare(`
SELECT &idempotencyRecord.*
FROM   idempotency_record
WHERE  key = $idempotencyRecord.key`, row)
	if err != nil {
		return false, errors.Annotate(err, "preparing select record statement")
	}

	insertStmt, err := s.Prepare(`
INSERT INTO idempotency_record (key, status_id, locked_until, locked_by, created_at, updated_at)
VALUES ($idempotencyRecord.key, $idempotencyRecord.status_id, $idempotencyRecord.locked_until,
        $idempotencyRecord.locked_by, $idempotencyRecord.created_at, $idempotencyRecord.updated_at)`, row)
	if err != nil {
		return false, errors.Annotate(err, "preparing insert record statement")
	}

	updateStmt, err := s.Prepare(`
UPDATE idempotency_record
SET    status_id = $idempotencyRecord.status_id, locked_until = $idempotencyRecord.locked_until,
       locked_by = $idempotencyRecord.locked_by, updated_at = $idempotencyRecord.updated_at
WHERE  key = $idempotencyRecord.key`, row)
	if err != nil {
		return false, errors.Annotate(err, "preparing update record statement")
	}

	var begun bool
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var existing idempotencyRecord
		err := tx.Query(ctx, selectStmt, row).Get(&existing)
		if errors.Is(err, sqlair.ErrNoRows) {
			if err := tx.Query(ctx, insertStmt, row).Run(); err != nil {
				// A concurrent first caller won the insert race;
				// the key is now held by that owner.
				if database.IsErrConstraintUnique(err) {
					return nil
				}
				return errors.Trace(err)
			}
			begun = true
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}

		switch coreidempotency.Status(existing.StatusID) {
		case coreidempotency.Completed:
			// Terminal; never begun again.
			return nil
		case coreidempotency.InProgress:
			live := existing.LockedUntil != nil && existing.LockedUntil.After(now)
			sameOwner := existing.LockedBy.Valid && existing.LockedBy.String == lockedBy.String()
			if live && !sameOwner {
				return nil
			}
		}

		// Failed, stale-locked, or held by the same owner: take it.
		if err := tx.Query(ctx, updateStmt, row).Run(); err != nil {
			return errors.Trace(err)
		}
		begun = true
		return nil
	})
	return begun, errors.Trace(err)
}

// Complete marks the guarded operation as done, clearing the lease.
// The transition is terminal and idempotent; the completion time of
// the first call is preserved.
func (s *State) Complete(ctx context.Context, key string, now time.Time) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	row := idempotencyRecord{
		Key:         key,
		CompletedAt: &now,
		UpdatedAt:   now,
	}

	stmt, err := s.Prepare(`
UPDATE idempotency_record
SET    status_id = 2, locked_until = NULL, locked_by = NULL,
       completed_at = COALESCE(completed_at, $idempotencyRecord.completed_at),
       updated_at = $idempotencyRecord.updated_at
WHERE  key = $idempotencyRecord.key`, row)
	if err != nil {
		return errors.Annotate(err, "preparing complete statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("idempotency key %q", key)
		}
		return nil
	})
	return errors.Trace(err)
}

// Fail marks the guarded operation as failed, clearing the lease so
// the key may be retried. The failure count grows only on the
// transition out of in-progress, keeping repeats harmless.
func (s *State) Fail(ctx context.Context, key string, now time.Time) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	row := idempotencyRecord{
		Key:       key,
		UpdatedAt: now,
	}

	stmt, err := s.Prepare(`
UPDATE idempotency_record
SET    failure_count = failure_count + (CASE WHEN status_id = 1 THEN 1 ELSE 0 END),
       status_id = 0, locked_until = NULL, locked_by = NULL,
       updated_at = $idempotencyRecord.updated_at
WHERE  key = $idempotencyRecord.key`, row)
	if err != nil {
		return errors.Annotate(err, "preparing fail statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("idempotency key %q", key)
		}
		return nil
	})
	return errors.Trace(err)
}

// Record returns the stored state of the input key.
func (s *State) Record(ctx context.Context, key string) (coreidempotency.Status, int, error) {
	db, err := s.DB()
	if err != nil {
		return 0, 0, errors.Trace(err)
	}

	row := idempotencyRecord{Key: key}

	stmt, err := s.Prepare(`
SELECT &idempotencyRecord.*
FROM   idempotency_record
WHERE  key = $idempotencyRecord.key`, row)
	if err != nil {
		return 0, 0, errors.Annotate(err, "preparing select record statement")
	}

	var (
		status   coreidempotency.Status
		failures int
	)
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var existing idempotencyRecord
		err := tx.Query(ctx, stmt, row).Get(&existing)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("idempotency key %q", key)
		} else if err != nil {
			return errors.Trace(err)
		}
		status = coreidempotency.Status(existing.StatusID)
		failures = existing.FailureCount
		return nil
	})
	return status, failures, errors.Trace(err)
}
