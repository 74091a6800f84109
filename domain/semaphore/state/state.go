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
	"github.com/conveyorworks/conveyor/core/owner"
	coresemaphore "github.com/conveyorworks/conveyor/core/semaphore"
	"github.com/conveyorworks/conveyor/domain"
)

// semaphoreRow maps a full semaphore row.
type semaphoreRow struct {
	Name        string `db:"name"`
	MaxHolders  int    `db:"max_holders"`
	NextFencing int64  `db:"next_fencing"`
}

// leaseRow maps a full semaphore_lease row.
type leaseRow struct {
	Name            string         `db:"name"`
	Token           string         `db:"token"`
	Fencing         int64          `db:"fencing"`
	Holder          string         `db:"holder"`
	ClientRequestID sql.NullString `db:"client_request_id"`
	LeaseUntil      time.Time      `db:"lease_until"`
	CreatedAt       time.Time      `db:"created_at"`
	RenewedAt       *time.Time     `db:"renewed_at"`
}

// semArgs carries the bind parameters of the semaphore operations.
type semArgs struct {
	Name            string    `db:"name"`
	Token           string    `db:"token"`
	ClientRequestID string    `db:"client_request_id"`
	Now             time.Time `db:"now"`
	LeaseUntil      time.Time `db:"lease_until"`
	MaxRows         int       `db:"max_rows"`
}

type countRow struct {
	Count int `db:"count"`
}

// expiredReapBatch bounds how many expired leases a single acquire
// sweeps out, keeping the write transaction short under churn.
const expiredReapBatch = 10

// State describes retrieval and persistence methods for counted
// semaphores and their leases.
type State struct {
	*domain.StateBase
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
	}
}

// Create ensures a semaphore with the input name and capacity exists,
// updating the capacity of an existing one. The fencing counter is
// preserved across capacity changes.
func (s *State) Create(ctx context.Context, name string, maxHolders int) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	row := semaphoreRow{Name: name, MaxHolders: maxHolders}

	stmt, err := s.Prepare(`
INSERT INTO semaphore (name, max_holders)
VALUES ($semaphoreRow.name, $semaphoreRow.max_holders)
ON CONFLICT (name) DO UPDATE SET max_holders = excluded.max_holders`, row)
	if err != nil {
		return errors.Annotate(err, "preparing create semaphore statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Trace(err)
}

// Acquire attempts to admit the input holder under the named
// semaphore until the input lease deadline. Repeating a request
// with the same client request ID returns the live lease already
// admitted for it rather than consuming another slot. Expired leases
// are swept out, in bounded batches, before capacity is judged.
// It returns ErrNotFound when no such semaphore exists.
func (s *State) Acquire(
	ctx context.Context, name, holder, clientRequestID string, now, leaseUntil time.Time,
) (coresemaphore.AcquireResult, error) {
	db, err := s.DB()
	if err != nil {
		return coresemaphore.AcquireResult{}, errors.Trace(err)
	}

	args := semArgs{
		Name:            name,
		ClientRequestID: clientRequestID,
		Now:             now,
		LeaseUntil:      leaseUntil,
		MaxRows:         expiredReapBatch,
	}

	semStmt, err := s.Prepare(`
SELECT &semaphoreRow.*
FROM   semaphore
WHERE  name = $semArgs.name`, args, semaphoreRow{})
	if err != nil {
		return coresemaphore.AcquireResult{}, errors.Annotate(err, "preparing select semaphore statement")
	}

	requestStmt, err := s.Prepare(`
SELECT &leaseRow.*
FROM   semaphore_lease
WHERE  name = $semArgs.name
AND    client_request_id = $semArgs.client_request_id
AND    lease_until > $semArgs.now`, args, leaseRow{})
	if err != nil {
		return coresemaphore.AcquireResult{}, errors.Annotate(err, "preparing select request statement")
	}

	sweepStmt, err := s.Prepare(`
DELETE FROM semaphore_lease
WHERE  (name, token) IN (
    SELECT name, token
    FROM   semaphore_lease
    WHERE  name = $semArgs.name
    AND    lease_until <= $semArgs.now
    LIMIT  $semArgs.max_rows)`, args)
	if err != nil {
		return coresemaphore.AcquireResult{}, errors.Annotate(err, "preparing sweep statement")
	}

	countStmt, err := s.Prepare(`
SELECT COUNT(*) AS &countRow.count
FROM   semaphore_lease
WHERE  name = $semArgs.name
AND    lease_until > $semArgs.now`, args, countRow{})
	if err != nil {
		return coresemaphore.AcquireResult{}, errors.Annotate(err, "preparing count statement")
	}

	bumpStmt, err := s.Prepare(`
UPDATE semaphore
SET    next_fencing = next_fencing + 1
WHERE  name = $semArgs.name`, args)
	if err != nil {
		return coresemaphore.AcquireResult{}, errors.Annotate(err, "preparing bump fencing statement")
	}

	var result coresemaphore.AcquireResult
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var sem semaphoreRow
		err := tx.Query(ctx, semStmt, args).Get(&sem)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.Annotatef(coresemaphore.ErrNotFound, "semaphore %q", name)
		} else if err != nil {
			return errors.Trace(err)
		}

		if clientRequestID != "" {
			var existing leaseRow
			err := tx.Query(ctx, requestStmt, args).Get(&existing)
			if err == nil {
				result = coresemaphore.AcquireResult{
					Acquired:   true,
					Token:      existing.Token,
					Fencing:    existing.Fencing,
					LeaseUntil: existing.LeaseUntil,
				}
				return nil
			} else if !errors.Is(err, sqlair.ErrNoRows) {
				return errors.Trace(err)
			}
		}

		if err := tx.Query(ctx, sweepStmt, args).Run(); err != nil {
			return errors.Trace(err)
		}

		var live countRow
		if err := tx.Query(ctx, countStmt, args).Get(&live); err != nil {
			return errors.Trace(err)
		}
		if live.Count >= sem.MaxHolders {
			return nil
		}

		lease := leaseRow{
			Name:       name,
			Token:      owner.NewToken().String(),
			Fencing:    sem.NextFencing,
			Holder:     holder,
			LeaseUntil: leaseUntil,
			CreatedAt:  now,
		}
		if clientRequestID != "" {
			lease.ClientRequestID = sql.NullString{String: clientRequestID, Valid: true}
		}

		insertStmt, err := s.Prepare(`
INSERT INTO semaphore_lease (name, token, fencing, holder, client_request_id, lease_until, created_at)
VALUES ($leaseRow.name, $leaseRow.token, $leaseRow.fencing, $leaseRow.holder,
        $leaseRow.client_request_id, $leaseRow.lease_until, $leaseRow.created_at)`, lease)
		if err != nil {
			return errors.Annotate(err, "preparing insert lease statement")
		}

		if err := tx.Query(ctx, insertStmt, lease).Run(); err != nil {
			return errors.Trace(err)
		}
		if err := tx.Query(ctx, bumpStmt, args).Run(); err != nil {
			return errors.Trace(err)
		}

		result = coresemaphore.AcquireResult{
			Acquired:   true,
			Token:      lease.Token,
			Fencing:    lease.Fencing,
			LeaseUntil: leaseUntil,
		}
		return nil
	})
	return result, errors.Trace(err)
}

// Renew extends the identified admission. The new deadline never
// moves backwards: a renew racing a longer earlier grant keeps the
// later of the two. It returns ErrLost when the lease is absent or
// has already expired.
func (s *State) Renew(
	ctx context.Context, name, token string, now, leaseUntil time.Time,
) (time.Time, error) {
	db, err := s.DB()
	if err != nil {
		return time.Time{}, errors.Trace(err)
	}

	args := semArgs{
		Name:       name,
		Token:      token,
		Now:        now,
		LeaseUntil: leaseUntil,
	}

	updateStmt, err := s.Prepare(`
UPDATE semaphore_lease
SET    lease_until = MAX(lease_until, $semArgs.lease_until), renewed_at = $semArgs.now
WHERE  name = $semArgs.name
AND    token = $semArgs.token
AND    lease_until > $semArgs.now`, args)
	if err != nil {
		return time.Time{}, errors.Annotate(err, "preparing renew lease statement")
	}

	selectStmt, err := s.Prepare(`
SELECT &leaseRow.*
FROM   semaphore_lease
WHERE  name = $semArgs.name
AND    token = $semArgs.token`, args, leaseRow{})
	if err != nil {
		return time.Time{}, errors.Annotate(err, "preparing select lease statement")
	}

	var extended time.Time
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
			return errors.Annotatef(coresemaphore.ErrLost, "semaphore %q lease %q", name, token)
		}

		var row leaseRow
		if err := tx.Query(ctx, selectStmt, args).Get(&row); err != nil {
			return errors.Trace(err)
		}
		extended = row.LeaseUntil
		return nil
	})
	return extended, errors.Trace(err)
}

// Release removes the identified admission, reporting whether a live
// row was removed. Releasing an unknown or expired lease is a
// harmless no-op.
func (s *State) Release(ctx context.Context, name, token string) (bool, error) {
	db, err := s.DB()
	if err != nil {
		return false, errors.Trace(err)
	}

	args := semArgs{Name: name, Token: token}

	stmt, err := s.Prepare(`
DELETE FROM semaphore_lease
WHERE  name = $semArgs.name
AND    token = $semArgs.token`, args)
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

// Reap deletes expired leases, across all semaphores when the name
// is empty, up to the input row bound. It reports how many rows
// were removed.
func (s *State) Reap(ctx context.Context, name string, now time.Time, maxRows int) (int, error) {
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}

	args := semArgs{Name: name, Now: now, MaxRows: maxRows}

	stmt, err := s.Prepare(`
DELETE FROM semaphore_lease
WHERE  (name, token) IN (
    SELECT name, token
    FROM   semaphore_lease
    WHERE  lease_until <= $semArgs.now
    AND    ($semArgs.name = '' OR name = $semArgs.name)
    LIMIT  $semArgs.max_rows)`, args)
	if err != nil {
		return 0, errors.Annotate(err, "preparing reap statement")
	}

	var reaped int
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		reaped = int(affected)
		return nil
	})
	return reaped, errors.Trace(err)
}

// Leases returns the live admissions under the named semaphore,
// ordered by fencing token.
func (s *State) Leases(ctx context.Context, name string, now time.Time) ([]coresemaphore.Lease, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	args := semArgs{Name: name, Now: now}

	stmt, err := s.Prepare(`
SELECT &leaseRow.*
FROM   semaphore_lease
WHERE  name = $semArgs.name
AND    lease_until > $semArgs.now
ORDER BY fencing`, args, leaseRow{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select leases statement")
	}

	var rows []leaseRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, args).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	leases := make([]coresemaphore.Lease, len(rows))
	for i, row := range rows {
		leases[i] = coresemaphore.Lease{
			Name:            row.Name,
			Token:           row.Token,
			Fencing:         row.Fencing,
			Holder:          row.Holder,
			ClientRequestID: row.ClientRequestID.String,
			LeaseUntil:      row.LeaseUntil,
			CreatedAt:       row.CreatedAt,
			RenewedAt:       row.RenewedAt,
		}
	}
	return leases, nil
}
