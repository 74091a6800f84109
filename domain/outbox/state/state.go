// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"

	coredatabase "github.com/conveyorworks/conveyor/core/database"
	coreoutbox "github.com/conveyorworks/conveyor/core/outbox"
	"github.com/conveyorworks/conveyor/core/owner"
	"github.com/conveyorworks/conveyor/domain"
)

// State describes retrieval and persistence methods for the outbox
// work queue.
type State struct {
	*domain.StateBase
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
	}
}

// Insert writes a new ready message. Durability is the caller's
// commit; see InsertTx for enlisting in an existing transaction.
func (s *State) Insert(ctx context.Context, msg coreoutbox.Message) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(s.InsertTx(ctx, tx, msg))
	})
	return errors.Trace(err)
}

// InsertTx writes a new ready message within the caller's
// transaction, so that message emission is atomic with the caller's
// own writes. The message must carry ID, MessageID, Topic and
// CreatedAt.
func (s *State) InsertTx(ctx context.Context, tx *sqlair.TX, msg coreoutbox.Message) error {
	row := outboxMessage{
		ID:            msg.ID,
		MessageID:     msg.MessageID,
		Topic:         msg.Topic,
		Payload:       sql.NullString{String: msg.Payload, Valid: true},
		CorrelationID: sql.NullString{String: msg.CorrelationID, Valid: msg.CorrelationID != ""},
		CreatedAt:     msg.CreatedAt,
		DueTime:       msg.DueTime,
	}

	stmt, err := s.Prepare(`
INSERT INTO outbox_message (id, message_id, topic, payload, correlation_id, status_id, created_at, due_time)
VALUES ($outboxMessage.id, $outboxMessage.message_id, $outboxMessage.topic, $outboxMessage.payload,
        $outboxMessage.correlation_id, 0, $outboxMessage.created_at, $outboxMessage.due_time)`, row)
	if err != nil {
		return errors.Annotate(err, "preparing insert message statement")
	}

	return errors.Trace(tx.Query(ctx, stmt, row).Run())
}

// ClaimDue atomically claims up to batch ready messages that are due
// at the input time, binding them to the input owner until the lease
// deadline. No two concurrent callers can claim the same row: the
// guarded update runs inside a single write transaction, which the
// store serialises.
func (s *State) ClaimDue(
	ctx context.Context, ownerToken owner.Token, now, leaseUntil time.Time, batch int,
) ([]coreoutbox.Message, error) {
	if batch <= 0 {
		return nil, nil
	}

	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	args := claimArgs{
		Owner:      ownerToken.String(),
		Now:        now,
		LeaseUntil: leaseUntil,
		Batch:      batch,
	}

	selectStmt, err := s.Prepare(`
SELECT &outboxMessage.id
FROM   outbox_message
WHERE  status_id = 0
AND    (locked_until IS NULL OR locked_until <= $claimArgs.now)
AND    (due_time IS NULL OR due_time <= $claimArgs.now)
ORDER BY created_at, id
LIMIT  $claimArgs.batch`, args, outboxMessage{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select due statement")
	}

	updateStmt, err := s.Prepare(`
UPDATE outbox_message
SET    status_id = 1, owner_token = $claimArgs.owner_token, locked_until = $claimArgs.lease_until
WHERE  status_id = 0
AND    id IN ($S[:])`, args, sqlair.S{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing claim statement")
	}

	claimedStmt, err := s.Prepare(`
SELECT &outboxMessage.*
FROM   outbox_message
WHERE  owner_token = $claimArgs.owner_token
AND    status_id = 1
AND    id IN ($S[:])
ORDER BY created_at, id`, args, sqlair.S{}, outboxMessage{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select claimed statement")
	}

	var result []coreoutbox.Message
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var due []outboxMessage
		err := tx.Query(ctx, selectStmt, args).GetAll(&due)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}

		ids := sqlair.S(transform.Slice(due, func(m outboxMessage) any { return m.ID }))

		if err := tx.Query(ctx, updateStmt, args, ids).Run(); err != nil {
			return errors.Trace(err)
		}

		var claimed []outboxMessage
		err = tx.Query(ctx, claimedStmt, args, ids).GetAll(&claimed)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}

		result = transform.Slice(claimed, outboxMessage.toCore)
		return nil
	})
	return result, errors.Trace(err)
}

// MarkDispatched transitions a claimed message to done, clearing the
// claim. The call is idempotent: repeating it for a message already
// done is a no-op. It returns ErrNotOwned when the message is live
// under a different owner, or unknown.
func (s *State) MarkDispatched(ctx context.Context, ownerToken owner.Token, id string, now time.Time) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	args := ackArgs{
		ID:    id,
		Owner: ownerToken.String(),
		Now:   now,
	}

	updateStmt, err := s.Prepare(`
UPDATE outbox_message
SET    status_id = 2, owner_token = NULL, locked_until = NULL, processed_at = $ackArgs.now
WHERE  id = $ackArgs.id
AND    owner_token = $ackArgs.owner_token
AND    status_id = 1`, args)
	if err != nil {
		return errors.Annotate(err, "preparing mark dispatched statement")
	}

	statusStmt, err := s.Prepare(`
SELECT &outboxMessage.status_id
FROM   outbox_message
WHERE  id = $ackArgs.id`, args, outboxMessage{})
	if err != nil {
		return errors.Annotate(err, "preparing select status statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, updateStmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 1 {
			return nil
		}

		var row outboxMessage
		err = tx.Query(ctx, statusStmt, args).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.Annotatef(coreoutbox.ErrNotOwned, "message %q", id)
		} else if err != nil {
			return errors.Trace(err)
		}
		if coreoutbox.Status(row.StatusID) == coreoutbox.Done {
			return nil
		}
		return errors.Annotatef(coreoutbox.ErrNotOwned, "message %q", id)
	})
	return errors.Trace(err)
}

// Reschedule returns a claimed message to ready with the input due
// time, recording the failure and bumping the retry count. It
// returns ErrNotOwned when the caller does not hold a live claim.
func (s *State) Reschedule(
	ctx context.Context, ownerToken owner.Token, id string, dueTime time.Time, lastError string,
) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	args := ackArgs{
		ID:        id,
		Owner:     ownerToken.String(),
		DueTime:   &dueTime,
		LastError: lastError,
	}

	stmt, err := s.Prepare(`
UPDATE outbox_message
SET    status_id = 0, owner_token = NULL, locked_until = NULL,
       retry_count = retry_count + 1, last_error = $ackArgs.last_error, due_time = $ackArgs.due_time
WHERE  id = $ackArgs.id
AND    owner_token = $ackArgs.owner_token
AND    status_id = 1`, args)
	if err != nil {
		return errors.Annotate(err, "preparing reschedule statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(s.guardOwned(ctx, tx, stmt, args, id))
	})
	return errors.Trace(err)
}

// Fail transitions a claimed message to its terminal failed state.
// It returns ErrNotOwned when the caller does not hold a live claim.
func (s *State) Fail(ctx context.Context, ownerToken owner.Token, id string, lastError string) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	args := ackArgs{
		ID:        id,
		Owner:     ownerToken.String(),
		LastError: lastError,
	}

	stmt, err := s.Prepare(`
UPDATE outbox_message
SET    status_id = 3, owner_token = NULL, locked_until = NULL, last_error = $ackArgs.last_error
WHERE  id = $ackArgs.id
AND    owner_token = $ackArgs.owner_token
AND    status_id = 1`, args)
	if err != nil {
		return errors.Annotate(err, "preparing fail statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(s.guardOwned(ctx, tx, stmt, args, id))
	})
	return errors.Trace(err)
}

// Abandon releases the caller's claims on the input messages,
// returning them to ready, optionally not before the input due time.
// It reports how many rows were released.
func (s *State) Abandon(
	ctx context.Context, ownerToken owner.Token, ids []string, dueTime *time.Time,
) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}

	args := ackArgs{
		Owner:   ownerToken.String(),
		DueTime: dueTime,
	}

	stmt, err := s.Prepare(`
UPDATE outbox_message
SET    status_id = 0, owner_token = NULL, locked_until = NULL, due_time = $ackArgs.due_time
WHERE  owner_token = $ackArgs.owner_token
AND    status_id = 1
AND    id IN ($S[:])`, args, sqlair.S{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing abandon statement")
	}

	idents := sqlair.S(transform.Slice(ids, func(id string) any { return id }))

	var released int
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, args, idents).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		released = int(affected)
		return nil
	})
	return released, errors.Trace(err)
}

// Reap returns every in-progress message whose lease has expired at
// the input time to ready, clearing the stale claim. It reports how
// many rows were recovered.
func (s *State) Reap(ctx context.Context, now time.Time) (int, error) {
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}

	args := reapArgs{Now: now}

	stmt, err := s.Prepare(`
UPDATE outbox_message
SET    status_id = 0, owner_token = NULL, locked_until = NULL
WHERE  status_id = 1
AND    locked_until <= $reapArgs.now`, args)
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

// Cleanup deletes done messages processed at or before the input
// cut-off, reporting how many rows were removed.
func (s *State) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}

	args := reapArgs{Cutoff: cutoff}

	stmt, err := s.Prepare(`
DELETE FROM outbox_message
WHERE  status_id = 2
AND    processed_at <= $reapArgs.cutoff`, args)
	if err != nil {
		return 0, errors.Annotate(err, "preparing cleanup statement")
	}

	var removed int
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		removed = int(affected)
		return nil
	})
	return removed, errors.Trace(err)
}

// guardOwned runs a transition statement that requires a live claim,
// converting zero affected rows into ErrNotOwned.
func (s *State) guardOwned(
	ctx context.Context, tx *sqlair.TX, stmt *sqlair.Statement, args ackArgs, id string,
) error {
	var outcome sqlair.Outcome
	if err := tx.Query(ctx, stmt, args).Get(&outcome); err != nil {
		return errors.Trace(err)
	}
	affected, err := outcome.Result().RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if affected == 0 {
		return errors.Annotatef(coreoutbox.ErrNotOwned, "message %q", id)
	}
	return nil
}
