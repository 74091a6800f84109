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
	coreinbox "github.com/conveyorworks/conveyor/core/inbox"
	"github.com/conveyorworks/conveyor/core/owner"
	"github.com/conveyorworks/conveyor/domain"
)

// State describes retrieval and persistence methods for the inbox
// deduplication store and work queue.
type State struct {
	*domain.StateBase
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
	}
}

// RecordArgs carries the attributes of an inbound message being
// recorded.
type RecordArgs struct {
	Key     coreinbox.Key
	Topic   string
	Payload string
	Hash    string
	DueTime *time.Time
}

// Record notes an inbound message. The first record of a key inserts
// it as seen; subsequent records bump the attempt count and last-seen
// time only. The result reports whether the key was a duplicate and
// its state after the call, so callers know whether to process or
// suppress.
func (s *State) Record(ctx context.Context, args RecordArgs, now time.Time) (coreinbox.RecordResult, error) {
	db, err := s.DB()
	if err != nil {
		return coreinbox.RecordResult{}, errors.Trace(err)
	}

	row := inboxRecord{
		Source:    args.Key.Source,
		MessageID: args.Key.MessageID,
		Hash:      sql.NullString{String: args.Hash, Valid: args.Hash != ""},
		Topic:     sql.NullString{String: args.Topic, Valid: args.Topic != ""},
		Payload:   sql.NullString{String: args.Payload, Valid: args.Payload != ""},
		FirstSeen: now,
		LastSeen:  now,
		DueTime:   args.DueTime,
	}

	selectStmt, err := s.Prepare(`
SELECT &inboxRecord.*
FROM   inbox_message
WHERE  source = $inboxRecord.source
AND    message_id = $inboxRecord.message_id`, row)
	if err != nil {
		return coreinbox.RecordResult{}, errors.Annotate(err, "preparing select record statement")
	}

	insertStmt, err := s.Prepare(`
INSERT INTO inbox_message (source, message_id, hash, topic, payload, status_id, first_seen, last_seen, due_time, attempts)
VALUES ($inboxRecord.source, $inboxRecord.message_id, $inboxRecord.hash, $inboxRecord.topic,
        $inboxRecord.payload, 0, $inboxRecord.first_seen, $inboxRecord.last_seen, $inboxRecord.due_time, 0)`, row)
	if err != nil {
		return coreinbox.RecordResult{}, errors.Annotate(err, "preparing insert record statement")
	}

	updateStmt, err := s.Prepare(`
UPDATE inbox_message
SET    last_seen = $inboxRecord.last_seen, attempts = attempts + 1
WHERE  source = $inboxRecord.source
AND    message_id = $inboxRecord.message_id`, row)
	if err != nil {
		return coreinbox.RecordResult{}, errors.Annotate(err, "preparing update record statement")
	}

	var result coreinbox.RecordResult
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var existing inboxRecord
		err := tx.Query(ctx, selectStmt, row).Get(&existing)
		if errors.Is(err, sqlair.ErrNoRows) {
			if err := tx.Query(ctx, insertStmt, row).Run(); err != nil {
				return errors.Trace(err)
			}
			result = coreinbox.RecordResult{
				Duplicate: false,
				Status:    coreinbox.Seen,
				Attempts:  0,
			}
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}

		if err := tx.Query(ctx, updateStmt, row).Run(); err != nil {
			return errors.Trace(err)
		}
		result = coreinbox.RecordResult{
			Duplicate: true,
			Status:    coreinbox.Status(existing.StatusID),
			Attempts:  existing.Attempts + 1,
		}
		return nil
	})
	return result, errors.Trace(err)
}

// Claim atomically claims up to batch due records for processing,
// ordered by last-seen time. Records already done or dead are never
// returned.
func (s *State) Claim(
	ctx context.Context, ownerToken owner.Token, now, leaseUntil time.Time, batch int,
) ([]coreinbox.Record, error) {
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
SELECT (source, message_id) AS (&inboxRecord.*)
FROM   inbox_message
WHERE  status_id IN (0, 1)
AND    (locked_until IS NULL OR locked_until <= $claimArgs.now)
AND    (due_time IS NULL OR due_time <= $claimArgs.now)
ORDER BY last_seen, source, message_id
LIMIT  $claimArgs.batch`, args, inboxRecord{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select due statement")
	}

	updateStmt, err := s.Prepare(`
UPDATE inbox_message
SET    status_id = 1, owner_token = $keyArgs.owner_token, locked_until = $keyArgs.lease_until
WHERE  source = $keyArgs.source
AND    message_id = $keyArgs.message_id`, keyArgs{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing claim statement")
	}

	claimedStmt, err := s.Prepare(`
SELECT &inboxRecord.*
FROM   inbox_message
WHERE  source = $keyArgs.source
AND    message_id = $keyArgs.message_id`, keyArgs{}, inboxRecord{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing select claimed statement")
	}

	var result []coreinbox.Record
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var due []inboxRecord
		err := tx.Query(ctx, selectStmt, args).GetAll(&due)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}

		for _, rec := range due {
			key := keyArgs{
				Source:     rec.Source,
				MessageID:  rec.MessageID,
				Owner:      args.Owner,
				LeaseUntil: args.LeaseUntil,
			}
			if err := tx.Query(ctx, updateStmt, key).Run(); err != nil {
				return errors.Trace(err)
			}

			var claimed inboxRecord
			if err := tx.Query(ctx, claimedStmt, key).Get(&claimed); err != nil {
				return errors.Trace(err)
			}
			result = append(result, claimed.toCore())
		}
		return nil
	})
	return result, errors.Trace(err)
}

// Ack marks the caller's claimed records as done. It reports how
// many rows transitioned.
func (s *State) Ack(ctx context.Context, ownerToken owner.Token, keys []coreinbox.Key, now time.Time) (int, error) {
	stmt, err := s.Prepare(`
UPDATE inbox_message
SET    status_id = 2, processed_at = $keyArgs.now, owner_token = NULL, locked_until = NULL
WHERE  source = $keyArgs.source
AND    message_id = $keyArgs.message_id
AND    owner_token = $keyArgs.owner_token
AND    status_id = 1`, keyArgs{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing ack statement")
	}

	n, err := s.transition(ctx, stmt, ownerToken, keys, now, nil, "")
	return n, errors.Trace(err)
}

// Abandon releases the caller's claims, returning the records to
// seen, optionally not before the input due time.
func (s *State) Abandon(
	ctx context.Context, ownerToken owner.Token, keys []coreinbox.Key, dueTime *time.Time,
) (int, error) {
	stmt, err := s.Prepare(`
UPDATE inbox_message
SET    status_id = 0, owner_token = NULL, locked_until = NULL, due_time = $keyArgs.due_time
WHERE  source = $keyArgs.source
AND    message_id = $keyArgs.message_id
AND    owner_token = $keyArgs.owner_token
AND    status_id = 1`, keyArgs{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing abandon statement")
	}

	n, err := s.transition(ctx, stmt, ownerToken, keys, time.Time{}, dueTime, "")
	return n, errors.Trace(err)
}

// MarkDead moves the caller's claimed records to the terminal dead
// state, recording the reason.
func (s *State) MarkDead(
	ctx context.Context, ownerToken owner.Token, keys []coreinbox.Key, reason string,
) (int, error) {
	stmt, err := s.Prepare(`
UPDATE inbox_message
SET    status_id = 3, owner_token = NULL, locked_until = NULL, dead_reason = $keyArgs.dead_reason
WHERE  source = $keyArgs.source
AND    message_id = $keyArgs.message_id
AND    owner_token = $keyArgs.owner_token
AND    status_id = 1`, keyArgs{})
	if err != nil {
		return 0, errors.Annotate(err, "preparing mark dead statement")
	}

	n, err := s.transition(ctx, stmt, ownerToken, keys, time.Time{}, nil, reason)
	return n, errors.Trace(err)
}

func (s *State) transition(
	ctx context.Context,
	stmt *sqlair.Statement,
	ownerToken owner.Token,
	keys []coreinbox.Key,
	now time.Time,
	dueTime *time.Time,
	reason string,
) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}

	args := transform.Slice(keys, func(k coreinbox.Key) keyArgs {
		return keyArgs{
			Source:     k.Source,
			MessageID:  k.MessageID,
			Owner:      ownerToken.String(),
			Now:        now,
			DueTime:    dueTime,
			DeadReason: reason,
		}
	})

	var transitioned int
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		for _, arg := range args {
			var outcome sqlair.Outcome
			if err := tx.Query(ctx, stmt, arg).Get(&outcome); err != nil {
				return errors.Trace(err)
			}
			affected, err := outcome.Result().RowsAffected()
			if err != nil {
				return errors.Trace(err)
			}
			transitioned += int(affected)
		}
		return nil
	})
	return transitioned, errors.Trace(err)
}

// AlreadyProcessed reports whether the input key has been processed
// to completion.
func (s *State) AlreadyProcessed(ctx context.Context, key coreinbox.Key) (bool, error) {
	db, err := s.DB()
	if err != nil {
		return false, errors.Trace(err)
	}

	args := keyArgs{
		Source:    key.Source,
		MessageID: key.MessageID,
	}

	stmt, err := s.Prepare(`
SELECT &inboxRecord.status_id
FROM   inbox_message
WHERE  source = $keyArgs.source
AND    message_id = $keyArgs.message_id`, args, inboxRecord{})
	if err != nil {
		return false, errors.Annotate(err, "preparing select status statement")
	}

	var processed bool
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var row inboxRecord
		err := tx.Query(ctx, stmt, args).Get(&row)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.Trace(err)
		}
		processed = coreinbox.Status(row.StatusID) == coreinbox.Done
		return nil
	})
	return processed, errors.Trace(err)
}

// Reap returns every processing record whose lease has expired at
// the input time to seen, clearing the stale claim. It reports how
// many rows were recovered.
func (s *State) Reap(ctx context.Context, now time.Time) (int, error) {
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}

	args := reapArgs{Now: now}

	stmt, err := s.Prepare(`
UPDATE inbox_message
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

// Cleanup deletes done records processed at or before the input
// cut-off, reporting how many rows were removed.
func (s *State) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	db, err := s.DB()
	if err != nil {
		return 0, errors.Trace(err)
	}

	args := reapArgs{Cutoff: cutoff}

	stmt, err := s.Prepare(`
DELETE FROM inbox_message
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
