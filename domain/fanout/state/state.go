// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"

	coredatabase "github.com/conveyorworks/conveyor/core/database"
	corefanout "github.com/conveyorworks/conveyor/core/fanout"
	"github.com/conveyorworks/conveyor/domain"
)

// policyRow maps a full fanout_policy row.
type policyRow struct {
	FanoutTopic   string `db:"fanout_topic"`
	WorkKey       string `db:"work_key"`
	EverySeconds  int    `db:"every_seconds"`
	JitterSeconds int    `db:"jitter_seconds"`
}

// cursorRow maps a full fanout_cursor row.
type cursorRow struct {
	FanoutTopic     string    `db:"fanout_topic"`
	WorkKey         string    `db:"work_key"`
	ShardKey        string    `db:"shard_key"`
	LastCompletedAt time.Time `db:"last_completed_at"`
}

// Cursor records when a slice last completed; due-ness is judged
// against it. A slice with no cursor has never completed and is
// always due.
type Cursor struct {
	FanoutTopic     string
	WorkKey         string
	ShardKey        string
	LastCompletedAt time.Time
}

// State describes retrieval and persistence methods for fanout
// policies and cursors.
type State struct {
	*domain.StateBase
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
	}
}

// Txn runs the input function inside a single store transaction.
func (s *State) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(db.Txn(ctx, fn))
}

// UpsertPolicy creates or replaces the cadence for a (topic, work
// key) pair.
func (s *State) UpsertPolicy(ctx context.Context, policy corefanout.Policy) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	row := policyRow{
		FanoutTopic:   policy.FanoutTopic,
		WorkKey:       policy.WorkKey,
		EverySeconds:  policy.EverySeconds,
		JitterSeconds: policy.JitterSeconds,
	}

	stmt, err := s.Prepare(`
INSERT INTO fanout_policy (fanout_topic, work_key, every_seconds, jitter_seconds)
VALUES ($policyRow.fanout_topic, $policyRow.work_key, $policyRow.every_seconds, $policyRow.jitter_seconds)
ON CONFLICT (fanout_topic, work_key) DO UPDATE SET
    every_seconds = excluded.every_seconds,
    jitter_seconds = excluded.jitter_seconds`, row)
	if err != nil {
		return errors.Annotate(err, "preparing upsert policy statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Trace(err)
}

// PoliciesTx returns every policy registered for the input topic,
// within the caller's transaction.
func (s *State) PoliciesTx(
	ctx context.Context, tx *sqlair.TX, fanoutTopic string,
) ([]corefanout.Policy, error) {
	row := policyRow{FanoutTopic: fanoutTopic}

	stmt, err := s.Prepare(`
SELECT &policyRow.*
FROM   fanout_policy
WHERE  fanout_topic = $policyRow.fanout_topic
ORDER BY work_key`, row)
	if err != nil {
		return nil, errors.Annotate(err, "preparing select policies statement")
	}

	var rows []policyRow
	err = tx.Query(ctx, stmt, row).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	return transform.Slice(rows, func(r policyRow) corefanout.Policy {
		return corefanout.Policy{
			FanoutTopic:   r.FanoutTopic,
			WorkKey:       r.WorkKey,
			EverySeconds:  r.EverySeconds,
			JitterSeconds: r.JitterSeconds,
		}
	}), nil
}

// CursorsTx returns the cursors of the input (topic, work key) pair
// keyed by shard, within the caller's transaction. Shards that have
// never completed have no entry.
func (s *State) CursorsTx(
	ctx context.Context, tx *sqlair.TX, fanoutTopic, workKey string,
) (map[string]Cursor, error) {
	row := cursorRow{FanoutTopic: fanoutTopic, WorkKey: workKey}

	stmt, err := s.Prepare(`
SELECT &cursorRow.*
FROM   fanout_cursor
WHERE  fanout_topic = $cursorRow.fanout_topic
AND    work_key = $cursorRow.work_key`, row)
	if err != nil {
		return nil, errors.Annotate(err, "preparing select cursors statement")
	}

	var rows []cursorRow
	err = tx.Query(ctx, stmt, row).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return map[string]Cursor{}, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	cursors := make(map[string]Cursor, len(rows))
	for _, r := range rows {
		cursors[r.ShardKey] = Cursor{
			FanoutTopic:     r.FanoutTopic,
			WorkKey:         r.WorkKey,
			ShardKey:        r.ShardKey,
			LastCompletedAt: r.LastCompletedAt,
		}
	}
	return cursors, nil
}

// MarkCompleted advances the slice's cursor to the input completion
// time, creating the cursor on first completion. The cursor never
// moves backwards, so a late duplicate completion is harmless.
func (s *State) MarkCompleted(
	ctx context.Context, fanoutTopic, workKey, shardKey string, completedAt time.Time,
) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	row := cursorRow{
		FanoutTopic:     fanoutTopic,
		WorkKey:         workKey,
		ShardKey:        shardKey,
		LastCompletedAt: completedAt,
	}

	stmt, err := s.Prepare(`
INSERT INTO fanout_cursor (fanout_topic, work_key, shard_key, last_completed_at)
VALUES ($cursorRow.fanout_topic, $cursorRow.work_key, $cursorRow.shard_key, $cursorRow.last_completed_at)
ON CONFLICT (fanout_topic, work_key, shard_key) DO UPDATE SET
    last_completed_at = MAX(last_completed_at, excluded.last_completed_at)`, row)
	if err != nil {
		return errors.Annotate(err, "preparing mark completed statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Trace(err)
}
