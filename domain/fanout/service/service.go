// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service coordinates multi-shard fanout: it walks the
// registered policies, asks the application which shards exist, and
// emits one outbox message per due (shard, work-key) slice.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/canonical/sqlair"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	corefanout "github.com/conveyorworks/conveyor/core/fanout"
	coreoutbox "github.com/conveyorworks/conveyor/core/outbox"
	"github.com/conveyorworks/conveyor/domain/fanout/state"
)

// State describes the fanout persistence methods required by the
// service.
type State interface {
	Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error
	UpsertPolicy(ctx context.Context, policy corefanout.Policy) error
	PoliciesTx(ctx context.Context, tx *sqlair.TX, fanoutTopic string) ([]corefanout.Policy, error)
	CursorsTx(ctx context.Context, tx *sqlair.TX, fanoutTopic, workKey string) (map[string]state.Cursor, error)
	MarkCompleted(ctx context.Context, fanoutTopic, workKey, shardKey string, completedAt time.Time) error
}

// OutboxState describes the outbox persistence methods required to
// emit slices within the coordinator's transaction.
type OutboxState interface {
	InsertTx(ctx context.Context, tx *sqlair.TX, msg coreoutbox.Message) error
}

// Service provides the fanout API.
type Service struct {
	st     State
	outbox OutboxState
	enum   corefanout.ShardEnumerator
	clock  clock.Clock
}

// NewService returns a new service reference wrapping the input
// state and shard enumerator.
func NewService(st State, outbox OutboxState, enum corefanout.ShardEnumerator, clock clock.Clock) *Service {
	return &Service{
		st:     st,
		outbox: outbox,
		enum:   enum,
		clock:  clock,
	}
}

// UpsertPolicy registers the cadence for a (topic, work key) pair.
// Jitter must leave room inside the period, or due-ness would never
// be reached for some shards.
func (s *Service) UpsertPolicy(ctx context.Context, policy corefanout.Policy) error {
	if policy.FanoutTopic == "" {
		return errors.NotValidf("empty fanout topic")
	}
	if policy.WorkKey == "" {
		return errors.NotValidf("empty work key")
	}
	if policy.EverySeconds < 1 {
		return errors.NotValidf("period %ds", policy.EverySeconds)
	}
	if policy.JitterSeconds < 0 || policy.JitterSeconds >= policy.EverySeconds {
		return errors.NotValidf("jitter %ds for period %ds", policy.JitterSeconds, policy.EverySeconds)
	}
	return errors.Trace(s.st.UpsertPolicy(ctx, policy))
}

// DueSlices returns the slices of the input topic that are due at
// the current time, without emitting anything.
func (s *Service) DueSlices(ctx context.Context, fanoutTopic string) ([]corefanout.Slice, error) {
	var slices []corefanout.Slice
	err := s.st.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var err error
		slices, err = s.dueSlicesTx(ctx, tx, fanoutTopic, s.clock.Now().UTC())
		return errors.Trace(err)
	})
	return slices, errors.Trace(err)
}

// EmitDueSlices emits one outbox message per due slice of the input
// topic, returning how many were emitted. Enumeration and emission
// share one store transaction, so a crashed coordinator emits
// nothing rather than half a sweep.
func (s *Service) EmitDueSlices(ctx context.Context, fanoutTopic string) (int, error) {
	now := s.clock.Now().UTC()

	var emitted int
	err := s.st.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		emitted = 0

		slices, err := s.dueSlicesTx(ctx, tx, fanoutTopic, now)
		if err != nil {
			return errors.Trace(err)
		}

		for _, slice := range slices {
			payload, err := json.Marshal(slice)
			if err != nil {
				return errors.Trace(err)
			}

			windowStart := int64(0)
			if slice.WindowStart != nil {
				windowStart = slice.WindowStart.Unix()
			}
			msg := coreoutbox.Message{
				ID:            uuid.New().String(),
				MessageID:     fmt.Sprintf("fanout-%s-%s-%s-%d", slice.FanoutTopic, slice.WorkKey, slice.ShardKey, windowStart),
				Topic:         slice.FanoutTopic,
				Payload:       string(payload),
				CorrelationID: slice.CorrelationID,
				CreatedAt:     now,
			}
			if err := s.outbox.InsertTx(ctx, tx, msg); err != nil {
				return errors.Annotatef(err, "emitting slice %s/%s", slice.ShardKey, slice.WorkKey)
			}
			emitted++
		}
		return nil
	})
	return emitted, errors.Trace(err)
}

func (s *Service) dueSlicesTx(
	ctx context.Context, tx *sqlair.TX, fanoutTopic string, now time.Time,
) ([]corefanout.Slice, error) {
	policies, err := s.st.PoliciesTx(ctx, tx, fanoutTopic)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var slices []corefanout.Slice
	for _, policy := range policies {
		shards, err := s.enum.Shards(ctx, fanoutTopic, policy.WorkKey)
		if err != nil {
			return nil, errors.Annotatef(err, "enumerating shards for %q", policy.WorkKey)
		}

		cursors, err := s.st.CursorsTx(ctx, tx, fanoutTopic, policy.WorkKey)
		if err != nil {
			return nil, errors.Trace(err)
		}

		for _, shard := range shards {
			cursor, completed := cursors[shard]
			if completed {
				interval := time.Duration(policy.EverySeconds+jitterOffset(shard, policy, now)) * time.Second
				if now.Sub(cursor.LastCompletedAt) < interval {
					continue
				}
			}

			slice := corefanout.Slice{
				FanoutTopic:   fanoutTopic,
				ShardKey:      shard,
				WorkKey:       policy.WorkKey,
				CorrelationID: fmt.Sprintf("fanout-%s-%s", fanoutTopic, policy.WorkKey),
			}
			if completed {
				start := cursor.LastCompletedAt
				slice.WindowStart = &start
			}
			slices = append(slices, slice)
		}
	}
	return slices, nil
}

// jitterOffset derives a deterministic per-slice delay inside the
// policy's jitter window, so every coordinator instance agrees on
// when a slice is due without storing anything. The period index is
// folded in so the offsets reshuffle every cycle.
func jitterOffset(shardKey string, policy corefanout.Policy, now time.Time) int {
	if policy.JitterSeconds == 0 {
		return 0
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", shardKey, policy.WorkKey, now.Unix()/int64(policy.EverySeconds))
	return int(h.Sum64() % uint64(policy.JitterSeconds))
}

// MarkCompleted advances the slice's cursor to now. Consumers call
// this when a slice's work is durably finished.
func (s *Service) MarkCompleted(ctx context.Context, slice corefanout.Slice) error {
	return errors.Trace(s.st.MarkCompleted(
		ctx, slice.FanoutTopic, slice.WorkKey, slice.ShardKey, s.clock.Now().UTC()))
}
