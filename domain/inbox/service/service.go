// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service exposes the inbox to consumers, supplying the
// current time so that the state layer stays free of clocks.
package service

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	coreinbox "github.com/conveyorworks/conveyor/core/inbox"
	"github.com/conveyorworks/conveyor/core/owner"
	"github.com/conveyorworks/conveyor/domain/inbox/state"
)

// State describes the persistence methods required by the service.
type State interface {
	Record(ctx context.Context, args state.RecordArgs, now time.Time) (coreinbox.RecordResult, error)
	Claim(ctx context.Context, ownerToken owner.Token, now, leaseUntil time.Time, batch int) ([]coreinbox.Record, error)
	Ack(ctx context.Context, ownerToken owner.Token, keys []coreinbox.Key, now time.Time) (int, error)
	Abandon(ctx context.Context, ownerToken owner.Token, keys []coreinbox.Key, dueTime *time.Time) (int, error)
	MarkDead(ctx context.Context, ownerToken owner.Token, keys []coreinbox.Key, reason string) (int, error)
	AlreadyProcessed(ctx context.Context, key coreinbox.Key) (bool, error)
	Reap(ctx context.Context, now time.Time) (int, error)
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
}

// RecordArgs carries the optional attributes of a record.
type RecordArgs struct {
	// Topic and Payload are stored with the first record of a key
	// so a claimer can process without refetching.
	Topic   string
	Payload string

	// Hash fingerprints the payload for conflict diagnostics.
	Hash string

	// DueTime defers the earliest claim of the record.
	DueTime *time.Time
}

// Service provides the inbox API.
type Service struct {
	st    State
	clock clock.Clock
}

// NewService returns a new service reference wrapping the input
// state.
func NewService(st State, clock clock.Clock) *Service {
	return &Service{
		st:    st,
		clock: clock,
	}
}

// Record notes an inbound message, reporting whether its key was
// seen before and its current state. Producers use the result to
// suppress redeliveries of already-processed messages.
func (s *Service) Record(
	ctx context.Context, key coreinbox.Key, args RecordArgs,
) (coreinbox.RecordResult, error) {
	if key.Source == "" || key.MessageID == "" {
		return coreinbox.RecordResult{}, errors.NotValidf("inbox key %v", key)
	}

	res, err := s.st.Record(ctx, state.RecordArgs{
		Key:     key,
		Topic:   args.Topic,
		Payload: args.Payload,
		Hash:    args.Hash,
		DueTime: args.DueTime,
	}, s.clock.Now().UTC())
	return res, errors.Trace(err)
}

// Claim claims up to batch workable records for the input owner,
// leased for the input duration. A non-positive batch returns empty
// without touching the store.
func (s *Service) Claim(
	ctx context.Context, ownerToken owner.Token, lease time.Duration, batch int,
) ([]coreinbox.Record, error) {
	if batch <= 0 {
		return nil, nil
	}
	if err := ownerToken.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	now := s.clock.Now().UTC()
	recs, err := s.st.Claim(ctx, ownerToken, now, now.Add(lease), batch)
	return recs, errors.Trace(err)
}

// Ack marks the caller's claimed records as processed.
func (s *Service) Ack(ctx context.Context, ownerToken owner.Token, keys []coreinbox.Key) (int, error) {
	n, err := s.st.Ack(ctx, ownerToken, keys, s.clock.Now().UTC())
	return n, errors.Trace(err)
}

// Abandon releases the caller's claims, optionally deferring the
// next claim by the input delay.
func (s *Service) Abandon(
	ctx context.Context, ownerToken owner.Token, keys []coreinbox.Key, delay time.Duration,
) (int, error) {
	var due *time.Time
	if delay > 0 {
		t := s.clock.Now().UTC().Add(delay)
		due = &t
	}
	n, err := s.st.Abandon(ctx, ownerToken, keys, due)
	return n, errors.Trace(err)
}

// MarkDead moves the caller's claimed records to the terminal dead
// state, recording the reason.
func (s *Service) MarkDead(
	ctx context.Context, ownerToken owner.Token, keys []coreinbox.Key, reason string,
) (int, error) {
	n, err := s.st.MarkDead(ctx, ownerToken, keys, reason)
	return n, errors.Trace(err)
}

// AlreadyProcessed reports whether the input key completed
// processing.
func (s *Service) AlreadyProcessed(ctx context.Context, key coreinbox.Key) (bool, error) {
	done, err := s.st.AlreadyProcessed(ctx, key)
	return done, errors.Trace(err)
}

// Reap recovers expired claims, returning the affected records to
// workable.
func (s *Service) Reap(ctx context.Context) (int, error) {
	n, err := s.st.Reap(ctx, s.clock.Now().UTC())
	return n, errors.Trace(err)
}

// Cleanup removes processed records older than the input retention.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	n, err := s.st.Cleanup(ctx, s.clock.Now().UTC().Add(-retention))
	return n, errors.Trace(err)
}
