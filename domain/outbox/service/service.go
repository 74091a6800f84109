// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service exposes the outbox to producers and to the
// dispatcher, supplying identifiers and the current time so that the
// state layer stays free of clocks.
package service

import (
	"context"
	"time"

	"github.com/canonical/sqlair"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	coreoutbox "github.com/conveyorworks/conveyor/core/outbox"
	"github.com/conveyorworks/conveyor/core/owner"
)

// State describes the persistence methods required by the service.
type State interface {
	Insert(ctx context.Context, msg coreoutbox.Message) error
	InsertTx(ctx context.Context, tx *sqlair.TX, msg coreoutbox.Message) error
	ClaimDue(ctx context.Context, ownerToken owner.Token, now, leaseUntil time.Time, batch int) ([]coreoutbox.Message, error)
	MarkDispatched(ctx context.Context, ownerToken owner.Token, id string, now time.Time) error
	Reschedule(ctx context.Context, ownerToken owner.Token, id string, dueTime time.Time, lastError string) error
	Fail(ctx context.Context, ownerToken owner.Token, id string, lastError string) error
	Abandon(ctx context.Context, ownerToken owner.Token, ids []string, dueTime *time.Time) (int, error)
	Reap(ctx context.Context, now time.Time) (int, error)
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
}

// EnqueueArgs carries the optional attributes of an enqueue.
type EnqueueArgs struct {
	// MessageID overrides the consumer-facing identifier; it
	// defaults to the row id.
	MessageID string

	// CorrelationID threads the message through logs and
	// downstream emissions.
	CorrelationID string

	// DueTime defers the earliest claim of the message.
	DueTime *time.Time
}

// Service provides the outbox API.
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

// Enqueue writes a ready message, committing it immediately. Use
// EnqueueTx to make emission atomic with business writes.
func (s *Service) Enqueue(ctx context.Context, topic, payload string, args EnqueueArgs) (string, error) {
	msg, err := s.newMessage(topic, payload, args)
	if err != nil {
		return "", errors.Trace(err)
	}
	return msg.ID, errors.Trace(s.st.Insert(ctx, msg))
}

// EnqueueTx writes a ready message within the caller's transaction.
// The row is durable when, and only when, the caller commits.
func (s *Service) EnqueueTx(
	ctx context.Context, tx *sqlair.TX, topic, payload string, args EnqueueArgs,
) (string, error) {
	msg, err := s.newMessage(topic, payload, args)
	if err != nil {
		return "", errors.Trace(err)
	}
	return msg.ID, errors.Trace(s.st.InsertTx(ctx, tx, msg))
}

func (s *Service) newMessage(topic, payload string, args EnqueueArgs) (coreoutbox.Message, error) {
	if topic == "" {
		return coreoutbox.Message{}, errors.NotValidf("empty topic")
	}

	id := uuid.New().String()
	messageID := args.MessageID
	if messageID == "" {
		messageID = id
	}

	return coreoutbox.Message{
		ID:            id,
		MessageID:     messageID,
		Topic:         topic,
		Payload:       payload,
		CorrelationID: args.CorrelationID,
		CreatedAt:     s.clock.Now().UTC(),
		DueTime:       args.DueTime,
	}, nil
}

// ClaimDue claims up to batch due messages for the input owner,
// leased for the input duration. A non-positive batch returns empty
// without touching the store.
func (s *Service) ClaimDue(
	ctx context.Context, ownerToken owner.Token, lease time.Duration, batch int,
) ([]coreoutbox.Message, error) {
	if batch <= 0 {
		return nil, nil
	}
	if err := ownerToken.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	now := s.clock.Now().UTC()
	msgs, err := s.st.ClaimDue(ctx, ownerToken, now, now.Add(lease), batch)
	return msgs, errors.Trace(err)
}

// Ack marks a claimed message as dispatched.
func (s *Service) Ack(ctx context.Context, ownerToken owner.Token, id string) error {
	return errors.Trace(s.st.MarkDispatched(ctx, ownerToken, id, s.clock.Now().UTC()))
}

// Reschedule returns a claimed message to ready after the input
// delay, recording the handler failure.
func (s *Service) Reschedule(
	ctx context.Context, ownerToken owner.Token, id string, delay time.Duration, lastError string,
) error {
	due := s.clock.Now().UTC().Add(delay)
	return errors.Trace(s.st.Reschedule(ctx, ownerToken, id, due, lastError))
}

// Fail moves a claimed message to its terminal failed state.
func (s *Service) Fail(ctx context.Context, ownerToken owner.Token, id string, lastError string) error {
	return errors.Trace(s.st.Fail(ctx, ownerToken, id, lastError))
}

// Abandon releases the caller's claims, optionally deferring the
// next claim by the input delay.
func (s *Service) Abandon(
	ctx context.Context, ownerToken owner.Token, ids []string, delay time.Duration,
) (int, error) {
	var due *time.Time
	if delay > 0 {
		t := s.clock.Now().UTC().Add(delay)
		due = &t
	}
	n, err := s.st.Abandon(ctx, ownerToken, ids, due)
	return n, errors.Trace(err)
}

// Reap recovers expired claims, returning the affected rows to
// ready.
func (s *Service) Reap(ctx context.Context) (int, error) {
	n, err := s.st.Reap(ctx, s.clock.Now().UTC())
	return n, errors.Trace(err)
}

// Cleanup removes done messages older than the input retention.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	n, err := s.st.Cleanup(ctx, s.clock.Now().UTC().Add(-retention))
	return n, errors.Trace(err)
}
