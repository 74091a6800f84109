// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package outbox defines the contracts for the transactional outbox:
// messages written atomically with business data and later dispatched
// to in-process handlers with at-least-once semantics.
package outbox

import (
	"context"
	"time"
)

// Status indicates where an outbox message is in its lifecycle.
// The numeric values are part of the persistent schema contract
// and must not be changed.
type Status int

const (
	// Ready indicates that the message is eligible for claiming.
	Ready Status = 0
	// InProgress indicates that the message is claimed by a worker.
	InProgress Status = 1
	// Done indicates that the message was dispatched successfully.
	Done Status = 2
	// Failed indicates a terminal failure; the message will never
	// be dispatched again.
	Failed Status = 3
)

// String is used for logging and diagnostics, never for persistence.
func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case InProgress:
		return "in-progress"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Message is a single outbox row as returned by a claim.
type Message struct {
	// ID is the row's unique identifier.
	ID string

	// MessageID is the stable identifier carried to consumers for
	// deduplication. It defaults to ID at enqueue time.
	MessageID string

	// Topic routes the message to a handler.
	Topic string

	// Payload is the opaque message body.
	Payload string

	// CorrelationID threads the message through logs and downstream
	// emissions. May be empty.
	CorrelationID string

	// CreatedAt is the enqueue time, UTC.
	CreatedAt time.Time

	// DueTime, if set, is the earliest time the message may be
	// claimed.
	DueTime *time.Time

	// RetryCount is the number of reschedules so far.
	RetryCount int

	// LastError holds the most recent handler failure message.
	LastError string
}

// Handler processes a claimed message. Returning an error causes the
// dispatcher to reschedule the message with backoff, or fail it once
// attempts are exhausted. Handlers must be safe for concurrent use.
type Handler func(context.Context, Message) error
