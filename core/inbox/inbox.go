// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package inbox defines the contracts for deduplicated inbound
// processing: each (source, message id) pair is recorded once and
// processed to completion exactly one effective time.
package inbox

import (
	"time"
)

// Status indicates where an inbox record is in its lifecycle.
// The numeric values are part of the persistent schema contract
// and must not be changed.
type Status int

const (
	// Seen indicates that the message has been recorded and is
	// eligible for claiming.
	Seen Status = 0
	// Processing indicates that the record is claimed by a worker.
	Processing Status = 1
	// Done indicates that the message was processed successfully.
	Done Status = 2
	// Dead indicates a terminal failure.
	Dead Status = 3
)

// String is used for logging and diagnostics, never for persistence.
func (s Status) String() string {
	switch s {
	case Seen:
		return "seen"
	case Processing:
		return "processing"
	case Done:
		return "done"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// Key identifies an inbound message.
type Key struct {
	// Source names the system the message arrived from.
	Source string

	// MessageID is the sender-assigned identifier, unique per source.
	MessageID string
}

// Record is a single inbox row.
type Record struct {
	Key

	// Hash optionally fingerprints the payload for conflict checks.
	Hash string

	// Topic optionally routes the record to a handler.
	Topic string

	// Payload is the opaque message body.
	Payload string

	Status      Status
	FirstSeen   time.Time
	LastSeen    time.Time
	ProcessedAt *time.Time
	DueTime     *time.Time
	Attempts    int
}

// RecordResult reports the outcome of recording an inbound message.
type RecordResult struct {
	// Duplicate is true when the key had been seen before; the
	// second and subsequent records of a key bump Attempts and
	// LastSeen but change nothing else.
	Duplicate bool

	// Status is the record's status after the call.
	Status Status

	// Attempts is the record's attempt count after the call.
	Attempts int
}
