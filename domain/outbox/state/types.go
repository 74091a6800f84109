// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"database/sql"
	"time"

	coreoutbox "github.com/conveyorworks/conveyor/core/outbox"
)

// outboxMessage maps a full outbox_message row.
type outboxMessage struct {
	ID            string         `db:"id"`
	MessageID     string         `db:"message_id"`
	Topic         string         `db:"topic"`
	Payload       sql.NullString `db:"payload"`
	CorrelationID sql.NullString `db:"correlation_id"`
	StatusID      int            `db:"status_id"`
	CreatedAt     time.Time      `db:"created_at"`
	DueTime       *time.Time     `db:"due_time"`
	LockedUntil   *time.Time     `db:"locked_until"`
	OwnerToken    sql.NullString `db:"owner_token"`
	RetryCount    int            `db:"retry_count"`
	LastError     sql.NullString `db:"last_error"`
	ProcessedAt   *time.Time     `db:"processed_at"`
}

func (m outboxMessage) toCore() coreoutbox.Message {
	return coreoutbox.Message{
		ID:            m.ID,
		MessageID:     m.MessageID,
		Topic:         m.Topic,
		Payload:       m.Payload.String,
		CorrelationID: m.CorrelationID.String,
		CreatedAt:     m.CreatedAt,
		DueTime:       m.DueTime,
		RetryCount:    m.RetryCount,
		LastError:     m.LastError.String,
	}
}

// claimArgs carries the bind parameters of the claim queries.
type claimArgs struct {
	Owner      string    `db:"owner_token"`
	Now        time.Time `db:"now"`
	LeaseUntil time.Time `db:"lease_until"`
	Batch      int       `db:"batch"`
}

// ackArgs carries the bind parameters of the single-row transitions.
type ackArgs struct {
	ID        string     `db:"id"`
	Owner     string     `db:"owner_token"`
	Now       time.Time  `db:"now"`
	DueTime   *time.Time `db:"due_time"`
	LastError string     `db:"last_error"`
}

// reapArgs carries the bind parameters of the background sweeps.
type reapArgs struct {
	Now    time.Time `db:"now"`
	Cutoff time.Time `db:"cutoff"`
}
