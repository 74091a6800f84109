// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"database/sql"
	"time"

	coreinbox "github.com/conveyorworks/conveyor/core/inbox"
)

// inboxRecord maps a full inbox_message row.
type inboxRecord struct {
	Source      string         `db:"source"`
	MessageID   string         `db:"message_id"`
	Hash        sql.NullString `db:"hash"`
	Topic       sql.NullString `db:"topic"`
	Payload     sql.NullString `db:"payload"`
	StatusID    int            `db:"status_id"`
	FirstSeen   time.Time      `db:"first_seen"`
	LastSeen    time.Time      `db:"last_seen"`
	ProcessedAt *time.Time     `db:"processed_at"`
	DueTime     *time.Time     `db:"due_time"`
	Attempts    int            `db:"attempts"`
	LockedUntil *time.Time     `db:"locked_until"`
	OwnerToken  sql.NullString `db:"owner_token"`
	DeadReason  sql.NullString `db:"dead_reason"`
}

func (r inboxRecord) toCore() coreinbox.Record {
	return coreinbox.Record{
		Key: coreinbox.Key{
			Source:    r.Source,
			MessageID: r.MessageID,
		},
		Hash:        r.Hash.String,
		Topic:       r.Topic.String,
		Payload:     r.Payload.String,
		Status:      coreinbox.Status(r.StatusID),
		FirstSeen:   r.FirstSeen,
		LastSeen:    r.LastSeen,
		ProcessedAt: r.ProcessedAt,
		DueTime:     r.DueTime,
		Attempts:    r.Attempts,
	}
}

// claimArgs carries the bind parameters of the claim queries.
type claimArgs struct {
	Owner      string    `db:"owner_token"`
	Now        time.Time `db:"now"`
	LeaseUntil time.Time `db:"lease_until"`
	Batch      int       `db:"batch"`
}

// keyArgs carries the bind parameters of the single-record
// transitions.
type keyArgs struct {
	Source     string     `db:"source"`
	MessageID  string     `db:"message_id"`
	Owner      string     `db:"owner_token"`
	Now        time.Time  `db:"now"`
	LeaseUntil time.Time  `db:"lease_until"`
	DueTime    *time.Time `db:"due_time"`
	DeadReason string     `db:"dead_reason"`
}

// reapArgs carries the bind parameters of the background sweeps.
type reapArgs struct {
	Now    time.Time `db:"now"`
	Cutoff time.Time `db:"cutoff"`
}
