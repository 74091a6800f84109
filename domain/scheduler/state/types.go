// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"database/sql"
	"time"
)

// timerRow maps a full timer row.
type timerRow struct {
	ID            string         `db:"id"`
	DueTime       time.Time      `db:"due_time"`
	Topic         string         `db:"topic"`
	Payload       sql.NullString `db:"payload"`
	CorrelationID sql.NullString `db:"correlation_id"`
	StatusID      int            `db:"status_id"`
}

// jobRow maps a full job row.
type jobRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	CronSchedule string         `db:"cron_schedule"`
	Topic        string         `db:"topic"`
	Payload      sql.NullString `db:"payload"`
	Enabled      bool           `db:"enabled"`
	NextDueTime  *time.Time     `db:"next_due_time"`
	LastRunTime  *time.Time     `db:"last_run_time"`
}

// jobRunRow maps a full job_run row.
type jobRunRow struct {
	ID            string         `db:"id"`
	JobID         string         `db:"job_id"`
	ScheduledTime time.Time      `db:"scheduled_time"`
	StatusID      int            `db:"status_id"`
	OwnerToken    sql.NullString `db:"owner_token"`
	LockedUntil   *time.Time     `db:"locked_until"`
	RetryCount    int            `db:"retry_count"`
}

// dueArgs carries the bind parameters of the due-work queries.
type dueArgs struct {
	Now   time.Time `db:"now"`
	Batch int       `db:"batch"`
}

// scheduleArgs carries the bind parameters of the job schedule
// advance.
type scheduleArgs struct {
	ID          string    `db:"id"`
	NextDueTime time.Time `db:"next_due_time"`
	LastRunTime time.Time `db:"last_run_time"`
}

// runStatusArgs carries the bind parameters of a job run transition.
type runStatusArgs struct {
	ID       string `db:"id"`
	StatusID int    `db:"status_id"`
}
