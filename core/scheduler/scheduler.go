// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package scheduler defines the contracts for time-based work:
// one-shot timers and cron-scheduled jobs, both promoted into
// outbox messages when due.
package scheduler

import (
	"time"
)

// TimerStatus indicates where a timer is in its lifecycle.
// The numeric values are part of the persistent schema contract
// and must not be changed.
type TimerStatus int

const (
	TimerPending TimerStatus = 0
	TimerClaimed TimerStatus = 1
	TimerRunning TimerStatus = 2
	TimerDone    TimerStatus = 3
	TimerFailed  TimerStatus = 4
)

// String is used for logging and diagnostics, never for persistence.
func (s TimerStatus) String() string {
	switch s {
	case TimerPending:
		return "pending"
	case TimerClaimed:
		return "claimed"
	case TimerRunning:
		return "running"
	case TimerDone:
		return "done"
	case TimerFailed:
		return "failed"
	}
	return "unknown"
}

// Timer is a one-shot scheduled emission. When DueTime passes, the
// scheduler writes an outbox message with the timer's topic and
// payload and marks the timer done, all in one transaction.
type Timer struct {
	ID            string
	DueTime       time.Time
	Topic         string
	Payload       string
	CorrelationID string
	Status        TimerStatus
}

// RunStatus indicates where a job run is in its lifecycle.
// The numeric values are part of the persistent schema contract
// and must not be changed.
type RunStatus int

const (
	RunPending   RunStatus = 0
	RunClaimed   RunStatus = 1
	RunRunning   RunStatus = 2
	RunSucceeded RunStatus = 3
	RunFailed    RunStatus = 4
)

// String is used for logging and diagnostics, never for persistence.
func (s RunStatus) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunClaimed:
		return "claimed"
	case RunRunning:
		return "running"
	case RunSucceeded:
		return "succeeded"
	case RunFailed:
		return "failed"
	}
	return "unknown"
}

// Job is a recurring scheduled emission described by a cron
// expression in the standard five-field syntax.
type Job struct {
	ID           string
	Name         string
	CronSchedule string
	Topic        string
	Payload      string
	Enabled      bool
	NextDueTime  *time.Time
	LastRunTime  *time.Time
}

// Run is a single materialised execution of a job. A run becomes
// work when it is pending and its scheduled time has passed.
type Run struct {
	ID            string
	JobID         string
	ScheduledTime time.Time
	Status        RunStatus
	RetryCount    int
}
