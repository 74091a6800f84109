// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service drives time-based work: one-shot timers and
// cron-scheduled jobs, promoted into outbox messages inside a single
// store transaction so a timer fires exactly once.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/canonical/sqlair"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/robfig/cron/v3"

	coreoutbox "github.com/conveyorworks/conveyor/core/outbox"
	corescheduler "github.com/conveyorworks/conveyor/core/scheduler"
)

// State describes the scheduler persistence methods required by the
// service.
type State interface {
	Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error
	AddTimer(ctx context.Context, timer corescheduler.Timer) error
	CancelTimer(ctx context.Context, id string) (bool, error)
	Timer(ctx context.Context, id string) (corescheduler.Timer, error)
	DueTimersTx(ctx context.Context, tx *sqlair.TX, now time.Time, batch int) ([]corescheduler.Timer, error)
	MarkTimersDoneTx(ctx context.Context, tx *sqlair.TX, ids []string) error
	UpsertJob(ctx context.Context, job corescheduler.Job) error
	Job(ctx context.Context, name string) (corescheduler.Job, error)
	SetJobEnabled(ctx context.Context, name string, enabled bool) error
	DueJobsTx(ctx context.Context, tx *sqlair.TX, now time.Time, batch int) ([]corescheduler.Job, error)
	AdvanceJobTx(ctx context.Context, tx *sqlair.TX, jobID string, lastRun, nextDue time.Time) error
	InsertJobRunTx(ctx context.Context, tx *sqlair.TX, run corescheduler.Run) error
	SetRunStatus(ctx context.Context, id string, status corescheduler.RunStatus) error
	Runs(ctx context.Context, jobID string) ([]corescheduler.Run, error)
}

// OutboxState describes the outbox persistence methods required to
// emit messages within the scheduler's transaction.
type OutboxState interface {
	InsertTx(ctx context.Context, tx *sqlair.TX, msg coreoutbox.Message) error
}

// Service provides the scheduler API.
type Service struct {
	st     State
	outbox OutboxState
	clock  clock.Clock
}

// NewService returns a new service reference wrapping the input
// state.
func NewService(st State, outbox OutboxState, clock clock.Clock) *Service {
	return &Service{
		st:     st,
		outbox: outbox,
		clock:  clock,
	}
}

// AddTimer schedules a one-shot emission of the input topic and
// payload at the input time, returning the timer ID.
func (s *Service) AddTimer(
	ctx context.Context, dueTime time.Time, topic, payload, correlationID string,
) (string, error) {
	if topic == "" {
		return "", errors.NotValidf("empty topic")
	}

	timer := corescheduler.Timer{
		ID:            uuid.New().String(),
		DueTime:       dueTime.UTC(),
		Topic:         topic,
		Payload:       payload,
		CorrelationID: correlationID,
		Status:        corescheduler.TimerPending,
	}
	if err := s.st.AddTimer(ctx, timer); err != nil {
		return "", errors.Trace(err)
	}
	return timer.ID, nil
}

// CancelTimer removes a pending timer, reporting whether one was
// removed. Cancelling a fired or unknown timer is a harmless no-op.
func (s *Service) CancelTimer(ctx context.Context, id string) (bool, error) {
	cancelled, err := s.st.CancelTimer(ctx, id)
	return cancelled, errors.Trace(err)
}

// UpsertJob creates or replaces the named cron job. The schedule
// uses the standard five-field syntax; the next due time is computed
// from now, so an updated schedule takes effect immediately.
func (s *Service) UpsertJob(
	ctx context.Context, name, cronSchedule, topic, payload string, enabled bool,
) error {
	if name == "" {
		return errors.NotValidf("empty job name")
	}
	if topic == "" {
		return errors.NotValidf("empty topic")
	}

	schedule, err := cron.ParseStandard(cronSchedule)
	if err != nil {
		return errors.Annotatef(err, "cron schedule %q not valid", cronSchedule)
	}

	next := schedule.Next(s.clock.Now().UTC())
	job := corescheduler.Job{
		ID:           uuid.New().String(),
		Name:         name,
		CronSchedule: cronSchedule,
		Topic:        topic,
		Payload:      payload,
		Enabled:      enabled,
		NextDueTime:  &next,
	}
	return errors.Trace(s.st.UpsertJob(ctx, job))
}

// SetJobEnabled flips the named job's enabled flag. A disabled job
// keeps its definition and history but is never promoted.
func (s *Service) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	return errors.Trace(s.st.SetJobEnabled(ctx, name, enabled))
}

// Tick promotes all due timers and jobs into outbox messages,
// returning how many messages were emitted. Promotion, outbox
// insertion, run materialisation and schedule advance are one store
// transaction: either the whole tick lands or none of it does.
// A job whose schedule slipped while the scheduler was down fires
// once and resumes from the next occurrence after now; missed
// occurrences are not replayed.
func (s *Service) Tick(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		return 0, nil
	}

	now := s.clock.Now().UTC()

	var promoted int
	err := s.st.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		promoted = 0

		timers, err := s.st.DueTimersTx(ctx, tx, now, batch)
		if err != nil {
			return errors.Trace(err)
		}
		fired := make([]string, 0, len(timers))
		for _, timer := range timers {
			msg := coreoutbox.Message{
				ID:            uuid.New().String(),
				MessageID:     "timer-" + timer.ID,
				Topic:         timer.Topic,
				Payload:       timer.Payload,
				CorrelationID: timer.CorrelationID,
				CreatedAt:     now,
			}
			if err := s.outbox.InsertTx(ctx, tx, msg); err != nil {
				return errors.Annotatef(err, "emitting timer %q", timer.ID)
			}
			fired = append(fired, timer.ID)
		}
		if err := s.st.MarkTimersDoneTx(ctx, tx, fired); err != nil {
			return errors.Trace(err)
		}
		promoted += len(fired)

		jobs, err := s.st.DueJobsTx(ctx, tx, now, batch)
		if err != nil {
			return errors.Trace(err)
		}
		for _, job := range jobs {
			schedule, err := cron.ParseStandard(job.CronSchedule)
			if err != nil {
				return errors.Annotatef(err, "job %q schedule", job.Name)
			}

			run := corescheduler.Run{
				ID:            uuid.New().String(),
				JobID:         job.ID,
				ScheduledTime: *job.NextDueTime,
				Status:        corescheduler.RunPending,
			}
			if err := s.st.InsertJobRunTx(ctx, tx, run); err != nil {
				return errors.Annotatef(err, "materialising run of job %q", job.Name)
			}

			msg := coreoutbox.Message{
				ID:            uuid.New().String(),
				MessageID:     "job-run-" + run.ID,
				Topic:         job.Topic,
				Payload:       job.Payload,
				CorrelationID: fmt.Sprintf("job-%s-%d", job.Name, job.NextDueTime.Unix()),
				CreatedAt:     now,
			}
			if err := s.outbox.InsertTx(ctx, tx, msg); err != nil {
				return errors.Annotatef(err, "emitting job %q", job.Name)
			}

			if err := s.st.AdvanceJobTx(ctx, tx, job.ID, now, schedule.Next(now)); err != nil {
				return errors.Trace(err)
			}
			promoted++
		}
		return nil
	})
	return promoted, errors.Trace(err)
}

// CompleteRun records the outcome of a materialised job run.
func (s *Service) CompleteRun(ctx context.Context, runID string, succeeded bool) error {
	status := corescheduler.RunSucceeded
	if !succeeded {
		status = corescheduler.RunFailed
	}
	return errors.Trace(s.st.SetRunStatus(ctx, runID, status))
}
