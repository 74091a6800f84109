// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"

	coredatabase "github.com/conveyorworks/conveyor/core/database"
	corescheduler "github.com/conveyorworks/conveyor/core/scheduler"
	"github.com/conveyorworks/conveyor/domain"
)

// State describes retrieval and persistence methods for timers,
// jobs and job runs. The due-work methods are transaction-scoped so
// the scheduler can promote work and emit outbox messages atomically.
type State struct {
	*domain.StateBase
}

// NewState returns a new state reference.
func NewState(factory coredatabase.TxnRunnerFactory) *State {
	return &State{
		StateBase: domain.NewStateBase(factory),
	}
}

// Txn runs the input function inside a single store transaction.
func (s *State) Txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(db.Txn(ctx, fn))
}

// AddTimer persists a one-shot timer in the pending state.
func (s *State) AddTimer(ctx context.Context, timer corescheduler.Timer) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	row := timerRowFromCore(timer)

	stmt, err := s.Prepare(`
INSERT INTO timer (id, due_time, topic, payload, correlation_id, status_id)
VALUES ($timerRow.id, $timerRow.due_time, $timerRow.topic, $timerRow.payload,
        $timerRow.correlation_id, $timerRow.status_id)`, row)
	if err != nil {
		return errors.Annotate(err, "preparing insert timer statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Trace(err)
}

// CancelTimer removes a pending timer, reporting whether one was
// removed. Timers already promoted are untouched.
func (s *State) CancelTimer(ctx context.Context, id string) (bool, error) {
	db, err := s.DB()
	if err != nil {
		return false, errors.Trace(err)
	}

	row := timerRow{ID: id}

	stmt, err := s.Prepare(`
DELETE FROM timer
WHERE  id = $timerRow.id
AND    status_id = 0`, row)
	if err != nil {
		return false, errors.Annotate(err, "preparing cancel timer statement")
	}

	var cancelled bool
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		cancelled = affected > 0
		return nil
	})
	return cancelled, errors.Trace(err)
}

// Timer returns the stored timer with the input ID.
func (s *State) Timer(ctx context.Context, id string) (corescheduler.Timer, error) {
	db, err := s.DB()
	if err != nil {
		return corescheduler.Timer{}, errors.Trace(err)
	}

	row := timerRow{ID: id}

	stmt, err := s.Prepare(`
SELECT &timerRow.*
FROM   timer
WHERE  id = $timerRow.id`, row)
	if err != nil {
		return corescheduler.Timer{}, errors.Annotate(err, "preparing select timer statement")
	}

	var timer corescheduler.Timer
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var out timerRow
		err := tx.Query(ctx, stmt, row).Get(&out)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("timer %q", id)
		} else if err != nil {
			return errors.Trace(err)
		}
		timer = out.toCore()
		return nil
	})
	return timer, errors.Trace(err)
}

// DueTimersTx returns up to batch pending timers due at the input
// time, oldest deadline first, within the caller's transaction.
func (s *State) DueTimersTx(
	ctx context.Context, tx *sqlair.TX, now time.Time, batch int,
) ([]corescheduler.Timer, error) {
	args := dueArgs{Now: now, Batch: batch}

	stmt, err := s.Prepare(`
SELECT &timerRow.*
FROM   timer
WHERE  status_id = 0
AND    due_time <= $dueArgs.now
ORDER BY due_time, id
LIMIT  $dueArgs.batch`, args, timerRow{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing due timers statement")
	}

	var rows []timerRow
	err = tx.Query(ctx, stmt, args).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	return transform.Slice(rows, timerRow.toCore), nil
}

// MarkTimersDoneTx moves the input timers to done within the
// caller's transaction.
func (s *State) MarkTimersDoneTx(ctx context.Context, tx *sqlair.TX, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	idents := sqlair.S(transform.Slice(ids, func(id string) any { return id }))

	stmt, err := s.Prepare(`
UPDATE timer
SET    status_id = 3
WHERE  id IN ($S[:])`, idents)
	if err != nil {
		return errors.Annotate(err, "preparing mark timers done statement")
	}

	return errors.Trace(tx.Query(ctx, stmt, idents).Run())
}

// UpsertJob creates or replaces the definition of the named job.
// The run history of an existing job is preserved.
func (s *State) UpsertJob(ctx context.Context, job corescheduler.Job) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	row := jobRowFromCore(job)

	stmt, err := s.Prepare(`
INSERT INTO job (id, name, cron_schedule, topic, payload, enabled, next_due_time)
VALUES ($jobRow.id, $jobRow.name, $jobRow.cron_schedule, $jobRow.topic,
        $jobRow.payload, $jobRow.enabled, $jobRow.next_due_time)
ON CONFLICT (name) DO UPDATE SET
    cron_schedule = excluded.cron_schedule,
    topic = excluded.topic,
    payload = excluded.payload,
    enabled = excluded.enabled,
    next_due_time = excluded.next_due_time`, row)
	if err != nil {
		return errors.Annotate(err, "preparing upsert job statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, stmt, row).Run())
	})
	return errors.Trace(err)
}

// Job returns the stored job with the input name.
func (s *State) Job(ctx context.Context, name string) (corescheduler.Job, error) {
	db, err := s.DB()
	if err != nil {
		return corescheduler.Job{}, errors.Trace(err)
	}

	row := jobRow{Name: name}

	stmt, err := s.Prepare(`
SELECT &jobRow.*
FROM   job
WHERE  name = $jobRow.name`, row)
	if err != nil {
		return corescheduler.Job{}, errors.Annotate(err, "preparing select job statement")
	}

	var job corescheduler.Job
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var out jobRow
		err := tx.Query(ctx, stmt, row).Get(&out)
		if errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("job %q", name)
		} else if err != nil {
			return errors.Trace(err)
		}
		job = out.toCore()
		return nil
	})
	return job, errors.Trace(err)
}

// SetJobEnabled flips the named job's enabled flag.
func (s *State) SetJobEnabled(ctx context.Context, name string, enabled bool) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	row := jobRow{Name: name, Enabled: enabled}

	stmt, err := s.Prepare(`
UPDATE job
SET    enabled = $jobRow.enabled
WHERE  name = $jobRow.name`, row)
	if err != nil {
		return errors.Annotate(err, "preparing set job enabled statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, row).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("job %q", name)
		}
		return nil
	})
	return errors.Trace(err)
}

// DueJobsTx returns up to batch enabled jobs whose next due time has
// passed at the input time, within the caller's transaction.
func (s *State) DueJobsTx(
	ctx context.Context, tx *sqlair.TX, now time.Time, batch int,
) ([]corescheduler.Job, error) {
	args := dueArgs{Now: now, Batch: batch}

	stmt, err := s.Prepare(`
SELECT &jobRow.*
FROM   job
WHERE  enabled = TRUE
AND    next_due_time IS NOT NULL
AND    next_due_time <= $dueArgs.now
ORDER BY next_due_time, id
LIMIT  $dueArgs.batch`, args, jobRow{})
	if err != nil {
		return nil, errors.Annotate(err, "preparing due jobs statement")
	}

	var rows []jobRow
	err = tx.Query(ctx, stmt, args).GetAll(&rows)
	if errors.Is(err, sqlair.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	return transform.Slice(rows, jobRow.toCore), nil
}

// AdvanceJobTx records a job firing within the caller's transaction:
// the last run time is set to the firing time and the next due time
// to the following cron occurrence.
func (s *State) AdvanceJobTx(
	ctx context.Context, tx *sqlair.TX, jobID string, lastRun, nextDue time.Time,
) error {
	args := scheduleArgs{
		ID:          jobID,
		NextDueTime: nextDue,
		LastRunTime: lastRun,
	}

	stmt, err := s.Prepare(`
UPDATE job
SET    next_due_time = $scheduleArgs.next_due_time,
       last_run_time = $scheduleArgs.last_run_time
WHERE  id = $scheduleArgs.id`, args)
	if err != nil {
		return errors.Annotate(err, "preparing advance job statement")
	}

	return errors.Trace(tx.Query(ctx, stmt, args).Run())
}

// InsertJobRunTx materialises a run of a job within the caller's
// transaction.
func (s *State) InsertJobRunTx(ctx context.Context, tx *sqlair.TX, run corescheduler.Run) error {
	row := jobRunRow{
		ID:            run.ID,
		JobID:         run.JobID,
		ScheduledTime: run.ScheduledTime,
		StatusID:      int(run.Status),
		RetryCount:    run.RetryCount,
	}

	stmt, err := s.Prepare(`
INSERT INTO job_run (id, job_id, scheduled_time, status_id, retry_count)
VALUES ($jobRunRow.id, $jobRunRow.job_id, $jobRunRow.scheduled_time,
        $jobRunRow.status_id, $jobRunRow.retry_count)`, row)
	if err != nil {
		return errors.Annotate(err, "preparing insert job run statement")
	}

	return errors.Trace(tx.Query(ctx, stmt, row).Run())
}

// SetRunStatus transitions the identified run to the input status.
func (s *State) SetRunStatus(ctx context.Context, id string, status corescheduler.RunStatus) error {
	db, err := s.DB()
	if err != nil {
		return errors.Trace(err)
	}

	args := runStatusArgs{ID: id, StatusID: int(status)}

	stmt, err := s.Prepare(`
UPDATE job_run
SET    status_id = $runStatusArgs.status_id
WHERE  id = $runStatusArgs.id`, args)
	if err != nil {
		return errors.Annotate(err, "preparing set run status statement")
	}

	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		var outcome sqlair.Outcome
		if err := tx.Query(ctx, stmt, args).Get(&outcome); err != nil {
			return errors.Trace(err)
		}
		affected, err := outcome.Result().RowsAffected()
		if err != nil {
			return errors.Trace(err)
		}
		if affected == 0 {
			return errors.NotFoundf("job run %q", id)
		}
		return nil
	})
	return errors.Trace(err)
}

// Runs returns the materialised runs of the input job, oldest first.
func (s *State) Runs(ctx context.Context, jobID string) ([]corescheduler.Run, error) {
	db, err := s.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}

	row := jobRunRow{JobID: jobID}

	stmt, err := s.Prepare(`
SELECT &jobRunRow.*
FROM   job_run
WHERE  job_id = $jobRunRow.job_id
ORDER BY scheduled_time, id`, row)
	if err != nil {
		return nil, errors.Annotate(err, "preparing select runs statement")
	}

	var rows []jobRunRow
	err = db.Txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		err := tx.Query(ctx, stmt, row).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	return transform.Slice(rows, jobRunRow.toCore), nil
}

func timerRowFromCore(timer corescheduler.Timer) timerRow {
	row := timerRow{
		ID:       timer.ID,
		DueTime:  timer.DueTime,
		Topic:    timer.Topic,
		StatusID: int(timer.Status),
	}
	if timer.Payload != "" {
		row.Payload = sql.NullString{String: timer.Payload, Valid: true}
	}
	if timer.CorrelationID != "" {
		row.CorrelationID = sql.NullString{String: timer.CorrelationID, Valid: true}
	}
	return row
}

func (r timerRow) toCore() corescheduler.Timer {
	return corescheduler.Timer{
		ID:            r.ID,
		DueTime:       r.DueTime,
		Topic:         r.Topic,
		Payload:       r.Payload.String,
		CorrelationID: r.CorrelationID.String,
		Status:        corescheduler.TimerStatus(r.StatusID),
	}
}

func jobRowFromCore(job corescheduler.Job) jobRow {
	row := jobRow{
		ID:           job.ID,
		Name:         job.Name,
		CronSchedule: job.CronSchedule,
		Topic:        job.Topic,
		Enabled:      job.Enabled,
		NextDueTime:  job.NextDueTime,
	}
	if job.Payload != "" {
		row.Payload = sql.NullString{String: job.Payload, Valid: true}
	}
	return row
}

func (r jobRow) toCore() corescheduler.Job {
	return corescheduler.Job{
		ID:           r.ID,
		Name:         r.Name,
		CronSchedule: r.CronSchedule,
		Topic:        r.Topic,
		Payload:      r.Payload.String,
		Enabled:      r.Enabled,
		NextDueTime:  r.NextDueTime,
		LastRunTime:  r.LastRunTime,
	}
}

func (r jobRunRow) toCore() corescheduler.Run {
	return corescheduler.Run{
		ID:            r.ID,
		JobID:         r.JobID,
		ScheduledTime: r.ScheduledTime,
		Status:        corescheduler.RunStatus(r.StatusID),
		RetryCount:    r.RetryCount,
	}
}
