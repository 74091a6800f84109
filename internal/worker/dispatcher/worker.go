// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dispatcher drains the outbox: it claims due messages,
// routes them to registered topic handlers, and acknowledges,
// reschedules or fails each one according to the handler's verdict.
package dispatcher

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	coreoutbox "github.com/conveyorworks/conveyor/core/outbox"
	"github.com/conveyorworks/conveyor/core/owner"
)

var logger = loggo.GetLogger("conveyor.worker.dispatcher")

// OutboxService supplies the outbox operations the dispatcher needs.
type OutboxService interface {
	ClaimDue(ctx context.Context, ownerToken owner.Token, lease time.Duration, batch int) ([]coreoutbox.Message, error)
	Ack(ctx context.Context, ownerToken owner.Token, id string) error
	Reschedule(ctx context.Context, ownerToken owner.Token, id string, delay time.Duration, lastError string) error
	Fail(ctx context.Context, ownerToken owner.Token, id string, lastError string) error
}

// Config holds configuration required to run the dispatcher worker.
type Config struct {
	// Outbox supplies the queue the dispatcher drains.
	Outbox OutboxService

	// Registry routes topics to handlers.
	Registry *Registry

	// Clock is used for poll timers and backoff arithmetic.
	Clock clock.Clock

	// PollInterval is how long the dispatcher sleeps when a claim
	// returns nothing.
	PollInterval time.Duration

	// LeaseDuration bounds how long a claimed message stays
	// invisible before the reaper recovers it.
	LeaseDuration time.Duration

	// BatchSize is the maximum number of messages per claim.
	BatchSize int

	// MaxAttempts caps handler retries; once exhausted the message
	// fails terminally.
	MaxAttempts int

	// BackoffCap bounds the exponential retry delay.
	BackoffCap time.Duration

	// Registerer, when set, receives the dispatcher's metrics for
	// the worker's lifetime.
	Registerer prometheus.Registerer
}

// Validate ensures that the configuration is correctly populated for
// worker operation.
func (config Config) Validate() error {
	if config.Outbox == nil {
		return errors.NotValidf("nil Outbox")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.PollInterval <= 0 {
		return errors.NotValidf("non-positive PollInterval")
	}
	if config.LeaseDuration <= 0 {
		return errors.NotValidf("non-positive LeaseDuration")
	}
	if config.BatchSize <= 0 {
		return errors.NotValidf("non-positive BatchSize")
	}
	if config.MaxAttempts <= 0 {
		return errors.NotValidf("non-positive MaxAttempts")
	}
	if config.BackoffCap <= 0 {
		return errors.NotValidf("non-positive BackoffCap")
	}
	return nil
}

type dispatchWorker struct {
	catacomb catacomb.Catacomb

	cfg     Config
	owner   owner.Token
	metrics *Collector
}

// NewWorker starts a new dispatcher worker based on the input
// configuration and returns it. Each worker claims under its own
// owner token, so multiple dispatchers share the queue safely.
func NewWorker(cfg Config) (worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	w := &dispatchWorker{
		cfg:     cfg,
		owner:   owner.NewToken(),
		metrics: NewCollector(),
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}

	return w, nil
}

func (w *dispatchWorker) loop() error {
	if w.cfg.Registerer != nil {
		if err := w.cfg.Registerer.Register(w.metrics); err != nil {
			return errors.Annotate(err, "registering metrics")
		}
		defer w.cfg.Registerer.Unregister(w.metrics)
	}

	ctx := w.catacomb.Context(context.Background())

	timer := w.cfg.Clock.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	for {
		processed, err := w.dispatchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.catacomb.ErrDying()
			}
			// A failed batch must not stop the queue; wait out the
			// poll interval and claim again.
			logger.Errorf("dispatching outbox batch: %v", err)
			processed = 0
		}

		// Drain a backlog without waiting, but stay killable.
		if processed > 0 {
			select {
			case <-w.catacomb.Dying():
				return w.catacomb.ErrDying()
			default:
			}
			continue
		}

		timer.Reset(w.cfg.PollInterval)
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
		}
	}
}

// dispatchBatch claims one batch and resolves every message in it,
// returning how many were claimed. Handler errors resolve the
// message; only store errors kill the worker.
func (w *dispatchWorker) dispatchBatch(ctx context.Context) (int, error) {
	msgs, err := w.cfg.Outbox.ClaimDue(ctx, w.owner, w.cfg.LeaseDuration, w.cfg.BatchSize)
	if err != nil {
		return 0, errors.Annotate(err, "claiming outbox messages")
	}
	w.metrics.claimed.Add(float64(len(msgs)))

	for _, msg := range msgs {
		if err := w.dispatch(ctx, msg); err != nil {
			return 0, errors.Trace(err)
		}
	}
	return len(msgs), nil
}

func (w *dispatchWorker) dispatch(ctx context.Context, msg coreoutbox.Message) error {
	handler, ok := w.cfg.Registry.Handler(msg.Topic)
	if !ok {
		logger.Errorf("no handler for topic %q; failing message %q", msg.Topic, msg.ID)
		w.metrics.failed.Inc()
		return errors.Trace(w.cfg.Outbox.Fail(ctx, w.owner, msg.ID, "no handler for topic "+msg.Topic))
	}

	w.metrics.inFlight.Inc()
	started := w.cfg.Clock.Now()
	handlerErr := handler(ctx, msg)
	w.metrics.duration.Observe(w.cfg.Clock.Now().Sub(started).Seconds())
	w.metrics.inFlight.Dec()

	if handlerErr == nil {
		w.metrics.dispatched.Inc()
		return errors.Trace(w.cfg.Outbox.Ack(ctx, w.owner, msg.ID))
	}

	if errors.Is(handlerErr, coreoutbox.ErrPermanent) || msg.RetryCount+1 >= w.cfg.MaxAttempts {
		logger.Errorf("message %q on topic %q failed terminally after %d attempts: %v",
			msg.ID, msg.Topic, msg.RetryCount+1, handlerErr)
		w.metrics.failed.Inc()
		return errors.Trace(w.cfg.Outbox.Fail(ctx, w.owner, msg.ID, handlerErr.Error()))
	}

	delay := w.backoff(msg.RetryCount + 1)
	logger.Debugf("message %q on topic %q attempt %d failed, retrying in %v: %v",
		msg.ID, msg.Topic, msg.RetryCount+1, delay, handlerErr)
	w.metrics.rescheduled.Inc()
	return errors.Trace(w.cfg.Outbox.Reschedule(ctx, w.owner, msg.ID, delay, handlerErr.Error()))
}

// backoff doubles per attempt, so the first retry waits two seconds,
// capped by config.
func (w *dispatchWorker) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > w.cfg.BackoffCap {
		delay = w.cfg.BackoffCap
	}
	return delay
}

// Kill is part of the worker.Worker interface.
func (w *dispatchWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *dispatchWorker) Wait() error {
	return w.catacomb.Wait()
}
