// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package schema defines the platform's persistent schema as an
// ordered collection of DDL deltas. The status lookup tables pin the
// numeric codes used by the core packages; changing a code is a
// breaking change to the store contract.
package schema

import (
	"github.com/conveyorworks/conveyor/core/database"
)

// All returns the full schema for the work platform, in the order
// the deltas must be applied.
func All() []database.Delta {
	schemas := []func() database.Delta{
		outboxSchema,
		inboxSchema,
		idempotencySchema,
		lockSchema,
		leaseSchema,
		semaphoreSchema,
		schedulerSchema,
		fanoutSchema,
	}

	var deltas []database.Delta
	for _, fn := range schemas {
		deltas = append(deltas, fn())
	}

	return deltas
}

func outboxSchema() database.Delta {
	return database.MakeDelta(`
CREATE TABLE outbox_message_status (
    id     INT PRIMARY KEY,
    status TEXT NOT NULL
);

CREATE UNIQUE INDEX idx_outbox_message_status
ON outbox_message_status (status);

INSERT INTO outbox_message_status VALUES
    (0, 'ready'),
    (1, 'in-progress'),
    (2, 'done'),
    (3, 'failed');

CREATE TABLE outbox_message (
    id             TEXT PRIMARY KEY,
    message_id     TEXT NOT NULL,
    topic          TEXT NOT NULL,
    payload        TEXT,
    correlation_id TEXT,
    status_id      INT NOT NULL DEFAULT 0,
    created_at     TIMESTAMP NOT NULL,
    due_time       TIMESTAMP,
    locked_until   TIMESTAMP,
    owner_token    TEXT,
    retry_count    INT NOT NULL DEFAULT 0,
    last_error     TEXT,
    processed_at   TIMESTAMP,
    CONSTRAINT     fk_outbox_message_status
        FOREIGN KEY (status_id)
        REFERENCES  outbox_message_status(id)
);

-- Covers the claim predicate: ready rows ordered by creation.
CREATE INDEX idx_outbox_message_claim
ON outbox_message (status_id, created_at, id);

-- Covers the reaper predicate: in-progress rows by lease expiry.
CREATE INDEX idx_outbox_message_locked
ON outbox_message (status_id, locked_until);
`)
}

func inboxSchema() database.Delta {
	return database.MakeDelta(`
CREATE TABLE inbox_message_status (
    id     INT PRIMARY KEY,
    status TEXT NOT NULL
);

CREATE UNIQUE INDEX idx_inbox_message_status
ON inbox_message_status (status);

INSERT INTO inbox_message_status VALUES
    (0, 'seen'),
    (1, 'processing'),
    (2, 'done'),
    (3, 'dead');

CREATE TABLE inbox_message (
    source       TEXT NOT NULL,
    message_id   TEXT NOT NULL,
    hash         TEXT,
    topic        TEXT,
    payload      TEXT,
    status_id    INT NOT NULL DEFAULT 0,
    first_seen   TIMESTAMP NOT NULL,
    last_seen    TIMESTAMP NOT NULL,
    processed_at TIMESTAMP,
    due_time     TIMESTAMP,
    attempts     INT NOT NULL DEFAULT 0,
    locked_until TIMESTAMP,
    owner_token  TEXT,
    dead_reason  TEXT,
    PRIMARY KEY (source, message_id),
    CONSTRAINT  fk_inbox_message_status
        FOREIGN KEY (status_id)
        REFERENCES  inbox_message_status(id)
);

CREATE INDEX idx_inbox_message_claim
ON inbox_message (status_id, last_seen);
`)
}

func idempotencySchema() database.Delta {
	return database.MakeDelta(`
CREATE TABLE idempotency_record_status (
    id     INT PRIMARY KEY,
    status TEXT NOT NULL
);

CREATE UNIQUE INDEX idx_idempotency_record_status
ON idempotency_record_status (status);

INSERT INTO idempotency_record_status VALUES
    (0, 'failed'),
    (1, 'in-progress'),
    (2, 'completed');

CREATE TABLE idempotency_record (
    key           TEXT PRIMARY KEY,
    status_id     INT NOT NULL,
    locked_until  TIMESTAMP,
    locked_by     TEXT,
    failure_count INT NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL,
    completed_at  TIMESTAMP,
    CONSTRAINT    fk_idempotency_record_status
        FOREIGN KEY (status_id)
        REFERENCES  idempotency_record_status(id)
);
`)
}

func lockSchema() database.Delta {
	return database.MakeDelta(`
CREATE TABLE distributed_lock (
    resource_name TEXT PRIMARY KEY,
    owner_token   TEXT,
    lease_until   TIMESTAMP,
    -- The fencing token only ever increases for a resource; it
    -- survives the owner being cleared on release or expiry.
    fencing_token INT NOT NULL DEFAULT 0,
    context       TEXT
);

CREATE INDEX idx_distributed_lock_expiry
ON distributed_lock (lease_until);
`)
}

func leaseSchema() database.Delta {
	return database.MakeDelta(`
CREATE TABLE lease (
    name         TEXT PRIMARY KEY,
    holder       TEXT,
    lease_until  TIMESTAMP,
    last_granted TIMESTAMP,
    version      INT NOT NULL DEFAULT 0
);

CREATE INDEX idx_lease_expiry
ON lease (lease_until);
`)
}

func semaphoreSchema() database.Delta {
	return database.MakeDelta(`
CREATE TABLE semaphore (
    name         TEXT PRIMARY KEY,
    max_holders  INT NOT NULL,
    next_fencing INT NOT NULL DEFAULT 1
);

CREATE TABLE semaphore_lease (
    name              TEXT NOT NULL,
    token             TEXT NOT NULL,
    fencing           INT NOT NULL,
    holder            TEXT NOT NULL,
    client_request_id TEXT,
    lease_until       TIMESTAMP NOT NULL,
    created_at        TIMESTAMP NOT NULL,
    renewed_at        TIMESTAMP,
    PRIMARY KEY (name, token),
    CONSTRAINT  fk_semaphore_lease_semaphore
        FOREIGN KEY (name)
        REFERENCES  semaphore(name)
);

CREATE UNIQUE INDEX idx_semaphore_lease_fencing
ON semaphore_lease (name, fencing);

CREATE INDEX idx_semaphore_lease_expiry
ON semaphore_lease (name, lease_until);

CREATE INDEX idx_semaphore_lease_request
ON semaphore_lease (name, client_request_id);
`)
}

func schedulerSchema() database.Delta {
	return database.MakeDelta(`
CREATE TABLE timer_status (
    id     INT PRIMARY KEY,
    status TEXT NOT NULL
);

INSERT INTO timer_status VALUES
    (0, 'pending'),
    (1, 'claimed'),
    (2, 'running'),
    (3, 'done'),
    (4, 'failed');

CREATE TABLE timer (
    id             TEXT PRIMARY KEY,
    due_time       TIMESTAMP NOT NULL,
    topic          TEXT NOT NULL,
    payload        TEXT,
    correlation_id TEXT,
    status_id      INT NOT NULL DEFAULT 0,
    CONSTRAINT     fk_timer_status
        FOREIGN KEY (status_id)
        REFERENCES  timer_status(id)
);

CREATE INDEX idx_timer_due
ON timer (status_id, due_time);

CREATE TABLE job (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    cron_schedule TEXT NOT NULL,
    topic         TEXT NOT NULL,
    payload       TEXT,
    enabled       BOOLEAN NOT NULL DEFAULT TRUE,
    next_due_time TIMESTAMP,
    last_run_time TIMESTAMP
);

CREATE UNIQUE INDEX idx_job_name
ON job (name);

CREATE TABLE job_run_status (
    id     INT PRIMARY KEY,
    status TEXT NOT NULL
);

INSERT INTO job_run_status VALUES
    (0, 'pending'),
    (1, 'claimed'),
    (2, 'running'),
    (3, 'succeeded'),
    (4, 'failed');

CREATE TABLE job_run (
    id             TEXT PRIMARY KEY,
    job_id         TEXT NOT NULL,
    scheduled_time TIMESTAMP NOT NULL,
    status_id      INT NOT NULL DEFAULT 0,
    owner_token    TEXT,
    locked_until   TIMESTAMP,
    retry_count    INT NOT NULL DEFAULT 0,
    CONSTRAINT     fk_job_run_job
        FOREIGN KEY (job_id)
        REFERENCES  job(id),
    CONSTRAINT     fk_job_run_status
        FOREIGN KEY (status_id)
        REFERENCES  job_run_status(id)
);

CREATE INDEX idx_job_run_due
ON job_run (status_id, scheduled_time);
`)
}

func fanoutSchema() database.Delta {
	return database.MakeDelta(`
CREATE TABLE fanout_policy (
    fanout_topic   TEXT NOT NULL,
    work_key       TEXT NOT NULL,
    every_seconds  INT NOT NULL,
    jitter_seconds INT NOT NULL DEFAULT 0,
    PRIMARY KEY (fanout_topic, work_key)
);

-- Cursor rows are created lazily on first completion.
CREATE TABLE fanout_cursor (
    fanout_topic      TEXT NOT NULL,
    work_key          TEXT NOT NULL,
    shard_key         TEXT NOT NULL,
    last_completed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (fanout_topic, work_key, shard_key)
);
`)
}
