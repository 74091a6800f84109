// Copyright 2025 Conveyor Works Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Conveyor is a reliable asynchronous work platform embedded in a
// relational database. It provides a transactional outbox and inbox,
// an idempotency store, fenced distributed locks, named leases,
// counted semaphores, a cron and timer scheduler, and a multi-shard
// fanout coordinator, all sharing one schema so that business writes
// and coordination writes commit together.
//
// The layout follows a domain/state split: core/ holds the pure
// contracts, domain/<area>/state the SQL, domain/<area>/service the
// clock-aware logic, and internal/worker the background loops that
// drive the whole thing.
package conveyor
