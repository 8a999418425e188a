// Package store manages fetcharr's durable state backed by SQLite.
//
// The store is the single source of truth for pipeline executions, queue
// jobs, encoder assignments, remote encoder records, and approval entries.
// In-memory structures elsewhere (the coordinator's encoder registry, the
// job queue's indices) are caches rebuilt from here on startup.
package store
