// Package store provides durable SQLite persistence for the employment
// ledger: version chains, change records, sync sessions, the job queue,
// conflicts, and the local-record boundary table.
//
// All mutation goes through atomic conditional statements. Supersession of
// a chain's latest version and job claims are single compare-and-set
// updates, never read-then-write, so concurrent workers cannot lose
// updates or double-claim work.
//
// Timestamps are stored as fixed-width UTC text (ledger.TimeLayout), which
// makes lexicographic ORDER BY equivalent to chronological ordering.
package store
