// Package ledger defines the core domain model of the employment-data
// temporal ledger: immutable payload versions chained per (employee,
// endpoint), classified change records, sync sessions, queued jobs, and
// sync conflicts.
//
// The package also provides the canonical JSON serialization and
// content-addressed hashing used to deduplicate payload versions, and the
// field-path flattening used to diff opaque provider documents.
//
// Nothing in this package touches storage or the network; it is pure data
// and pure functions, shared by every other internal package.
package ledger
