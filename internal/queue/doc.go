// Package queue persists chunk task records and exposes the atomic status
// transitions that coordinate workers.
//
// Repository is implemented three ways: SQLite (raw SQL, the default), bbolt
// (structured key/value records), and PostgreSQL via pgx for deployments where
// workers run on separate machines. Open selects one from configuration. Every
// backend implements CompareAndSetStatus as a single conditional write, which
// is the only mutual-exclusion mechanism between workers.
//
// Records are never deleted by this package; terminal chunks are retained for
// audit. Schema changes bump schemaVersion in sqlite_schema.go.
package queue
