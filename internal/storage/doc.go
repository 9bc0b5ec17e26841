// Package storage is the durable job store.
//
// It persists jobs, prompts, execution processes, execution results, usage rows
// and the system_config key/value table in SQLite (modernc.org/sqlite, no cgo).
// Multi-row state changes are committed in a single transaction.
package storage
