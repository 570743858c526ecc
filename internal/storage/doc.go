// Package storage is the persistence layer behind the ledger and the campaign
// orchestrator.
//
// It supports two drivers:
//   - "memory": process-local maps; used by tests and dry runs
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//
// Ledger mutations go through Store.Update, which runs a read-modify-write
// callback atomically: either every balance change and transaction row in the
// callback becomes visible, or none does.
package storage
