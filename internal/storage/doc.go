// Package storage provides the durable state backends for the lifecycle
// store.
//
// It currently supports:
//   - "file": dependency-free JSON snapshot, written atomically
//     (temp file + rename)
//   - "sqlite": SQLite database file (optional build tag "sqlite")
//
// Both drivers persist the same logical layout: the chat registry plus a
// mapping of request id to the full request record.
package storage
