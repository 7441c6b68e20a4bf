// Package storage persists the chat registry and the operator audit log.
//
// Drivers:
//   - "file": JSON snapshot + JSON Lines journal, audit as JSON Lines
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// The registry is loaded once at startup and written through on every
// change; reads are served from memory by the registry package.
package storage
