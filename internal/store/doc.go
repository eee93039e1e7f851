// Package store provides SQLite-backed storage for CDO processing sessions.
//
// Each run of an image is a session; every command it dispatched is a row
// in dispatches, with resume slices joined so rows do not depend on how
// the image was chunked.
//
//   - sessions: source, image hash, declared length, chunking, recovery
//     mode, outcome and trace digest
//   - dispatches: stream, depth, offset, command id, payload, failure
//
// Ordering uses the logical seq column, never wall-clock time, so the same
// run stored twice reads back identically. Payloads are stored as RFC 8785
// canonical JSON arrays (internal/trace).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
