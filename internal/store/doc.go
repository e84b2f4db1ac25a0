// Package store provides the on-device durable log for play sessions.
//
// The store is an append-only SQLite log keyed by session:
//   - sessions: one row per play session with its client_seq high-water mark
//   - events: (session_id, client_seq) keyed event records with ack state
//   - aggregates: cached server-authoritative aggregates for UI display
//   - diagnostics: local telemetry for permanently rejected events
//
// # Critical Patterns
//
// Durable Append
//   - An event row and its session's client_seq bump commit in one transaction
//   - synchronous=FULL: a returned Append survives process or power loss
//
// Gapless Local Sequence
//   - Append requires client_seq == sessions.client_seq + 1
//   - A failed append never consumes a sequence number
//
// Deterministic Reads
//   - Event reads ORDER BY client_seq ASC; the device clock is never used to order
//
// Ack State Machine
//   - pending -> dispatched -> acknowledged (then pruned)
//   - dispatched -> pending on transient failure or crash recovery
//   - dispatched -> failed_permanent on validation rejection
//
// # Database Configuration
//
//   - WAL mode: the dispatcher tails while the session manager appends
//   - synchronous=FULL: durability before Append returns
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: events must reference a known session
package store
