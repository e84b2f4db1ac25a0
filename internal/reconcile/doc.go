// Package reconcile is the server-side authority for session events.
//
// Apply takes one batch from a device and, inside a single SQLite
// transaction:
//
//   - answers a repeated idempotency key with the stored response
//   - validates every event (ids, sequence, type, CUE payload schema)
//   - skips events already applied under another batch
//   - folds the rest into the child's aggregate in clientSeq order
//   - credits achievements and rewards from the rule table
//   - records gaps, takeovers and cross-device supersedes
//
// The fold is a pure function of the applied event log; Replay refolds the
// log and checks it against the stored aggregate.
package reconcile
