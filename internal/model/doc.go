// Package model defines the types shared by the device-side sync engine and
// the server-side reconciliation service.
//
// # Ordering
//
// Within a session, ClientSeq is the only ordering authority. CreatedAt is the
// device clock and is carried as advisory metadata only; it is never used to
// order, deduplicate, or fold events.
//
// # Identity
//
//   - EventID is the event-level idempotency key (UUIDv7, client generated).
//   - A Batch's IdempotencyKey is derived from (sessionID, min seq, max seq)
//     via SHA-256 over canonical JSON with domain separation, so re-sending an
//     identical batch produces an identical key.
//   - Fingerprint hashes the batch content so a reused key carrying different
//     events can be told apart from a genuine retry.
package model
