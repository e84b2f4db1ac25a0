// Package session owns the device-side lifecycle of play sessions.
//
// A Manager starts, records into, pauses, resumes and ends sessions. Every
// state change is appended to the durable store before the call returns, so
// a crash right after Record never loses the event. Derived state (score,
// interaction count, elapsed time) is kept in memory for immediate feedback
// and rebuilt from the store by Restore after a restart.
//
// Concurrency: a per-session mutex serialises recording into one session;
// the manager mutex guards only the lookup maps. No operation touches the
// network.
package session
