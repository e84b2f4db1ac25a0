package session

import "sync/atomic"

// Clock is the per-session clientSeq counter.
//
// Unlike a plain counter, a sequence number is reserved first and committed
// only after the append succeeds, so a failed write never leaves a hole.
// Callers hold the session mutex between Reserve and Commit.
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock whose last committed value is start.
// Used by Restore to resume from the stored clientSeq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Reserve returns the next sequence number without consuming it.
func (c *Clock) Reserve() int64 {
	return c.seq.Load() + 1
}

// Commit consumes seq. Reports false if seq is not the reserved value.
func (c *Clock) Commit(seq int64) bool {
	return c.seq.CompareAndSwap(seq-1, seq)
}

// Current returns the last committed sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
