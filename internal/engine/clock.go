package engine

import "sync/atomic"

// Clock orders journal records. Every started request, finished request and
// discarded response takes the next seq, so the journal can be replayed in
// the order things happened even when wall-clock timestamps collide.
type Clock struct {
	seq atomic.Int64
}

// NewClock returns a clock whose first seq is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock whose first seq is last+1, resuming a journal
// whose highest recorded seq is last.
func NewClockAt(last int64) *Clock {
	c := &Clock{}
	c.seq.Store(last)
	return c
}

// Next takes a seq.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current is the last seq taken, or the resume point if none was.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
