package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/roach88/flbridge/internal/command"
)

// errCancelledByCaller is the cancellation cause set by Cancel.
var errCancelledByCaller = errors.New("cancelled by request id")

// PendingState describes where a submission is in its lifecycle.
type PendingState string

const (
	// PendingQueued means the submission is waiting for the channel slot.
	PendingQueued PendingState = "queued"
	// PendingInFlight means the request has been written and is awaited.
	PendingInFlight PendingState = "in_flight"
)

// PendingRequest is a snapshot of one entry of the pending request table.
type PendingRequest struct {
	RequestID   string
	Channel     command.Channel
	Op          string
	State       PendingState
	Attempt     int
	SubmittedAt time.Time
	StartedAt   time.Time // zero while queued
}

type pendingEntry struct {
	cmd       command.Command
	cancel    context.CancelCauseFunc
	submitted time.Time

	mu      sync.Mutex
	started time.Time
	attempt int
}

func (p *pendingEntry) markInFlight(at time.Time) {
	p.mu.Lock()
	p.started = at
	p.mu.Unlock()
}

func (p *pendingEntry) setAttempt(n int) {
	p.mu.Lock()
	p.attempt = n
	p.mu.Unlock()
}

func (p *pendingEntry) snapshot() PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := PendingQueued
	if !p.started.IsZero() {
		state = PendingInFlight
	}
	return PendingRequest{
		RequestID:   p.cmd.RequestID,
		Channel:     p.cmd.Channel,
		Op:          p.cmd.Op,
		State:       state,
		Attempt:     p.attempt,
		SubmittedAt: p.submitted,
		StartedAt:   p.started,
	}
}

func (e *Engine) register(cmd command.Command, cancel context.CancelCauseFunc) (*pendingEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.pending[cmd.RequestID]; dup {
		return nil, command.NewValidationError(cmd.Op, "request id "+cmd.RequestID+" is already pending")
	}
	entry := &pendingEntry{cmd: cmd, cancel: cancel, submitted: time.Now()}
	e.pending[cmd.RequestID] = entry
	return entry, nil
}

func (e *Engine) unregister(requestID string) {
	e.mu.Lock()
	delete(e.pending, requestID)
	e.mu.Unlock()
}

// Cancel abandons the submission with requestID. The waiting Submit returns
// a cancelled error, the unconsumed request is retracted and no further
// attempt is signalled. Returns false if no such submission is pending.
func (e *Engine) Cancel(requestID string) bool {
	e.mu.Lock()
	entry, ok := e.pending[requestID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel(errCancelledByCaller)
	return true
}

// Pending returns a snapshot of the pending request table ordered by
// submission time.
func (e *Engine) Pending() []PendingRequest {
	e.mu.Lock()
	out := make([]PendingRequest, 0, len(e.pending))
	for _, entry := range e.pending {
		out = append(out, entry.snapshot())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// idRing remembers the most recently abandoned request ids so a response
// that arrives after its command gave up can be reported as late rather
// than unknown.
type idRing struct {
	mu   sync.Mutex
	ids  []string
	next int
	set  map[string]struct{}
}

func newIDRing(size int) *idRing {
	return &idRing{ids: make([]string, size), set: make(map[string]struct{}, size)}
}

func (r *idRing) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
}

func (r *idRing) contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[id]
	return ok
}
