package engine

import (
	"context"
	"time"

	"github.com/roach88/flbridge/internal/command"
)

// Mailbox is the file exchange the engine drives. Implemented by
// *mailbox.Store.
type Mailbox interface {
	WriteRequest(ch command.Channel, env command.RequestEnvelope) error
	ReadResponse(ch command.Channel) (*command.ResponseEnvelope, error)
	PeekRequest(ch command.Channel) (*command.RequestEnvelope, error)
	RetractRequest(ch command.Channel, requestID string) (bool, error)
	Quarantine(ch command.Channel) (string, error)
}

// Watcher delivers wake-ups when a channel's response slot changes.
// Implemented by *mailbox.Store.
type Watcher interface {
	Watch(ctx context.Context, ch command.Channel) (<-chan struct{}, error)
}

// Signaler wakes the host for a channel. Implemented by
// *signal.Multiplexer.
type Signaler interface {
	Signal(ch command.Channel) error
}

// Observer receives connectivity evidence from completed exchanges.
// Implemented by *supervisor.Supervisor.
type Observer interface {
	ExchangeSucceeded(ch command.Channel, latency time.Duration)
	ExchangeTimedOut(ch command.Channel, err error)
	TransportFailed(ch command.Channel, err error)
}

// Outcome is the terminal state of a submission as recorded in the journal.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeDomain    Outcome = "domain_error"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeTransport Outcome = "transport_error"
	OutcomeCancelled Outcome = "cancelled"
)

// Recorder persists request lifecycle events. Implemented by
// *journal.Journal. Recorder errors are logged and never fail a command.
type Recorder interface {
	RequestStarted(seq int64, env command.RequestEnvelope) error
	RequestFinished(seq int64, requestID string, outcome Outcome, attempts int, errMsg string) error
	ResponseDiscarded(seq int64, ch command.Channel, requestID, reason string) error
}
