// Package bridge is the entry point for issuing commands to the host.
//
// A Bridge validates a command against the operation vocabulary, refuses it
// immediately when the host is known to be unreachable, and otherwise hands
// it to the correlation engine with the channel's retry policy. Live
// operations (transport, mixer, channels, plugins) travel on the live
// channel; piano-roll edits travel on the batch channel.
//
// Failures are *command.BridgeError, except for errors reported by the host
// itself, which are *command.DomainError carrying the host's message.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/engine"
	"github.com/roach88/flbridge/internal/mailbox"
	"github.com/roach88/flbridge/internal/signal"
	"github.com/roach88/flbridge/internal/supervisor"
	"github.com/roach88/flbridge/internal/vocab"
)

// Engine submits commands and exposes the pending request table.
// Implemented by *engine.Engine.
type Engine interface {
	Submit(ctx context.Context, cmd command.Command, policy engine.Policy) (engine.Result, error)
	Pending() []engine.PendingRequest
	Cancel(requestID string) bool
}

// Signals gives access to the wake mechanisms. Implemented by
// *signal.Multiplexer.
type Signals interface {
	Signal(ch command.Channel) error
	Waker(ch command.Channel) (signal.Waker, bool)
	Reset()
}

// Result is the outcome of a successful command.
type Result struct {
	RequestID string         `json:"request_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Attempts  int            `json:"attempts"`
	Latency   time.Duration  `json:"latency"`
}

// Bridge issues commands to the host. Safe for concurrent use.
type Bridge struct {
	engine   Engine
	store    *mailbox.Store
	sup      *supervisor.Supervisor
	vocab    *vocab.Vocabulary
	signals  Signals
	policies map[command.Channel]engine.Policy
	goos     string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithPolicy sets the retry policy of ch.
func WithPolicy(ch command.Channel, p engine.Policy) Option {
	return func(b *Bridge) { b.policies[ch] = p }
}

// WithVocabulary replaces the embedded operation vocabulary.
func WithVocabulary(v *vocab.Vocabulary) Option {
	return func(b *Bridge) { b.vocab = v }
}

// WithSignals enables TriggerScript and signal details in Status.
func WithSignals(s Signals) Option {
	return func(b *Bridge) { b.signals = s }
}

// WithPlatform overrides the reported platform. Used by tests.
func WithPlatform(goos string) Option {
	return func(b *Bridge) { b.goos = goos }
}

// DefaultPolicy returns the stock policy of ch: live waits 2s with one
// retry, batch waits 5s with two.
func DefaultPolicy(ch command.Channel) engine.Policy {
	if ch == command.ChannelBatch {
		return engine.Policy{AttemptTimeout: 5 * time.Second, MaxRetries: 2}
	}
	return engine.Policy{AttemptTimeout: 2 * time.Second, MaxRetries: 1}
}

// New creates a bridge over eng. store provides the mailbox paths and the
// piano-roll state; sup tracks connectivity and must be the observer
// configured on eng.
func New(eng Engine, store *mailbox.Store, sup *supervisor.Supervisor, opts ...Option) (*Bridge, error) {
	if eng == nil || store == nil || sup == nil {
		return nil, fmt.Errorf("bridge: engine, store and supervisor are required")
	}
	b := &Bridge{
		engine:   eng,
		store:    store,
		sup:      sup,
		policies: make(map[command.Channel]engine.Policy, 2),
		goos:     currentGOOS,
	}
	for _, ch := range command.Channels() {
		b.policies[ch] = DefaultPolicy(ch)
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.vocab == nil {
		v, err := vocab.Default()
		if err != nil {
			return nil, err
		}
		b.vocab = v
	}
	for ch, p := range b.policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("bridge: %s policy: %w", ch, err)
		}
	}
	return b, nil
}

// Policy returns the retry policy of ch.
func (b *Bridge) Policy(ch command.Channel) engine.Policy {
	return b.policies[ch]
}

// Supervisor returns the connection supervisor.
func (b *Bridge) Supervisor() *supervisor.Supervisor {
	return b.sup
}

// Execute validates and submits op on ch. An empty ch selects the channel
// that carries op. Piano-roll ops only run on the batch channel and every
// other op only on the live channel; the probe op runs on either.
func (b *Bridge) Execute(ctx context.Context, ch command.Channel, op string, args *command.Args) (Result, error) {
	want := vocab.ChannelFor(op)
	switch {
	case ch == "":
		ch = want
	case !ch.Valid():
		return Result{}, command.NewValidationError(op, fmt.Sprintf("unknown channel %q", ch))
	case ch != want && op != command.ProbeOp:
		return Result{}, command.NewValidationError(op, fmt.Sprintf("op runs on the %s channel, not %s", want, ch))
	}

	validated, err := b.vocab.Validate(op, args)
	if err != nil {
		return Result{}, err
	}

	switch b.sup.Admit() {
	case supervisor.Refused:
		snap := b.sup.Snapshot()
		reason := "host unreachable"
		if snap.LastError != "" {
			reason = "host unreachable: " + snap.LastError
		}
		slog.Debug("short-circuiting command", "channel", ch, "op", op)
		return Result{}, command.NewNotConnectedError(ch, reason)
	case supervisor.AdmittedReconnect:
		// A latched wake failure would fail the attempt before it starts.
		b.resetSignals()
	}

	res, err := b.engine.Submit(ctx, command.New(ch, op, validated), b.policies[ch])
	out := Result{RequestID: res.RequestID, Attempts: res.Attempts, Latency: res.Latency}
	if res.Response != nil {
		out.Payload = res.Response.Payload
	}
	return out, err
}

// Probe checks whether the host answers and returns the resulting state.
// Latched signal failures are cleared first so the probe retries delivery.
func (b *Bridge) Probe(ctx context.Context) (supervisor.State, error) {
	b.resetSignals()
	return b.sup.Probe(ctx, b.engine)
}

// Reconnect lets the next command through a disconnected state. That
// command clears latched signal failures before it is submitted.
func (b *Bridge) Reconnect() {
	b.sup.RequestReconnect()
}

func (b *Bridge) resetSignals() {
	if b.signals != nil {
		b.signals.Reset()
	}
}

// Cancel abandons the pending submission with requestID.
func (b *Bridge) Cancel(requestID string) bool {
	return b.engine.Cancel(requestID)
}

// ClearQueue removes the unconsumed request and any response waiting in
// ch's slots. Requests of in-flight submissions are removed too; those
// submissions then time out.
func (b *Bridge) ClearQueue(ch command.Channel) error {
	if !ch.Valid() {
		return command.NewValidationError("clear", fmt.Sprintf("unknown channel %q", ch))
	}
	if err := b.store.Clear(ch); err != nil {
		return err
	}
	slog.Info("request queue cleared", "channel", ch)
	return nil
}

// TriggerScript sends the batch wake signal without writing a request, so
// the host processes whatever is in the batch slot.
func (b *Bridge) TriggerScript() error {
	if b.signals == nil {
		return command.NewTransportError(command.ChannelBatch, "no signal configured", nil)
	}
	if w, ok := b.signals.Waker(command.ChannelBatch); ok {
		w.Reset()
	}
	return b.signals.Signal(command.ChannelBatch)
}
