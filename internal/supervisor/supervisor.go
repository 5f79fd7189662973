// Package supervisor tracks whether the host is reachable.
//
// Connection state is owned here and changes only on evidence reported by
// the engine (a matched response, an exhausted command, a transport
// failure) or by an explicit probe. There is no background heartbeat.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/engine"
)

// State is the connection state.
type State string

const (
	StateUnknown      State = "unknown"
	StateProbing      State = "probing"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Transition is one state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// Snapshot is a point-in-time view of the connection.
type Snapshot struct {
	State               State
	Since               time.Time
	LastSuccess         time.Time // zero if the host never answered
	ConsecutiveTimeouts int
	LastError           string
	ReconnectRequested  bool
}

// Prober submits the probe command. Implemented by *engine.Engine.
type Prober interface {
	Submit(ctx context.Context, cmd command.Command, policy engine.Policy) (engine.Result, error)
}

// Config tunes the state machine.
type Config struct {
	// DisconnectAfter is the number of consecutive exhausted commands that
	// turn a connected host into a disconnected one.
	DisconnectAfter int
	// ReprobeInterval, if positive, lets one command through a disconnected
	// state per interval so the bridge recovers without an explicit
	// reconnect.
	ReprobeInterval time.Duration
	// ProbeChannel carries the probe op.
	ProbeChannel command.Channel
	// ProbePolicy bounds a probe.
	ProbePolicy engine.Policy
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		DisconnectAfter: 1,
		ProbeChannel:    command.ChannelLive,
		ProbePolicy:     engine.Policy{AttemptTimeout: 2 * time.Second},
	}
}

// Supervisor owns the connection state. It implements engine.Observer.
type Supervisor struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	since       time.Time
	lastSuccess time.Time
	timeouts    int
	lastErr     string
	reconnect   bool
	lastAdmit   time.Time

	subMu  sync.Mutex
	subs   map[int]chan Transition
	nextID int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithNow replaces the wall clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a supervisor in the unknown state.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.DisconnectAfter < 1 {
		cfg.DisconnectAfter = 1
	}
	if !cfg.ProbeChannel.Valid() {
		cfg.ProbeChannel = command.ChannelLive
	}
	if cfg.ProbePolicy.AttemptTimeout <= 0 {
		cfg.ProbePolicy = DefaultConfig().ProbePolicy
	}
	s := &Supervisor{cfg: cfg, now: time.Now, state: StateUnknown, subs: make(map[int]chan Transition)}
	for _, opt := range opts {
		opt(s)
	}
	s.since = s.now()
	return s
}

// ExchangeSucceeded records a matched response.
func (s *Supervisor) ExchangeSucceeded(ch command.Channel, latency time.Duration) {
	s.mu.Lock()
	s.lastSuccess = s.now()
	s.timeouts = 0
	s.lastErr = ""
	s.reconnect = false
	t, changed := s.setLocked(StateConnected, "response received on "+string(ch))
	s.mu.Unlock()

	if changed {
		s.publish(t)
	}
	slog.Debug("exchange succeeded", "channel", ch, "latency", latency)
}

// ExchangeTimedOut records an exhausted command.
func (s *Supervisor) ExchangeTimedOut(ch command.Channel, err error) {
	s.mu.Lock()
	s.timeouts++
	if err != nil {
		s.lastErr = err.Error()
	}
	var (
		t       Transition
		changed bool
	)
	switch {
	case s.state == StateProbing:
		t, changed = s.setLocked(StateDisconnected, "probe timed out on "+string(ch))
	case s.state != StateDisconnected && s.timeouts >= s.cfg.DisconnectAfter:
		t, changed = s.setLocked(StateDisconnected, "no response on "+string(ch))
	}
	s.mu.Unlock()

	if changed {
		s.publish(t)
	}
}

// TransportFailed records a filesystem or signal failure. The host cannot
// be reached until the failure is resolved, so the bridge disconnects
// immediately.
func (s *Supervisor) TransportFailed(ch command.Channel, err error) {
	s.mu.Lock()
	if err != nil {
		s.lastErr = err.Error()
	}
	t, changed := s.setLocked(StateDisconnected, "transport failure on "+string(ch))
	s.mu.Unlock()

	if changed {
		s.publish(t)
	}
}

// Admission is the supervisor's verdict on a new command.
type Admission int

const (
	// Admitted: the host is not known to be unreachable.
	Admitted Admission = iota
	// AdmittedReconnect: the host is disconnected and this command is the
	// reconnection attempt.
	AdmittedReconnect
	// Refused: the command fails fast with NotConnected.
	Refused
)

// Admit decides whether a command may be submitted. While disconnected it
// admits exactly one command after RequestReconnect, and one per
// ReprobeInterval, as the reconnection attempt.
func (s *Supervisor) Admit() Admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDisconnected {
		return Admitted
	}
	if s.reconnect {
		s.reconnect = false
		return AdmittedReconnect
	}
	if s.cfg.ReprobeInterval > 0 {
		now := s.now()
		ref := s.lastAdmit
		if ref.Before(s.since) {
			ref = s.since
		}
		if now.Sub(ref) >= s.cfg.ReprobeInterval {
			s.lastAdmit = now
			return AdmittedReconnect
		}
	}
	return Refused
}

// RequestReconnect lets the next command through a disconnected state.
func (s *Supervisor) RequestReconnect() {
	s.mu.Lock()
	s.reconnect = true
	s.mu.Unlock()
	slog.Info("reconnect requested")
}

// Probe submits the reserved no-op op through p and returns the resulting
// state. Evidence from the exchange reaches the supervisor through the
// engine's observer hook; if none arrives (the probe was cancelled or
// rejected before submission) the previous state is restored.
func (s *Supervisor) Probe(ctx context.Context, p Prober) (State, error) {
	s.mu.Lock()
	prev := s.state
	prevSince := s.since
	t, changed := s.setLocked(StateProbing, "probe started")
	s.mu.Unlock()
	if changed {
		s.publish(t)
	}

	cmd := command.New(s.cfg.ProbeChannel, command.ProbeOp, nil)
	_, err := p.Submit(ctx, cmd, s.cfg.ProbePolicy)
	if command.IsDomain(err) {
		// The host answered; it just does not know the op.
		err = nil
	}

	s.mu.Lock()
	var restored bool
	if s.state == StateProbing {
		t, restored = s.setLocked(prev, "probe abandoned")
		s.since = prevSince
	}
	state := s.state
	s.mu.Unlock()
	if restored {
		s.publish(t)
	}
	return state, err
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the current connection view.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:               s.state,
		Since:               s.since,
		LastSuccess:         s.lastSuccess,
		ConsecutiveTimeouts: s.timeouts,
		LastError:           s.lastErr,
		ReconnectRequested:  s.reconnect,
	}
}

// Subscribe returns a channel of transitions. Slow subscribers miss
// transitions rather than block the bridge. Call the returned func to
// unsubscribe.
func (s *Supervisor) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Transition, buffer)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Supervisor) setLocked(to State, reason string) (Transition, bool) {
	if s.state == to {
		return Transition{}, false
	}
	t := Transition{From: s.state, To: to, At: s.now(), Reason: reason}
	s.state = to
	s.since = t.At
	return t, true
}

func (s *Supervisor) publish(t Transition) {
	level := slog.LevelInfo
	if t.To == StateDisconnected {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "connection state changed",
		"from", t.From, "to", t.To, "reason", t.Reason)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- t:
		default:
		}
	}
}
