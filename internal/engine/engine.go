package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/flbridge/internal/command"
)

const (
	// DefaultPollInterval is how often the response slot is read.
	DefaultPollInterval = 20 * time.Millisecond

	// DefaultMalformedLimit is the number of consecutive unparseable reads
	// after which a response file is quarantined.
	DefaultMalformedLimit = 5

	abandonedHistory = 64
)

// Policy bounds the time spent on one command.
type Policy struct {
	// AttemptTimeout is how long one attempt waits for a matching response.
	AttemptTimeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// CommandTimeout caps the whole command. Zero means
	// AttemptTimeout * (MaxRetries + 1).
	CommandTimeout time.Duration
}

// Attempts returns the maximum number of attempts.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Deadline returns the effective per-command timeout.
func (p Policy) Deadline() time.Duration {
	if p.CommandTimeout > 0 {
		return p.CommandTimeout
	}
	return p.AttemptTimeout * time.Duration(p.Attempts())
}

// Validate reports an unusable policy.
func (p Policy) Validate() error {
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive, got %s", p.AttemptTimeout)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries)
	}
	if p.CommandTimeout < 0 {
		return fmt.Errorf("command timeout must not be negative, got %s", p.CommandTimeout)
	}
	return nil
}

// Result is a matched response.
type Result struct {
	RequestID string
	Response  *command.ResponseEnvelope
	Attempts  int
	Latency   time.Duration // from first write to match
}

// Engine correlates commands with host responses. See the package doc.
type Engine struct {
	mailbox  Mailbox
	signaler Signaler
	watcher  Watcher
	observer Observer
	recorder Recorder
	ids      RequestIDGenerator
	clock    *Clock

	pollInterval   time.Duration
	malformedLimit int

	slots map[command.Channel]*semaphore.Weighted

	mu        sync.Mutex
	pending   map[string]*pendingEntry
	abandoned *idRing

	watchMu     sync.Mutex
	wakes       map[command.Channel]<-chan struct{}
	watchCtx    context.Context
	watchCancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval sets how often the response slot is read.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithMalformedLimit sets how many consecutive unparseable reads are
// tolerated before the response file is quarantined.
func WithMalformedLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.malformedLimit = n
		}
	}
}

// WithObserver sets the sink for connectivity evidence.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithRecorder sets the journal.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithWatcher enables change notifications on the response slots.
func WithWatcher(w Watcher) Option {
	return func(e *Engine) { e.watcher = w }
}

// WithIDGenerator replaces the UUIDv7 request id generator.
func WithIDGenerator(g RequestIDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithClock sets the clock used to sequence journal records.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an engine over mb and sig.
func New(mb Mailbox, sig Signaler, opts ...Option) *Engine {
	watchCtx, watchCancel := context.WithCancel(context.Background())
	e := &Engine{
		mailbox:        mb,
		signaler:       sig,
		ids:            UUIDv7Generator{},
		clock:          NewClock(),
		pollInterval:   DefaultPollInterval,
		malformedLimit: DefaultMalformedLimit,
		slots:          make(map[command.Channel]*semaphore.Weighted),
		pending:        make(map[string]*pendingEntry),
		abandoned:      newIDRing(abandonedHistory),
		wakes:          make(map[command.Channel]<-chan struct{}),
		watchCtx:       watchCtx,
		watchCancel:    watchCancel,
	}
	for _, ch := range command.Channels() {
		e.slots[ch] = semaphore.NewWeighted(1)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close stops response watchers. In-flight submissions are not affected.
func (e *Engine) Close() {
	e.watchCancel()
}

// Submit sends cmd to the host and waits for the matching response.
//
// A response with status "error" is returned together with a
// *command.DomainError. Every other failure is a *command.BridgeError.
func (e *Engine) Submit(ctx context.Context, cmd command.Command, policy Policy) (Result, error) {
	if !cmd.Channel.Valid() {
		return Result{}, command.NewValidationError(cmd.Op, fmt.Sprintf("unknown channel %q", cmd.Channel))
	}
	if cmd.Op == "" {
		return Result{}, command.NewValidationError("(empty)", "op is required")
	}
	if err := policy.Validate(); err != nil {
		return Result{}, command.NewValidationError(cmd.Op, err.Error())
	}
	if cmd.RequestID == "" {
		cmd = cmd.WithRequestID(e.ids.Generate())
	}
	if cmd.Args == nil {
		cmd.Args = command.CopyArgs(nil)
	}

	cmdCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	entry, err := e.register(cmd, cancel)
	if err != nil {
		return Result{}, err
	}
	defer e.unregister(cmd.RequestID)

	slot := e.slots[cmd.Channel]
	if err := slot.Acquire(cmdCtx, 1); err != nil {
		e.abandoned.add(cmd.RequestID)
		return Result{}, command.NewCancelledError(cmd.Channel, cmd.RequestID, context.Cause(cmdCtx))
	}
	defer slot.Release(1)

	return e.exchange(cmdCtx, entry, policy)
}

// exchange runs the attempts of one command. The caller holds the slot.
func (e *Engine) exchange(ctx context.Context, entry *pendingEntry, policy Policy) (Result, error) {
	cmd := entry.cmd
	ch := cmd.Channel
	log := slog.With("channel", ch, "request_id", cmd.RequestID, "op", cmd.Op)

	e.recoverSlot(ch)

	start := time.Now()
	commandDeadline := start.Add(policy.Deadline())
	entry.markInFlight(start)

	var (
		attempt   int
		malformed int
		wake      = e.watch(ch)
		ticker    = time.NewTicker(e.pollInterval)
	)
	defer ticker.Stop()

	for attempt = 1; attempt <= policy.Attempts() && time.Now().Before(commandDeadline); attempt++ {
		if attempt > 1 && ctx.Err() != nil {
			return e.cancelled(ctx, entry, attempt-1)
		}
		env := command.RequestEnvelope{Command: cmd, CreatedAt: time.Now().UTC(), Attempt: attempt}
		entry.setAttempt(attempt)

		if attempt == 1 {
			e.started(env)
		} else {
			log.Info("retrying command", "attempt", attempt)
		}

		if err := e.writeRequest(ch, env); err != nil {
			return e.failTransport(entry, attempt, err)
		}
		if err := e.signaler.Signal(ch); err != nil {
			e.retract(ch, cmd.RequestID)
			return e.failTransport(entry, attempt, err)
		}

		attemptDeadline := time.Now().Add(policy.AttemptTimeout)
		if attemptDeadline.After(commandDeadline) {
			attemptDeadline = commandDeadline
		}
		timer := time.NewTimer(time.Until(attemptDeadline))
		expired := false

	poll:
		for {
			resp, err := e.mailbox.ReadResponse(ch)
			switch {
			case err != nil && command.IsProtocol(err):
				malformed++
				log.Warn("unreadable response", "error", err, "consecutive", malformed)
				if malformed >= e.malformedLimit {
					if dst, qerr := e.mailbox.Quarantine(ch); qerr != nil {
						log.Warn("quarantine failed", "error", qerr)
					} else if dst != "" {
						log.Warn("quarantined malformed response", "path", dst)
						e.discarded(ch, "", "malformed")
					}
					malformed = 0
				}
			case err != nil:
				timer.Stop()
				e.retract(ch, cmd.RequestID)
				return e.failTransport(entry, attempt, err)
			case resp != nil:
				malformed = 0
				if resp.RequestID == cmd.RequestID {
					timer.Stop()
					return e.matched(entry, attempt, resp, time.Since(start))
				}
				e.discardUnmatched(ch, resp)
			}
			// The read after expiry catches a response that landed since
			// the last poll, before the slot is rewritten.
			if expired {
				break poll
			}

			select {
			case <-ctx.Done():
				timer.Stop()
				return e.cancelled(ctx, entry, attempt)
			case <-timer.C:
				expired = true
			case <-ticker.C:
			case <-wake:
			}
		}
		log.Debug("attempt timed out", "attempt", attempt)
	}

	attempts := attempt - 1
	e.retract(ch, cmd.RequestID)
	e.abandoned.add(cmd.RequestID)
	timeoutErr := command.NewTimeoutError(ch, cmd.RequestID, attempts, time.Since(start))
	log.Warn("command timed out", "attempts", attempts)
	if e.observer != nil {
		e.observer.ExchangeTimedOut(ch, timeoutErr)
	}
	e.finish(cmd.RequestID, OutcomeTimeout, attempts, timeoutErr.Error())
	return Result{RequestID: cmd.RequestID, Attempts: attempts}, timeoutErr
}

// recoverSlot removes whatever a predecessor left in the channel's slots.
// Called with the slot held, and the mailbox directory is locked by this
// process's Store, so nothing recovered here can belong to a live command.
func (e *Engine) recoverSlot(ch command.Channel) {
	stale, err := e.mailbox.PeekRequest(ch)
	switch {
	case err != nil && command.IsProtocol(err):
		if _, rerr := e.mailbox.RetractRequest(ch, ""); rerr != nil {
			slog.Warn("failed to remove corrupt request", "channel", ch, "error", rerr)
		} else {
			slog.Warn("removed corrupt request", "channel", ch)
		}
	case err != nil:
		slog.Warn("failed to inspect request slot", "channel", ch, "error", err)
	case stale != nil:
		if _, rerr := e.mailbox.RetractRequest(ch, stale.Command.RequestID); rerr != nil {
			slog.Warn("failed to remove stale request", "channel", ch,
				"request_id", stale.Command.RequestID, "error", rerr)
		} else {
			slog.Warn("removed stale request", "channel", ch,
				"request_id", stale.Command.RequestID, "op", stale.Command.Op)
		}
	}

	for i := 0; i < e.malformedLimit; i++ {
		resp, err := e.mailbox.ReadResponse(ch)
		if err != nil {
			if command.IsProtocol(err) {
				if dst, qerr := e.mailbox.Quarantine(ch); qerr == nil && dst != "" {
					slog.Warn("quarantined stale malformed response", "channel", ch, "path", dst)
				}
			}
			return
		}
		if resp == nil {
			return
		}
		e.discardUnmatched(ch, resp)
	}
}

func (e *Engine) writeRequest(ch command.Channel, env command.RequestEnvelope) error {
	err := e.mailbox.WriteRequest(ch, env)
	if err == nil {
		return nil
	}
	slog.Warn("request write failed, retrying", "channel", ch,
		"request_id", env.Command.RequestID, "error", err)
	return e.mailbox.WriteRequest(ch, env)
}

func (e *Engine) retract(ch command.Channel, requestID string) {
	removed, err := e.mailbox.RetractRequest(ch, requestID)
	if err != nil {
		slog.Warn("failed to retract request", "channel", ch, "request_id", requestID, "error", err)
		return
	}
	if removed {
		slog.Debug("retracted unconsumed request", "channel", ch, "request_id", requestID)
	}
}

func (e *Engine) discardUnmatched(ch command.Channel, resp *command.ResponseEnvelope) {
	reason := "unmatched"
	if e.abandoned.contains(resp.RequestID) {
		reason = "late"
	}
	slog.Warn("discarding response", "channel", ch, "request_id", resp.RequestID,
		"status", resp.Status, "reason", reason)
	e.discarded(ch, resp.RequestID, reason)
}

func (e *Engine) matched(entry *pendingEntry, attempt int, resp *command.ResponseEnvelope, latency time.Duration) (Result, error) {
	cmd := entry.cmd
	if e.observer != nil {
		e.observer.ExchangeSucceeded(cmd.Channel, latency)
	}
	result := Result{RequestID: cmd.RequestID, Response: resp, Attempts: attempt, Latency: latency}
	if !resp.OK() {
		msg := resp.Error
		if msg == "" {
			msg = "unspecified error"
		}
		e.finish(cmd.RequestID, OutcomeDomain, attempt, msg)
		return result, &command.DomainError{
			RequestID: cmd.RequestID,
			Op:        cmd.Op,
			Message:   msg,
			Payload:   resp.Payload,
		}
	}
	slog.Debug("command completed", "channel", cmd.Channel, "request_id", cmd.RequestID,
		"attempts", attempt, "latency", latency)
	e.finish(cmd.RequestID, OutcomeOK, attempt, "")
	return result, nil
}

func (e *Engine) failTransport(entry *pendingEntry, attempt int, err error) (Result, error) {
	cmd := entry.cmd
	// A latched signal failure is shared by every caller on the channel,
	// so the request id goes on a copy.
	var stamped command.BridgeError
	var be *command.BridgeError
	if errors.As(err, &be) {
		stamped = *be
	} else {
		stamped = *command.NewTransportError(cmd.Channel, "exchange failed", err)
	}
	if stamped.RequestID == "" {
		stamped.RequestID = cmd.RequestID
	}
	err = &stamped
	e.abandoned.add(cmd.RequestID)
	slog.Error("transport failure", "channel", cmd.Channel, "request_id", cmd.RequestID, "error", err)
	if e.observer != nil {
		e.observer.TransportFailed(cmd.Channel, err)
	}
	e.finish(cmd.RequestID, OutcomeTransport, attempt, err.Error())
	return Result{RequestID: cmd.RequestID, Attempts: attempt}, err
}

func (e *Engine) cancelled(ctx context.Context, entry *pendingEntry, attempt int) (Result, error) {
	cmd := entry.cmd
	e.retract(cmd.Channel, cmd.RequestID)
	e.abandoned.add(cmd.RequestID)
	cause := context.Cause(ctx)
	slog.Info("command cancelled", "channel", cmd.Channel, "request_id", cmd.RequestID, "cause", cause)
	e.finish(cmd.RequestID, OutcomeCancelled, attempt, fmt.Sprint(cause))
	return Result{RequestID: cmd.RequestID, Attempts: attempt}, command.NewCancelledError(cmd.Channel, cmd.RequestID, cause)
}

// watch returns the wake channel for ch, starting the watcher on first use.
// Returns nil (never ready) when no watcher is configured or it failed.
func (e *Engine) watch(ch command.Channel) <-chan struct{} {
	if e.watcher == nil {
		return nil
	}
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if w, ok := e.wakes[ch]; ok {
		return w
	}
	w, err := e.watcher.Watch(e.watchCtx, ch)
	if err != nil {
		slog.Warn("response watcher unavailable, polling only", "channel", ch, "error", err)
	}
	e.wakes[ch] = w
	return w
}

func (e *Engine) started(env command.RequestEnvelope) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RequestStarted(e.clock.Next(), env); err != nil {
		slog.Warn("journal write failed", "request_id", env.Command.RequestID, "error", err)
	}
}

func (e *Engine) finish(requestID string, outcome Outcome, attempts int, errMsg string) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RequestFinished(e.clock.Next(), requestID, outcome, attempts, errMsg); err != nil {
		slog.Warn("journal write failed", "request_id", requestID, "error", err)
	}
}

func (e *Engine) discarded(ch command.Channel, requestID, reason string) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.ResponseDiscarded(e.clock.Next(), ch, requestID, reason); err != nil {
		slog.Warn("journal write failed", "request_id", requestID, "error", err)
	}
}
