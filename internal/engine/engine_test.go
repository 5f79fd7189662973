package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/hostsim"
	"github.com/roach88/flbridge/internal/mailbox"
)

// --- fakes ---

type evidence struct {
	mu        sync.Mutex
	successes []command.Channel
	timeouts  []command.Channel
	failures  []command.Channel
}

func (o *evidence) ExchangeSucceeded(ch command.Channel, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.successes = append(o.successes, ch)
}

func (o *evidence) ExchangeTimedOut(ch command.Channel, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timeouts = append(o.timeouts, ch)
}

func (o *evidence) TransportFailed(ch command.Channel, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, ch)
}

func (o *evidence) counts() (int, int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.successes), len(o.timeouts), len(o.failures)
}

type discardRecord struct {
	requestID string
	reason    string
}

type memRecorder struct {
	mu        sync.Mutex
	started   []string
	finished  map[string]Outcome
	messages  map[string]string
	discarded []discardRecord
	seqs      []int64
}

func newMemRecorder() *memRecorder {
	return &memRecorder{finished: make(map[string]Outcome), messages: make(map[string]string)}
}

func (r *memRecorder) RequestStarted(seq int64, env command.RequestEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, seq)
	r.started = append(r.started, env.Command.RequestID)
	return nil
}

func (r *memRecorder) RequestFinished(seq int64, id string, outcome Outcome, _ int, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, seq)
	r.finished[id] = outcome
	r.messages[id] = msg
	return nil
}

func (r *memRecorder) ResponseDiscarded(seq int64, _ command.Channel, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seqs = append(r.seqs, seq)
	r.discarded = append(r.discarded, discardRecord{requestID: id, reason: reason})
	return nil
}

func (r *memRecorder) discards() []discardRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]discardRecord(nil), r.discarded...)
}

func (r *memRecorder) outcome(id string) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[id]
}

// guardedMailbox records any write that would replace an unconsumed
// request belonging to a different command.
type guardedMailbox struct {
	*mailbox.Store
	violations atomic.Int32
}

func (g *guardedMailbox) WriteRequest(ch command.Channel, env command.RequestEnvelope) error {
	if cur, err := g.PeekRequest(ch); err == nil && cur != nil && cur.Command.RequestID != env.Command.RequestID {
		g.violations.Add(1)
	}
	return g.Store.WriteRequest(ch, env)
}

type flakyMailbox struct {
	*mailbox.Store
	failures atomic.Int32 // remaining write failures
	writes   atomic.Int32
}

func (f *flakyMailbox) WriteRequest(ch command.Channel, env command.RequestEnvelope) error {
	f.writes.Add(1)
	if f.failures.Add(-1) >= 0 {
		return command.NewTransportError(ch, "write request", errors.New("disk full"))
	}
	return f.Store.WriteRequest(ch, env)
}

type failingSignaler struct{}

// latchedSignaler returns one shared error value, as a latched emitter does.
type latchedSignaler struct {
	err *command.BridgeError
}

func (s latchedSignaler) Signal(command.Channel) error { return s.err }

// cancellingMailbox cancels the caller on its first read and returns only
// after the attempt deadline has passed, so cancellation and expiry are
// both ready when the engine next waits.
type cancellingMailbox struct {
	*mailbox.Store
	cancel context.CancelFunc
	delay  time.Duration
	reads  atomic.Int32
}

func (c *cancellingMailbox) ReadResponse(ch command.Channel) (*command.ResponseEnvelope, error) {
	if c.reads.Add(1) == 1 {
		c.cancel()
		time.Sleep(c.delay)
	}
	return c.Store.ReadResponse(ch)
}

func (failingSignaler) Signal(ch command.Channel) error {
	return command.NewTransportError(ch, "wake signal failed", errors.New("no MIDI ports"))
}

// --- helpers ---

func testLayouts(t *testing.T) map[command.Channel]mailbox.Layout {
	t.Helper()
	root := t.TempDir()
	return map[command.Channel]mailbox.Layout{
		command.ChannelLive: {
			Dir: filepath.Join(root, "live"), RequestName: "mcp_command.json", ResponseName: "mcp_response.json",
		},
		command.ChannelBatch: {
			Dir: filepath.Join(root, "batch"), RequestName: "mcp_request.json", ResponseName: "mcp_response.json",
		},
	}
}

type fixture struct {
	store    *mailbox.Store
	host     *hostsim.Host
	observer *evidence
	recorder *memRecorder
}

func newFixture(t *testing.T, handler hostsim.Handler) *fixture {
	t.Helper()
	layouts := testLayouts(t)
	store, err := mailbox.New(layouts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	host := hostsim.New(layouts, handler)
	t.Cleanup(host.Wait)
	return &fixture{store: store, host: host, observer: &evidence{}, recorder: newMemRecorder()}
}

func (f *fixture) engine(mb Mailbox, opts ...Option) *Engine {
	base := []Option{
		WithObserver(f.observer),
		WithRecorder(f.recorder),
		WithPollInterval(10 * time.Millisecond),
	}
	e := New(mb, f.host, append(base, opts...)...)
	return e
}

func ignore(command.RequestEnvelope) hostsim.Reply { return hostsim.Reply{Ignore: true} }

func liveCmd(op string, kv ...any) command.Command {
	return command.New(command.ChannelLive, op, command.NewArgs(kv...))
}

func requestFileExists(t *testing.T, s *mailbox.Store, ch command.Channel) bool {
	t.Helper()
	pending, err := s.RequestPending(ch)
	require.NoError(t, err)
	return pending
}

// --- tests ---

func TestSubmit_LiveSuccessWithinOnePollInterval(t *testing.T) {
	f := newFixture(t, hostsim.Echo)
	e := f.engine(f.store, WithPollInterval(DefaultPollInterval))
	defer e.Close()

	res, err := e.Submit(context.Background(),
		liveCmd("mixer.setTrackVolume", "track", 1, "volume", 0.8),
		Policy{AttemptTimeout: 2 * time.Second, MaxRetries: 1})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "mixer.setTrackVolume", res.Response.Payload["op"])
	assert.Less(t, res.Latency, 3*DefaultPollInterval)

	s, timeouts, failures := f.observer.counts()
	assert.Equal(t, 1, s)
	assert.Zero(t, timeouts)
	assert.Zero(t, failures)
	assert.Equal(t, OutcomeOK, f.recorder.outcome(res.RequestID))
	assert.False(t, requestFileExists(t, f.store, command.ChannelLive))
}

func TestSubmit_AssignsUniqueRequestIDs(t *testing.T) {
	f := newFixture(t, hostsim.Echo)
	e := f.engine(f.store, WithIDGenerator(NewFixedGenerator("req-1", "req-2")))

	policy := Policy{AttemptTimeout: time.Second}
	r1, err := e.Submit(context.Background(), liveCmd("transport.start"), policy)
	require.NoError(t, err)
	r2, err := e.Submit(context.Background(), liveCmd("transport.stop"), policy)
	require.NoError(t, err)

	assert.Equal(t, "req-1", r1.RequestID)
	assert.Equal(t, "req-2", r2.RequestID)
}

func TestSubmit_DomainErrorPassesThrough(t *testing.T) {
	f := newFixture(t, func(command.RequestEnvelope) hostsim.Reply {
		return hostsim.Fail("Invalid channel index: 999")
	})
	e := f.engine(f.store)

	res, err := e.Submit(context.Background(), liveCmd("channels.setVolume", "index", 999, "volume", 0.5),
		Policy{AttemptTimeout: time.Second})
	require.Error(t, err)
	assert.True(t, command.IsDomain(err))
	assert.Contains(t, err.Error(), "Invalid channel index: 999")
	require.NotNil(t, res.Response)

	s, timeouts, _ := f.observer.counts()
	assert.Equal(t, 1, s, "a domain error still proves the host is alive")
	assert.Zero(t, timeouts)
	assert.Equal(t, OutcomeDomain, f.recorder.outcome(res.RequestID))
}

func TestSubmit_TimeoutWithoutRetries(t *testing.T) {
	f := newFixture(t, ignore)
	e := f.engine(f.store)
	const attempt = 150 * time.Millisecond

	start := time.Now()
	res, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: attempt})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, command.IsTimeout(err))
	assert.Equal(t, 1, res.Attempts)
	assert.GreaterOrEqual(t, elapsed, attempt)
	assert.Less(t, elapsed, attempt+10*time.Millisecond+50*time.Millisecond)
	assert.Equal(t, 1, f.host.Signals(command.ChannelLive))

	assert.False(t, requestFileExists(t, f.store, command.ChannelLive), "unconsumed request is retracted")
	_, timeouts, _ := f.observer.counts()
	assert.Equal(t, 1, timeouts)
	assert.Equal(t, OutcomeTimeout, f.recorder.outcome(res.RequestID))
}

func TestSubmit_BatchTimeoutAfterRetries(t *testing.T) {
	f := newFixture(t, ignore)
	e := f.engine(f.store)

	cmd := command.New(command.ChannelBatch, "pianoroll.addNotes", command.NewArgs("mode", "add"))
	start := time.Now()
	res, err := e.Submit(context.Background(), cmd, Policy{AttemptTimeout: 500 * time.Millisecond, MaxRetries: 2})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, command.IsTimeout(err))
	assert.Contains(t, err.Error(), "3 attempt(s)")
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, f.host.Signals(command.ChannelBatch))
	assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)
	assert.Less(t, elapsed, 1700*time.Millisecond)
	assert.False(t, requestFileExists(t, f.store, command.ChannelBatch))
}

func TestSubmit_RetryKeepsRequestID(t *testing.T) {
	var seen sync.Map
	f := newFixture(t, func(req command.RequestEnvelope) hostsim.Reply {
		seen.Store(req.Attempt, req.Command.RequestID)
		if req.Attempt == 1 {
			return hostsim.Reply{Ignore: true}
		}
		return hostsim.OK(map[string]any{"attempt": req.Attempt})
	})
	e := f.engine(f.store)

	res, err := e.Submit(context.Background(), liveCmd("transport.getStatus"),
		Policy{AttemptTimeout: 100 * time.Millisecond, MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	first, _ := seen.Load(1)
	second, _ := seen.Load(2)
	assert.Equal(t, res.RequestID, first)
	assert.Equal(t, res.RequestID, second)
}

func TestSubmit_CommandDeadlineIsTerminal(t *testing.T) {
	f := newFixture(t, ignore)
	e := f.engine(f.store)

	start := time.Now()
	res, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{
		AttemptTimeout: 200 * time.Millisecond,
		MaxRetries:     5,
		CommandTimeout: 300 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, command.IsTimeout(err))
	assert.Equal(t, 2, res.Attempts)
	assert.Less(t, elapsed, 400*time.Millisecond)
}

func TestSubmit_LateResponseDoesNotResolveLaterRequest(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(req command.RequestEnvelope) hostsim.Reply {
		if calls.Add(1) == 1 {
			return hostsim.Reply{Drop: true}
		}
		return hostsim.OK(map[string]any{"for": req.Command.RequestID})
	})
	e := f.engine(f.store, WithIDGenerator(NewFixedGenerator("req-a", "req-b")))

	_, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: 50 * time.Millisecond})
	require.True(t, command.IsTimeout(err))

	// The host finally answers the abandoned request.
	require.NoError(t, f.host.WriteResponse(command.ChannelLive, command.ResponseEnvelope{
		RequestID: "req-a", Status: command.StatusOK,
	}))

	res, err := e.Submit(context.Background(), liveCmd("transport.stop"), Policy{AttemptTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "req-b", res.RequestID)
	assert.Equal(t, "req-b", res.Response.Payload["for"])

	discards := f.recorder.discards()
	require.Len(t, discards, 1)
	assert.Equal(t, discardRecord{requestID: "req-a", reason: "late"}, discards[0])
}

func TestSubmit_UnmatchedResponseIsDiscarded(t *testing.T) {
	f := newFixture(t, func(command.RequestEnvelope) hostsim.Reply {
		return hostsim.Reply{Status: command.StatusOK, RequestID: "someone-else"}
	})
	e := f.engine(f.store)

	_, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: 100 * time.Millisecond})
	require.True(t, command.IsTimeout(err))

	discards := f.recorder.discards()
	require.NotEmpty(t, discards)
	assert.Equal(t, "someone-else", discards[0].requestID)
	assert.Equal(t, "unmatched", discards[0].reason)
}

func TestSubmit_ChannelsAreIndependent(t *testing.T) {
	f := newFixture(t, func(req command.RequestEnvelope) hostsim.Reply {
		if req.Command.Channel == command.ChannelBatch {
			return hostsim.Reply{Ignore: true}
		}
		return hostsim.OK(nil)
	})
	e := f.engine(f.store)

	batchDone := make(chan error, 1)
	go func() {
		cmd := command.New(command.ChannelBatch, "pianoroll.clear", nil)
		_, err := e.Submit(context.Background(), cmd, Policy{AttemptTimeout: 500 * time.Millisecond})
		batchDone <- err
	}()

	require.Eventually(t, func() bool { return len(e.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: time.Second})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond, "live must not wait for the batch slot")

	select {
	case err := <-batchDone:
		t.Fatalf("batch finished before live: %v", err)
	default:
	}
	assert.True(t, command.IsTimeout(<-batchDone))
}

func TestSubmit_SerializesSameChannel(t *testing.T) {
	f := newFixture(t, func(command.RequestEnvelope) hostsim.Reply {
		return hostsim.Reply{Status: command.StatusOK, Delay: 10 * time.Millisecond}
	})
	guard := &guardedMailbox{Store: f.store}
	e := f.engine(guard)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Submit(context.Background(), liveCmd("mixer.getTrackInfo", "track", i),
				Policy{AttemptTimeout: 2 * time.Second})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, guard.violations.Load(), "an unconsumed request was overwritten")
	assert.Len(t, f.host.Received(), 8)
}

func TestSubmit_NoOverwriteAfterTimeout(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(command.RequestEnvelope) hostsim.Reply {
		if calls.Add(1) == 1 {
			return hostsim.Reply{Ignore: true}
		}
		return hostsim.OK(nil)
	})
	guard := &guardedMailbox{Store: f.store}
	e := f.engine(guard)

	_, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: 50 * time.Millisecond})
	require.True(t, command.IsTimeout(err))

	_, err = e.Submit(context.Background(), liveCmd("transport.stop"), Policy{AttemptTimeout: time.Second})
	require.NoError(t, err)
	assert.Zero(t, guard.violations.Load())
}

func TestCancel_ByRequestID(t *testing.T) {
	f := newFixture(t, ignore)
	e := f.engine(f.store, WithIDGenerator(NewFixedGenerator("req-1")))

	done := make(chan error, 1)
	go func() {
		_, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: 5 * time.Second, MaxRetries: 3})
		done <- err
	}()

	require.Eventually(t, func() bool {
		p := e.Pending()
		return len(p) == 1 && p[0].State == PendingInFlight
	}, time.Second, 5*time.Millisecond)

	assert.True(t, e.Cancel("req-1"))
	err := <-done
	require.Error(t, err)
	assert.True(t, command.IsCancelled(err))

	assert.Empty(t, e.Pending())
	assert.False(t, e.Cancel("req-1"))
	assert.Equal(t, 1, f.host.Signals(command.ChannelLive), "cancelled command is never re-signalled")
	assert.False(t, requestFileExists(t, f.store, command.ChannelLive))
	assert.Equal(t, OutcomeCancelled, f.recorder.outcome("req-1"))
}

func TestSubmit_ContextCancelled(t *testing.T) {
	f := newFixture(t, ignore)
	e := f.engine(f.store)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Submit(ctx, liveCmd("transport.start"), Policy{AttemptTimeout: 5 * time.Second})
	require.Error(t, err)
	assert.True(t, command.IsCancelled(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, timeouts, _ := f.observer.counts()
	assert.Zero(t, timeouts, "caller cancellation is not evidence about the host")
}

func TestSubmit_RecoversStaleSlot(t *testing.T) {
	f := newFixture(t, hostsim.Echo)
	e := f.engine(f.store)

	stale := command.RequestEnvelope{
		Command:   liveCmd("transport.record").WithRequestID("crashed-1"),
		CreatedAt: time.Now().Add(-time.Hour),
		Attempt:   1,
	}
	require.NoError(t, f.store.WriteRequest(command.ChannelLive, stale))
	require.NoError(t, f.host.WriteResponse(command.ChannelLive, command.ResponseEnvelope{
		RequestID: "crashed-0", Status: command.StatusOK,
	}))

	res, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "transport.start", res.Response.Payload["op"])

	for _, req := range f.host.Received() {
		assert.NotEqual(t, "crashed-1", req.Command.RequestID, "stale request must not reach the host")
	}
	discards := f.recorder.discards()
	require.Len(t, discards, 1)
	assert.Equal(t, "crashed-0", discards[0].requestID)
}

func TestSubmit_QuarantinesMalformedResponse(t *testing.T) {
	f := newFixture(t, func(req command.RequestEnvelope) hostsim.Reply {
		if req.Attempt == 1 {
			return hostsim.Reply{Raw: []byte(`{"request_id": "`)}
		}
		return hostsim.OK(nil)
	})
	e := f.engine(f.store, WithMalformedLimit(3))

	res, err := e.Submit(context.Background(), liveCmd("transport.start"),
		Policy{AttemptTimeout: 200 * time.Millisecond, MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	l, _ := f.store.Layout(command.ChannelLive)
	rejected, err := filepath.Glob(filepath.Join(l.Dir, "*.rejected-*"))
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}

func TestSubmit_SignalFailure(t *testing.T) {
	f := newFixture(t, hostsim.Echo)
	e := New(f.store, failingSignaler{}, WithObserver(f.observer))

	start := time.Now()
	_, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: 2 * time.Second, MaxRetries: 2})
	require.Error(t, err)
	assert.True(t, command.IsTransport(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "signal failure fails fast")

	_, _, failures := f.observer.counts()
	assert.Equal(t, 1, failures)
	assert.False(t, requestFileExists(t, f.store, command.ChannelLive))
}

func TestSubmit_SignalFailureKeepsOwnRequestID(t *testing.T) {
	f := newFixture(t, hostsim.Echo)
	shared := command.NewTransportError(command.ChannelLive, "wake signal failed", errors.New("port gone"))
	e := New(f.store, latchedSignaler{err: shared},
		WithObserver(f.observer),
		WithRecorder(f.recorder),
		WithIDGenerator(NewFixedGenerator("req-1", "req-2")))

	for _, id := range []string{"req-1", "req-2"} {
		_, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: time.Second})
		require.Error(t, err)
		var be *command.BridgeError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, id, be.RequestID)
		assert.Contains(t, f.recorder.messages[id], "request="+id)
		assert.ErrorIs(t, err, shared.Err)
	}
	assert.Empty(t, shared.RequestID, "the shared error is never modified")
}

func TestSubmit_ReadsOnceMoreWhenAttemptExpires(t *testing.T) {
	f := newFixture(t, func(req command.RequestEnvelope) hostsim.Reply {
		reply := hostsim.Echo(req)
		reply.Delay = 30 * time.Millisecond
		return reply
	})
	// No poll ticks inside the attempt: only the read after expiry can see
	// the response.
	e := f.engine(f.store, WithPollInterval(time.Hour))

	res, err := e.Submit(context.Background(), liveCmd("transport.start"),
		Policy{AttemptTimeout: 200 * time.Millisecond, MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	f.host.Wait()
	assert.Equal(t, 1, f.host.Signals(command.ChannelLive), "no retry for a response already in the slot")
}

func TestSubmit_CancelledNeverRetries(t *testing.T) {
	f := newFixture(t, ignore)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mb := &cancellingMailbox{Store: f.store, cancel: cancel, delay: 60 * time.Millisecond}
	e := f.engine(mb, WithPollInterval(time.Hour))

	_, err := e.Submit(ctx, liveCmd("transport.start"),
		Policy{AttemptTimeout: 20 * time.Millisecond, MaxRetries: 3})
	require.Error(t, err)
	assert.True(t, command.IsCancelled(err))
	f.host.Wait()
	assert.Equal(t, 1, f.host.Signals(command.ChannelLive))
	assert.False(t, requestFileExists(t, f.store, command.ChannelLive))
}

func TestSubmit_WriteRetriedOnce(t *testing.T) {
	f := newFixture(t, hostsim.Echo)

	flaky := &flakyMailbox{Store: f.store}
	flaky.failures.Store(1)
	e := f.engine(flaky)
	_, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, int32(2), flaky.writes.Load())

	broken := &flakyMailbox{Store: f.store}
	broken.failures.Store(2)
	e = f.engine(broken)
	_, err = e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: time.Second})
	require.Error(t, err)
	assert.True(t, command.IsTransport(err))
	_, _, failures := f.observer.counts()
	assert.Equal(t, 1, failures)
}

func TestSubmit_RejectsBadInput(t *testing.T) {
	f := newFixture(t, hostsim.Echo)
	e := f.engine(f.store)
	ctx := context.Background()

	_, err := e.Submit(ctx, command.New("midi", "transport.start", nil), Policy{AttemptTimeout: time.Second})
	assert.True(t, command.IsValidation(err))

	_, err = e.Submit(ctx, liveCmd(""), Policy{AttemptTimeout: time.Second})
	assert.True(t, command.IsValidation(err))

	_, err = e.Submit(ctx, liveCmd("transport.start"), Policy{})
	assert.True(t, command.IsValidation(err))

	assert.Zero(t, f.host.Signals(command.ChannelLive), "validation failures never touch the host")
}

func TestSubmit_WatcherShortensLatency(t *testing.T) {
	f := newFixture(t, hostsim.Echo)
	e := f.engine(f.store, WithPollInterval(time.Second), WithWatcher(f.store))
	defer e.Close()

	res, err := e.Submit(context.Background(), liveCmd("transport.start"), Policy{AttemptTimeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Less(t, res.Latency, 500*time.Millisecond)
}

func TestRecorder_SeqsIncrease(t *testing.T) {
	f := newFixture(t, hostsim.Echo)
	e := f.engine(f.store)
	for i := 0; i < 3; i++ {
		_, err := e.Submit(context.Background(), liveCmd("transport.getStatus"), Policy{AttemptTimeout: time.Second})
		require.NoError(t, err)
	}

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	require.Len(t, f.recorder.seqs, 6)
	for i := 1; i < len(f.recorder.seqs); i++ {
		assert.Greater(t, f.recorder.seqs[i], f.recorder.seqs[i-1])
	}
}

func TestPolicy_Deadline(t *testing.T) {
	assert.Equal(t, 3*time.Second, Policy{AttemptTimeout: time.Second, MaxRetries: 2}.Deadline())
	assert.Equal(t, 5*time.Second, Policy{AttemptTimeout: time.Second, MaxRetries: 2, CommandTimeout: 5 * time.Second}.Deadline())
	assert.Equal(t, 1, Policy{MaxRetries: 0}.Attempts())
}
