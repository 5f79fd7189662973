package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/roach88/flbridge/internal/bridge"
	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/engine"
	"github.com/roach88/flbridge/internal/hostsim"
	"github.com/roach88/flbridge/internal/journal"
	"github.com/roach88/flbridge/internal/mailbox"
	"github.com/roach88/flbridge/internal/signal"
	"github.com/roach88/flbridge/internal/supervisor"
	"github.com/roach88/flbridge/internal/testutil"
)

// pollInterval keeps scenarios fast; wakes normally arrive first anyway.
const pollInterval = 10 * time.Millisecond

// Harness holds the stack one scenario runs against.
type Harness struct {
	bridge  *bridge.Bridge
	engine  *engine.Engine
	sup     *supervisor.Supervisor
	store   *mailbox.Store
	journal *journal.Journal
	host    *hostsim.Host
	studio  *hostsim.Studio

	mu     sync.Mutex
	rules  []HostRule
	used   []int
	step   int
	result *Result
}

// Run executes a scenario in a fresh settings directory and returns the
// result. The error is non-nil only if the stack could not be built.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "flbridge-scenario-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, dir)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	for i, step := range scenario.Flow {
		h.runStep(ctx, i+1, step)
	}

	result := h.snapshot()
	for _, msg := range EvaluateAssertions(ctx, h, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario, dir string) (*Harness, error) {
	layouts := testutil.Layouts(filepath.Join(dir, "Settings"))
	store, err := mailbox.New(layouts)
	if err != nil {
		return nil, err
	}
	jr, err := journal.Open(filepath.Join(dir, "journal.db"))
	if err != nil {
		store.Close()
		return nil, err
	}

	channels := s.Channels
	if channels == 0 {
		channels = 8
	}
	h := &Harness{
		store:   store,
		journal: jr,
		studio:  hostsim.NewStudio(layouts[command.ChannelBatch].StatePath(), channels),
		rules:   s.Host,
		used:    make([]int, len(s.Host)),
		result:  NewResult(),
	}
	h.host = hostsim.New(layouts, h.reply)
	signals := signal.NewMultiplexer(testutil.Wakers(h.host))

	policies := map[command.Channel]engine.Policy{}
	for ch, p := range s.Policies {
		timeout, err := p.timeout()
		if err != nil {
			jr.Close()
			store.Close()
			return nil, err
		}
		policies[ch] = engine.Policy{AttemptTimeout: timeout, MaxRetries: p.MaxRetries}
	}

	supCfg := supervisor.DefaultConfig()
	if p, ok := policies[command.ChannelLive]; ok {
		supCfg.ProbePolicy = p
	}
	h.sup = supervisor.New(supCfg)

	ids := make([]string, len(s.Flow))
	for i := range ids {
		ids[i] = fmt.Sprintf("req-%d", i+1)
	}
	h.engine = engine.New(store, signals,
		engine.WithObserver(h.sup),
		engine.WithRecorder(jr),
		engine.WithPollInterval(pollInterval),
		engine.WithIDGenerator(engine.NewFixedGenerator(ids...)))

	opts := []bridge.Option{bridge.WithSignals(signals)}
	for ch, p := range policies {
		opts = append(opts, bridge.WithPolicy(ch, p))
	}
	h.bridge, err = bridge.New(h.engine, store, h.sup, opts...)
	if err != nil {
		h.close()
		return nil, err
	}
	return h, nil
}

func (h *Harness) close() {
	h.host.Wait()
	if h.engine != nil {
		h.engine.Close()
	}
	h.journal.Close()
	h.store.Close()
}

// reply answers a request from the first matching rule, or from the studio.
func (h *Harness) reply(req command.RequestEnvelope) hostsim.Reply {
	h.mu.Lock()
	kind := replyStudio
	var rule HostRule
	for i, r := range h.rules {
		if r.Op != "" && r.Op != req.Command.Op {
			continue
		}
		if r.Times > 0 && h.used[i] >= r.Times {
			continue
		}
		h.used[i]++
		rule, kind = r, r.Reply
		break
	}
	ev := TraceEvent{
		Type:      EventHost,
		Step:      h.step,
		Op:        req.Command.Op,
		Channel:   string(req.Command.Channel),
		RequestID: req.Command.RequestID,
		Attempt:   req.Attempt,
		Reply:     kind,
	}
	if req.Command.Args != nil && req.Command.Args.Len() > 0 {
		ev.Args = req.Command.Args
	}
	h.result.Trace = append(h.result.Trace, ev)
	h.mu.Unlock()

	switch kind {
	case ReplyOK:
		return hostsim.OK(rule.Payload)
	case ReplyFail:
		return hostsim.Fail(rule.Error)
	case ReplyIgnore:
		return hostsim.Reply{Ignore: true}
	case ReplyDrop:
		return hostsim.Reply{Drop: true}
	case ReplyWrongID:
		return hostsim.Reply{Status: command.StatusOK, RequestID: "stale-" + req.Command.RequestID}
	}
	return h.studio.Handle(req)
}

func (h *Harness) record(ev TraceEvent) {
	h.mu.Lock()
	h.result.Trace = append(h.result.Trace, ev)
	h.mu.Unlock()
}

func (h *Harness) addError(format string, args ...any) {
	h.mu.Lock()
	h.result.AddError(fmt.Sprintf(format, args...))
	h.mu.Unlock()
}

func (h *Harness) snapshot() *Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := *h.result
	out.Trace = append([]TraceEvent(nil), h.result.Trace...)
	out.Errors = append([]string(nil), h.result.Errors...)
	return &out
}

func (h *Harness) runStep(ctx context.Context, n int, step FlowStep) {
	h.mu.Lock()
	h.step = n
	h.mu.Unlock()
	// Steps are sequential: nothing of this step reaches the host after it
	// returns.
	defer h.host.Wait()

	switch {
	case step.Reconnect:
		h.bridge.Reconnect()
		h.record(TraceEvent{Type: EventReconnect, Step: n})

	case step.Probe:
		state, err := h.bridge.Probe(ctx)
		outcome := outcomeOf(err)
		h.record(TraceEvent{Type: EventOutcome, Step: n, Op: command.ProbeOp, Outcome: outcome, State: string(state)})
		if exp := step.Expect; exp != nil {
			h.check(n, outcome, err, exp)
			if exp.State != "" && exp.State != string(state) {
				h.addError("flow[%d]: expected state %s, got %s", n-1, exp.State, state)
			}
		}

	default:
		args, err := stepArgs(step.Args)
		if err != nil {
			h.addError("flow[%d]: %v", n-1, err)
			return
		}
		res, err := h.bridge.Execute(ctx, command.Channel(step.Channel), step.Send, args)
		outcome := outcomeOf(err)
		h.record(TraceEvent{
			Type: EventOutcome, Step: n, Op: step.Send,
			RequestID: res.RequestID, Outcome: outcome, Attempts: res.Attempts,
		})
		if exp := step.Expect; exp != nil {
			h.check(n, outcome, err, exp)
			if exp.Attempts != 0 && exp.Attempts != res.Attempts {
				h.addError("flow[%d]: expected %d attempt(s), got %d", n-1, exp.Attempts, res.Attempts)
			}
			for k, want := range exp.Payload {
				if got, ok := res.Payload[k]; !ok || !sameValue(want, got) {
					h.addError("flow[%d]: payload %s: expected %v, got %v", n-1, k, want, got)
				}
			}
		} else if err != nil {
			h.addError("flow[%d]: %s failed: %v", n-1, step.Send, err)
		}
	}
}

func (h *Harness) check(n int, outcome string, err error, exp *ExpectClause) {
	if outcome != exp.Outcome {
		h.addError("flow[%d]: expected outcome %s, got %s (%v)", n-1, exp.Outcome, outcome, err)
	}
	if exp.ErrorContains != "" && (err == nil || !strings.Contains(err.Error(), exp.ErrorContains)) {
		h.addError("flow[%d]: expected error containing %q, got %v", n-1, exp.ErrorContains, err)
	}
}

// outcomeOf names the result of a bridge call.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case command.IsDomain(err):
		return string(engine.OutcomeDomain)
	}
	if code := command.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}

// sameValue compares a YAML value with a JSON-decoded one. Numbers compare
// by value whatever their Go type.
func sameValue(want, got any) bool {
	if w, ok := toFloat(want); ok {
		g, ok := toFloat(got)
		return ok && w == g
	}
	return reflect.DeepEqual(want, got)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
