package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/roach88/flbridge/internal/bridge"
	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/config"
	"github.com/roach88/flbridge/internal/engine"
	"github.com/roach88/flbridge/internal/journal"
	"github.com/roach88/flbridge/internal/mailbox"
	"github.com/roach88/flbridge/internal/signal"
	"github.com/roach88/flbridge/internal/signal/rtmidiport"
	"github.com/roach88/flbridge/internal/supervisor"
)

// app is a fully wired bridge for the lifetime of one CLI invocation.
type app struct {
	cfg     *config.Config
	store   *mailbox.Store
	signals *signal.Multiplexer
	sup     *supervisor.Supervisor
	journal *journal.Journal // nil when disabled
	engine  *engine.Engine
	bridge  *bridge.Bridge
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openApp wires the bridge from the configuration. The journal, if
// enabled, is opened first so orphans of a previous run are reported and
// the logical clock resumes after its last record.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	store, err := mailbox.New(cfg.Layouts())
	if err != nil {
		// Another bridge owning the mailboxes is a runtime failure, a bad
		// layout is a usage error.
		if command.IsTransport(err) {
			return nil, bridgeExit("failed to open mailboxes", err)
		}
		return nil, WrapExitError(ExitCommandError, "failed to open mailboxes", err)
	}

	a := &app{cfg: cfg, store: store, sup: supervisor.New(cfg.SupervisorConfig())}
	clock := engine.NewClock()
	if cfg.Journal.Path != "" {
		seq, err := a.openJournal(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		clock = engine.NewClockAt(seq)
	}

	wire := opts.Wakers
	if wire == nil {
		wire = defaultWakers
	}
	wakers, err := wire(cfg, signal.FailureFunc(a.sup.TransportFailed))
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to set up wake signals", err)
	}
	a.signals = signal.NewMultiplexer(wakers)

	engOpts := []engine.Option{
		engine.WithObserver(a.sup),
		engine.WithPollInterval(cfg.PollInterval.D()),
		engine.WithMalformedLimit(cfg.MalformedLimit),
		engine.WithClock(clock),
	}
	if a.journal != nil {
		engOpts = append(engOpts, engine.WithRecorder(a.journal))
	}
	if cfg.Watch {
		engOpts = append(engOpts, engine.WithWatcher(store))
	}
	a.engine = engine.New(store, a.signals, engOpts...)

	a.bridge, err = bridge.New(a.engine, store, a.sup,
		bridge.WithSignals(a.signals),
		bridge.WithPolicy(command.ChannelLive, cfg.Policy(command.ChannelLive)),
		bridge.WithPolicy(command.ChannelBatch, cfg.Policy(command.ChannelBatch)),
	)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create bridge", err)
	}
	return a, nil
}

// openJournal opens the journal and returns the last seq it recorded.
func (a *app) openJournal(ctx context.Context) (int64, error) {
	j, err := journal.Open(a.cfg.Journal.Path)
	if err != nil {
		return 0, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	a.journal = j

	orphans, err := j.RecoverOrphans(ctx)
	if err != nil {
		slog.Warn("orphan recovery failed", "error", err)
	}
	for _, o := range orphans {
		slog.Warn("request orphaned by a previous run", "request_id", o.RequestID,
			"channel", o.Channel, "op", o.Op, "attempts", o.Attempts)
	}
	if ret := a.cfg.Journal.Retention.D(); ret > 0 {
		if n, err := j.Prune(ctx, time.Now().Add(-ret)); err != nil {
			slog.Warn("journal prune failed", "error", err)
		} else if n > 0 {
			slog.Debug("journal pruned", "rows", n)
		}
	}
	seq, err := j.LastSeq(ctx)
	if err != nil {
		slog.Warn("journal seq unavailable", "error", err)
	}
	return seq, nil
}

// Close releases the signal ports, watchers, the journal and the mailbox
// locks.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		a.engine.Close()
	}
	if a.signals != nil {
		if err := a.signals.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// defaultWakers plays a MIDI note for the live channel and sends the
// piano-roll shortcut for the batch channel. A platform without a keystroke
// tool gets no batch waker; batch commands then fail fast.
func defaultWakers(cfg *config.Config, onFailure signal.FailureFunc) (map[command.Channel]signal.Waker, error) {
	wakers := make(map[command.Channel]signal.Waker, 2)

	midi, err := signal.NewMIDIEmitter(signal.MIDIConfig{
		Note:     cfg.MIDI.Note,
		Velocity: cfg.MIDI.Velocity,
		Channel:  cfg.MIDI.Channel,
		Hold:     cfg.MIDI.Hold.D(),
	}, rtmidiport.Opener(cfg.MIDI.Ports, cfg.MIDI.AnyPort), onFailure)
	if err != nil {
		return nil, err
	}
	wakers[command.ChannelLive] = midi

	key := signal.KeystrokeCommand{Name: cfg.Keystroke.Command, Args: cfg.Keystroke.Args}
	if key.Name == "" {
		var ok bool
		if key, ok = signal.DefaultKeystroke(runtime.GOOS); !ok {
			slog.Warn("no keystroke tool for this platform; trigger the piano-roll script manually",
				"platform", runtime.GOOS, "shortcut", signal.KeystrokeDescription())
			return wakers, nil
		}
	}
	ks, err := signal.NewKeystrokeEmitter(key, nil, cfg.Keystroke.Timeout.D(), onFailure)
	if err != nil {
		midi.Close()
		return nil, fmt.Errorf("keystroke: %w", err)
	}
	wakers[command.ChannelBatch] = ks
	return wakers, nil
}
