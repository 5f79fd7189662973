package bridge

import (
	"os"
	"runtime"

	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/engine"
	"github.com/roach88/flbridge/internal/signal"
	"github.com/roach88/flbridge/internal/supervisor"
)

var currentGOOS = runtime.GOOS

// Status describes the bridge, its channels and the connection.
type Status struct {
	Platform   string                  `json:"platform"`
	Connection supervisor.Snapshot     `json:"connection"`
	Channels   []ChannelStatus         `json:"channels"`
	Pending    []engine.PendingRequest `json:"pending"`
}

// ChannelStatus describes one channel.
type ChannelStatus struct {
	Channel     command.Channel `json:"channel"`
	Dir         string          `json:"dir"`
	RequestFile string          `json:"request_file"`
	StateFile   string          `json:"state_file,omitempty"`

	RequestPending bool `json:"request_pending"`
	ResponseWaits  bool `json:"response_waiting"`
	StateExists    bool `json:"state_exists"`

	Signal      string        `json:"signal,omitempty"`
	SignalError string        `json:"signal_error,omitempty"`
	AutoTrigger bool          `json:"auto_trigger_supported"`
	Keystroke   string        `json:"keystroke,omitempty"`
	Policy      engine.Policy `json:"policy"`
}

// Status collects the current view. File checks that fail are reported
// as absent.
func (b *Bridge) Status() Status {
	st := Status{
		Platform:   b.goos,
		Connection: b.sup.Snapshot(),
		Pending:    b.engine.Pending(),
	}
	for _, ch := range command.Channels() {
		cs := ChannelStatus{Channel: ch, Policy: b.policies[ch]}
		if l, ok := b.store.Layout(ch); ok {
			cs.Dir = l.Dir
			cs.RequestFile = l.RequestPath()
			cs.StateFile = l.StatePath()
			cs.RequestPending = exists(l.RequestPath())
			cs.ResponseWaits = exists(l.ResponsePath())
			if cs.StateFile != "" {
				cs.StateExists = exists(cs.StateFile)
			}
		}
		if ch == command.ChannelBatch {
			_, cs.AutoTrigger = signal.DefaultKeystroke(b.goos)
			cs.Keystroke = signal.KeystrokeDescription()
		}
		if b.signals != nil {
			if w, ok := b.signals.Waker(ch); ok {
				cs.Signal = w.Describe()
				if err := w.Err(); err != nil {
					cs.SignalError = err.Error()
				}
			} else if ch == command.ChannelBatch {
				cs.AutoTrigger = false
			}
		}
		st.Channels = append(st.Channels, cs)
	}
	return st
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
