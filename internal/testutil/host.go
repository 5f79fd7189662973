package testutil

import (
	"path/filepath"

	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/hostsim"
	"github.com/roach88/flbridge/internal/mailbox"
	"github.com/roach88/flbridge/internal/signal"
)

// HostWaker delivers wakes straight to a simulated host, standing in for
// the MIDI note and the keystroke.
type HostWaker struct {
	Host    *hostsim.Host
	Channel command.Channel
}

// Wake implements signal.Waker.
func (w HostWaker) Wake() error { return w.Host.Signal(w.Channel) }

// Err implements signal.Waker. Simulated delivery never latches a failure.
func (w HostWaker) Err() error { return nil }

// Reset implements signal.Waker.
func (w HostWaker) Reset() {}

// Describe implements signal.Waker.
func (w HostWaker) Describe() string { return "simulated " + string(w.Channel) }

// Close implements signal.Waker.
func (w HostWaker) Close() error { return nil }

// Wakers returns a HostWaker for every channel.
func Wakers(host *hostsim.Host) map[command.Channel]signal.Waker {
	out := make(map[command.Channel]signal.Waker, 2)
	for _, ch := range command.Channels() {
		out[ch] = HostWaker{Host: host, Channel: ch}
	}
	return out
}

// Layouts returns the stock mailbox layout rooted at settingsDir.
func Layouts(settingsDir string) map[command.Channel]mailbox.Layout {
	return map[command.Channel]mailbox.Layout{
		command.ChannelLive: {
			Dir:          filepath.Join(settingsDir, "Hardware", "FLStudioMCP"),
			RequestName:  "mcp_command.json",
			ResponseName: "mcp_response.json",
		},
		command.ChannelBatch: {
			Dir:          filepath.Join(settingsDir, "Piano roll scripts"),
			RequestName:  "mcp_request.json",
			ResponseName: "mcp_response.json",
			StateName:    "piano_roll_state.json",
		},
	}
}
