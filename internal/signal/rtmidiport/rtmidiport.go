// Package rtmidiport opens MIDI output ports through the rtmidi driver.
//
// It is kept apart from package signal because rtmidi requires cgo.
package rtmidiport

import (
	"fmt"
	"log/slog"
	"strings"

	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/roach88/flbridge/internal/signal"
)

// DefaultPatterns are matched, in order, against output port names. They
// name virtual ports only; a hardware output never matches.
var DefaultPatterns = []string{"IAC", "loopMIDI", "FLStudioMCP"}

// ListOutputs returns the names of every MIDI output.
func ListOutputs() ([]string, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	defer drv.Close()
	outs, err := drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("list MIDI outputs: %w", err)
	}
	names := make([]string, 0, len(outs))
	for _, out := range outs {
		names = append(names, out.String())
	}
	return names, nil
}

// Pick returns the index of the first name containing a pattern, trying the
// patterns in order. When nothing matches it returns 0 if anyPort is set
// and -1 otherwise; it returns -1 for no names.
func Pick(names, patterns []string, anyPort bool) int {
	if len(names) == 0 {
		return -1
	}
	for _, p := range patterns {
		p = strings.ToLower(p)
		for i, name := range names {
			if strings.Contains(strings.ToLower(name), p) {
				return i
			}
		}
	}
	if anyPort {
		return 0
	}
	return -1
}

// Opener returns a signal.PortOpener that opens the preferred output. With
// anyPort the first output is used when no name matches.
func Opener(patterns []string, anyPort bool) signal.PortOpener {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return func() (signal.Port, error) {
		drv, err := rtmididrv.New()
		if err != nil {
			return nil, fmt.Errorf("rtmididrv: %w", err)
		}
		outs, err := drv.Outs()
		if err != nil {
			drv.Close()
			return nil, fmt.Errorf("list MIDI outputs: %w", err)
		}
		names := make([]string, len(outs))
		for i, out := range outs {
			names[i] = out.String()
		}
		idx := Pick(names, patterns, anyPort)
		switch {
		case len(names) == 0:
			drv.Close()
			return nil, fmt.Errorf("no MIDI output ports available")
		case idx < 0:
			drv.Close()
			return nil, fmt.Errorf("no MIDI output matches %v (outputs: %s)", patterns, strings.Join(names, ", "))
		}
		out := outs[idx]
		if !matches(names[idx], patterns) {
			slog.Warn("no MIDI output matches the configured patterns, using the first one",
				"port", out.String(), "patterns", patterns)
		}
		if err := out.Open(); err != nil {
			drv.Close()
			return nil, fmt.Errorf("open %q: %w", out.String(), err)
		}
		slog.Info("MIDI output opened", "port", out.String())
		return &port{drv: drv, out: out}, nil
	}
}

func matches(name string, patterns []string) bool {
	name = strings.ToLower(name)
	for _, p := range patterns {
		if strings.Contains(name, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

type port struct {
	drv *rtmididrv.Driver
	out drivers.Out
}

func (p *port) Send(data []byte) error { return p.out.Send(data) }

func (p *port) String() string { return p.out.String() }

func (p *port) Close() error {
	err := p.out.Close()
	p.drv.Close()
	return err
}
