package signal

import (
	"fmt"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/roach88/flbridge/internal/command"
)

// Port is an open MIDI output.
type Port interface {
	Send(data []byte) error
	Close() error
	String() string
}

// PortOpener opens the output port used for wake notes.
type PortOpener func() (Port, error)

// MIDIConfig describes the wake note.
type MIDIConfig struct {
	Note     uint8
	Velocity uint8
	Channel  uint8         // MIDI channel, 0-15
	Hold     time.Duration // gap between note on and note off
}

// DefaultMIDIConfig returns the note the host controller script listens for.
func DefaultMIDIConfig() MIDIConfig {
	return MIDIConfig{Note: 127, Velocity: 127, Channel: 0, Hold: 5 * time.Millisecond}
}

// MIDIEmitter wakes the live channel by playing a note on a virtual port.
// The port is opened lazily on the first delivery and kept until Reset or
// Close.
type MIDIEmitter struct {
	cfg  MIDIConfig
	open PortOpener

	mu   sync.Mutex
	port Port
	name string

	w *worker
}

// NewMIDIEmitter creates an emitter for the live channel.
func NewMIDIEmitter(cfg MIDIConfig, open PortOpener, onFailure FailureFunc) (*MIDIEmitter, error) {
	if cfg.Note > 127 || cfg.Velocity > 127 {
		return nil, fmt.Errorf("signal: note and velocity must be in 0..127")
	}
	if cfg.Channel > 15 {
		return nil, fmt.Errorf("signal: MIDI channel must be in 0..15")
	}
	if open == nil {
		return nil, fmt.Errorf("signal: nil port opener")
	}
	m := &MIDIEmitter{cfg: cfg, open: open}
	m.w = newWorker(command.ChannelLive, m.fire, onFailure)
	return m, nil
}

func (m *MIDIEmitter) fire() error {
	port, err := m.ensurePort()
	if err != nil {
		return err
	}
	if err := port.Send(midi.NoteOn(m.cfg.Channel, m.cfg.Note, m.cfg.Velocity).Bytes()); err != nil {
		return fmt.Errorf("send note on to %s: %w", port, err)
	}
	if m.cfg.Hold > 0 {
		time.Sleep(m.cfg.Hold)
	}
	if err := port.Send(midi.NoteOff(m.cfg.Channel, m.cfg.Note).Bytes()); err != nil {
		return fmt.Errorf("send note off to %s: %w", port, err)
	}
	return nil
}

func (m *MIDIEmitter) ensurePort() (Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port != nil {
		return m.port, nil
	}
	p, err := m.open()
	if err != nil {
		return nil, fmt.Errorf("open MIDI port: %w", err)
	}
	m.port = p
	m.name = p.String()
	return p, nil
}

func (m *MIDIEmitter) closePort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

// Wake implements Waker.
func (m *MIDIEmitter) Wake() error { return m.w.trigger() }

// Err implements Waker.
func (m *MIDIEmitter) Err() error { return m.w.err() }

// Reset clears a latched failure and drops the port so the next delivery
// reopens it (the virtual port may have been recreated).
func (m *MIDIEmitter) Reset() {
	_ = m.closePort()
	m.w.reset()
}

// Describe implements Waker.
func (m *MIDIEmitter) Describe() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	port := m.name
	if port == "" {
		port = "(not opened)"
	}
	return fmt.Sprintf("MIDI note %d on %s", m.cfg.Note, port)
}

// Close stops the worker and closes the port.
func (m *MIDIEmitter) Close() error {
	m.w.close()
	return m.closePort()
}
