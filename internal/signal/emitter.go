package signal

import (
	"errors"
	"fmt"

	"github.com/roach88/flbridge/internal/command"
)

// Emitter wakes the host for a channel. The engine depends only on this.
type Emitter interface {
	Signal(ch command.Channel) error
	Close() error
}

// Waker is a single-channel wake mechanism.
type Waker interface {
	// Wake schedules a signal and returns without waiting for delivery.
	Wake() error
	// Err returns the latched delivery failure, or nil.
	Err() error
	// Reset clears a latched failure so the next Wake is attempted again.
	Reset()
	// Describe names the mechanism for status output (port, keystroke).
	Describe() string
	Close() error
}

// Multiplexer routes each channel to its Waker.
type Multiplexer struct {
	wakers map[command.Channel]Waker
}

// NewMultiplexer creates a router over the given wakers.
func NewMultiplexer(wakers map[command.Channel]Waker) *Multiplexer {
	m := &Multiplexer{wakers: make(map[command.Channel]Waker, len(wakers))}
	for ch, w := range wakers {
		m.wakers[ch] = w
	}
	return m
}

// Signal wakes the host for ch.
func (m *Multiplexer) Signal(ch command.Channel) error {
	w, ok := m.wakers[ch]
	if !ok {
		return command.NewTransportError(ch, "no signal configured for channel", nil)
	}
	return w.Wake()
}

// Waker returns the waker for ch.
func (m *Multiplexer) Waker(ch command.Channel) (Waker, bool) {
	w, ok := m.wakers[ch]
	return w, ok
}

// Reset clears the latched failure of every waker.
func (m *Multiplexer) Reset() {
	for _, w := range m.wakers {
		w.Reset()
	}
}

// Close closes every waker and joins their errors.
func (m *Multiplexer) Close() error {
	var errs []error
	for ch, w := range m.wakers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}
