package mailbox

import (
	"context"
	"path/filepath"

	"github.com/rjeczalik/notify"

	"github.com/roach88/flbridge/internal/command"
)

// Watch returns a channel that receives a (coalesced) wake-up whenever the
// response file of ch is created or written. Polling remains authoritative;
// a watch only shortens the time until the next read. The watch is released
// when ctx is done.
func (s *Store) Watch(ctx context.Context, ch command.Channel) (<-chan struct{}, error) {
	l, err := s.layout(ch)
	if err != nil {
		return nil, err
	}
	events := make(chan notify.EventInfo, 16)
	if err := notify.Watch(l.Dir, events, notify.Create, notify.Write, notify.Rename); err != nil {
		return nil, command.NewTransportError(ch, "watch mailbox", err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer notify.Stop(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if filepath.Base(ev.Path()) != l.ResponseName {
					continue
				}
				// Buffer of 1 coalesces bursts of events.
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake, nil
}
