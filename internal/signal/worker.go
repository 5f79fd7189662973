package signal

import (
	"log/slog"
	"sync"

	"github.com/roach88/flbridge/internal/command"
)

// FailureFunc receives the first latched failure of an emitter.
type FailureFunc func(ch command.Channel, err error)

// worker runs one emitter's deliveries on a dedicated goroutine.
//
// Pending wakes are coalesced through a buffered channel of size 1: two
// wakes issued before the first is delivered produce one signal, which is
// all the host needs to look at the request slot.
type worker struct {
	channel   command.Channel
	fire      func() error
	onFailure FailureFunc

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	failed   error
	closed   bool
	reported bool
}

func newWorker(ch command.Channel, fire func() error, onFailure FailureFunc) *worker {
	w := &worker{
		channel:   ch,
		fire:      fire,
		onFailure: onFailure,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *worker) trigger() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return command.NewTransportError(w.channel, "signal emitter closed", nil)
	}
	if w.failed != nil {
		return w.failed
	}

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			// Deliver a wake issued just before close.
			select {
			case <-w.wake:
				if err := w.fire(); err != nil {
					w.latch(err)
				}
			default:
			}
			return
		case <-w.wake:
			if err := w.fire(); err != nil {
				w.latch(err)
			}
		}
	}
}

func (w *worker) latch(cause error) {
	w.mu.Lock()
	if w.failed == nil {
		w.failed = command.NewTransportError(w.channel, "wake signal failed", cause)
	}
	latched := w.failed
	report := !w.reported
	w.reported = true
	w.mu.Unlock()

	if !report {
		return
	}
	slog.Warn("signal delivery failed", "channel", w.channel, "error", cause)
	if w.onFailure != nil {
		w.onFailure(w.channel, latched)
	}
}

// err returns the latched failure, if any.
func (w *worker) err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *worker) reset() {
	w.mu.Lock()
	w.failed = nil
	w.reported = false
	w.mu.Unlock()
}

func (w *worker) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()
	w.wg.Wait()
}
