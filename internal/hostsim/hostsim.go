// Package hostsim simulates the host-side scripts.
//
// A Host consumes request files from the mailbox directories and writes
// response files the way the real controller and piano-roll scripts do:
// non-atomically, after removing the request. It is used by tests and by
// the simulate command for local development without the host running.
package hostsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/mailbox"
)

// Reply describes how the host answers one request.
type Reply struct {
	Status  command.Status
	Payload map[string]any
	Error   string

	// Delay postpones the response after the request is consumed.
	Delay time.Duration
	// Drop consumes the request without ever answering.
	Drop bool
	// Ignore leaves the request file untouched, as if the wake was missed.
	Ignore bool
	// RequestID overrides the echoed id.
	RequestID string
	// Raw, if set, is written verbatim instead of an encoded envelope.
	Raw []byte
}

// OK is a successful reply.
func OK(payload map[string]any) Reply {
	return Reply{Status: command.StatusOK, Payload: payload}
}

// Fail is a domain error reply.
func Fail(msg string) Reply {
	return Reply{Status: command.StatusError, Error: msg}
}

// Handler decides the reply for a request.
type Handler func(req command.RequestEnvelope) Reply

// Host is a simulated host bound to a set of mailbox layouts.
type Host struct {
	layouts map[command.Channel]mailbox.Layout
	handler Handler

	mu       sync.Mutex
	received []command.RequestEnvelope
	signals  map[command.Channel]int
	wg       sync.WaitGroup
}

// New creates a simulated host. A nil handler uses Echo.
func New(layouts map[command.Channel]mailbox.Layout, handler Handler) *Host {
	if handler == nil {
		handler = Echo
	}
	return &Host{layouts: layouts, handler: handler, signals: make(map[command.Channel]int)}
}

// Signal emulates the wake signal: the host looks at the request slot on a
// separate goroutine, as the real host does after a note or keystroke.
// It implements engine.Signaler.
func (h *Host) Signal(ch command.Channel) error {
	if _, ok := h.layouts[ch]; !ok {
		return fmt.Errorf("hostsim: no layout for channel %s", ch)
	}
	h.mu.Lock()
	h.signals[ch]++
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.Step(ch); err != nil {
			slog.Warn("hostsim: step failed", "channel", ch, "error", err)
		}
	}()
	return nil
}

// Run polls every channel at interval until ctx is done. Used when no wake
// signal can reach the simulator.
func (h *Host) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.wg.Wait()
			return nil
		case <-ticker.C:
			for ch := range h.layouts {
				if err := h.Step(ch); err != nil {
					slog.Warn("hostsim: step failed", "channel", ch, "error", err)
				}
			}
		}
	}
}

// Step processes the current request of ch, if any.
func (h *Host) Step(ch command.Channel) error {
	l, ok := h.layouts[ch]
	if !ok {
		return fmt.Errorf("hostsim: no layout for channel %s", ch)
	}
	data, err := os.ReadFile(l.RequestPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var req command.RequestEnvelope
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("hostsim: bad request: %w", err)
	}

	reply := h.handler(req)
	if reply.Ignore {
		return nil
	}
	if err := os.Remove(l.RequestPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Consumed concurrently by another step.
			return nil
		}
		return err
	}
	h.mu.Lock()
	h.received = append(h.received, req)
	h.mu.Unlock()

	if reply.Drop {
		return nil
	}
	if reply.Delay > 0 {
		time.Sleep(reply.Delay)
	}
	return writeReply(l.ResponsePath(), req, reply)
}

func writeReply(path string, req command.RequestEnvelope, reply Reply) error {
	body := reply.Raw
	if body == nil {
		id := reply.RequestID
		if id == "" {
			id = req.Command.RequestID
		}
		status := reply.Status
		if status == "" {
			status = command.StatusOK
		}
		var err error
		body, err = json.Marshal(command.ResponseEnvelope{
			RequestID:  id,
			Status:     status,
			Payload:    reply.Payload,
			Error:      reply.Error,
			ProducedAt: float64(time.Now().UnixMilli()) / 1000,
		})
		if err != nil {
			return err
		}
	}
	return os.WriteFile(path, body, 0o644)
}

// WriteResponse places a response in ch's slot directly, bypassing the
// request flow. Used to plant stale or late responses.
func (h *Host) WriteResponse(ch command.Channel, resp command.ResponseEnvelope) error {
	l, ok := h.layouts[ch]
	if !ok {
		return fmt.Errorf("hostsim: no layout for channel %s", ch)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return os.WriteFile(l.ResponsePath(), body, 0o644)
}

// Received returns every consumed request in order.
func (h *Host) Received() []command.RequestEnvelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]command.RequestEnvelope(nil), h.received...)
}

// Signals returns the number of wake signals received on ch.
func (h *Host) Signals(ch command.Channel) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signals[ch]
}

// Wait blocks until every signalled step has finished.
func (h *Host) Wait() {
	h.wg.Wait()
}

// Echo answers every request with ok, echoing the op and args.
func Echo(req command.RequestEnvelope) Reply {
	if req.Command.Op == command.ProbeOp {
		return OK(map[string]any{"pong": true})
	}
	return OK(map[string]any{
		"op":        req.Command.Op,
		"args":      command.ArgsToMap(req.Command.Args),
		"simulated": true,
	})
}
