package mailbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/flbridge/internal/command"
)

// Layout names the files that make up one channel's mailbox.
type Layout struct {
	Dir          string
	RequestName  string
	ResponseName string
	StateName    string // optional read-only export written by the host
}

// RequestPath returns the absolute path of the request slot.
func (l Layout) RequestPath() string { return filepath.Join(l.Dir, l.RequestName) }

// ResponsePath returns the absolute path of the response slot.
func (l Layout) ResponsePath() string { return filepath.Join(l.Dir, l.ResponseName) }

// StatePath returns the path of the state export, or "" if none is configured.
func (l Layout) StatePath() string {
	if l.StateName == "" {
		return ""
	}
	return filepath.Join(l.Dir, l.StateName)
}

// Store provides the file-based exchange points for every configured channel.
//
// A Store owns its mailbox directories: New takes an exclusive lock in each
// and Close releases them, so at most one bridge reads and writes a slot.
//
// Thread-safety: Store holds no mutable state after construction and is safe
// for concurrent use. Per-channel ordering is the caller's responsibility.
type Store struct {
	layouts map[command.Channel]Layout
	schema  *jsonschema.Schema

	closeOnce sync.Once
	locks     []*flock.Flock
}

// New creates a store for the given layouts, creating directories as needed.
// It fails with a TRANSPORT error if another Store holds one of the
// directories.
func New(layouts map[command.Channel]Layout) (*Store, error) {
	sch, err := compileResponseSchema()
	if err != nil {
		return nil, err
	}
	copied := make(map[command.Channel]Layout, len(layouts))
	for ch, l := range layouts {
		if !ch.Valid() {
			return nil, fmt.Errorf("mailbox: unknown channel %q", ch)
		}
		if l.Dir == "" || l.RequestName == "" || l.ResponseName == "" {
			return nil, fmt.Errorf("mailbox: incomplete layout for channel %s", ch)
		}
		if err := os.MkdirAll(l.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("mailbox: create %s: %w", l.Dir, err)
		}
		copied[ch] = l
	}
	locks, err := lockDirs(copied)
	if err != nil {
		return nil, err
	}
	return &Store{layouts: copied, schema: sch, locks: locks}, nil
}

// Close releases the directory locks. The store must not be used after.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() { err = unlockAll(s.locks) })
	return err
}

// Layout returns the layout of ch.
func (s *Store) Layout(ch command.Channel) (Layout, bool) {
	l, ok := s.layouts[ch]
	return l, ok
}

func (s *Store) layout(ch command.Channel) (Layout, error) {
	l, ok := s.layouts[ch]
	if !ok {
		return Layout{}, command.NewTransportError(ch, "no mailbox configured for channel", nil)
	}
	return l, nil
}

// WriteRequest serializes env and atomically replaces the channel's request
// slot: the bytes go to a temporary file in the same directory which is then
// renamed into place, so a concurrent reader never observes a partial write.
func (s *Store) WriteRequest(ch command.Channel, env command.RequestEnvelope) error {
	l, err := s.layout(ch)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return command.NewTransportError(ch, "encode request", err)
	}
	if err := writeAtomic(l.Dir, l.RequestName, data); err != nil {
		return command.NewTransportError(ch, "write request", err)
	}
	return nil
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		cleanup()
		return err
	}
	return nil
}

// ReadResponse returns the channel's response envelope, or nil if none is
// present. A successfully parsed response is removed so it is never read
// twice. Malformed content yields a protocol error and is left in place.
func (s *Store) ReadResponse(ch command.Channel) (*command.ResponseEnvelope, error) {
	l, err := s.layout(ch)
	if err != nil {
		return nil, err
	}
	path := l.ResponsePath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, command.NewTransportError(ch, "read response", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// Host created the file but has not written it yet.
		return nil, nil
	}

	if err := validateResponse(s.schema, data); err != nil {
		return nil, command.NewProtocolError(ch, "malformed response", err)
	}
	var resp command.ResponseEnvelope
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, command.NewProtocolError(ch, "malformed response", err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("mailbox: failed to remove consumed response",
			"channel", ch, "request_id", resp.RequestID, "error", err)
	}
	return &resp, nil
}

// PeekRequest returns the envelope currently occupying the request slot, or
// nil if the slot is empty. The slot is left untouched.
func (s *Store) PeekRequest(ch command.Channel) (*command.RequestEnvelope, error) {
	l, err := s.layout(ch)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.RequestPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, command.NewTransportError(ch, "read request", err)
	}
	var env command.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, command.NewProtocolError(ch, "malformed request slot", err)
	}
	return &env, nil
}

// RequestPending reports whether an unconsumed request occupies the slot.
func (s *Store) RequestPending(ch command.Channel) (bool, error) {
	l, err := s.layout(ch)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(l.RequestPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, command.NewTransportError(ch, "stat request", err)
	}
	return true, nil
}

// RetractRequest removes the request slot if it still carries requestID.
// Returns true if a file was removed. An unreadable slot is removed as well:
// whatever it holds can no longer be answered by anyone.
func (s *Store) RetractRequest(ch command.Channel, requestID string) (bool, error) {
	l, err := s.layout(ch)
	if err != nil {
		return false, err
	}
	env, err := s.PeekRequest(ch)
	if err != nil && !command.IsProtocol(err) {
		return false, err
	}
	if env != nil && env.Command.RequestID != requestID {
		return false, nil
	}
	if env == nil && err == nil {
		return false, nil
	}
	if err := os.Remove(l.RequestPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, command.NewTransportError(ch, "retract request", err)
	}
	return true, nil
}

// Clear removes both slots of ch. Missing files are not an error.
func (s *Store) Clear(ch command.Channel) error {
	l, err := s.layout(ch)
	if err != nil {
		return err
	}
	for _, p := range []string{l.RequestPath(), l.ResponsePath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return command.NewTransportError(ch, "clear mailbox", err)
		}
	}
	return nil
}

// Quarantine moves a malformed response aside so it stops shadowing the slot.
// Returns the new path, or "" if there was nothing to move.
func (s *Store) Quarantine(ch command.Channel) (string, error) {
	l, err := s.layout(ch)
	if err != nil {
		return "", err
	}
	dst := l.ResponsePath() + ".rejected-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.Rename(l.ResponsePath(), dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", command.NewTransportError(ch, "quarantine response", err)
	}
	return dst, nil
}

// ReadState returns the host's state export for ch, or nil if the channel has
// none or the host has not written it yet. The file is not consumed.
func (s *Store) ReadState(ch command.Channel) (map[string]any, error) {
	l, err := s.layout(ch)
	if err != nil {
		return nil, err
	}
	path := l.StatePath()
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, command.NewTransportError(ch, "read state", err)
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, command.NewProtocolError(ch, "malformed state export", err)
	}
	return state, nil
}
