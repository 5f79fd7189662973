package command

import (
	"encoding/json"
	"fmt"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Channel identifies one of the two independent command paths.
type Channel string

const (
	// ChannelLive is the MIDI-triggered path used by transport, mixer,
	// channel, and plugin operations.
	ChannelLive Channel = "live"
	// ChannelBatch is the keystroke-triggered path used by piano-roll edits.
	ChannelBatch Channel = "batch"
)

// Channels lists every channel in a stable order.
func Channels() []Channel {
	return []Channel{ChannelLive, ChannelBatch}
}

// Valid reports whether c names a known channel.
func (c Channel) Valid() bool {
	return c == ChannelLive || c == ChannelBatch
}

// ParseChannel converts a user-supplied channel name.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q: must be one of %v", s, Channels())
	}
	return c, nil
}

// ProbeOp is the reserved no-op used solely for liveness detection.
const ProbeOp = "bridge.ping"

// Args is an ordered mapping of parameter name to typed value.
type Args = orderedmap.OrderedMap[string, any]

// NewArgs builds Args from alternating key/value pairs.
// Panics on an odd number of elements or a non-string key; it is meant for
// literal argument lists in code, not for user input.
func NewArgs(kv ...any) *Args {
	if len(kv)%2 != 0 {
		panic("command.NewArgs: odd number of key/value elements")
	}
	a := orderedmap.New[string, any]()
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("command.NewArgs: key %d is %T, not string", i/2, kv[i]))
		}
		a.Set(k, kv[i+1])
	}
	return a
}

// CopyArgs returns a shallow copy of a, preserving order. A nil a yields an
// empty map.
func CopyArgs(a *Args) *Args {
	out := orderedmap.New[string, any]()
	if a == nil {
		return out
	}
	for pair := a.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, pair.Value)
	}
	return out
}

// ArgsToMap flattens a into a plain map. Ordering is lost.
func ArgsToMap(a *Args) map[string]any {
	out := make(map[string]any)
	if a == nil {
		return out
	}
	for pair := a.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

// Command is one logical request against the host.
type Command struct {
	Channel   Channel
	Op        string
	Args      *Args
	RequestID string // empty until the engine assigns one
}

// New creates a command with a private copy of args.
func New(ch Channel, op string, args *Args) Command {
	return Command{Channel: ch, Op: op, Args: CopyArgs(args)}
}

// WithRequestID returns a copy of c carrying id.
func (c Command) WithRequestID(id string) Command {
	c.RequestID = id
	return c
}

// RequestEnvelope is the unit written to a channel's request slot.
type RequestEnvelope struct {
	Command   Command
	CreatedAt time.Time
	Attempt   int // >= 1
}

// requestWire is the on-disk shape of a RequestEnvelope.
type requestWire struct {
	RequestID string  `json:"request_id"`
	Channel   Channel `json:"channel"`
	Op        string  `json:"op"`
	Args      *Args   `json:"args"`
	Attempt   int     `json:"attempt"`
	CreatedAt string  `json:"created_at"`
}

// MarshalJSON flattens the envelope into its file format.
func (e RequestEnvelope) MarshalJSON() ([]byte, error) {
	args := e.Command.Args
	if args == nil {
		args = orderedmap.New[string, any]()
	}
	return json.Marshal(requestWire{
		RequestID: e.Command.RequestID,
		Channel:   e.Command.Channel,
		Op:        e.Command.Op,
		Args:      args,
		Attempt:   e.Attempt,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON parses the file format. Used by the host simulator.
func (e *RequestEnvelope) UnmarshalJSON(data []byte) error {
	w := requestWire{Args: orderedmap.New[string, any]()}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.RequestID == "" {
		return fmt.Errorf("request envelope: missing request_id")
	}
	created, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
	if err != nil && w.CreatedAt != "" {
		return fmt.Errorf("request envelope: created_at: %w", err)
	}
	if w.Args == nil {
		w.Args = orderedmap.New[string, any]()
	}
	e.Command = Command{Channel: w.Channel, Op: w.Op, Args: w.Args, RequestID: w.RequestID}
	e.CreatedAt = created
	e.Attempt = w.Attempt
	return nil
}

// Status is the outcome reported by the host.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ResponseEnvelope is written exclusively by the host side.
type ResponseEnvelope struct {
	RequestID  string         `json:"request_id"`
	Status     Status         `json:"status"`
	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	ProducedAt any            `json:"produced_at,omitempty"`
}

// OK reports whether the host executed the command successfully.
func (r *ResponseEnvelope) OK() bool {
	return r.Status == StatusOK
}
