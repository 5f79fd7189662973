package harness

import "github.com/roach88/flbridge/internal/command"

// Trace event types.
const (
	EventHost      = "host"
	EventOutcome   = "outcome"
	EventReconnect = "reconnect"
)

// TraceEvent is one entry of a scenario trace. Host events record a request
// as the host saw it; outcome events record what the caller got back.
type TraceEvent struct {
	Type      string        `json:"type"`
	Step      int           `json:"step"`
	Op        string        `json:"op,omitempty"`
	Channel   string        `json:"channel,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Args      *command.Args `json:"args,omitempty"`
	Reply     string        `json:"reply,omitempty"`
	Outcome   string        `json:"outcome,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	State     string        `json:"state,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// HostEvents returns the host events in order.
func (r *Result) HostEvents() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventHost {
			out = append(out, e)
		}
	}
	return out
}
