package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/flbridge/internal/command"
)

// Scenario is one end-to-end bridge run.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Channels is the number of generator channels in the studio (default 8).
	Channels int `yaml:"channels,omitempty"`

	// Policies override the bridge's per-channel policy. The live policy
	// also governs probes.
	Policies map[command.Channel]PolicySpec `yaml:"policies,omitempty"`

	// Host scripts replies; the first rule matching a request wins.
	Host []HostRule `yaml:"host,omitempty"`

	Flow       []FlowStep  `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// PolicySpec is a channel policy in scenario form.
type PolicySpec struct {
	AttemptTimeout string `yaml:"attempt_timeout"`
	MaxRetries     int    `yaml:"max_retries"`
}

func (p PolicySpec) timeout() (time.Duration, error) {
	return time.ParseDuration(p.AttemptTimeout)
}

// Host reply kinds.
const (
	ReplyOK      = "ok"
	ReplyFail    = "fail"
	ReplyIgnore  = "ignore"
	ReplyDrop    = "drop"
	ReplyWrongID = "wrong_id"

	// replyStudio marks requests answered by the simulated studio.
	replyStudio = "studio"
)

// HostRule scripts the host's reply to an op.
type HostRule struct {
	// Op to match; empty matches every op.
	Op string `yaml:"op,omitempty"`
	// Times limits how often the rule applies; 0 means always.
	Times   int            `yaml:"times,omitempty"`
	Reply   string         `yaml:"reply"`
	Error   string         `yaml:"error,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// FlowStep is one action. Exactly one of Send, Probe and Reconnect is set.
type FlowStep struct {
	Send    string `yaml:"send,omitempty"`
	Channel string `yaml:"channel,omitempty"`
	// Args keeps the document order, which is the order the host sees.
	Args yaml.Node `yaml:"args,omitempty"`

	Probe     bool `yaml:"probe,omitempty"`
	Reconnect bool `yaml:"reconnect,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause checks the outcome of a step.
type ExpectClause struct {
	// Outcome is ok, domain_error, or a lower-cased error code such as
	// timeout, validation or not_connected.
	Outcome  string `yaml:"outcome"`
	Attempts int    `yaml:"attempts,omitempty"`
	// Payload is a subset match on the response payload.
	Payload       map[string]any `yaml:"payload,omitempty"`
	ErrorContains string         `yaml:"error_contains,omitempty"`
	// State is the connection state a probe reports.
	State string `yaml:"state,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	Type  string   `yaml:"type"`
	Op    string   `yaml:"op,omitempty"`
	Ops   []string `yaml:"ops,omitempty"`
	Count int      `yaml:"count,omitempty"`
	State string   `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertHostCount  = "host_count"
	AssertHostOrder  = "host_order"
	AssertConnection = "connection"
	AssertJournal    = "journal"
	AssertNotes      = "notes"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos do not silently pass.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if s.Channels < 0 {
		return fmt.Errorf("channels must not be negative")
	}

	for ch, p := range s.Policies {
		if !ch.Valid() {
			return fmt.Errorf("policies: unknown channel %q", ch)
		}
		if _, err := p.timeout(); err != nil {
			return fmt.Errorf("policies.%s: attempt_timeout: %w", ch, err)
		}
	}

	for i, r := range s.Host {
		switch r.Reply {
		case ReplyOK, ReplyFail, ReplyIgnore, ReplyDrop, ReplyWrongID:
		default:
			return fmt.Errorf("host[%d]: unknown reply %q", i, r.Reply)
		}
		if r.Times < 0 {
			return fmt.Errorf("host[%d]: times must not be negative", i)
		}
	}

	for i, step := range s.Flow {
		n := 0
		for _, set := range []bool{step.Send != "", step.Probe, step.Reconnect} {
			if set {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("flow[%d]: exactly one of send, probe and reconnect is required", i)
		}
		if step.Args.Kind != 0 && step.Args.Kind != yaml.MappingNode {
			return fmt.Errorf("flow[%d]: args must be a mapping", i)
		}
		if step.Expect != nil && step.Expect.Outcome == "" {
			return fmt.Errorf("flow[%d].expect: outcome is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertHostCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for host_count", index)
		}
	case AssertHostOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for host_order", index)
		}
	case AssertConnection:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for connection", index)
		}
	case AssertJournal:
		if a.Op == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: op and state are required for journal", index)
		}
	case AssertNotes:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}

// stepArgs converts the args mapping into ordered command args.
func stepArgs(node yaml.Node) (*command.Args, error) {
	args := command.NewArgs()
	if node.Kind == 0 {
		return args, nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var v any
		if err := node.Content[i+1].Decode(&v); err != nil {
			return nil, fmt.Errorf("arg %s: %w", node.Content[i].Value, err)
		}
		args.Set(node.Content[i].Value, v)
	}
	return args, nil
}
