// Package config loads bridge settings from a YAML file.
//
// The file lives at $XDG_CONFIG_HOME/flbridge/config.yaml (falling back to
// ~/.config/flbridge/config.yaml). A missing file yields defaults, which
// match the stock host scripts. Durations are Go duration strings ("2s",
// "500ms").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/flbridge/internal/command"
	"github.com/roach88/flbridge/internal/engine"
	"github.com/roach88/flbridge/internal/mailbox"
	"github.com/roach88/flbridge/internal/supervisor"
)

const appName = "flbridge"

// Duration is a time.Duration that reads and writes as a duration string.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts "1.5s" style strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"2s\"", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ChannelConfig describes one channel's mailbox and timing.
type ChannelConfig struct {
	Dir            string   `yaml:"dir"`
	RequestFile    string   `yaml:"request_file"`
	ResponseFile   string   `yaml:"response_file"`
	StateFile      string   `yaml:"state_file,omitempty"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	MaxRetries     int      `yaml:"max_retries"`
	CommandTimeout Duration `yaml:"command_timeout,omitempty"`
}

// MIDIConfig selects the wake note and output port.
type MIDIConfig struct {
	Note     uint8    `yaml:"note"`
	Velocity uint8    `yaml:"velocity"`
	Channel  uint8    `yaml:"channel"`
	Hold     Duration `yaml:"hold"`
	Ports    []string `yaml:"ports"` // name patterns, tried in order
	// AnyPort uses the first output when no pattern matches.
	AnyPort bool `yaml:"any_port"`
}

// KeystrokeConfig overrides the platform keystroke command.
type KeystrokeConfig struct {
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Timeout Duration `yaml:"timeout"`
}

// SupervisorConfig tunes connection tracking.
type SupervisorConfig struct {
	DisconnectAfter int      `yaml:"disconnect_after"`
	ReprobeInterval Duration `yaml:"reprobe_interval,omitempty"`
	ProbeChannel    string   `yaml:"probe_channel"`
}

// JournalConfig locates the request journal. An empty path disables it.
type JournalConfig struct {
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
}

// Config is the full bridge configuration.
type Config struct {
	SettingsDir    string           `yaml:"settings_dir"`
	PollInterval   Duration         `yaml:"poll_interval"`
	MalformedLimit int              `yaml:"malformed_limit"`
	Watch          bool             `yaml:"watch"`
	Live           ChannelConfig    `yaml:"live"`
	Batch          ChannelConfig    `yaml:"batch"`
	MIDI           MIDIConfig       `yaml:"midi"`
	Keystroke      KeystrokeConfig  `yaml:"keystroke"`
	Supervisor     SupervisorConfig `yaml:"supervisor"`
	Journal        JournalConfig    `yaml:"journal"`
}

// Dir returns the flbridge config directory.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName), nil
}

// StateDir returns the flbridge state directory (journal location).
func StateDir() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, appName), nil
}

// DefaultPath returns the default config file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// SettingsDir returns the host's settings directory for goos.
func SettingsDir(goos, home string) string {
	switch goos {
	case "darwin", "windows":
		return filepath.Join(home, "Documents", "Image-Line", "FL Studio", "Settings")
	default:
		return filepath.Join(home, ".fl-studio", "Settings")
	}
}

// Default returns the configuration matching the stock host scripts.
// Relative channel dirs are resolved against SettingsDir by Resolve.
func Default() *Config {
	home, _ := os.UserHomeDir()
	journal := ""
	if dir, err := StateDir(); err == nil {
		journal = filepath.Join(dir, "journal.db")
	}
	return &Config{
		SettingsDir:    SettingsDir(runtime.GOOS, home),
		PollInterval:   Duration(engine.DefaultPollInterval),
		MalformedLimit: engine.DefaultMalformedLimit,
		Watch:          true,
		Live: ChannelConfig{
			Dir:            filepath.Join("Hardware", "FLStudioMCP"),
			RequestFile:    "mcp_command.json",
			ResponseFile:   "mcp_response.json",
			AttemptTimeout: Duration(2 * time.Second),
			MaxRetries:     1,
		},
		Batch: ChannelConfig{
			Dir:            "Piano roll scripts",
			RequestFile:    "mcp_request.json",
			ResponseFile:   "mcp_response.json",
			StateFile:      "piano_roll_state.json",
			AttemptTimeout: Duration(5 * time.Second),
			MaxRetries:     2,
		},
		MIDI: MIDIConfig{
			Note:     127,
			Velocity: 127,
			Hold:     Duration(5 * time.Millisecond),
			Ports:    []string{"IAC", "loopMIDI", "FLStudioMCP"},
		},
		Keystroke: KeystrokeConfig{Timeout: Duration(10 * time.Second)},
		Supervisor: SupervisorConfig{
			DisconnectAfter: 1,
			ProbeChannel:    string(command.ChannelLive),
		},
		Journal: JournalConfig{Path: journal, Retention: Duration(24 * time.Hour)},
	}
}

// Load reads path over the defaults. An empty path means DefaultPath, which
// may be absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("locate config: %w", err)
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	var errs []error
	if c.SettingsDir == "" {
		errs = append(errs, errors.New("settings_dir is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	for name, ch := range map[string]ChannelConfig{"live": c.Live, "batch": c.Batch} {
		if ch.Dir == "" || ch.RequestFile == "" || ch.ResponseFile == "" {
			errs = append(errs, fmt.Errorf("%s: dir, request_file and response_file are required", name))
		}
		if ch.RequestFile == ch.ResponseFile {
			errs = append(errs, fmt.Errorf("%s: request_file and response_file must differ", name))
		}
		if ch.AttemptTimeout <= 0 {
			errs = append(errs, fmt.Errorf("%s: attempt_timeout must be positive", name))
		}
		if ch.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s: max_retries must not be negative", name))
		}
	}
	if c.MIDI.Note > 127 || c.MIDI.Velocity > 127 {
		errs = append(errs, errors.New("midi: note and velocity must be in 0..127"))
	}
	if c.MIDI.Channel > 15 {
		errs = append(errs, errors.New("midi: channel must be in 0..15"))
	}
	if c.Supervisor.DisconnectAfter < 1 {
		errs = append(errs, errors.New("supervisor: disconnect_after must be at least 1"))
	}
	if _, err := command.ParseChannel(c.Supervisor.ProbeChannel); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: probe_channel: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.SettingsDir, dir)
}

// Channel returns the settings of ch.
func (c *Config) Channel(ch command.Channel) ChannelConfig {
	if ch == command.ChannelBatch {
		return c.Batch
	}
	return c.Live
}

// Layouts returns the mailbox layout of every channel.
func (c *Config) Layouts() map[command.Channel]mailbox.Layout {
	out := make(map[command.Channel]mailbox.Layout, 2)
	for _, ch := range command.Channels() {
		cc := c.Channel(ch)
		out[ch] = mailbox.Layout{
			Dir:          c.resolve(cc.Dir),
			RequestName:  cc.RequestFile,
			ResponseName: cc.ResponseFile,
			StateName:    cc.StateFile,
		}
	}
	return out
}

// Policy returns the default engine policy of ch.
func (c *Config) Policy(ch command.Channel) engine.Policy {
	cc := c.Channel(ch)
	return engine.Policy{
		AttemptTimeout: cc.AttemptTimeout.D(),
		MaxRetries:     cc.MaxRetries,
		CommandTimeout: cc.CommandTimeout.D(),
	}
}

// SupervisorConfig returns the supervisor settings.
func (c *Config) SupervisorConfig() supervisor.Config {
	ch := command.Channel(c.Supervisor.ProbeChannel)
	return supervisor.Config{
		DisconnectAfter: c.Supervisor.DisconnectAfter,
		ReprobeInterval: c.Supervisor.ReprobeInterval.D(),
		ProbeChannel:    ch,
		ProbePolicy:     c.Policy(ch),
	}
}

// Save writes c to path as YAML, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
