package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flbridge/internal/command"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Live.AttemptTimeout.D())
	assert.Equal(t, 1, cfg.Live.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Batch.AttemptTimeout.D())
	assert.Equal(t, 2, cfg.Batch.MaxRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.PollInterval.D())
	assert.Equal(t, uint8(127), cfg.MIDI.Note)
	assert.NotContains(t, cfg.MIDI.Ports, "FL")
	assert.False(t, cfg.MIDI.AnyPort, "only a virtual port receives the wake note unless configured")
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	settings := t.TempDir()
	path := writeConfig(t, `
settings_dir: `+settings+`
poll_interval: 50ms
live:
  attempt_timeout: 1s
  max_retries: 0
midi:
  ports: ["loopMIDI"]
  any_port: true
supervisor:
  disconnect_after: 3
  reprobe_interval: 30s
journal:
  path: ""
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval.D())
	assert.Equal(t, time.Second, cfg.Live.AttemptTimeout.D())
	assert.Equal(t, 0, cfg.Live.MaxRetries)
	assert.Equal(t, "mcp_command.json", cfg.Live.RequestFile, "unset fields keep defaults")
	assert.Equal(t, []string{"loopMIDI"}, cfg.MIDI.Ports)
	assert.True(t, cfg.MIDI.AnyPort)
	assert.Empty(t, cfg.Journal.Path)

	sup := cfg.SupervisorConfig()
	assert.Equal(t, 3, sup.DisconnectAfter)
	assert.Equal(t, 30*time.Second, sup.ReprobeInterval)
	assert.Equal(t, command.ChannelLive, sup.ProbeChannel)
	assert.Equal(t, time.Second, sup.ProbePolicy.AttemptTimeout)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad duration", "poll_interval: fast", "invalid duration"},
		{"unitless duration", "poll_interval: 20", "missing unit"},
		{"negative retries", "batch:\n  max_retries: -1", "max_retries"},
		{"same files", "live:\n  response_file: mcp_command.json", "must differ"},
		{"probe channel", "supervisor:\n  probe_channel: midi", "probe_channel"},
		{"disconnect threshold", "supervisor:\n  disconnect_after: 0", "disconnect_after"},
		{"midi channel", "midi:\n  channel: 16", "0..15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLayouts_ResolveAgainstSettingsDir(t *testing.T) {
	cfg := Default()
	cfg.SettingsDir = "/fl/Settings"
	cfg.Batch.Dir = "/abs/batch"

	layouts := cfg.Layouts()
	live := layouts[command.ChannelLive]
	assert.Equal(t, filepath.Join("/fl/Settings", "Hardware", "FLStudioMCP"), live.Dir)
	assert.Equal(t, "mcp_command.json", live.RequestName)
	assert.Empty(t, live.StateName)

	batch := layouts[command.ChannelBatch]
	assert.Equal(t, "/abs/batch", batch.Dir)
	assert.Equal(t, "piano_roll_state.json", batch.StateName)
}

func TestPolicy(t *testing.T) {
	cfg := Default()
	p := cfg.Policy(command.ChannelBatch)
	assert.Equal(t, 5*time.Second, p.AttemptTimeout)
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 15*time.Second, p.Deadline())
}

func TestSettingsDir(t *testing.T) {
	assert.Equal(t, filepath.Join("/home/u", "Documents", "Image-Line", "FL Studio", "Settings"), SettingsDir("darwin", "/home/u"))
	assert.Equal(t, filepath.Join("/home/u", "Documents", "Image-Line", "FL Studio", "Settings"), SettingsDir("windows", "/home/u"))
	assert.Equal(t, filepath.Join("/home/u", ".fl-studio", "Settings"), SettingsDir("linux", "/home/u"))
}

func TestSave_RoundTrip(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	cfg := Default()
	cfg.Live.AttemptTimeout = Duration(1500 * time.Millisecond)
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "attempt_timeout: 1.5s")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestDir_UsesXDG(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)
	dir, err := Dir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "flbridge"), dir)
}
