package signal

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/roach88/flbridge/internal/command"
)

// KeystrokeCommand is an external program that delivers the wake keystroke.
type KeystrokeCommand struct {
	Name string
	Args []string
}

func (c KeystrokeCommand) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

const macScript = `tell application "FL Studio" to activate
delay 0.3
tell application "System Events" to keystroke "y" using {command down, option down}`

// DefaultKeystroke returns the command that presses the piano-roll script
// shortcut on goos, or false if the platform has no known mechanism.
func DefaultKeystroke(goos string) (KeystrokeCommand, bool) {
	switch goos {
	case "darwin":
		return KeystrokeCommand{Name: "osascript", Args: []string{"-e", macScript}}, true
	case "windows":
		return KeystrokeCommand{Name: "powershell", Args: []string{
			"-NoProfile", "-Command",
			"$w = New-Object -ComObject WScript.Shell; $null = $w.AppActivate('FL Studio'); Start-Sleep -Milliseconds 300; $w.SendKeys('^%y')",
		}}, true
	case "linux":
		return KeystrokeCommand{Name: "xdotool", Args: []string{"search", "--name", "FL Studio", "windowactivate", "--sync", "key", "ctrl+alt+y"}}, true
	default:
		return KeystrokeCommand{}, false
	}
}

// KeystrokeDescription names the shortcut for the current platform.
func KeystrokeDescription() string {
	if runtime.GOOS == "darwin" {
		return "Cmd+Opt+Y"
	}
	return "Ctrl+Alt+Y"
}

// Runner executes a keystroke command. Replaced in tests.
type Runner func(ctx context.Context, cmd KeystrokeCommand) error

// ExecRunner runs cmd as a child process.
func ExecRunner(ctx context.Context, cmd KeystrokeCommand) error {
	out, err := exec.CommandContext(ctx, cmd.Name, cmd.Args...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%s: %w: %s", cmd.Name, err, msg)
		}
		return fmt.Errorf("%s: %w", cmd.Name, err)
	}
	return nil
}

// KeystrokeEmitter wakes the batch channel by sending the shortcut bound to
// the piano-roll script.
type KeystrokeEmitter struct {
	cmd     KeystrokeCommand
	run     Runner
	timeout time.Duration
	w       *worker
}

// NewKeystrokeEmitter creates an emitter for the batch channel. A nil run
// uses ExecRunner.
func NewKeystrokeEmitter(cmd KeystrokeCommand, run Runner, timeout time.Duration, onFailure FailureFunc) (*KeystrokeEmitter, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("signal: empty keystroke command")
	}
	if run == nil {
		run = ExecRunner
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	k := &KeystrokeEmitter{cmd: cmd, run: run, timeout: timeout}
	k.w = newWorker(command.ChannelBatch, k.fire, onFailure)
	return k, nil
}

func (k *KeystrokeEmitter) fire() error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.run(ctx, k.cmd)
}

// Wake implements Waker.
func (k *KeystrokeEmitter) Wake() error { return k.w.trigger() }

// Err implements Waker.
func (k *KeystrokeEmitter) Err() error { return k.w.err() }

// Reset implements Waker.
func (k *KeystrokeEmitter) Reset() { k.w.reset() }

// Describe implements Waker.
func (k *KeystrokeEmitter) Describe() string {
	return fmt.Sprintf("keystroke %s via %s", KeystrokeDescription(), k.cmd.Name)
}

// Close stops the worker.
func (k *KeystrokeEmitter) Close() error {
	k.w.close()
	return nil
}
