package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flbridge/internal/command"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"result": "success"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("TIMEOUT", "no response", map[string]string{"channel": "live"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "TIMEOUT", resp.Error.Code)
	assert.Equal(t, "no response", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error("VALIDATION", "bad volume", "hidden"))
	assert.Equal(t, "Error [VALIDATION]: bad volume\n", buf.String())

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error("VALIDATION", "bad volume", "shown"))
	assert.Contains(t, buf.String(), "Details: shown")
}

func TestOutputFormatter_Render(t *testing.T) {
	data := map[string]int{"count": 3}
	text := func(w io.Writer) error {
		_, err := fmt.Fprintln(w, "three")
		return err
	}

	buf := &bytes.Buffer{}
	require.NoError(t, (&OutputFormatter{Format: "text", Writer: buf}).Render(data, text))
	assert.Equal(t, "three\n", buf.String())

	buf.Reset()
	require.NoError(t, (&OutputFormatter{Format: "json", Writer: buf}).Render(data, text))
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, map[string]any{"count": 3.0}, resp.Data)
}

func TestOutputFormatter_BridgeError(t *testing.T) {
	domain := &command.DomainError{
		RequestID: "req-1",
		Op:        "mixer.getTrackInfo",
		Message:   "Invalid track index: 500",
		Payload:   map[string]any{"max": 126.0},
	}

	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, formatter.BridgeError("req-1", domain))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "req-1", resp.RequestID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "DOMAIN", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "Invalid track index: 500")
	assert.Equal(t, map[string]any{"max": 126.0}, resp.Error.Details)

	buf.Reset()
	formatter.Format = "text"
	require.NoError(t, formatter.BridgeError("", command.NewNotConnectedError(command.ChannelLive, "host unreachable")))
	assert.Contains(t, buf.String(), "Error [NOT_CONNECTED]")
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{command.NewValidationError("transport.start", "unknown arg"), "VALIDATION"},
		{command.NewTransportError(command.ChannelBatch, "no signal", nil), "TRANSPORT"},
		{fmt.Errorf("wrapped: %w", command.NewNotConnectedError(command.ChannelLive, "down")), "NOT_CONNECTED"},
		{&command.DomainError{Op: "x", Message: "nope"}, "DOMAIN"},
		{errors.New("plain"), "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err))
		})
	}
}

func TestBridgeExit(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(bridgeExit("x", command.NewValidationError("op", "bad"))))
	assert.Equal(t, ExitFailure, GetExitCode(bridgeExit("x", command.NewNotConnectedError(command.ChannelLive, "down"))))
	assert.Equal(t, ExitFailure, GetExitCode(bridgeExit("x", &command.DomainError{Op: "op", Message: "no"})))

	err := bridgeExit("send failed", errors.New("boom"))
	assert.Equal(t, "send failed: boom", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "boom")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "inner"))))
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag}

	formatter.VerboseLog("quiet %d", 1)
	assert.Empty(t, diag.String())

	formatter.Verbose = true
	formatter.VerboseLog("loud %d", 2)
	assert.Equal(t, "loud 2\n", diag.String())
	assert.Empty(t, out.String())
}
