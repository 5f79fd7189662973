package command

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode categorizes bridge failures.
type ErrorCode string

const (
	// ErrCodeValidation indicates malformed command arguments. Raised before
	// submission; the mailbox is never touched.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeTransport indicates a filesystem or signal-emission failure.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeProtocol indicates response content that could not be parsed or
	// is missing required fields.
	ErrCodeProtocol ErrorCode = "PROTOCOL"

	// ErrCodeTimeout indicates no matching response within the per-command
	// deadline after exhausting retries.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeNotConnected indicates the command was short-circuited because
	// the host is known to be unreachable.
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"

	// ErrCodeCancelled indicates the caller abandoned the submission.
	ErrCodeCancelled ErrorCode = "CANCELLED"
)

// BridgeError is a typed failure raised by the bridge itself (as opposed to
// a DomainError reported by the host).
type BridgeError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Channel is the affected channel, if any.
	Channel Channel

	// RequestID identifies the affected request, if one was assigned.
	RequestID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Channel != "" && e.RequestID != "" {
		msg = fmt.Sprintf("%s (channel=%s, request=%s)", msg, e.Channel, e.RequestID)
	} else if e.Channel != "" {
		msg = fmt.Sprintf("%s (channel=%s)", msg, e.Channel)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// DomainError is a failure reported by the host script after executing the
// command (e.g. an invalid channel index). It is passed through verbatim and
// never affects connection state.
type DomainError struct {
	RequestID string
	Op        string
	Message   string
	Payload   map[string]any
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("host rejected %s: %s", e.Op, e.Message)
}

// NewValidationError creates a BridgeError for malformed arguments.
func NewValidationError(op, message string) *BridgeError {
	return &BridgeError{Code: ErrCodeValidation, Message: fmt.Sprintf("%s: %s", op, message)}
}

// NewTransportError creates a BridgeError for filesystem or signal failures.
func NewTransportError(ch Channel, message string, err error) *BridgeError {
	return &BridgeError{Code: ErrCodeTransport, Message: message, Channel: ch, Err: err}
}

// NewProtocolError creates a BridgeError for an unusable response file.
func NewProtocolError(ch Channel, message string, err error) *BridgeError {
	return &BridgeError{Code: ErrCodeProtocol, Message: message, Channel: ch, Err: err}
}

// NewTimeoutError creates a BridgeError for retry exhaustion.
func NewTimeoutError(ch Channel, requestID string, attempts int, elapsed time.Duration) *BridgeError {
	return &BridgeError{
		Code:      ErrCodeTimeout,
		Message:   fmt.Sprintf("no response after %d attempt(s) in %s", attempts, elapsed.Round(time.Millisecond)),
		Channel:   ch,
		RequestID: requestID,
	}
}

// NewNotConnectedError creates a BridgeError for a short-circuited command.
func NewNotConnectedError(ch Channel, reason string) *BridgeError {
	return &BridgeError{Code: ErrCodeNotConnected, Message: reason, Channel: ch}
}

// NewCancelledError creates a BridgeError for an abandoned submission.
func NewCancelledError(ch Channel, requestID string, err error) *BridgeError {
	return &BridgeError{Code: ErrCodeCancelled, Message: "submission cancelled", Channel: ch, RequestID: requestID, Err: err}
}

// CodeOf returns the ErrorCode carried by err, or "" if err is not a
// BridgeError. Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool { return CodeOf(err) == ErrCodeValidation }

// IsTransport returns true if err is a transport error.
func IsTransport(err error) bool { return CodeOf(err) == ErrCodeTransport }

// IsProtocol returns true if err is a protocol error.
func IsProtocol(err error) bool { return CodeOf(err) == ErrCodeProtocol }

// IsTimeout returns true if err is a retry-exhaustion timeout.
func IsTimeout(err error) bool { return CodeOf(err) == ErrCodeTimeout }

// IsNotConnected returns true if err is a short-circuit failure.
func IsNotConnected(err error) bool { return CodeOf(err) == ErrCodeNotConnected }

// IsCancelled returns true if err reports a cancelled submission.
func IsCancelled(err error) bool { return CodeOf(err) == ErrCodeCancelled }

// IsDomain returns true if err was reported by the host script.
func IsDomain(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}
