package errors

import (
	"errors"
	"fmt"
)

// Kind classifies what went wrong during an agent run.
type Kind string

const (
	// KindSetup covers mount planning, validation and preflight. Terminal.
	KindSetup Kind = "SETUP"
	// KindSpawn means the process could not be started. Terminal.
	KindSpawn Kind = "SPAWN"
	// KindInputWrite means the request could not be written to stdin. Terminal.
	KindInputWrite Kind = "INPUT_WRITE"
	// KindProtocolDecode is an invalid frame payload. Logged and skipped.
	KindProtocolDecode Kind = "PROTOCOL_DECODE"
	// KindBufferOverflow is a parse buffer or log truncation. Logged.
	KindBufferOverflow Kind = "BUFFER_OVERFLOW"
	// KindTimeout is an idle timeout expiry. Terminal.
	KindTimeout Kind = "TIMEOUT"
	// KindExit is a non-zero exit that was not an intentional stop. Terminal.
	KindExit Kind = "EXIT"
	// KindConsumerDelivery is a failing frame consumer. Logged.
	KindConsumerDelivery Kind = "CONSUMER_DELIVERY"
)

// Terminal reports whether errors of this kind end the run.
func (k Kind) Terminal() bool {
	switch k {
	case KindSetup, KindSpawn, KindInputWrite, KindTimeout, KindExit:
		return true
	}
	return false
}

// RunError is an error raised somewhere in the run pipeline.
type RunError struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error.
func (e *RunError) Unwrap() error {
	return e.Err
}

// NewRunError builds a RunError of the given kind.
func NewRunError(kind Kind, message string, err error) *RunError {
	return &RunError{Kind: kind, Message: message, Err: err}
}

// Setup is shorthand for a KindSetup error with a formatted message.
func Setup(format string, args ...any) *RunError {
	return &RunError{Kind: KindSetup, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first RunError in err's chain, or "".
func KindOf(err error) Kind {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	return ""
}
