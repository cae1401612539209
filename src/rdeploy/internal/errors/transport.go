package errors

import (
	stderr "errors"
	"fmt"
)

// TransportError is a failure of the remote session itself, as opposed to a remote command
// that ran and failed. The session cannot be trusted after a TransportError.
type TransportError struct {
	Op  string
	Err error
}

// Error is an implementation of the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("remote session: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether a TransportError is part of the error chain.
func IsTransport(e error) bool {
	var te *TransportError
	return stderr.As(e, &te)
}

// CommandError reports a remote command that ran to completion with a non-zero status.
type CommandError struct {
	Command  string
	ExitCode int
}

// Error is an implementation of the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
}

// ExitCode returns the exit code and true if a CommandError is part of the error chain.
func ExitCode(e error) (_ int, ok bool) {
	var ce *CommandError
	if !stderr.As(e, &ce) {
		return 0, false
	}
	return ce.ExitCode, true
}
