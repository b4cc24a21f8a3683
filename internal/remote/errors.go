package remote

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConnectionError means the host could not be reached, authentication failed
// or the transport broke while a command was running.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError means a command exceeded its per-command timeout.
type TimeoutError struct {
	Host    string
	Command string
	Timeout time.Duration
	Output  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command on %s timed out after %s: %s", e.Host, e.Timeout, e.Command)
}

// CommandFailure is a command that ran and exited non-zero.
type CommandFailure struct {
	Host     string
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandFailure) Error() string {
	msg := fmt.Sprintf("command on %s exited with code %d: %s", e.Host, e.ExitCode, e.Command)
	if out := strings.TrimSpace(e.Stderr); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Output returns the captured output of the failed command.
func (e *CommandFailure) Output() string {
	return (&Result{Stdout: e.Stdout, Stderr: e.Stderr}).Output()
}

// AsCommandFailure unwraps err to a *CommandFailure.
func AsCommandFailure(err error) (*CommandFailure, bool) {
	var f *CommandFailure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsConnectionError reports whether err is (or wraps) a *ConnectionError.
func IsConnectionError(err error) bool {
	var c *ConnectionError
	return errors.As(err, &c)
}

// IsTimeout reports whether err is (or wraps) a *TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// CapturedOutput extracts whatever remote output an error carries.
func CapturedOutput(err error) string {
	if f, ok := AsCommandFailure(err); ok {
		return f.Output()
	}
	var t *TimeoutError
	if errors.As(err, &t) {
		return t.Output
	}
	return ""
}
