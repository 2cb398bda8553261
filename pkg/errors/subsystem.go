// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrActiveSessions is returned when a group or target cannot be removed
// because initiators are still logged in. It is never downgraded by force.
var ErrActiveSessions = errors.New("active sessions")

// ExecutionError reports an external command that exited non-zero.
type ExecutionError struct {
	// Command is the command line that was executed
	Command string

	// ExitCode is the process exit status (-1 if the process never ran)
	ExitCode int

	// Output is the combined stdout/stderr of the command
	Output string

	// Cause is the underlying error from the exec layer
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg = fmt.Sprintf("%s: %s", msg, out)
	} else if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ExecutionError) ErrorType() string { return "execution" }

// IsRetryable implements ErrorClassifier.
func (e *ExecutionError) IsRetryable() bool { return false }

// SubsystemError reports the kernel SCSI target subsystem in an invalid or
// unreachable state. Every kernel write failure is translated into one.
type SubsystemError struct {
	// Op is the operation that failed (e.g., "add group", "register target")
	Op string

	// Object names the group, device, target or user the operation touched
	Object string

	// Cause is the root cause (file write error, ExecutionError, ...)
	Cause error
}

// Error implements the error interface.
func (e *SubsystemError) Error() string {
	msg := fmt.Sprintf("failed to %s", e.Op)
	if e.Object != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Object)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SubsystemError) Unwrap() error {
	return e.Cause
}

// IsUserVisible implements UserVisibleError.
func (e *SubsystemError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *SubsystemError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *SubsystemError) Suggestion() string {
	if errors.Is(e.Cause, ErrActiveSessions) {
		return "Log out the iSCSI initiators before removing the group or target"
	}
	return ""
}

// ErrorType implements ErrorClassifier.
func (e *SubsystemError) ErrorType() string { return "subsystem" }

// IsRetryable implements ErrorClassifier.
func (e *SubsystemError) IsRetryable() bool { return false }

// MonitorUnreachableError reports a monitor request that failed at the
// connection level or returned a non-2xx status.
type MonitorUnreachableError struct {
	// Monitor is the monitor name (e.g., "status", "target")
	Monitor string

	// StatusCode is the HTTP status, 0 if no response was received
	StatusCode int

	// Body is the response body for non-2xx responses
	Body string

	// Cause is the transport error, if any
	Cause error
}

// Error implements the error interface.
func (e *MonitorUnreachableError) Error() string {
	msg := fmt.Sprintf("failed to read monitor %s", e.Monitor)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	} else if body := strings.TrimSpace(e.Body); body != "" {
		msg = fmt.Sprintf("%s: %s", msg, body)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *MonitorUnreachableError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *MonitorUnreachableError) ErrorType() string { return "monitor_unreachable" }

// IsRetryable implements ErrorClassifier.
func (e *MonitorUnreachableError) IsRetryable() bool { return true }

// MonitorMalformedError reports a monitor response that is not valid JSON.
// Raw carries the body for diagnostics.
type MonitorMalformedError struct {
	Monitor string
	Raw     string
	Cause   error
}

// Error implements the error interface.
func (e *MonitorMalformedError) Error() string {
	msg := fmt.Sprintf("illegal JSON formatting from monitor %s", e.Monitor)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *MonitorMalformedError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *MonitorMalformedError) ErrorType() string { return "monitor_malformed" }

// IsRetryable implements ErrorClassifier.
func (e *MonitorMalformedError) IsRetryable() bool { return false }

// MonitorResponseError reports a well-formed monitor response carrying an
// "ERROR" member.
type MonitorResponseError struct {
	Monitor string
	Message string
}

// Error implements the error interface.
func (e *MonitorResponseError) Error() string {
	return fmt.Sprintf("monitor %s reported an error: %s", e.Monitor, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *MonitorResponseError) ErrorType() string { return "monitor_error" }

// IsRetryable implements ErrorClassifier.
func (e *MonitorResponseError) IsRetryable() bool { return false }

const unknownMonitorMessage = "Unknown monitor"

// IsUnknownMonitor reports whether err says the daemon does not know the
// requested monitor. The daemon answers HTTP 400 with {"ERROR": "Unknown monitor"}.
func IsUnknownMonitor(err error) bool {
	var unreachable *MonitorUnreachableError
	if errors.As(err, &unreachable) {
		return unreachable.StatusCode == 400 && strings.Contains(unreachable.Body, unknownMonitorMessage)
	}
	var response *MonitorResponseError
	if errors.As(err, &response) {
		return strings.Contains(response.Message, unknownMonitorMessage)
	}
	return false
}
