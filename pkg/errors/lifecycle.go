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

import "fmt"

// LifecycleKind classifies a lifecycle violation.
type LifecycleKind string

const (
	KindAlreadyRunning  LifecycleKind = "already_running"
	KindNotRunning      LifecycleKind = "not_running"
	KindStartFailed     LifecycleKind = "start_failed"
	KindStopFailed      LifecycleKind = "stop_failed"
	KindUncleanShutdown LifecycleKind = "unclean_shutdown"
)

// Sentinels for errors.Is. A LifecycleError matches a sentinel of the same kind.
var (
	ErrAlreadyRunning  = &LifecycleError{Kind: KindAlreadyRunning}
	ErrNotRunning      = &LifecycleError{Kind: KindNotRunning}
	ErrStartFailed     = &LifecycleError{Kind: KindStartFailed}
	ErrStopFailed      = &LifecycleError{Kind: KindStopFailed}
	ErrUncleanShutdown = &LifecycleError{Kind: KindUncleanShutdown}
)

// LifecycleError reports a daemon lifecycle violation: starting a running
// daemon, stopping a stopped one, a failed start or an unclean shutdown.
type LifecycleError struct {
	Kind LifecycleKind

	// PID is the daemon process id involved, 0 if unknown
	PID int

	// Message adds detail to the kind's default text
	Message string

	// Cause is the underlying failure
	Cause error
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	var msg string
	switch e.Kind {
	case KindAlreadyRunning:
		msg = "dedupv1d running"
	case KindNotRunning:
		msg = "dedupv1d not running"
	case KindStartFailed:
		msg = "failed to start dedupv1d"
	case KindStopFailed:
		msg = "failed to stop dedupv1d"
	case KindUncleanShutdown:
		msg = "dedupv1d stopped with errors"
	default:
		msg = string(e.Kind)
	}
	if e.PID > 0 {
		msg = fmt.Sprintf("%s (pid %d)", msg, e.PID)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *LifecycleError) Unwrap() error {
	return e.Cause
}

// Is matches any LifecycleError of the same kind.
func (e *LifecycleError) Is(target error) bool {
	t, ok := target.(*LifecycleError)
	return ok && t.Kind == e.Kind
}

// IsUserVisible implements UserVisibleError.
func (e *LifecycleError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *LifecycleError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *LifecycleError) Suggestion() string {
	switch e.Kind {
	case KindAlreadyRunning:
		return "Stop the daemon first, or use --force if the lock file is stale"
	case KindNotRunning:
		return "Use --force to clean up the kernel state of a crashed daemon"
	case KindStartFailed:
		return "Check the dedupv1d log file for the reason of the failed start"
	case KindUncleanShutdown:
		return "The next start replays the operations log; check the dedupv1d log before restarting"
	}
	return ""
}

// ErrorType implements ErrorClassifier.
func (e *LifecycleError) ErrorType() string { return string(e.Kind) }

// IsRetryable implements ErrorClassifier.
func (e *LifecycleError) IsRetryable() bool { return false }
