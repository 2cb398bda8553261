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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	admerrors "github.com/tombee/dedupv1adm/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *admerrors.ValidationError
		wantMsg string
	}{
		{
			name:    "with field and value",
			err:     &admerrors.ValidationError{Field: "group name", Value: "a b", Message: "illegal character"},
			wantMsg: `validation failed on group name "a b": illegal character`,
		},
		{
			name:    "with field",
			err:     &admerrors.ValidationError{Field: "volume name", Message: "too long"},
			wantMsg: "validation failed on volume name: too long",
		},
		{
			name:    "without field",
			err:     &admerrors.ValidationError{Message: "invalid format"},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestValidationError_UserVisible(t *testing.T) {
	var err error = &admerrors.ValidationError{Field: "name", Message: "bad", Hint: "use lowercase"}

	var visible admerrors.UserVisibleError
	if !errors.As(err, &visible) {
		t.Fatal("ValidationError should implement UserVisibleError")
	}
	if visible.Suggestion() != "use lowercase" {
		t.Errorf("Suggestion() = %q, want %q", visible.Suggestion(), "use lowercase")
	}
}

func TestLifecycleError_Is(t *testing.T) {
	err := fmt.Errorf("start: %w", &admerrors.LifecycleError{Kind: admerrors.KindAlreadyRunning, PID: 42})

	if !errors.Is(err, admerrors.ErrAlreadyRunning) {
		t.Error("expected error to match ErrAlreadyRunning")
	}
	if errors.Is(err, admerrors.ErrNotRunning) {
		t.Error("did not expect error to match ErrNotRunning")
	}
	if !strings.Contains(err.Error(), "pid 42") {
		t.Errorf("expected pid in message, got %q", err.Error())
	}
}

func TestLifecycleError_PreservesCause(t *testing.T) {
	cause := &admerrors.SubsystemError{Op: "add group", Object: "g1", Cause: errors.New("EPERM")}
	err := &admerrors.LifecycleError{Kind: admerrors.KindStartFailed, Cause: cause}

	var subsystem *admerrors.SubsystemError
	if !errors.As(err, &subsystem) {
		t.Fatal("expected SubsystemError in chain")
	}
	if subsystem.Object != "g1" {
		t.Errorf("Object = %q, want %q", subsystem.Object, "g1")
	}
	if got := err.Error(); got != "failed to start dedupv1d: failed to add group g1: EPERM" {
		t.Errorf("Error() = %q", got)
	}
}

func TestExecutionError_Error(t *testing.T) {
	err := &admerrors.ExecutionError{Command: "iscsi-scst-adm --op show --tid=1", ExitCode: 22, Output: "Invalid argument\n"}
	want := `command "iscsi-scst-adm --op show --tid=1" exited with code 22: Invalid argument`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSubsystemError_ActiveSessionsSuggestion(t *testing.T) {
	err := &admerrors.SubsystemError{Op: "remove group", Object: "g1", Cause: admerrors.ErrActiveSessions}

	if !errors.Is(err, admerrors.ErrActiveSessions) {
		t.Error("expected ErrActiveSessions in chain")
	}
	if err.Suggestion() == "" {
		t.Error("expected a suggestion for active sessions")
	}
}

func TestIsUnknownMonitor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "bad request with unknown monitor body",
			err:  &admerrors.MonitorUnreachableError{Monitor: "foo", StatusCode: 400, Body: `{"ERROR": "Unknown monitor"}`},
			want: true,
		},
		{
			name: "connection refused",
			err:  &admerrors.MonitorUnreachableError{Monitor: "status", Cause: errors.New("connection refused")},
			want: false,
		},
		{
			name: "error member in body",
			err:  fmt.Errorf("read: %w", &admerrors.MonitorResponseError{Monitor: "foo", Message: "Unknown monitor"}),
			want: true,
		},
		{
			name: "unrelated",
			err:  errors.New("boom"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := admerrors.IsUnknownMonitor(tt.err); got != tt.want {
				t.Errorf("IsUnknownMonitor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("x"), want: "unknown"},
		{name: "wrapped subsystem", err: admerrors.Wrap(&admerrors.SubsystemError{Op: "x"}, "ctx"), want: "subsystem"},
		{name: "lifecycle", err: admerrors.ErrUncleanShutdown, want: "unclean_shutdown"},
		{name: "malformed", err: &admerrors.MonitorMalformedError{Monitor: "status", Raw: "<html>"}, want: "monitor_malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := admerrors.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if admerrors.Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	original := errors.New("root cause")
	wrapped := admerrors.Wrapf(original, "loading %s", "dedupv1.conf")
	if !errors.Is(wrapped, original) {
		t.Error("wrapped error should match original with errors.Is")
	}
	if wrapped.Error() != "loading dedupv1.conf: root cause" {
		t.Errorf("unexpected message %q", wrapped.Error())
	}
}
