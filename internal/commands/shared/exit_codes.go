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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/tombee/dedupv1adm/pkg/errors"
)

// Exit codes of dedupv1adm.
const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitUnknownMonitor = 2
	ExitConflict       = 8 // the daemon state does not allow the operation
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConflictError creates an error for operations refused because of the
// daemon state.
func NewConflictError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitConflict,
		Message: msg,
		Cause:   cause,
	}
}

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch {
	case pkgerrors.IsUnknownMonitor(err):
		return ExitUnknownMonitor
	case errors.Is(err, pkgerrors.ErrAlreadyRunning):
		return ExitConflict
	}
	return ExitFailure
}

// Report prints err and its suggestion, if any, to w and returns the exit
// code for it.
func Report(w io.Writer, err error) int {
	if err == nil {
		return ExitSuccess
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintln(w, "Error:", msg)
	}
	printUserVisibleSuggestion(w, err)
	return ExitCode(err)
}

// HandleExitError reports err on stderr and exits with the matching code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(Report(os.Stderr, err))
}

// printUserVisibleSuggestion walks the error chain to the first
// UserVisibleError and prints its suggestion.
func printUserVisibleSuggestion(w io.Writer, err error) {
	var userErr pkgerrors.UserVisibleError
	if !errors.As(err, &userErr) || !userErr.IsUserVisible() {
		return
	}
	if suggestion := userErr.Suggestion(); suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
	}
}
