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

// Package daemon holds the dedupv1d lifecycle commands: start, stop,
// restart, status, clean, bootstrap and check.
package daemon

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/dedupv1adm/internal/commands/shared"
	"github.com/tombee/dedupv1adm/internal/lifecycle"
)

const groupAnnotation = "daemon"

// NewCommands returns the lifecycle commands. They are attached directly
// to the root command.
func NewCommands() []*cobra.Command {
	return []*cobra.Command{
		NewStartCommand(),
		NewStopCommand(),
		NewRestartCommand(),
		NewStatusCommand(),
		NewCleanCommand(),
		NewBootstrapCommand(),
		NewCheckCommand(),
	}
}

// withProgress prints label, runs fn with a progress writer for the poll
// dots and terminates the line. Without a terminal fn gets nil.
func withProgress(cmd *cobra.Command, label string, fn func(progress io.Writer) error) error {
	out := cmd.OutOrStdout()
	progress := shared.ProgressWriter(out)
	if progress != nil {
		fmt.Fprint(out, label)
	}
	err := fn(progress)
	if progress != nil {
		fmt.Fprintln(out)
	}
	return err
}

type stateResponse struct {
	shared.JSONResponse
	State lifecycle.State `json:"state"`
	PID   int             `json:"pid,omitempty"`
}

// report prints the outcome of a lifecycle command. With --json the
// daemon state or the error is written as JSON and only the exit code is
// returned.
func report(ctx context.Context, cmd *cobra.Command, ctrl *lifecycle.Controller, err error, done string) error {
	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err != nil {
			if jerr := shared.EmitJSONError(out, cmd.Name(), err); jerr != nil {
				return jerr
			}
			return &shared.ExitError{Code: shared.ExitCode(err)}
		}
		st := ctrl.Status(ctx)
		return shared.EmitJSON(out, stateResponse{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: cmd.Name(), Success: true},
			State:        st.State,
			PID:          st.PID,
		})
	}
	if err != nil {
		return err
	}
	if !shared.GetQuiet() {
		fmt.Fprintln(out, shared.RenderOK(done))
	}
	return nil
}
