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

package daemon

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/dedupv1adm/internal/commands/shared"
	"github.com/tombee/dedupv1adm/internal/lifecycle"
	"github.com/tombee/dedupv1adm/internal/log"
)

type statusResponse struct {
	shared.JSONResponse
	State        lifecycle.State `json:"state"`
	PID          int             `json:"pid,omitempty"`
	Process      string          `json:"process,omitempty"`
	MonitorState string          `json:"monitor_state,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use: "status",
		Annotations: map[string]string{
			"group": groupAnnotation,
		},
		Short: "Show whether dedupv1d is running",
		Long: `Show whether dedupv1d is running. A running daemon is also asked for
its state on the status monitor.`,
		Example: `  # Show the daemon state
  dedupv1adm status

  # Use in scripts
  dedupv1adm status --json | jq -r .state`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithRuntime(cmd, runStatus(cmd))
		},
	}
}

func runStatus(cmd *cobra.Command) func(ctx context.Context, rt *shared.Runtime) error {
	return func(ctx context.Context, rt *shared.Runtime) error {
		st := rt.Controller(nil).Status(ctx)

		resp := statusResponse{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "status", Success: true},
			State:        st.State,
			PID:          st.PID,
			Process:      st.Command,
		}
		if st.State == lifecycle.StateRunning {
			if ms, err := rt.Monitor.Status(ctx); err != nil {
				rt.Logger.DebugContext(ctx, "status monitor unavailable", log.Error(err))
			} else {
				resp.MonitorState = ms.State
			}
		}

		out := cmd.OutOrStdout()
		if shared.GetJSON() {
			return shared.EmitJSON(out, resp)
		}
		line := "dedupv1d " + shared.RenderState(string(resp.State))
		if resp.PID > 0 {
			line += fmt.Sprintf(" (pid %d)", resp.PID)
		}
		if resp.MonitorState != "" {
			line += shared.Muted.Render(", monitor: " + resp.MonitorState)
		}
		fmt.Fprintln(out, line)
		if resp.Process != "" && shared.GetVerbose() {
			fmt.Fprintln(out, shared.Muted.Render("  "+resp.Process))
		}
		return nil
	}
}

// NewCleanCommand creates the clean command.
func NewCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use: "clean",
		Annotations: map[string]string{
			"group": groupAnnotation,
		},
		Short: "Remove all dedupv1 data",
		Long: `Remove the dirty marker, the lock file and every data file named in
the daemon configuration. All deduplicated data is lost.

The command refuses to run while dedupv1d is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithRuntime(cmd, func(ctx context.Context, rt *shared.Runtime) error {
				ctrl := rt.Controller(nil)
				removed, err := ctrl.Clean(ctx)
				if err == nil && shared.GetVerbose() && !shared.GetJSON() {
					for _, p := range removed {
						fmt.Fprintln(cmd.OutOrStdout(), shared.Muted.Render("removed "+p))
					}
				}
				return report(ctx, cmd, ctrl, err, fmt.Sprintf("dedupv1 data removed (%d files)", len(removed)))
			})
		},
	}
}
