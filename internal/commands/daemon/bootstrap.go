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
	"github.com/tombee/dedupv1adm/internal/daemonconf"
	"github.com/tombee/dedupv1adm/internal/lifecycle"
	"github.com/tombee/dedupv1adm/internal/log"
	"github.com/tombee/dedupv1adm/pkg/errors"
)

// NewBootstrapCommand creates the bootstrap command.
func NewBootstrapCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use: "bootstrap",
		Annotations: map[string]string{
			"group": groupAnnotation,
		},
		Short: "Prepare the kernel for dedupv1d",
		Long: `Load the SCST kernel modules, hand /dev/scst_user to the daemon group
and start the iSCSI daemon. Run it once after boot, as root, before
starting dedupv1d as an unprivileged daemon user.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithRuntime(cmd, func(ctx context.Context, rt *shared.Runtime) error {
				ctrl := rt.Controller(nil)
				if st := ctrl.Status(ctx); st.State == lifecycle.StateRunning {
					if !force {
						err := &errors.LifecycleError{Kind: errors.KindAlreadyRunning, PID: st.PID}
						return report(ctx, cmd, ctrl, err, "")
					}
					rt.Logger.InfoContext(ctx, "lock file exists, forcing bootstrap", log.PIDKey, st.PID)
					if err := lifecycle.NewLockFile(rt.Daemon.Get(daemonconf.KeyLockFile)).Remove(); err != nil {
						return err
					}
				}
				err := rt.Prerequisites().Bootstrap(ctx)
				return report(ctx, cmd, ctrl, err, "kernel subsystem ready")
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Remove the lock file of a running daemon")

	return cmd
}

type checkResponse struct {
	shared.JSONResponse
	Checks []checkItem `json:"checks"`
}

type checkItem struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "check",
		Annotations: map[string]string{
			"group": groupAnnotation,
		},
		Short: "Validate the installation",
		Long: `Run the prerequisite checks of start without starting the daemon:
daemon user and group, dedupv1_starter ownership and mode, SCST and
iSCSI state, the logging configuration and the configured data files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithRuntime(cmd, func(ctx context.Context, rt *shared.Runtime) error {
				return printChecks(cmd, rt.Prerequisites().Report())
			})
		},
	}

	cmd.AddCommand(newCheckGroupCommand())

	return cmd
}

func printChecks(cmd *cobra.Command, results []lifecycle.CheckResult) error {
	resp := checkResponse{
		JSONResponse: shared.JSONResponse{Version: "1.0", Command: "check", Success: true},
	}
	failed := 0
	for _, r := range results {
		item := checkItem{Name: r.Name, OK: r.Err == nil}
		if r.Err != nil {
			item.Error = r.Err.Error()
			failed++
		}
		resp.Checks = append(resp.Checks, item)
	}
	resp.Success = failed == 0

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, resp); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			fmt.Fprintln(out, shared.RenderCheck(r.Name, r.Err))
		}
	}
	if failed > 0 {
		return &shared.ExitError{Code: shared.ExitFailure, Message: fmt.Sprintf("%d of %d checks failed", failed, len(results))}
	}
	return nil
}

func newCheckGroupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "group",
		Short: "Check membership in the daemon group",
		Long: `Exit with 0 if the current user is a member of the daemon group
(daemon.group, default dedupv1) and with 1 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithRuntime(cmd, func(ctx context.Context, rt *shared.Runtime) error {
				member, err := rt.Prerequisites().InDaemonGroup()
				if err != nil {
					return err
				}
				if !member {
					return &shared.ExitError{Code: shared.ExitFailure, Message: "not a member of the daemon group"}
				}
				if !shared.GetQuiet() && !shared.GetJSON() {
					fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("member of the daemon group"))
				}
				return nil
			})
		},
	}
}
