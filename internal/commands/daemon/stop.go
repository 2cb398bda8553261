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
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/dedupv1adm/internal/commands/shared"
	"github.com/tombee/dedupv1adm/internal/lifecycle"
)

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	var opts lifecycle.StopOptions

	cmd := &cobra.Command{
		Use: "stop",
		Annotations: map[string]string{
			"group": groupAnnotation,
		},
		Short: "Stop dedupv1d",
		Long: `Stop dedupv1d after removing its users, volumes, targets and groups
from the kernel.

The stop is refused while initiators have open sessions. After the
daemon exits the dirty marker tells whether it shut down cleanly.`,
		Example: `  # Stop the daemon
  dedupv1adm stop

  # Write back all index data before exiting
  dedupv1adm stop --writeback

  # Clean up after a crashed daemon
  dedupv1adm stop --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "Stop even if not running or sessions are open; continue past errors")
	cmd.Flags().BoolVar(&opts.WritebackStop, "writeback", false, "Write back all index data before exiting (slow)")

	return cmd
}

func runStop(cmd *cobra.Command, opts lifecycle.StopOptions) error {
	return shared.WithRuntime(cmd, func(ctx context.Context, rt *shared.Runtime) error {
		opts.Verbose = shared.GetVerbose()

		var ctrl *lifecycle.Controller
		err := withProgress(cmd, "Stopping dedupv1d", func(progress io.Writer) error {
			ctrl = rt.Controller(progress)
			return ctrl.Stop(ctx, opts)
		})
		return report(ctx, cmd, ctrl, err, "dedupv1d stopped")
	})
}

// NewRestartCommand creates the restart command.
func NewRestartCommand() *cobra.Command {
	var (
		force  bool
		create bool
	)

	cmd := &cobra.Command{
		Use: "restart",
		Annotations: map[string]string{
			"group": groupAnnotation,
		},
		Short: "Stop and start dedupv1d",
		Long: `Stop dedupv1d and start it again. The start is skipped if the stop
fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithRuntime(cmd, func(ctx context.Context, rt *shared.Runtime) error {
				verbose := shared.GetVerbose()
				stop := lifecycle.StopOptions{Force: force, Verbose: verbose}
				start := lifecycle.StartOptions{
					Create:     create,
					Force:      force,
					Verbose:    verbose,
					ConfigFile: rt.Daemon.Path(),
				}

				var ctrl *lifecycle.Controller
				err := withProgress(cmd, "Restarting dedupv1d", func(progress io.Writer) error {
					ctrl = rt.Controller(progress)
					return ctrl.Restart(ctx, stop, start)
				})
				return report(ctx, cmd, ctrl, err, "dedupv1d restarted")
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Force both the stop and the start")
	cmd.Flags().BoolVar(&create, "create", false, "Let the daemon format its data")

	return cmd
}
