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

// NewStartCommand creates the start command.
func NewStartCommand() *cobra.Command {
	var opts lifecycle.StartOptions

	cmd := &cobra.Command{
		Use: "start",
		Annotations: map[string]string{
			"group": groupAnnotation,
		},
		Short: "Start dedupv1d",
		Long: `Start dedupv1d and register the configured targets, groups, volumes
and users with the kernel.

The daemon is launched through the setuid dedupv1_starter. The command
waits until the daemon reports ok on its status monitor, removes kernel
state left by a crashed daemon and then registers the declared state.
If any step after the launch fails, the daemon is fast-stopped.`,
		Example: `  # Start the daemon
  dedupv1adm start

  # Format the data on first start
  dedupv1adm start --create

  # Replace a stale lock file
  dedupv1adm start --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Create, "create", false, "Let the daemon format its data")
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "Start even if a lock file exists; reconciliation errors are not fatal")
	cmd.Flags().BoolVar(&opts.Bypass, "bypass", false, "Run dedupv1d directly instead of dedupv1_starter (requires root)")

	return cmd
}

func runStart(cmd *cobra.Command, opts lifecycle.StartOptions) error {
	return shared.WithRuntime(cmd, func(ctx context.Context, rt *shared.Runtime) error {
		opts.Verbose = shared.GetVerbose()
		opts.ConfigFile = rt.Daemon.Path()

		var ctrl *lifecycle.Controller
		err := withProgress(cmd, "Starting dedupv1d", func(progress io.Writer) error {
			ctrl = rt.Controller(progress)
			return ctrl.Start(ctx, opts)
		})
		return report(ctx, cmd, ctrl, err, "dedupv1d started")
	})
}
