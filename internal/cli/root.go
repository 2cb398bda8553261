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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/dedupv1adm/internal/commands/daemon"
	"github.com/tombee/dedupv1adm/internal/commands/history"
	"github.com/tombee/dedupv1adm/internal/commands/monitor"
	"github.com/tombee/dedupv1adm/internal/commands/shared"
	"github.com/tombee/dedupv1adm/internal/commands/version"
)

// Command groups shown in the help output.
var groups = []*cobra.Group{
	{ID: "daemon", Title: "Daemon Commands:"},
	{ID: "inspect", Title: "Inspection Commands:"},
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the dedupv1adm command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedupv1adm",
		Short: "dedupv1adm - dedupv1 administration",
		Long: `dedupv1adm starts and stops the dedupv1d deduplication daemon and keeps
the SCST kernel target configuration in line with the targets, groups,
volumes and users the daemon declares.

Run 'dedupv1adm check' to validate an installation.
Run 'dedupv1adm monitor status' to query a running daemon.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	shared.RegisterFlags(cmd.PersistentFlags())
	cmd.AddGroup(groups...)

	for _, sub := range daemon.NewCommands() {
		addCommand(cmd, sub)
	}
	addCommand(cmd, monitor.NewCommand())
	addCommand(cmd, history.NewCommand())
	addCommand(cmd, version.NewVersionCommand())
	cmd.SetHelpCommand(NewHelpCommand(cmd))

	return cmd
}

// addCommand attaches sub and files it under the group named in its
// "group" annotation.
func addCommand(root, sub *cobra.Command) {
	if g, ok := sub.Annotations["group"]; ok && root.ContainsGroup(g) {
		sub.GroupID = g
	}
	root.AddCommand(sub)
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
