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
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/dedupv1adm/internal/commands/shared"
)

// CommandMetadata describes a command in JSON help output
type CommandMetadata struct {
	Name        string         `json:"name"`
	Short       string         `json:"short"`
	Long        string         `json:"long,omitempty"`
	Usage       string         `json:"usage"`
	Flags       []FlagMetadata `json:"flags,omitempty"`
	Examples    string         `json:"examples,omitempty"`
	Subcommands []string       `json:"subcommands,omitempty"`
	Group       string         `json:"group,omitempty"`
}

// FlagMetadata describes a flag in JSON help output
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
}

// HelpResponse is the JSON response for help command
type HelpResponse struct {
	shared.JSONResponse
	Commands    []CommandMetadata `json:"commands,omitempty"`
	Target      *CommandMetadata  `json:"target,omitempty"`
	GlobalFlags []FlagMetadata    `json:"global_flags,omitempty"`
}

// NewHelpCommand creates the help command. With --json it describes the
// command tree for scripts.
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Help provides detailed information about commands and their usage.

Run 'dedupv1adm help <command>' to see detailed help for a specific command.
Use --json to get machine-readable output.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if shared.GetJSON() {
					return emitHelp(cmd, rootCmd, nil)
				}
				return rootCmd.Help()
			}

			targetCmd, _, err := rootCmd.Find(args)
			if err != nil || targetCmd == rootCmd {
				return fmt.Errorf("command %q not found", args[0])
			}
			if shared.GetJSON() {
				return emitHelp(cmd, rootCmd, targetCmd)
			}
			return targetCmd.Help()
		},
	}
}

func emitHelp(cmd, rootCmd, target *cobra.Command) error {
	resp := HelpResponse{
		JSONResponse: shared.JSONResponse{Version: "1.0", Command: "help", Success: true},
		GlobalFlags:  flagMetadata(rootCmd.PersistentFlags()),
	}
	if target != nil {
		md := commandMetadata(target)
		resp.Target = &md
		resp.Command = "help " + target.Name()
	} else {
		for _, c := range rootCmd.Commands() {
			if c.Hidden || c.Name() == "help" {
				continue
			}
			resp.Commands = append(resp.Commands, commandMetadata(c))
		}
	}
	return shared.EmitJSON(cmd.OutOrStdout(), resp)
}

func commandMetadata(cmd *cobra.Command) CommandMetadata {
	md := CommandMetadata{
		Name:     cmd.Name(),
		Short:    cmd.Short,
		Long:     cmd.Long,
		Usage:    cmd.UseLine(),
		Examples: cmd.Example,
		Group:    cmd.GroupID,
		Flags:    flagMetadata(cmd.LocalNonPersistentFlags()),
	}
	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			md.Subcommands = append(md.Subcommands, sub.Name())
		}
	}
	return md
}

func flagMetadata(fs *pflag.FlagSet) []FlagMetadata {
	var flags []FlagMetadata
	fs.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden {
			return
		}
		flags = append(flags, FlagMetadata{
			Name:      flag.Name,
			Shorthand: flag.Shorthand,
			Usage:     flag.Usage,
			Default:   flag.DefValue,
		})
	})
	return flags
}
