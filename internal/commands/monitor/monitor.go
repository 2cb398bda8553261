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

// Package monitor implements the monitor command, which reads one of the
// daemon's HTTP monitors.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dedupv1adm/internal/commands/shared"
	"github.com/tombee/dedupv1adm/internal/jq"
	client "github.com/tombee/dedupv1adm/internal/monitor"
)

// NewCommand creates the monitor command.
func NewCommand() *cobra.Command {
	var (
		query   string
		raw     bool
		retries int
	)

	cmd := &cobra.Command{
		Use: "monitor <name> [key=value ...]",
		Annotations: map[string]string{
			"group": "inspect",
		},
		Short: "Read a daemon monitor",
		Long: `Read one of the daemon's HTTP monitors and print its JSON output.

Extra arguments become query parameters of the request. The exit code is
2 if the daemon does not know the monitor.`,
		Example: `  # Show the daemon status
  dedupv1adm monitor status

  # List the configured volumes
  dedupv1adm monitor volume

  # Extract a single value
  dedupv1adm monitor stats --query '.["chunk-index"]'

  # Ask the daemon to flush its logs
  dedupv1adm monitor flush force=true`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if raw && query != "" {
				return fmt.Errorf("--raw and --query cannot be combined")
			}
			if query != "" {
				if _, err := jq.Compile(query); err != nil {
					return err
				}
			}
			return shared.WithRuntime(cmd, func(ctx context.Context, rt *shared.Runtime) error {
				rt.Monitor.Retries = retries
				return run(ctx, cmd.OutOrStdout(), rt.Monitor, args[0], client.ParseParams(args[1:]), query, raw)
			})
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "jq expression applied to the monitor output")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the response body unmodified")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retry an unreachable monitor this many times")

	return cmd
}

func run(ctx context.Context, out io.Writer, c *client.Client, name string, params []client.Param, query string, raw bool) error {
	if raw {
		body, err := c.ReadRaw(ctx, name, params...)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, body)
		return nil
	}

	body, err := c.Read(ctx, name, params...)
	if err != nil {
		return err
	}
	if err := client.CheckError(name, body); err != nil {
		return err
	}

	results, err := jq.NewExecutor(time.Second, 0).Query(ctx, query, body)
	if err != nil {
		return err
	}
	for _, v := range results {
		if s, ok := v.(string); ok && query != "" {
			fmt.Fprintln(out, s)
			continue
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode monitor output: %w", err)
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}
