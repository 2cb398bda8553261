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

// Package history implements the history command, which lists the
// lifecycle journal.
package history

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dedupv1adm/internal/commands/shared"
	"github.com/tombee/dedupv1adm/internal/journal"
	"github.com/tombee/dedupv1adm/internal/lifecycle"
)

type historyOptions struct {
	limit      int
	event      string
	invocation string
	prune      time.Duration
}

type historyResponse struct {
	shared.JSONResponse
	Events []*lifecycle.LifecycleEvent `json:"events"`
}

// NewCommand creates the history command.
func NewCommand() *cobra.Command {
	var opts historyOptions

	cmd := &cobra.Command{
		Use: "history",
		Annotations: map[string]string{
			"group": "inspect",
		},
		Short: "Show past start and stop operations",
		Long: `List the lifecycle journal, newest first: starts, stops, stale lock
removals, unclean shutdowns and cleans, with the invocation that caused
them.`,
		Example: `  # Show the last 50 events
  dedupv1adm history

  # Show only failed starts
  dedupv1adm history --event start_failure

  # Drop events older than 90 days
  dedupv1adm history --prune 2160h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := journal.Open(ctx, cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			return run(ctx, cmd.OutOrStdout(), store, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", journal.DefaultLimit, "Maximum number of events")
	cmd.Flags().StringVar(&opts.event, "event", "", "Only show events of this type (start, stop, start_failure, ...)")
	cmd.Flags().StringVar(&opts.invocation, "invocation", "", "Only show events of one invocation")
	cmd.Flags().DurationVar(&opts.prune, "prune", 0, "Delete events older than this before listing")

	return cmd
}

func run(ctx context.Context, out io.Writer, store *journal.Store, opts historyOptions) error {
	if opts.prune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-opts.prune))
		if err != nil {
			return err
		}
		if !shared.GetJSON() && !shared.GetQuiet() {
			fmt.Fprintln(out, shared.Muted.Render(fmt.Sprintf("pruned %d events", n)))
		}
	}

	events, err := store.List(ctx, journal.Filter{
		Limit:        opts.limit,
		Event:        opts.event,
		InvocationID: opts.invocation,
	})
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(out, historyResponse{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "history", Success: true},
			Events:       events,
		})
	}

	if len(events) == 0 {
		fmt.Fprintln(out, "No lifecycle events recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tPID\tRESULT\tINVOCATION\tDETAILS")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Event,
			formatPID(e.PID),
			formatResult(e.Success),
			shortID(e.InvocationID),
			details(e),
		)
	}
	return w.Flush()
}

func formatPID(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func formatResult(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func details(e *lifecycle.LifecycleEvent) string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Message != "":
		return e.Message
	}
	return ""
}
