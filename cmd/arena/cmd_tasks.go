// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agent-arena/internal/tracker"
)

func newTasksCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List open tracker tasks that can be raced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTasks(cmd.Context(), newTracker(opts.cfg), cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tasks as JSON")
	return cmd
}

func runTasks(ctx context.Context, client tracker.Client, w io.Writer, asJSON bool) error {
	if !client.Configured() {
		return fmt.Errorf("%w: set tracker.repo in the configuration", tracker.ErrNotConfigured)
	}

	tasks, err := client.FetchOpenTasks(ctx)
	if err != nil {
		return fmt.Errorf("fetching tasks: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}

	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "no open tasks")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tLABELS")
	for _, t := range tasks {
		fmt.Fprintf(tw, "#%d\t%s\t%s\n", t.ID, t.Title, strings.Join(t.Labels, ","))
	}
	return tw.Flush()
}
