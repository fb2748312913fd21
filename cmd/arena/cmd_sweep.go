// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// sweeper removes every workspace and branch the arena owns.
type sweeper interface {
	CleanupAll(ctx context.Context)
}

func newSweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove leftover workspaces and branches after a crash",
		Long: `Removes every worktree under the workspace directory and every local branch
under the branch prefix. Safe to run when nothing is left over. Do not run it
while a server is racing on the same repository.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), newProvisioner(opts.cfg, opts.logger), cmd.OutOrStdout())
		},
	}
}

func runSweep(ctx context.Context, s sweeper, w io.Writer) error {
	s.CleanupAll(ctx)
	_, err := fmt.Fprintln(w, "sweep complete")
	return err
}
