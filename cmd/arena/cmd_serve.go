// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"agent-arena/internal/api"
	"agent-arena/internal/battle"
)

const shutdownTimeout = 60 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the battle API",
		Long: `Runs the HTTP API and websocket feed. Leftover workspaces and branches from
an earlier run are swept at startup and again on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				opts.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, opts *globalOptions) error {
	cfg, logger := opts.cfg, opts.logger
	gin.SetMode(cfg.Server.GinMode)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.workspaces.Initialize(ctx, cfg.Repo.Source); err != nil {
		a.close(context.Background())
		return fmt.Errorf("preparing repository: %w", err)
	}
	a.workspaces.CleanupAll(ctx)

	a.battles.AddListener(func(n battle.Notification) {
		if n.Kind != battle.NotifyBattleResolved || n.Battle == nil {
			return
		}
		logger.Info("battle resolved",
			"battle_id", n.BattleID,
			"status", n.Battle.Status,
			"winner", n.Battle.WinnerID,
			"result", n.Battle.ResultURL,
		)
	})

	router := api.NewRouter(a.battles, a.tasks, api.Options{DefaultAttempts: cfg.Battle.DefaultAttempts}, logger.With("component", "api"))
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown incomplete", "error", serr)
	}
	router.Close()
	a.close(shutdownCtx)
	return err
}
