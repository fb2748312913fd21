// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package main

import (
	"context"
	"log/slog"

	"agent-arena/internal/battle"
	"agent-arena/internal/config"
	"agent-arena/internal/infra"
	"agent-arena/internal/session"
	"agent-arena/internal/telemetry"
	"agent-arena/internal/tracker"
	"agent-arena/internal/workspace"
)

// app is the wired object graph behind the serve command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	workspaces *workspace.Provisioner
	runner     *session.Runner
	battles    *battle.Orchestrator
	tasks      tracker.Client
	tracing    *telemetry.TracerProvider
}

func newTracker(cfg *config.Config) tracker.Client {
	return tracker.NewGitHub(tracker.GitHubOptions{
		Repo:       cfg.Tracker.Repo,
		Label:      cfg.Tracker.Label,
		BaseBranch: cfg.Tracker.BaseBranch,
		Limit:      cfg.Tracker.Limit,
	})
}

func newProvisioner(cfg *config.Config, logger *slog.Logger) *workspace.Provisioner {
	git := infra.NewWorktreeManager(cfg.Repo.Dir, cfg.Repo.Remote, cfg.Repo.BaseBranch)
	return workspace.NewProvisioner(git, cfg.Repo.WorkspaceDir, cfg.Repo.BranchPrefix, logger.With("component", "workspace"))
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, tasks: newTracker(cfg)}

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.NewTracerProvider(ctx, &telemetry.Config{
			ServiceName:    "agent-arena",
			ServiceVersion: version,
			CollectorURL:   cfg.Telemetry.CollectorURL,
			Environment:    cfg.Telemetry.Environment,
			SamplingRate:   cfg.Telemetry.SamplingRate,
		})
		if err != nil {
			return nil, err
		}
		a.tracing = tp
	}

	a.workspaces = newProvisioner(cfg, logger)

	servers := infra.NewServerManager(logger.With("component", "server"))
	servers.SetOpencodeCommand(cfg.Worker.Command)
	servers.SetHealthTimeout(cfg.Worker.BootTimeout)

	a.runner = session.NewRunner(session.Config{
		Timeout:        cfg.Worker.Timeout,
		HealthInterval: cfg.Worker.HealthInterval,
		AbortGrace:     cfg.Worker.AbortGrace,
		ShutdownGrace:  cfg.Worker.ShutdownGrace,
		Model:          cfg.Worker.Model,
		Agent:          cfg.Worker.Agent,
	}, session.Dependencies{
		Ports:   infra.NewPortManager(cfg.Worker.PortMin, cfg.Worker.PortMax),
		Servers: servers,
		Killer:  infra.NewPortKiller(),
		Changes: a.workspaces,
	}, logger.With("component", "session"))

	a.battles = battle.NewOrchestrator(battle.Config{
		MaxConcurrentBattles: cfg.Battle.MaxConcurrent,
		MinAttempts:          cfg.Battle.MinAttempts,
		MaxAttempts:          cfg.Battle.MaxAttempts,
		PublishTimeout:       cfg.Battle.PublishTimeout,
		TeardownTimeout:      cfg.Battle.TeardownTimeout,
	}, a.runner, a.workspaces, a.tasks, logger.With("component", "battle"))

	return a, nil
}

// close stops battles, then sessions, then sweeps what is left on disk.
func (a *app) close(ctx context.Context) {
	if err := a.battles.Shutdown(ctx); err != nil {
		a.logger.Warn("battles did not stop cleanly", "error", err)
	}
	if err := a.runner.Shutdown(ctx); err != nil {
		a.logger.Warn("sessions did not stop cleanly", "error", err)
	}
	a.workspaces.CleanupAll(ctx)
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	}
}
