// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file looked up in the working directory
// when no path is given.
const DefaultFile = "arena.yaml"

// Config represents the complete arena configuration
type Config struct {
	Repo      RepoConfig      `yaml:"repo"`
	Battle    BattleConfig    `yaml:"battle"`
	Worker    WorkerConfig    `yaml:"worker"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RepoConfig locates the shared clone and the workspaces built on it
type RepoConfig struct {
	// Dir holds the shared clone every workspace is a worktree of
	Dir string `yaml:"dir"`
	// Source is cloned into Dir when Dir is not a repository yet
	Source       string `yaml:"source"`
	Remote       string `yaml:"remote"`
	BaseBranch   string `yaml:"base_branch"`
	WorkspaceDir string `yaml:"workspace_dir"`
	BranchPrefix string `yaml:"branch_prefix"`
}

// BattleConfig bounds the races
type BattleConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	MinAttempts     int           `yaml:"min_attempts"`
	MaxAttempts     int           `yaml:"max_attempts"`
	DefaultAttempts int           `yaml:"default_attempts"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
}

// WorkerConfig controls the opencode sessions
type WorkerConfig struct {
	Command        string        `yaml:"command"`
	PortMin        int           `yaml:"port_min"`
	PortMax        int           `yaml:"port_max"`
	Timeout        time.Duration `yaml:"timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	BootTimeout    time.Duration `yaml:"boot_timeout"`
	AbortGrace     time.Duration `yaml:"abort_grace"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	Model          string        `yaml:"model"`
	Agent          string        `yaml:"agent"`
}

// TrackerConfig selects the GitHub repository tasks come from
type TrackerConfig struct {
	Repo       string `yaml:"repo"`
	Label      string `yaml:"label"`
	BaseBranch string `yaml:"base_branch"`
	Limit      int    `yaml:"limit"`
}

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	Addr    string `yaml:"addr"`
	GinMode string `yaml:"gin_mode"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures trace export
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	CollectorURL string  `yaml:"collector_url"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Default returns the configuration used for everything the file leaves out
func Default() *Config {
	return &Config{
		Repo: RepoConfig{
			Dir:          ".",
			Remote:       "origin",
			BaseBranch:   "main",
			WorkspaceDir: filepath.Join(os.TempDir(), "arena-workspaces"),
			BranchPrefix: "arena",
		},
		Battle: BattleConfig{
			MaxConcurrent:   3,
			MinAttempts:     1,
			MaxAttempts:     20,
			DefaultAttempts: 3,
			PublishTimeout:  10 * time.Minute,
			TeardownTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Command:        "opencode",
			PortMin:        8000,
			PortMax:        9000,
			Timeout:        2 * time.Hour,
			HealthInterval: 30 * time.Second,
			BootTimeout:    30 * time.Second,
			AbortGrace:     10 * time.Second,
			ShutdownGrace:  5 * time.Second,
		},
		Tracker: TrackerConfig{
			BaseBranch: "main",
			Limit:      50,
		},
		Server: ServerConfig{
			Addr:    ":8080",
			GinMode: "release",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			CollectorURL: "localhost:4318",
			Environment:  "development",
			SamplingRate: 1.0,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path looks
// for arena.yaml in the working directory and falls back to the defaults
// when there is none; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Repo.Dir == "" {
		errs = append(errs, errors.New("repo.dir is required"))
	}
	if c.Repo.WorkspaceDir == "" {
		errs = append(errs, errors.New("repo.workspace_dir is required"))
	}
	if strings.ContainsAny(c.Repo.BranchPrefix, " ~^:?*[\\") {
		errs = append(errs, fmt.Errorf("repo.branch_prefix %q is not a valid ref prefix", c.Repo.BranchPrefix))
	}

	b := c.Battle
	if b.MaxConcurrent < 1 {
		errs = append(errs, errors.New("battle.max_concurrent must be at least 1"))
	}
	if b.MinAttempts < 1 || b.MaxAttempts > 20 || b.MinAttempts > b.MaxAttempts {
		errs = append(errs, fmt.Errorf("battle attempts range [%d, %d] must lie within [1, 20]", b.MinAttempts, b.MaxAttempts))
	}
	if b.DefaultAttempts < b.MinAttempts || b.DefaultAttempts > b.MaxAttempts {
		errs = append(errs, fmt.Errorf("battle.default_attempts %d is outside [%d, %d]", b.DefaultAttempts, b.MinAttempts, b.MaxAttempts))
	}

	w := c.Worker
	if w.Command == "" {
		errs = append(errs, errors.New("worker.command is required"))
	}
	if w.PortMin < 1 || w.PortMax > 65535 || w.PortMin > w.PortMax {
		errs = append(errs, fmt.Errorf("worker port range %d-%d is invalid", w.PortMin, w.PortMax))
	}
	if w.Timeout <= 0 {
		errs = append(errs, errors.New("worker.timeout must be positive"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sampling_rate %v must be within [0, 1]", c.Telemetry.SamplingRate))
	}

	return errors.Join(errs...)
}
