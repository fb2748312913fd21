// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// ServerHandle represents a running opencode server bound to one workspace.
type ServerHandle struct {
	Port    int
	WorkDir string
	BaseURL string
	PID     int

	cmd    *exec.Cmd
	exited chan struct{}
}

// Exited is closed once the server process has been reaped.
func (h *ServerHandle) Exited() <-chan struct{} {
	return h.exited
}

// ServerManager handles the lifecycle of `opencode serve` processes.
//
// The working directory of each server is passed through exec.Cmd.Dir, so
// booting a server never touches the process-wide working directory and
// concurrent boots cannot interfere with each other.
type ServerManager struct {
	opencodeCommand string
	healthPath      string
	healthTimeout   time.Duration
	healthInterval  time.Duration
	logger          *slog.Logger
}

// NewServerManager creates a new server manager
func NewServerManager(logger *slog.Logger) *ServerManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerManager{
		opencodeCommand: "opencode",
		healthPath:      "/config",
		healthTimeout:   30 * time.Second,
		healthInterval:  200 * time.Millisecond,
		logger:          logger,
	}
}

// BootServer starts an opencode server on the given port with workDir as its
// working directory and waits until the endpoint answers.
func (sm *ServerManager) BootServer(ctx context.Context, workDir string, port int) (*ServerHandle, error) {
	// Not CommandContext: the caller's context ends on cancellation, and the
	// process must survive long enough for a graceful abort during teardown.
	cmd := exec.Command(sm.opencodeCommand, "serve",
		"--port", strconv.Itoa(port),
		"--hostname", "127.0.0.1",
	)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s serve: %w", sm.opencodeCommand, err)
	}

	handle := &ServerHandle{
		Port:    port,
		WorkDir: workDir,
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		PID:     cmd.Process.Pid,
		cmd:     cmd,
		exited:  make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(handle.exited)
	}()

	sm.logger.Debug("opencode server started", "port", port, "pid", handle.PID, "dir", workDir)

	healthCtx, cancel := context.WithTimeout(ctx, sm.healthTimeout)
	defer cancel()

	ticker := time.NewTicker(sm.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-healthCtx.Done():
			_ = sm.Shutdown(handle, time.Second)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("server boot on port %d aborted: %w", port, ctx.Err())
			}
			return nil, fmt.Errorf("opencode server on port %d failed to become ready within %v", port, sm.healthTimeout)
		case <-handle.exited:
			return nil, fmt.Errorf("opencode server on port %d exited during startup", port)
		case <-ticker.C:
			if sm.IsHealthy(healthCtx, handle) {
				return handle, nil
			}
		}
	}
}

// Shutdown terminates the server's process group, escalating from SIGTERM
// to SIGKILL after grace. Shutting down an exited server is a no-op.
func (sm *ServerManager) Shutdown(handle *ServerHandle, grace time.Duration) error {
	if handle == nil || handle.cmd == nil || handle.cmd.Process == nil {
		return errors.New("invalid server handle")
	}

	select {
	case <-handle.exited:
		return nil
	default:
	}

	pgid, err := syscall.Getpgid(handle.PID)
	if err != nil {
		// Already gone between the check above and here.
		return nil
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}

	select {
	case <-handle.exited:
		return nil
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		sm.logger.Warn("opencode server ignored SIGTERM, killed", "port", handle.Port, "pid", handle.PID)
		return fmt.Errorf("server on port %d did not stop within %v, force killed", handle.Port, grace)
	}
}

// IsHealthy checks if the server is still responsive
func (sm *ServerManager) IsHealthy(ctx context.Context, handle *ServerHandle) bool {
	if handle == nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, handle.BaseURL+sm.healthPath, nil)
	if err != nil {
		return false
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// SetOpencodeCommand allows overriding the opencode command (useful for testing)
func (sm *ServerManager) SetOpencodeCommand(cmd string) {
	sm.opencodeCommand = cmd
}

// SetHealthTimeout sets the startup readiness timeout
func (sm *ServerManager) SetHealthTimeout(timeout time.Duration) {
	sm.healthTimeout = timeout
}

// SetHealthPath sets the endpoint polled for readiness and liveness
func (sm *ServerManager) SetHealthPath(path string) {
	sm.healthPath = path
}
