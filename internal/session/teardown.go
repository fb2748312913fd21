// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package session

import (
	"context"
	"time"
)

const killPortTimeout = 5 * time.Second

// teardown releases everything the session acquired: a graceful remote
// abort bounded by AbortGrace, then the server's process group, then any
// process still bound to the port, then the port itself.
func (r *Runner) teardown(s *session) {
	s.mu.Lock()
	client, sessionID := s.client, s.sessionID
	handle, port := s.server, s.port
	s.mu.Unlock()

	if client != nil && sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AbortGrace)
		done := make(chan error, 1)
		go func() { done <- client.Abort(ctx, sessionID) }()

		select {
		case err := <-done:
			if err != nil {
				s.logger.Debug("graceful abort failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Warn("graceful abort did not respond", "grace", r.cfg.AbortGrace)
		}
		cancel()
	}

	if handle != nil {
		if err := r.deps.Servers.Shutdown(handle, r.cfg.ShutdownGrace); err != nil {
			s.logger.Warn("server shutdown incomplete", "error", err)
		}
	}

	if port == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), killPortTimeout)
	killed, err := r.deps.Killer.KillPort(ctx, port)
	cancel()
	if err != nil {
		s.logger.Warn("failed to free port", "error", err)
	} else if killed > 0 {
		s.logger.Warn("killed processes still bound to port", "count", killed)
	}

	if err := r.deps.Ports.Release(port); err != nil {
		s.logger.Warn("failed to release port", "error", err)
	}
}
