// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package infra

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/bitfield/script"
)

// PortKiller terminates whatever process is still listening on a port.
type PortKiller struct {
	// lookup returns the PIDs listening on the port.
	lookup func(ctx context.Context, port int) ([]int, error)
	kill   func(pid int) error
}

// NewPortKiller returns a PortKiller backed by lsof and SIGKILL.
func NewPortKiller() *PortKiller {
	return &PortKiller{
		lookup: listeningPIDs,
		kill: func(pid int) error {
			return syscall.Kill(pid, syscall.SIGKILL)
		},
	}
}

// KillPort force-kills every process bound to port and returns how many were
// signalled. Finding nothing is not an error.
func (pk *PortKiller) KillPort(ctx context.Context, port int) (int, error) {
	pids, err := pk.lookup(ctx, port)
	if err != nil {
		return 0, err
	}

	self := os.Getpid()
	killed := 0
	var firstErr error
	for _, pid := range pids {
		if pid == self {
			continue
		}
		if err := pk.kill(pid); err != nil {
			if err == syscall.ESRCH {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to kill pid %d on port %d: %w", pid, port, err)
			}
			continue
		}
		killed++
	}
	return killed, firstErr
}

func listeningPIDs(ctx context.Context, port int) ([]int, error) {
	return lookupWith(ctx, port, runLsof)
}

// lsofResult is the outcome of one lsof run.
type lsofResult struct {
	lines  []string
	status int
	err    error
	stderr string
}

func runLsof(port int) lsofResult {
	var stderr strings.Builder
	p := script.NewPipe().WithStderr(&stderr).Exec(fmt.Sprintf("lsof -t -i tcp:%d -s TCP:LISTEN", port))
	lines, err := p.Slice()
	return lsofResult{lines: lines, status: p.ExitStatus(), err: err, stderr: strings.TrimSpace(stderr.String())}
}

// lookupWith runs the lookup and gives up when ctx ends. An lsof still
// running at that point exits on its own.
func lookupWith(ctx context.Context, port int, run func(port int) lsofResult) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan lsofResult, 1)
	go func() { done <- run(port) }()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("looking up listeners on port %d: %w", port, ctx.Err())
	case res := <-done:
		return res.pids(port)
	}
}

// pids interprets the run. lsof exits 1 with no output when nothing
// matches; every other failure, a missing binary included, is an error.
func (r lsofResult) pids(port int) ([]int, error) {
	if r.err == nil {
		return parsePIDs(r.lines), nil
	}
	if r.status == 1 && len(parsePIDs(r.lines)) == 0 && r.stderr == "" {
		return nil, nil
	}
	if r.stderr != "" {
		return nil, fmt.Errorf("lsof on port %d: %w: %s", port, r.err, r.stderr)
	}
	return nil, fmt.Errorf("lsof on port %d: %w", port, r.err)
}

func parsePIDs(lines []string) []int {
	seen := make(map[int]bool)
	var pids []int
	for _, line := range lines {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}
