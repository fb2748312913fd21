// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package infra

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortManager hands out ports from a fixed range so that every worker
// session binds its own endpoint. A port is never handed out twice while it
// is allocated.
type PortManager struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	allocated map[int]bool
	nextPort  int

	// probe reports whether a port can currently be bound on the host.
	// Ports held by a leftover process from a crashed run are skipped.
	probe func(port int) bool
}

// NewPortManager creates a new port manager with the specified range
func NewPortManager(minPort, maxPort int) *PortManager {
	return &PortManager{
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[int]bool),
		nextPort:  minPort,
		probe:     portFree,
	}
}

// SetProbe replaces the host availability check (tests use an always-free probe).
func (pm *PortManager) SetProbe(probe func(port int) bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.probe = probe
}

// Allocate reserves the next available port
func (pm *PortManager) Allocate() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	span := pm.maxPort - pm.minPort + 1
	for i := 0; i < span; i++ {
		candidate := pm.minPort + ((pm.nextPort - pm.minPort + i) % span)
		if pm.allocated[candidate] {
			continue
		}
		if pm.probe != nil && !pm.probe(candidate) {
			continue
		}

		pm.allocated[candidate] = true
		pm.nextPort = candidate + 1
		if pm.nextPort > pm.maxPort {
			pm.nextPort = pm.minPort
		}
		return candidate, nil
	}

	return 0, fmt.Errorf("no available ports in range %d-%d (%d allocated)",
		pm.minPort, pm.maxPort, len(pm.allocated))
}

// Release frees a previously allocated port
func (pm *PortManager) Release(port int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if port < pm.minPort || port > pm.maxPort {
		return fmt.Errorf("port %d is outside valid range %d-%d", port, pm.minPort, pm.maxPort)
	}

	if !pm.allocated[port] {
		return fmt.Errorf("port %d was not allocated", port)
	}

	delete(pm.allocated, port)
	return nil
}

// AllocatedCount returns the number of currently allocated ports
func (pm *PortManager) AllocatedCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.allocated)
}

// IsAllocated checks if a specific port is currently allocated
func (pm *PortManager) IsAllocated(port int) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.allocated[port]
}

// AvailableCount returns the number of ports not yet handed out
func (pm *PortManager) AvailableCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return (pm.maxPort - pm.minPort + 1) - len(pm.allocated)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
