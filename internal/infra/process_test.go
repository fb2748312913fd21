// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package infra

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePIDs(t *testing.T) {
	pids := parsePIDs([]string{"123", " 456 ", "", "abc", "123", "-1"})
	assert.Equal(t, []int{123, 456}, pids)
}

func TestPortKiller_KillPort(t *testing.T) {
	var killed []int
	pk := &PortKiller{
		lookup: func(_ context.Context, port int) ([]int, error) {
			assert.Equal(t, 8123, port)
			return []int{101, os.Getpid(), 102, 103}, nil
		},
		kill: func(pid int) error {
			if pid == 102 {
				return syscall.ESRCH
			}
			killed = append(killed, pid)
			return nil
		},
	}

	n, err := pk.KillPort(context.Background(), 8123)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{101, 103}, killed, "must never signal itself or count vanished pids")
}

func TestPortKiller_KillPort_ReportsFirstError(t *testing.T) {
	pk := &PortKiller{
		lookup: func(context.Context, int) ([]int, error) { return []int{7, 8}, nil },
		kill: func(pid int) error {
			if pid == 7 {
				return syscall.EPERM
			}
			return nil
		},
	}

	n, err := pk.KillPort(context.Background(), 1)
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EPERM))
}

func TestPortKiller_NothingBound(t *testing.T) {
	pk := &PortKiller{
		lookup: func(context.Context, int) ([]int, error) { return nil, nil },
		kill: func(int) error {
			t.Fatal("kill must not be called")
			return nil
		},
	}

	n, err := pk.KillPort(context.Background(), 1)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestLsofResult_Pids(t *testing.T) {
	exit1 := errors.New("exit status 1")
	tests := []struct {
		name    string
		result  lsofResult
		want    []int
		wantErr string
	}{
		{name: "listeners found", result: lsofResult{lines: []string{"41", "42"}}, want: []int{41, 42}},
		{name: "nothing bound", result: lsofResult{status: 1, err: exit1}},
		{
			name:    "lsof missing",
			result:  lsofResult{err: errors.New(`exec: "lsof": executable file not found in $PATH`)},
			wantErr: "executable file not found",
		},
		{
			name:    "lsof complains",
			result:  lsofResult{status: 1, err: exit1, stderr: "lsof: unacceptable port specification"},
			wantErr: "unacceptable port specification",
		},
		{
			name:    "other exit status",
			result:  lsofResult{status: 2, err: errors.New("exit status 2")},
			wantErr: "exit status 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pids, err := tt.result.pids(8100)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Contains(t, err.Error(), "port 8100")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pids)
		})
	}
}

func TestLookupWith_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := func(int) lsofResult {
		<-release
		return lsofResult{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := lookupWith(ctx, 8100, slow)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPortKiller_LookupFailureIsReported(t *testing.T) {
	pk := &PortKiller{
		lookup: func(ctx context.Context, port int) ([]int, error) {
			return lookupWith(ctx, port, func(int) lsofResult {
				return lsofResult{err: errors.New(`exec: "lsof": executable file not found in $PATH`)}
			})
		},
		kill: func(int) error {
			t.Fatal("kill must not be called")
			return nil
		},
	}

	n, err := pk.KillPort(context.Background(), 8100)
	require.Error(t, err)
	assert.Zero(t, n)
}
