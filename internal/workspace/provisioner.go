// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package workspace provisions the isolated, branch-scoped working copies
// that competing attempts run in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"agent-arena/internal/infra"
)

// ErrNothingToCommit is returned by CommitAndPush for a clean workspace.
var ErrNothingToCommit = infra.ErrNothingToCommit

// Copy is one isolated working copy.
type Copy struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// Provisioner creates and destroys working copies on top of one shared
// clone. Every mutation of the shared repository happens under mu: git's
// lock files do not tolerate concurrent `worktree add`.
type Provisioner struct {
	git          infra.WorktreeManagerInterface
	baseDir      string
	branchPrefix string
	logger       *slog.Logger

	mu       sync.Mutex
	byBattle map[string][]Copy
	byPath   map[string]string // path -> branch
}

// NewProvisioner creates a provisioner placing copies under baseDir and
// naming branches under branchPrefix.
func NewProvisioner(git infra.WorktreeManagerInterface, baseDir, branchPrefix string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	if branchPrefix == "" {
		branchPrefix = "arena"
	}
	return &Provisioner{
		git:          git,
		baseDir:      baseDir,
		branchPrefix: strings.TrimSuffix(branchPrefix, "/"),
		logger:       logger,
		byBattle:     make(map[string][]Copy),
		byPath:       make(map[string]string),
	}
}

// Initialize clones or fetches the source repository. sourceRef may be empty
// when the repository directory already holds a clone.
func (p *Provisioner) Initialize(ctx context.Context, sourceRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace base directory: %w", err)
	}
	if err := p.git.EnsureRepository(ctx, sourceRef); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	return nil
}

// CreateIsolatedCopies creates count working copies for battleID. Either all
// copies are created or none are left behind.
func (p *Provisioner) CreateIsolatedCopies(ctx context.Context, battleID, taskRef string, count int) ([]Copy, error) {
	if count <= 0 {
		return nil, fmt.Errorf("copy count must be positive, got %d", count)
	}
	if battleID == "" {
		return nil, errors.New("battle id is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.byBattle[battleID]; exists {
		return nil, fmt.Errorf("workspaces for battle %s already exist", battleID)
	}

	copies := make([]Copy, 0, count)
	for i := 0; i < count; i++ {
		c := Copy{
			Index:  i,
			Path:   p.copyPath(battleID, i),
			Branch: p.branchName(battleID, taskRef, i),
		}
		if err := ctx.Err(); err != nil {
			p.rollback(copies, battleID)
			return nil, err
		}
		if err := p.git.CreateWorktree(ctx, c.Path, c.Branch); err != nil {
			p.rollback(copies, battleID)
			return nil, fmt.Errorf("failed to create workspace %d of %d: %w", i+1, count, err)
		}
		copies = append(copies, c)
	}

	p.byBattle[battleID] = copies
	for _, c := range copies {
		p.byPath[c.Path] = c.Branch
	}

	p.logger.Info("workspaces created", "battle_id", battleID, "count", count)
	return append([]Copy(nil), copies...), nil
}

// CommitAndPush commits everything in the copy at path and publishes its
// branch. It returns the branch name, or ErrNothingToCommit. The push runs
// outside mu so that other battles can provision and clean up meanwhile.
func (p *Provisioner) CommitAndPush(ctx context.Context, path, taskRef, title string) (string, error) {
	branch, hash, err := p.commit(ctx, path, taskRef, title)
	if err != nil {
		return "", err
	}
	if err := p.git.Push(ctx, path, branch); err != nil {
		return "", fmt.Errorf("failed to push %s: %w", branch, err)
	}

	p.logger.Info("workspace committed", "branch", branch, "commit", hash)
	return branch, nil
}

func (p *Provisioner) commit(ctx context.Context, path, taskRef, title string) (branch, hash string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	branch, ok := p.byPath[path]
	if !ok {
		return "", "", fmt.Errorf("no workspace registered at %s", path)
	}

	msg := fmt.Sprintf("Resolve task #%s", taskRef)
	if title != "" {
		msg = fmt.Sprintf("Resolve task #%s: %s", taskRef, title)
	}

	hash, err = p.git.CommitAll(ctx, path, msg)
	if err != nil {
		if errors.Is(err, infra.ErrNothingToCommit) {
			return "", "", ErrNothingToCommit
		}
		return "", "", fmt.Errorf("failed to commit %s: %w", path, err)
	}
	return branch, hash, nil
}

// HasChanges reports whether the copy at path has uncommitted changes.
func (p *Provisioner) HasChanges(ctx context.Context, path string) (bool, error) {
	return p.git.HasUncommittedChanges(ctx, path)
}

// Branch returns the branch of the copy at path.
func (p *Provisioner) Branch(path string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	branch, ok := p.byPath[path]
	return branch, ok
}

// CleanupBattle removes every copy and branch of battleID. Failures are
// logged and skipped; calling it again is harmless.
func (p *Provisioner) CleanupBattle(ctx context.Context, battleID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	copies := p.byBattle[battleID]
	delete(p.byBattle, battleID)
	for _, c := range copies {
		delete(p.byPath, c.Path)
	}

	battleDir := filepath.Join(p.baseDir, battleID)

	// Pick up copies left behind by an earlier process as well.
	if listed, err := p.git.ListWorktrees(ctx); err == nil {
		for _, wt := range listed {
			if within(battleDir, wt.Path) && !containsPath(copies, wt.Path) {
				copies = append(copies, Copy{Path: wt.Path, Branch: wt.Branch})
			}
		}
	} else {
		p.logger.Warn("failed to list worktrees", "battle_id", battleID, "error", err)
	}

	for _, c := range copies {
		if err := p.git.RemoveWorktree(ctx, c.Path); err != nil {
			p.logger.Warn("failed to remove workspace", "battle_id", battleID, "path", c.Path, "error", err)
		}
		if c.Branch == "" {
			continue
		}
		if err := p.git.DeleteBranch(ctx, c.Branch); err != nil {
			p.logger.Warn("failed to delete branch", "battle_id", battleID, "branch", c.Branch, "error", err)
		}
	}

	if err := os.RemoveAll(battleDir); err != nil {
		p.logger.Warn("failed to remove battle directory", "battle_id", battleID, "error", err)
	}
	if err := p.git.PruneWorktrees(ctx); err != nil {
		p.logger.Warn("failed to prune worktrees", "error", err)
	}

	if len(copies) > 0 {
		p.logger.Info("workspaces released", "battle_id", battleID, "count", len(copies))
	}
}

// CleanupAll removes every copy under the base directory and every branch
// under the prefix. It is meant for startup and shutdown, when no battle is
// running.
func (p *Provisioner) CleanupAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.byBattle = make(map[string][]Copy)
	p.byPath = make(map[string]string)

	removed := 0
	if listed, err := p.git.ListWorktrees(ctx); err == nil {
		for _, wt := range listed {
			if !within(p.baseDir, wt.Path) {
				continue
			}
			if err := p.git.RemoveWorktree(ctx, wt.Path); err != nil {
				p.logger.Warn("failed to remove workspace", "path", wt.Path, "error", err)
				continue
			}
			removed++
		}
	} else {
		p.logger.Warn("failed to list worktrees", "error", err)
	}

	if err := p.git.PruneWorktrees(ctx); err != nil {
		p.logger.Warn("failed to prune worktrees", "error", err)
	}

	if branches, err := p.git.ListBranches(ctx, p.branchPrefix+"/"); err == nil {
		for _, b := range branches {
			if err := p.git.DeleteBranch(ctx, b); err != nil {
				p.logger.Warn("failed to delete branch", "branch", b, "error", err)
			}
		}
	} else {
		p.logger.Warn("failed to list branches", "error", err)
	}

	if entries, err := os.ReadDir(p.baseDir); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = os.RemoveAll(filepath.Join(p.baseDir, e.Name()))
			}
		}
	}

	p.logger.Info("workspace sweep finished", "removed", removed)
}

// rollback undoes a partial CreateIsolatedCopies. Called with mu held.
func (p *Provisioner) rollback(copies []Copy, battleID string) {
	ctx := context.Background()
	for _, c := range copies {
		if err := p.git.RemoveWorktree(ctx, c.Path); err != nil {
			p.logger.Warn("rollback: failed to remove workspace", "path", c.Path, "error", err)
		}
		if err := p.git.DeleteBranch(ctx, c.Branch); err != nil {
			p.logger.Warn("rollback: failed to delete branch", "branch", c.Branch, "error", err)
		}
	}
	_ = os.RemoveAll(filepath.Join(p.baseDir, battleID))
}

func (p *Provisioner) copyPath(battleID string, index int) string {
	return filepath.Join(p.baseDir, battleID, fmt.Sprintf("agent-%d", index))
}

var unsafeRefChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (p *Provisioner) branchName(battleID, taskRef string, index int) string {
	ref := strings.Trim(unsafeRefChars.ReplaceAllString(taskRef, "-"), "-.")
	if ref == "" {
		ref = "none"
	}
	short := battleID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s/task-%s-%s-%d", p.branchPrefix, ref, short, index)
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

func containsPath(copies []Copy, path string) bool {
	for _, c := range copies {
		if c.Path == path {
			return true
		}
	}
	return false
}
