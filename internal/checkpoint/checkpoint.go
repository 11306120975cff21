// Package checkpoint snapshots a task workspace with git so a failed attempt
// can be rolled back to the exact pre-attempt tree.
package checkpoint

import (
	"fmt"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"overseer/internal/gitutil"
)

// Checkpoint is an immutable snapshot of the workspace tree.
type Checkpoint struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager performs all VCS operations for one workspace directory. The
// workspace is exclusively owned by a single active attempt; the manager is
// not safe for concurrent use across tasks sharing a directory.
type Manager struct {
	workDir      string
	excludeGlobs []string

	// last is the revision of the most recent checkpoint, the rollback target.
	last string
}

// Option configures a Manager.
type Option func(*Manager)

// WithExcludeGlobs keeps paths matching the given doublestar patterns out of
// checkpoint commits (scratch dirs, logs).
func WithExcludeGlobs(globs []string) Option {
	return func(m *Manager) { m.excludeGlobs = globs }
}

// NewManager binds a manager to a workspace directory, initializing a git
// repository there if none exists yet.
func NewManager(workDir string, opts ...Option) (*Manager, error) {
	info, err := os.Stat(workDir)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", workDir)
	}
	if !gitutil.IsRepo(workDir) {
		if err := gitutil.Init(workDir); err != nil {
			return nil, fmt.Errorf("init workspace repo: %w", err)
		}
	}
	m := &Manager{workDir: workDir}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create stages all workspace changes and commits them as the pre-attempt
// checkpoint. If there is nothing to commit the current HEAD is the
// checkpoint; that is not an error.
func (m *Manager) Create(label string, attempt int) (Checkpoint, error) {
	msg := fmt.Sprintf("checkpoint: %s attempt %d", label, attempt)
	sha, err := m.stageAndCommit(msg)
	if err != nil {
		return Checkpoint{}, err
	}
	m.last = sha
	return Checkpoint{ID: sha, Label: msg, CreatedAt: time.Now().UTC()}, nil
}

// CommitSuccess commits the validated attempt output. The success commit is
// never rolled back.
func (m *Manager) CommitSuccess(label string) (Checkpoint, error) {
	msg := "success: " + label
	sha, err := m.stageAndCommit(msg)
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{ID: sha, Label: msg, CreatedAt: time.Now().UTC()}, nil
}

// Rollback hard-resets the workspace to the most recent checkpoint and
// removes untracked files created since. After rollback the tree is
// bit-identical to the checkpoint tree.
func (m *Manager) Rollback(reason string) error {
	target := m.last
	if target == "" {
		sha, err := gitutil.HeadSHA(m.workDir)
		if err != nil {
			return fmt.Errorf("rollback (%s): no checkpoint to roll back to: %w", reason, err)
		}
		target = sha
	}
	if err := gitutil.ResetHard(m.workDir, target); err != nil {
		return fmt.Errorf("rollback (%s): %w", reason, err)
	}
	if err := gitutil.CleanUntracked(m.workDir); err != nil {
		return fmt.Errorf("rollback (%s): clean untracked: %w", reason, err)
	}
	return nil
}

// CurrentRevision returns the current HEAD, or ok=false when the repository
// has no commits yet.
func (m *Manager) CurrentRevision() (string, bool) {
	if !gitutil.HasCommits(m.workDir) {
		return "", false
	}
	sha, err := gitutil.HeadSHA(m.workDir)
	if err != nil {
		return "", false
	}
	return sha, true
}

func (m *Manager) stageAndCommit(msg string) (string, error) {
	if err := gitutil.AddAll(m.workDir); err != nil {
		return "", err
	}
	if len(m.excludeGlobs) > 0 {
		excluded, err := m.excludedPaths()
		if err != nil {
			return "", err
		}
		if err := gitutil.Unstage(m.workDir, excluded); err != nil {
			return "", err
		}
	}
	if !gitutil.HasCommits(m.workDir) {
		// Bootstrap commit for a fresh repository; may be empty.
		return gitutil.CommitAllowEmpty(m.workDir, msg)
	}
	staged, err := gitutil.HasStagedChanges(m.workDir)
	if err != nil {
		return "", err
	}
	if !staged {
		return gitutil.HeadSHA(m.workDir)
	}
	return gitutil.Commit(m.workDir, msg)
}

func (m *Manager) excludedPaths() ([]string, error) {
	changed, err := gitutil.ChangedPaths(m.workDir)
	if err != nil {
		return nil, err
	}
	var excluded []string
	for _, p := range changed {
		for _, glob := range m.excludeGlobs {
			if ok, _ := doublestar.Match(glob, p); ok {
				excluded = append(excluded, p)
				break
			}
		}
	}
	return excluded, nil
}
