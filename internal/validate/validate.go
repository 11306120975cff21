// Package validate gates attempt success on agent-kind-specific deliverable
// checks. The gate fails closed and never lets a predicate crash the task.
package validate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"overseer/internal/driver"
)

// Predicate inspects a workspace directory and reports whether the expected
// deliverables exist.
type Predicate func(workDir string) (bool, error)

// Registry maps agent-kind identifiers to deliverable predicates. Absence of
// an entry is not an error: an unmapped kind has no deliverable contract.
type Registry struct {
	mu    sync.RWMutex
	preds map[string]Predicate
	diag  io.Writer
}

func NewRegistry(diag io.Writer) *Registry {
	if diag == nil {
		diag = io.Discard
	}
	return &Registry{preds: map[string]Predicate{}, diag: diag}
}

func (r *Registry) Register(agentKind string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds[agentKind] = p
}

// Validate runs the predicate registered for agentKind against the
// workspace. Fails closed on an unsuccessful or textless result; passes
// through when no predicate is registered; any predicate error or panic is a
// validation failure, never a crash.
func (r *Registry) Validate(result *driver.Result, agentKind, workDir string) bool {
	if result == nil || !result.Success || strings.TrimSpace(result.Text) == "" {
		return false
	}

	r.mu.RLock()
	pred, ok := r.preds[agentKind]
	r.mu.RUnlock()
	if !ok || pred == nil {
		return true
	}

	passed, err := runPredicate(pred, workDir)
	if err != nil {
		fmt.Fprintf(r.diag, "validator for %q failed: %v\n", agentKind, err)
		return false
	}
	return passed
}

func runPredicate(pred Predicate, workDir string) (passed bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			passed = false
			err = fmt.Errorf("validator panicked: %v", rec)
		}
	}()
	return pred(workDir)
}

// RequireGlobs builds a predicate that passes only when every doublestar
// pattern matches at least one regular file under the workspace. Directory
// matches do not count: `deliverables/**` also matches the bare directory,
// and an empty directory is not a deliverable.
func RequireGlobs(patterns ...string) Predicate {
	return func(workDir string) (bool, error) {
		fsys := os.DirFS(workDir)
		for _, pattern := range patterns {
			matches, err := doublestar.Glob(fsys, pattern)
			if err != nil {
				return false, fmt.Errorf("glob %q: %w", pattern, err)
			}
			found := false
			for _, m := range matches {
				info, err := os.Stat(filepath.Join(workDir, filepath.FromSlash(m)))
				if err == nil && info.Mode().IsRegular() {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		}
		return true, nil
	}
}
