// Package gitutil wraps the git CLI for workspace snapshot operations.
// Every operation is scoped to an explicit directory; nothing is inferred
// from process-wide state.
package gitutil

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func runGit(dir string, args ...string) (string, string, error) {
	// Disable git's background auto-maintenance so frequent checkpoint commits
	// stay deterministic and do not spawn long-running helper processes.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func Init(dir string) error {
	_, _, err := runGit(dir, "init", "-b", "main")
	return err
}

// HeadSHA returns the current HEAD commit, or an error if no commit exists.
func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HasCommits reports whether the repository has at least one commit.
func HasCommits(dir string) bool {
	_, _, err := runGit(dir, "rev-parse", "--verify", "HEAD")
	return err == nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// ChangedPaths lists paths that differ from HEAD, including untracked files.
// Rename entries report the new path.
func ChangedPaths(dir string) ([]string, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		if idx := strings.Index(p, " -> "); idx != -1 {
			p = p[idx+4:]
		}
		p = strings.Trim(p, `"`)
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func AddAll(dir string) error {
	_, _, err := runGit(dir, "add", "-A")
	return err
}

// Unstage removes the given paths from the index without touching the worktree.
func Unstage(dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"reset", "-q", "--"}, paths...)
	_, _, err := runGit(dir, args...)
	return err
}

// HasStagedChanges reports whether the index differs from HEAD.
func HasStagedChanges(dir string) (bool, error) {
	_, _, err := runGit(dir, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	// diff --quiet exits 1 when differences exist.
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		var exitErr *exec.ExitError
		if errors.As(cmdErr.Err, &exitErr) && exitErr.ExitCode() == 1 {
			return true, nil
		}
	}
	return false, err
}

// Commit commits the staged index with the given message. If the repository
// has no committer identity configured, it retries once with a fallback
// identity without mutating repo config.
func Commit(dir, message string) (string, error) {
	return commit(dir, message, false)
}

// CommitAllowEmpty is Commit but permits an empty commit. Used to bootstrap
// a repository that has no commits yet.
func CommitAllowEmpty(dir, message string) (string, error) {
	return commit(dir, message, true)
}

func commit(dir, message string, allowEmpty bool) (string, error) {
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = []string{"commit", "--allow-empty", "-m", message}
	}
	_, _, err := runGit(dir, args...)
	if err != nil {
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			retry := append([]string{
				"-c", "user.name=overseer",
				"-c", "user.email=overseer@local",
			}, args...)
			_, _, err = runGit(dir, retry...)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

func ResetHard(dir, sha string) error {
	_, _, err := runGit(dir, "reset", "--hard", sha)
	return err
}

// CleanUntracked removes untracked files and directories from the worktree.
func CleanUntracked(dir string) error {
	_, _, err := runGit(dir, "clean", "-fd")
	return err
}
