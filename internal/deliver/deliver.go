// Package deliver writes agent deliverables with an idempotent directory
// ensure and an atomic file write.
package deliver

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the subdirectory created under the target directory.
const DirName = "deliverables"

// Save ensures <targetDir>/deliverables exists and atomically writes content
// to filename inside it, returning the absolute path written.
//
// This commonly runs under a fixed container-assigned user, so an ownership
// mismatch with the mounted target directory is an expected failure mode;
// error text calls that out alongside the underlying OS error.
func Save(targetDir, filename, content string) (string, error) {
	dir := filepath.Join(targetDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf(
			"create deliverables directory %s: %w (check ownership and permissions: the runtime user may not own the mounted directory)",
			dir, err)
	}

	dest := filepath.Join(dir, filename)
	tmp, err := os.CreateTemp(dir, "."+filename+".tmp-*")
	if err != nil {
		return "", fmt.Errorf(
			"create temp file in %s: %w (check ownership and permissions: the runtime user may not own the mounted directory)",
			dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("finalize %s: %w", dest, err)
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		return dest, nil
	}
	return abs, nil
}
