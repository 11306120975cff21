package deliver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveCreatesDirAndWritesAtomically(t *testing.T) {
	dir := t.TempDir()

	path, err := Save(dir, "report.md", "# findings\n")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Fatalf("Save should return an absolute path, got %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# findings\n" {
		t.Fatalf("content = %q", data)
	}
	if filepath.Base(filepath.Dir(path)) != DirName {
		t.Fatalf("deliverable should live under %s: %s", DirName, path)
	}

	// No temp file residue.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestSaveIsIdempotentOnDirAndOverwrites(t *testing.T) {
	dir := t.TempDir()
	if _, err := Save(dir, "out.txt", "v1"); err != nil {
		t.Fatal(err)
	}
	path, err := Save(dir, "out.txt", "v2")
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Fatalf("overwrite failed: %q", data)
	}
}

func TestSaveErrorMentionsOwnership(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks are meaningless as root")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	_, err := Save(dir, "x.txt", "x")
	if err == nil {
		t.Fatalf("expected a permission failure")
	}
	if !strings.Contains(err.Error(), "ownership") {
		t.Fatalf("error should hint at the ownership failure mode: %v", err)
	}
}
