package validate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"overseer/internal/driver"
)

func okResult(text string) *driver.Result {
	return &driver.Result{Text: text, Success: true}
}

func TestValidateFailsClosed(t *testing.T) {
	r := NewRegistry(nil)

	if r.Validate(nil, "coder", t.TempDir()) {
		t.Fatalf("nil result must fail")
	}
	if r.Validate(&driver.Result{Success: false, Text: "x"}, "coder", t.TempDir()) {
		t.Fatalf("unsuccessful result must fail")
	}
	if r.Validate(&driver.Result{Success: true, Text: "  \n "}, "coder", t.TempDir()) {
		t.Fatalf("blank text must fail")
	}
}

func TestValidateUnregisteredKindPasses(t *testing.T) {
	r := NewRegistry(nil)
	if !r.Validate(okResult("done"), "unknown-kind", t.TempDir()) {
		t.Fatalf("kinds with no deliverable contract must pass")
	}
}

func TestValidateRunsRegisteredPredicate(t *testing.T) {
	r := NewRegistry(nil)
	var seen string
	r.Register("coder", func(workDir string) (bool, error) {
		seen = workDir
		return true, nil
	})

	dir := t.TempDir()
	if !r.Validate(okResult("done"), "coder", dir) {
		t.Fatalf("passing predicate should validate")
	}
	if seen != dir {
		t.Fatalf("predicate got %q, want %q", seen, dir)
	}

	r.Register("coder", func(string) (bool, error) { return false, nil })
	if r.Validate(okResult("done"), "coder", dir) {
		t.Fatalf("failing predicate should reject")
	}
}

func TestValidatePredicateErrorFails(t *testing.T) {
	var diag strings.Builder
	r := NewRegistry(&diag)
	r.Register("coder", func(string) (bool, error) {
		return true, errors.New("cannot stat workspace")
	})

	if r.Validate(okResult("done"), "coder", t.TempDir()) {
		t.Fatalf("predicate error must fail validation")
	}
	if !strings.Contains(diag.String(), "cannot stat workspace") {
		t.Fatalf("error should reach diagnostics:\n%s", diag.String())
	}
}

func TestValidatePredicatePanicRecovered(t *testing.T) {
	var diag strings.Builder
	r := NewRegistry(&diag)
	r.Register("coder", func(string) (bool, error) {
		panic("boom")
	})

	if r.Validate(okResult("done"), "coder", t.TempDir()) {
		t.Fatalf("panicking predicate must fail validation")
	}
	if !strings.Contains(diag.String(), "panicked") {
		t.Fatalf("panic should reach diagnostics:\n%s", diag.String())
	}
}

func TestRequireGlobs(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "deliverables"), 0o755); err != nil {
		t.Fatal(err)
	}

	pred := RequireGlobs("deliverables/**")
	ok, err := pred(dir)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if ok {
		t.Fatalf("empty deliverables dir should not satisfy the glob")
	}

	if err := os.WriteFile(filepath.Join(dir, "deliverables", "report.md"), []byte("# report"), 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err = pred(dir)
	if err != nil {
		t.Fatalf("predicate: %v", err)
	}
	if !ok {
		t.Fatalf("deliverables/report.md should satisfy the glob")
	}
}

func TestRequireGlobsAllPatternsMustMatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "summary.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	pred := RequireGlobs("summary.md", "missing/**")
	ok, err := pred(dir)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("one unmatched pattern should fail the predicate")
	}
}
