//go:build unix

package lint

import (
	"os"
	"path/filepath"
	"testing"
)

func findingPaths(findings []Finding, cat Category) []string {
	var out []string
	for _, f := range findings {
		if f.Category == cat {
			out = append(out, f.Path)
		}
	}
	return out
}

func TestEmptyFileDetected(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nonempty.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	findings, err := New([]string{dir}, Config{}).Run()
	if err != nil {
		t.Fatal(err)
	}

	got := findingPaths(findings, EmptyFile)
	if len(got) != 1 || got[0] != empty {
		t.Fatalf("expected only %s flagged empty, got %v", empty, got)
	}
}

func TestEmptyDirDetected(t *testing.T) {
	dir := t.TempDir()
	emptyDir := filepath.Join(dir, "empty")
	if err := os.Mkdir(emptyDir, 0o755); err != nil {
		t.Fatal(err)
	}
	nonEmptyDir := filepath.Join(dir, "full")
	if err := os.Mkdir(nonEmptyDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nonEmptyDir, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	findings, err := New([]string{dir}, Config{}).Run()
	if err != nil {
		t.Fatal(err)
	}

	got := findingPaths(findings, EmptyDirectory)
	if len(got) != 1 || got[0] != emptyDir {
		t.Fatalf("expected only %s flagged empty, got %v", emptyDir, got)
	}
}

func TestDanglingSymlinkDetected(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	live := filepath.Join(dir, "live-link")
	if err := os.Symlink(target, live); err != nil {
		t.Fatal(err)
	}
	dangling := filepath.Join(dir, "dangling-link")
	if err := os.Symlink(filepath.Join(dir, "missing.txt"), dangling); err != nil {
		t.Fatal(err)
	}

	findings, err := New([]string{dir}, Config{}).Run()
	if err != nil {
		t.Fatal(err)
	}

	got := findingPaths(findings, DanglingSymlink)
	if len(got) != 1 || got[0] != dangling {
		t.Fatalf("expected only %s flagged dangling, got %v", dangling, got)
	}
}

func TestExcludePatternSkipsMatches(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "skip-me.tmp"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	kept := filepath.Join(dir, "flag-me.txt")
	if err := os.WriteFile(kept, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	findings, err := New([]string{dir}, Config{Excludes: []string{"*.tmp"}}).Run()
	if err != nil {
		t.Fatal(err)
	}

	got := findingPaths(findings, EmptyFile)
	if len(got) != 1 || got[0] != kept {
		t.Fatalf("expected only %s flagged empty, got %v", kept, got)
	}
}

func TestSkipEmptyFilesDisablesCheck(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "empty.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	findings, err := New([]string{dir}, Config{SkipEmptyFiles: true}).Run()
	if err != nil {
		t.Fatal(err)
	}

	if got := findingPaths(findings, EmptyFile); len(got) != 0 {
		t.Fatalf("expected no empty-file findings, got %v", got)
	}
}

func TestNonStrippedBinaryIgnoresNonELF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	findings, err := New([]string{dir}, Config{}).Run()
	if err != nil {
		t.Fatal(err)
	}

	if got := findingPaths(findings, NonStrippedBinary); len(got) != 0 {
		t.Fatalf("expected no non-stripped findings for a shell script, got %v", got)
	}
}
