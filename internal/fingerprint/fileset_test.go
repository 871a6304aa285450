package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", StrategyContent, false},
		{"content", StrategyContent, false},
		{"xxhash", StrategyXXHash, false},
		{"timestamp", StrategyTimestamp, false},
		{"md5", "", true},
	}
	for _, tt := range tests {
		s, err := ParseStrategy(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseStrategy(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseStrategy(%q): %v", tt.in, err)
		}
		if s.Name() != tt.want {
			t.Errorf("ParseStrategy(%q) = %q, want %q", tt.in, s.Name(), tt.want)
		}
	}
}

func TestFileSet_Stability(t *testing.T) {
	for _, strategy := range []Strategy{ContentHash{}, XXHash{}, Timestamp{}} {
		t.Run(strategy.Name(), func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, root, "src/a.txt", "alpha")
			writeFile(t, root, "src/b.txt", "beta")

			h := NewHasher(root, strategy)
			ctx := context.Background()

			first, err := h.FileSet(ctx, "src")
			if err != nil {
				t.Fatalf("FileSet: %v", err)
			}
			second, err := h.FileSet(ctx, "src")
			if err != nil {
				t.Fatalf("FileSet: %v", err)
			}
			if first.Fingerprint != second.Fingerprint {
				t.Errorf("fingerprint not stable: %s != %s", first.Fingerprint, second.Fingerprint)
			}
			if !strings.HasPrefix(first.Fingerprint.String(), strategy.Name()+":") {
				t.Errorf("fingerprint %s missing strategy prefix", first.Fingerprint)
			}
			want := []string{"src/a.txt", "src/b.txt"}
			if !reflect.DeepEqual(first.Files, want) {
				t.Errorf("files = %v, want %v", first.Files, want)
			}
		})
	}
}

func TestFileSet_ContentChange(t *testing.T) {
	for _, strategy := range []Strategy{ContentHash{}, XXHash{}} {
		t.Run(strategy.Name(), func(t *testing.T) {
			root := t.TempDir()
			writeFile(t, root, "in.txt", "one")
			h := NewHasher(root, strategy)
			ctx := context.Background()

			before, err := h.FileSet(ctx, "in.txt")
			if err != nil {
				t.Fatalf("FileSet: %v", err)
			}
			writeFile(t, root, "in.txt", "two")
			after, err := h.FileSet(ctx, "in.txt")
			if err != nil {
				t.Fatalf("FileSet: %v", err)
			}
			if before.Fingerprint == after.Fingerprint {
				t.Error("expected fingerprint to change with content")
			}
		})
	}
}

func TestFileSet_TimestampChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "in.txt", "same")
	h := NewHasher(root, Timestamp{})
	ctx := context.Background()

	before, err := h.FileSet(ctx, "in.txt")
	if err != nil {
		t.Fatalf("FileSet: %v", err)
	}
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(root, "in.txt"), later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	after, err := h.FileSet(ctx, "in.txt")
	if err != nil {
		t.Fatalf("FileSet: %v", err)
	}
	if before.Fingerprint == after.Fingerprint {
		t.Error("expected fingerprint to change with mtime")
	}
}

func TestFileSet_RenameChangesFingerprint(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "d/a.txt", "x")
	h := NewHasher(root, nil)
	ctx := context.Background()

	before, _ := h.FileSet(ctx, "d")
	if err := os.Rename(filepath.Join(root, "d/a.txt"), filepath.Join(root, "d/b.txt")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	after, _ := h.FileSet(ctx, "d")
	if before.Fingerprint == after.Fingerprint {
		t.Error("expected rename to change the file-set fingerprint")
	}
}

func TestFileSet_Absent(t *testing.T) {
	root := t.TempDir()
	h := NewHasher(root, nil)
	ctx := context.Background()

	for _, pattern := range []string{"missing.txt", "nothing/*.go", "gone/**/*.go"} {
		set, err := h.FileSet(ctx, pattern)
		if err != nil {
			t.Fatalf("FileSet(%q): %v", pattern, err)
		}
		if set.Exists() {
			t.Errorf("FileSet(%q) should not exist", pattern)
		}
		if set.Fingerprint != Absent {
			t.Errorf("FileSet(%q) = %s, want %s", pattern, set.Fingerprint, Absent)
		}
	}
}

func TestFileSet_EmptyDirectoryExists(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "out"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	set, err := NewHasher(root, nil).FileSet(context.Background(), "out")
	if err != nil {
		t.Fatalf("FileSet: %v", err)
	}
	if !set.Exists() {
		t.Error("an existing empty directory should exist")
	}
}

func TestFileSet_Globs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "package main")
	writeFile(t, root, "src/util/str.go", "package util")
	writeFile(t, root, "src/util/notes.md", "# notes")
	writeFile(t, root, "README.md", "readme")

	h := NewHasher(root, nil)
	ctx := context.Background()

	tests := []struct {
		pattern string
		want    []string
	}{
		{"src/*.go", []string{"src/main.go"}},
		{"src/**/*.go", []string{"src/main.go", "src/util/str.go"}},
		{"src/**", []string{"src/main.go", "src/util/notes.md", "src/util/str.go"}},
		{"*.md", []string{"README.md"}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			set, err := h.FileSet(ctx, tt.pattern)
			if err != nil {
				t.Fatalf("FileSet: %v", err)
			}
			if !reflect.DeepEqual(set.Files, tt.want) {
				t.Errorf("files = %v, want %v", set.Files, tt.want)
			}
		})
	}
}

func TestFingerprints_DeclarationOrder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a", "a")
	writeFile(t, root, "b", "b")
	h := NewHasher(root, nil)
	ctx := context.Background()

	ab, err := h.Fingerprints(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Fingerprints: %v", err)
	}
	ba, err := h.Fingerprints(ctx, []string{"b", "a"})
	if err != nil {
		t.Fatalf("Fingerprints: %v", err)
	}
	if ab[0] != ba[1] || ab[1] != ba[0] {
		t.Errorf("fingerprints should follow declaration order: %v vs %v", ab, ba)
	}
}
