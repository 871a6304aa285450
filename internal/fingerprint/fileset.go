package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Fingerprint is the digest of a resolved file-set, prefixed with the name of
// the strategy that produced it.
type Fingerprint string

// Absent is the fingerprint of a file-set whose pattern matched nothing.
const Absent Fingerprint = "absent"

// String returns the fingerprint text.
func (f Fingerprint) String() string { return string(f) }

// Snapshot is the fingerprint state of one task at a point in time.
type Snapshot struct {
	Signature string        `json:"signature"`
	Inputs    []Fingerprint `json:"inputs"`
	Outputs   []Fingerprint `json:"outputs"`
}

// FileSet is a declared pattern resolved against the file system.
type FileSet struct {
	Pattern     string
	Files       []string // slash-separated, relative to the hasher root
	Fingerprint Fingerprint
}

// Exists reports whether the pattern matched anything on disk.
func (s FileSet) Exists() bool { return s.Fingerprint != Absent }

// Hasher resolves patterns relative to Root and fingerprints them with Strategy.
// It is safe for concurrent use.
type Hasher struct {
	Root        string
	Strategy    Strategy
	Concurrency int
}

// NewHasher creates a Hasher. A nil strategy selects content hashing.
func NewHasher(root string, strategy Strategy) *Hasher {
	if strategy == nil {
		strategy = ContentHash{}
	}
	return &Hasher{
		Root:        root,
		Strategy:    strategy,
		Concurrency: runtime.NumCPU(),
	}
}

// Fingerprints returns one fingerprint per pattern, in declaration order.
func (h *Hasher) Fingerprints(ctx context.Context, patterns []string) ([]Fingerprint, error) {
	out := make([]Fingerprint, 0, len(patterns))
	for _, p := range patterns {
		set, err := h.FileSet(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, set.Fingerprint)
	}
	return out, nil
}

// FileSet resolves pattern and fingerprints every matched file.
func (h *Hasher) FileSet(ctx context.Context, pattern string) (FileSet, error) {
	files, exists, err := h.resolve(pattern)
	if err != nil {
		return FileSet{}, fmt.Errorf("resolve %q: %w", pattern, err)
	}
	if !exists {
		return FileSet{Pattern: pattern, Fingerprint: Absent}, nil
	}

	digests := make([]string, len(files))
	g, gctx := errgroup.WithContext(ctx)
	if h.Concurrency > 0 {
		g.SetLimit(h.Concurrency)
	}
	for i, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := h.Strategy.Digest(h.abs(rel), nil)
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", rel, err)
			}
			digests[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return FileSet{}, err
	}

	return FileSet{
		Pattern:     pattern,
		Files:       files,
		Fingerprint: h.combine(files, digests),
	}, nil
}

// combine hashes (path, digest) pairs with length prefixes so that distinct
// file lists can never produce the same byte stream.
func (h *Hasher) combine(files, digests []string) Fingerprint {
	sum := sha256.New()
	writeField := func(data string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(data)))
		sum.Write(n[:])
		sum.Write([]byte(data))
	}
	writeField(h.Strategy.Name())
	writeField(fmt.Sprint(len(files)))
	for i := range files {
		writeField(files[i])
		writeField(digests[i])
	}
	return Fingerprint(h.Strategy.Name() + ":" + hex.EncodeToString(sum.Sum(nil)))
}

func (h *Hasher) abs(rel string) string {
	p := filepath.FromSlash(rel)
	if filepath.IsAbs(p) || h.Root == "" {
		return p
	}
	return filepath.Join(h.Root, p)
}

func (h *Hasher) rel(path string) string {
	if h.Root == "" {
		return filepath.ToSlash(path)
	}
	r, err := filepath.Rel(h.Root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(r)
}

// resolve expands a pattern into a sorted, de-duplicated file list.
//
// Supported forms: a literal file, a literal directory (walked recursively),
// a filepath.Match glob, and a "dir/**/glob" recursive glob. The boolean
// result reports whether anything matched, so that an existing empty
// directory is distinguished from a missing path.
func (h *Hasher) resolve(pattern string) ([]string, bool, error) {
	if pattern == "" {
		return nil, false, errors.New("empty pattern")
	}

	seen := make(map[string]struct{})
	exists := false
	add := func(path string) { seen[h.rel(path)] = struct{}{} }

	if idx := strings.Index(pattern, "**"); idx >= 0 {
		base := strings.TrimSuffix(pattern[:idx], "/")
		suffix := strings.TrimPrefix(pattern[idx+2:], "/")
		root := h.abs(base)
		if base == "" {
			root = h.abs(".")
		}
		if _, err := os.Stat(root); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, false, nil
			}
			return nil, false, err
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(root, path)
			rel = filepath.ToSlash(rel)
			if suffix == "" || matchAny(suffix, rel) {
				add(path)
				exists = true
			}
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		return sortedKeys(seen), exists, nil
	}

	matches, err := filepath.Glob(h.abs(pattern))
	if err != nil {
		return nil, false, fmt.Errorf("invalid glob pattern: %w", err)
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return nil, false, err
		}
		exists = true
		if !info.IsDir() {
			add(m)
			continue
		}
		err = filepath.WalkDir(m, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, false, err
		}
	}
	return sortedKeys(seen), exists, nil
}

// matchAny matches suffix against the relative path and each of its tails,
// so "*.go" under "src/**" matches both "a.go" and "pkg/b.go".
func matchAny(suffix, rel string) bool {
	for {
		if ok, _ := filepath.Match(suffix, rel); ok {
			return true
		}
		i := strings.Index(rel, "/")
		if i < 0 {
			return false
		}
		rel = rel[i+1:]
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
