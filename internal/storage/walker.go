package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/starford/eipsmith/internal/apperr"
)

const (
	indexFile = "index.md"
	assetsDir = "assets"
)

// Candidate is a discovered proposal before parsing.
type Candidate struct {
	ID     int
	Path   string // slash-separated, relative to the repository root
	Dir    bool
	Assets []string // slash-separated, relative to the proposal's assets directory
	// Err is set when this single proposal could not be read.
	Err error
}

// AssetPath returns the repository-relative path of an asset.
func (c Candidate) AssetPath(rel string) string {
	return path.Join(path.Dir(c.Path), assetsDir, rel)
}

// Walker enumerates proposals under a repository's content directory.
type Walker struct {
	store      *FS
	contentDir string
	exclude    []string
}

// NewWalker creates a walker over contentDir (relative to the store root).
// Entries matching any exclude glob (relative to contentDir) are skipped.
func NewWalker(store *FS, contentDir string, exclude []string) (*Walker, error) {
	for _, p := range exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("storage: invalid exclude pattern %q", p)
		}
	}
	return &Walker{store: store, contentDir: filepath.ToSlash(contentDir), exclude: exclude}, nil
}

// ContentDir returns the slash-separated content directory.
func (w *Walker) ContentDir() string {
	return w.contentDir
}

// Walk yields proposal candidates in ascending file-name order. Every range
// over the returned sequence re-reads the directory. A non-nil error is fatal
// and ends the sequence; per-proposal problems are reported in Candidate.Err.
func (w *Walker) Walk(ctx context.Context) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		base, err := w.store.safePath(w.contentDir)
		if err != nil {
			yield(Candidate{}, apperr.Wrap(apperr.ErrDiscovery, "walk", err))
			return
		}
		entries, err := os.ReadDir(base)
		if err != nil {
			yield(Candidate{}, apperr.Wrap(apperr.ErrDiscovery, "walk", err))
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				yield(Candidate{}, err)
				return
			}
			if w.excluded(e.Name()) {
				continue
			}
			c, ok := w.candidate(base, e)
			if !ok {
				continue
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// Collect drains Walk into a slice.
func (w *Walker) Collect(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	for c, err := range w.Walk(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (w *Walker) candidate(base string, e fs.DirEntry) (Candidate, bool) {
	name := e.Name()
	rel := path.Join(w.contentDir, name)

	if !e.IsDir() {
		stem, ok := strings.CutSuffix(name, ".md")
		if !ok {
			return Candidate{}, false
		}
		id, ok := parseNumber(stem)
		if !ok {
			return Candidate{}, false
		}
		return Candidate{ID: id, Path: rel}, true
	}

	id, ok := parseNumber(name)
	if !ok {
		return Candidate{}, false
	}
	c := Candidate{ID: id, Path: path.Join(rel, indexFile), Dir: true}

	info, err := os.Stat(filepath.Join(base, name, indexFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Candidate{}, false
	case err != nil:
		c.Err = fmt.Errorf("stat %s: %w", c.Path, err)
		return c, true
	case !info.Mode().IsRegular():
		c.Err = fmt.Errorf("%s is not a regular file", c.Path)
		return c, true
	}

	assets, err := w.assets(filepath.Join(base, name, assetsDir), path.Join(name, assetsDir))
	if err != nil {
		c.Err = fmt.Errorf("list assets of %s: %w", c.Path, err)
	}
	c.Assets = assets
	return c, true
}

func (w *Walker) assets(dir, relDir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		rel, relErr := filepath.Rel(dir, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && w.excluded(path.Join(relDir, rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			out = append(out, rel)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (w *Walker) excluded(rel string) bool {
	for _, p := range w.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// parseNumber accepts zero-padded decimal proposal numbers.
func parseNumber(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// IsProposalPath reports whether a repository-relative path names a proposal
// document (content/NNNNN.md or content/NNNNN/index.md).
func IsProposalPath(contentDir, p string) (int, bool) {
	p = path.Clean(filepath.ToSlash(p))
	rest, ok := strings.CutPrefix(p, path.Clean(contentDir)+"/")
	if !ok {
		return 0, false
	}
	if dir, ok := strings.CutSuffix(rest, "/"+indexFile); ok {
		if strings.Contains(dir, "/") {
			return 0, false
		}
		return parseNumber(dir)
	}
	stem, ok := strings.CutSuffix(rest, ".md")
	if !ok || strings.Contains(stem, "/") {
		return 0, false
	}
	return parseNumber(stem)
}

// IsAssetPath reports whether a repository-relative path lies inside a
// proposal's assets directory, returning the owning id and the path relative
// to that directory.
func IsAssetPath(contentDir, p string) (int, string, bool) {
	p = path.Clean(filepath.ToSlash(p))
	rest, ok := strings.CutPrefix(p, path.Clean(contentDir)+"/")
	if !ok {
		return 0, "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[1] != assetsDir || parts[2] == "" {
		return 0, "", false
	}
	id, ok := parseNumber(parts[0])
	if !ok {
		return 0, "", false
	}
	return id, parts[2], true
}
