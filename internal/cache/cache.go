// Package cache decides which proposals need rebuilding and publishes their
// artifacts into the renderer project crash-consistently: artifacts are
// staged, atomically relocated, and only then committed to the manifest.
package cache

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/eipsmith/internal/apperr"
	"github.com/starford/eipsmith/internal/checksum"
	"github.com/starford/eipsmith/internal/graph"
	"github.com/starford/eipsmith/internal/models"
	"github.com/starford/eipsmith/internal/storage"
)

// Layout of the build directory.
const (
	SiteDir    = "site"
	ContentDir = "site/content"
	StagingDir = ".staging"
	PageFile   = "index.md"
	AssetsDir  = "assets"
)

// Manifest is the persistent record of what was last built.
type Manifest interface {
	Manifest() (map[int]models.ManifestEntry, error)
	PutManifest(models.ManifestEntry) error
	DeleteManifest(id int) error
}

// Cache tracks one run's view of the manifest and the build directory.
// Publish and Commit may be called concurrently for distinct ids.
type Cache struct {
	build    storage.Provider
	manifest Manifest
	now      func() time.Time

	mu      sync.Mutex
	entries map[int]models.ManifestEntry
}

// Open loads the manifest. build is rooted at the build directory.
func Open(build storage.Provider, m Manifest) (*Cache, error) {
	entries, err := m.Manifest()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrCacheConsistency, "cache.Open", err)
	}
	return &Cache{build: build, manifest: m, entries: entries, now: time.Now}, nil
}

// Entry returns the manifest entry of id.
func (c *Cache) Entry(id int) (models.ManifestEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok
}

// ArtifactDir is the build-relative directory of a proposal's artifact.
func ArtifactDir(id int) string {
	return path.Join(ContentDir, strconv.Itoa(id))
}

// Input carries the fingerprints computed for one proposal this run.
type Input struct {
	ID       int
	Content  string
	Upstream string
}

// Decision is the cache verdict for one proposal.
type Decision struct {
	ID      int
	Rebuild bool
	Reason  string
}

// Reasons reported in decisions.
const (
	ReasonFresh      = "up to date"
	ReasonNew        = "not built before"
	ReasonContent    = "content changed"
	ReasonUpstream   = "dependency changed"
	ReasonDependents = "reaches a changed proposal"
	ReasonArtifact   = "artifact missing or modified"
)

// Plan decides, for every input, whether its artifact can be reused. It
// runs single-threaded after the graph is complete; decisions come back
// in id order.
func (c *Cache) Plan(inputs []Input, g *graph.Graph) ([]Decision, error) {
	var changed []int
	for _, in := range inputs {
		if e, ok := c.entries[in.ID]; !ok || e.Content != in.Content {
			changed = append(changed, in.ID)
		}
	}
	closure := make(map[int]bool)
	if g != nil {
		for _, id := range g.TransitiveDependents(changed) {
			closure[id] = true
		}
	}

	out := make([]Decision, 0, len(inputs))
	for _, in := range inputs {
		d := Decision{ID: in.ID, Rebuild: true}
		e, ok := c.entries[in.ID]
		switch {
		case !ok:
			d.Reason = ReasonNew
		case e.Content != in.Content:
			d.Reason = ReasonContent
		case e.Upstream != in.Upstream:
			d.Reason = ReasonUpstream
		case closure[in.ID]:
			d.Reason = ReasonDependents
		default:
			fp, err := c.OnDisk(in.ID)
			if err != nil {
				return nil, err
			}
			if fp != e.Artifact {
				d.Reason = ReasonArtifact
			} else {
				d.Rebuild, d.Reason = false, ReasonFresh
			}
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Decision) int { return a.ID - b.ID })
	return out, nil
}

// File is one file of an artifact, relative to the artifact directory.
type File struct {
	Path string
	Data []byte
}

// Fingerprint is the artifact fingerprint of a set of files: a CIDv1 over
// their length-prefixed names and contents in path order.
func Fingerprint(files []File) string {
	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b File) int { return cmp.Compare(a.Path, b.Path) })
	var blob []byte
	for _, f := range sorted {
		blob = binary.BigEndian.AppendUint64(blob, uint64(len(f.Path)))
		blob = append(blob, f.Path...)
		blob = binary.BigEndian.AppendUint64(blob, uint64(len(f.Data)))
		blob = append(blob, f.Data...)
	}
	return checksum.ArtifactCID(blob)
}

// OnDisk fingerprints the artifact currently published for id, or returns
// "" when there is none.
func (c *Cache) OnDisk(id int) (string, error) {
	dir, err := c.build.Abs(ArtifactDir(id))
	if err != nil {
		return "", err
	}
	var files []File
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, File{Path: filepath.ToSlash(rel), Data: data})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: fingerprint artifact %d: %w", id, err)
	}
	return Fingerprint(files), nil
}

// Publish writes files to a staging directory and atomically moves it into
// place as id's artifact, replacing any previous one. It returns the
// artifact fingerprint. The manifest is not touched; call Commit after.
func (c *Cache) Publish(id int, files []File) (string, error) {
	const op = "cache.Publish"
	stage := path.Join(StagingDir, fmt.Sprintf("%d-%s", id, uuid.NewString()))
	for _, f := range files {
		if err := c.build.Write(path.Join(stage, f.Path), f.Data); err != nil {
			_ = c.build.Delete(stage)
			return "", fmt.Errorf("%s: stage %d: %w", op, id, err)
		}
	}

	final := ArtifactDir(id)
	var old string
	if c.build.Exists(final) {
		old = path.Join(StagingDir, fmt.Sprintf("%d-old-%s", id, uuid.NewString()))
		if err := c.build.Move(final, old); err != nil {
			_ = c.build.Delete(stage)
			return "", fmt.Errorf("%s: retire %d: %w", op, id, err)
		}
	}
	if err := c.build.Move(stage, final); err != nil {
		if old != "" {
			_ = c.build.Move(old, final)
		}
		_ = c.build.Delete(stage)
		return "", fmt.Errorf("%s: relocate %d: %w", op, id, err)
	}
	if old != "" {
		_ = c.build.Delete(old)
	}
	return Fingerprint(files), nil
}

// Commit records a published artifact in the manifest.
func (c *Cache) Commit(in Input, artifact string) error {
	e := models.ManifestEntry{
		ProposalID: in.ID,
		Content:    in.Content,
		Upstream:   in.Upstream,
		Artifact:   artifact,
		BuiltAt:    c.now().UTC(),
	}
	if err := c.manifest.PutManifest(e); err != nil {
		return fmt.Errorf("cache: commit %d: %w", in.ID, err)
	}
	c.mu.Lock()
	c.entries[in.ID] = e
	c.mu.Unlock()
	return nil
}

// Prune removes manifest entries and artifacts of proposals not in present,
// plus anything left in the staging area by an interrupted run. It returns
// the removed ids in order.
func (c *Cache) Prune(present map[int]bool) ([]int, error) {
	if err := c.build.Delete(StagingDir); err != nil {
		return nil, err
	}

	stale := make(map[int]bool)
	for id := range c.entries {
		if !present[id] {
			stale[id] = true
		}
	}
	contentAbs, err := c.build.Abs(ContentDir)
	if err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(contentAbs)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cache: list artifacts: %w", err)
	}
	for _, d := range dirs {
		id, convErr := strconv.Atoi(d.Name())
		if convErr != nil || !d.IsDir() || present[id] {
			continue
		}
		stale[id] = true
	}

	removed := make([]int, 0, len(stale))
	for id := range stale {
		removed = append(removed, id)
	}
	slices.Sort(removed)
	for _, id := range removed {
		if err := c.build.Delete(ArtifactDir(id)); err != nil {
			return nil, err
		}
		if err := c.manifest.DeleteManifest(id); err != nil {
			return nil, fmt.Errorf("cache: prune %d: %w", id, err)
		}
		delete(c.entries, id)
	}
	return removed, nil
}
