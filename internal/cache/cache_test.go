package cache

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/starford/eipsmith/internal/citation"
	"github.com/starford/eipsmith/internal/graph"
	"github.com/starford/eipsmith/internal/models"
	"github.com/starford/eipsmith/internal/storage"
)

type memManifest struct {
	entries map[int]models.ManifestEntry
	failPut bool
}

func (m *memManifest) Manifest() (map[int]models.ManifestEntry, error) {
	out := make(map[int]models.ManifestEntry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

func (m *memManifest) PutManifest(e models.ManifestEntry) error {
	if m.failPut {
		return errors.New("disk full")
	}
	m.entries[e.ProposalID] = e
	return nil
}

func (m *memManifest) DeleteManifest(id int) error {
	delete(m.entries, id)
	return nil
}

func newCache(t *testing.T, m *memManifest) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	fsys, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Open(fsys, m)
	if err != nil {
		t.Fatal(err)
	}
	return c, dir
}

func page(s string) []File { return []File{{Path: PageFile, Data: []byte(s)}} }

func build(t *testing.T, c *Cache, in Input, files []File) {
	t.Helper()
	fp, err := c.Publish(in.ID, files)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Commit(in, fp); err != nil {
		t.Fatal(err)
	}
}

func rebuilds(ds []Decision) []int {
	var out []int
	for _, d := range ds {
		if d.Rebuild {
			out = append(out, d.ID)
		}
	}
	return out
}

func TestPlan_Idempotent(t *testing.T) {
	m := &memManifest{entries: map[int]models.ManifestEntry{}}
	c, _ := newCache(t, m)
	inputs := []Input{{ID: 2, Content: "c2", Upstream: "u2"}, {ID: 1, Content: "c1", Upstream: "u1"}}

	ds, err := c.Plan(inputs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := rebuilds(ds); !slices.Equal(got, []int{1, 2}) || ds[0].Reason != ReasonNew {
		t.Fatalf("first plan = %+v", ds)
	}
	build(t, c, inputs[0], page("two"))
	build(t, c, inputs[1], page("one"))

	ds, _ = c.Plan(inputs, nil)
	if got := rebuilds(ds); len(got) != 0 {
		t.Fatalf("second plan rebuilds %v: %+v", got, ds)
	}
}

func TestPlan_PropagatesThroughDependents(t *testing.T) {
	props := []*models.Proposal{
		{ID: 1, Path: "content/00001.md"},
		{ID: 2, Path: "content/00002.md", Requires: []int{1}},
		{ID: 3, Path: "content/00003.md", Body: "[two](./00002.md)"},
		{ID: 4, Path: "content/00004.md"},
	}
	g := graph.Build(props, "content")
	m := &memManifest{entries: map[int]models.ManifestEntry{}}
	c, _ := newCache(t, m)
	var inputs []Input
	for _, p := range props {
		in := Input{ID: p.ID, Content: "v1", Upstream: "u"}
		inputs = append(inputs, in)
		build(t, c, in, page("x"))
	}

	inputs[0].Content = "v2"
	ds, err := c.Plan(inputs, g)
	if err != nil {
		t.Fatal(err)
	}
	if got := rebuilds(ds); !slices.Equal(got, []int{1, 2, 3}) {
		t.Fatalf("rebuilds = %v", got)
	}
	if ds[2].Reason != ReasonDependents {
		t.Errorf("reason for 3 = %q", ds[2].Reason)
	}
}

func TestPlan_CrashBeforeCommit(t *testing.T) {
	m := &memManifest{entries: map[int]models.ManifestEntry{}}
	c, _ := newCache(t, m)
	in := Input{ID: 1, Content: "v1", Upstream: "u"}
	build(t, c, in, page("old"))

	// New content is published but the process dies before Commit.
	in.Content = "v2"
	if _, err := c.Publish(1, page("new")); err != nil {
		t.Fatal(err)
	}
	c2, err := Open(c.build, m)
	if err != nil {
		t.Fatal(err)
	}
	ds, _ := c2.Plan([]Input{in}, nil)
	if !ds[0].Rebuild || ds[0].Reason != ReasonContent {
		t.Fatalf("decision = %+v", ds[0])
	}

	// A failing commit leaves the manifest at the old entry too.
	m.failPut = true
	fp, _ := c2.Publish(1, page("new"))
	if err := c2.Commit(in, fp); err == nil {
		t.Fatal("expected commit error")
	}
	if e, _ := c2.Entry(1); e.Content != "v1" {
		t.Errorf("entry updated despite failed commit: %+v", e)
	}
}

func TestPlan_ModifiedArtifact(t *testing.T) {
	m := &memManifest{entries: map[int]models.ManifestEntry{}}
	c, dir := newCache(t, m)
	in := Input{ID: 5, Content: "v", Upstream: "u"}
	build(t, c, in, []File{{Path: PageFile, Data: []byte("page")}, {Path: "assets/a.png", Data: []byte("png")}})

	if err := os.WriteFile(filepath.Join(dir, "site", "content", "5", "assets", "a.png"), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	ds, _ := c.Plan([]Input{in}, nil)
	if !ds[0].Rebuild || ds[0].Reason != ReasonArtifact {
		t.Fatalf("decision = %+v", ds[0])
	}

	if err := os.RemoveAll(filepath.Join(dir, "site", "content", "5")); err != nil {
		t.Fatal(err)
	}
	ds, _ = c.Plan([]Input{in}, nil)
	if ds[0].Reason != ReasonArtifact {
		t.Fatalf("decision after removal = %+v", ds[0])
	}
}

func TestPublish_ReplacesPreviousArtifact(t *testing.T) {
	m := &memManifest{entries: map[int]models.ManifestEntry{}}
	c, dir := newCache(t, m)
	build(t, c, Input{ID: 9}, []File{{Path: PageFile, Data: []byte("a")}, {Path: "assets/old.txt", Data: []byte("o")}})
	build(t, c, Input{ID: 9}, page("b"))

	if _, err := os.Stat(filepath.Join(dir, "site", "content", "9", "assets", "old.txt")); !os.IsNotExist(err) {
		t.Errorf("old asset survived: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "site", "content", "9", PageFile))
	if string(data) != "b" {
		t.Errorf("page = %q", data)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, StagingDir))
	if len(entries) != 0 {
		t.Errorf("staging leftovers: %v", entries)
	}
}

func TestPrune(t *testing.T) {
	m := &memManifest{entries: map[int]models.ManifestEntry{}}
	c, dir := newCache(t, m)
	build(t, c, Input{ID: 1}, page("1"))
	build(t, c, Input{ID: 2}, page("2"))
	if err := os.MkdirAll(filepath.Join(dir, "site", "content", "3"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, StagingDir, "7-leftover"), 0o755); err != nil {
		t.Fatal(err)
	}

	removed, err := c.Prune(map[int]bool{1: true})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(removed, []int{2, 3}) {
		t.Errorf("removed = %v", removed)
	}
	if _, ok := m.entries[2]; ok {
		t.Error("manifest entry 2 survived")
	}
	if _, err := os.Stat(filepath.Join(dir, StagingDir)); !os.IsNotExist(err) {
		t.Error("staging dir survived")
	}
	if _, err := os.Stat(filepath.Join(dir, "site", "content", "1", PageFile)); err != nil {
		t.Errorf("live artifact removed: %v", err)
	}
}

func TestFingerprints(t *testing.T) {
	a := Fingerprint([]File{{Path: "b", Data: []byte("2")}, {Path: "a", Data: []byte("1")}})
	b := Fingerprint([]File{{Path: "a", Data: []byte("1")}, {Path: "b", Data: []byte("2")}})
	if a != b || a == "" {
		t.Errorf("fingerprint depends on order: %s vs %s", a, b)
	}
	if a == Fingerprint([]File{{Path: "a", Data: []byte("12")}}) {
		t.Error("field boundaries not respected")
	}

	p := &models.Proposal{Raw: []byte("doc")}
	entry, err := citation.ParseEntry([]byte(`{"id":"k","type":"book"}`))
	if err != nil {
		t.Fatal(err)
	}
	base := ContentFingerprint(p, nil, nil, "s")
	if base != ContentFingerprint(p, nil, nil, "s") {
		t.Error("content fingerprint is not stable")
	}
	for name, fp := range map[string]string{
		"asset":    ContentFingerprint(p, []models.Asset{{Path: "x", Fingerprint: "y"}}, nil, "s"),
		"citation": ContentFingerprint(p, nil, []*citation.Entry{entry}, "s"),
		"salt":     ContentFingerprint(p, nil, nil, Salt("2", "apa")),
	} {
		if fp == base {
			t.Errorf("%s does not affect the content fingerprint", name)
		}
	}

	up := UpstreamFingerprint([]int{2, 1}, map[int]string{1: "a", 2: "b"})
	if up != UpstreamFingerprint([]int{1, 2}, map[int]string{1: "a", 2: "b"}) {
		t.Error("upstream fingerprint depends on order")
	}
	if up == UpstreamFingerprint([]int{1, 2}, map[int]string{1: "a", 2: "c"}) {
		t.Error("upstream fingerprint ignores dependency content")
	}
}
