package index

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/eipsmith/internal/apperr"
	"github.com/starford/eipsmith/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchemaCreation(t *testing.T) {
	db := testDB(t)
	for _, table := range []string{"meta", "manifest", "statuses", "proposals"} {
		var count int
		if err := db.conn.QueryRow(`SELECT count(*) FROM ` + table).Scan(&count); err != nil {
			t.Fatalf("%s table missing: %v", table, err)
		}
	}
}

func TestManifestRoundTrip(t *testing.T) {
	db := testDB(t)
	built := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	e := models.ManifestEntry{ProposalID: 7, Content: "c", Upstream: "u", Artifact: "a", BuiltAt: built}
	if err := db.PutManifest(e); err != nil {
		t.Fatal(err)
	}
	e.Artifact = "a2"
	if err := db.PutManifest(e); err != nil {
		t.Fatal(err)
	}

	m, err := db.Manifest()
	if err != nil {
		t.Fatal(err)
	}
	got := m[7]
	if len(m) != 1 || got.Artifact != "a2" || got.Content != "c" || !got.BuiltAt.Equal(built) {
		t.Errorf("manifest = %+v", m)
	}

	if err := db.DeleteManifest(7); err != nil {
		t.Fatal(err)
	}
	if m, _ := db.Manifest(); len(m) != 0 {
		t.Errorf("entry survived delete: %+v", m)
	}
}

func TestManifest_IgnoresUnknownColumns(t *testing.T) {
	db := testDB(t)
	if _, err := db.conn.Exec(`ALTER TABLE manifest ADD COLUMN renderer TEXT NOT NULL DEFAULT 'zola'`); err != nil {
		t.Fatal(err)
	}
	if err := db.PutManifest(models.ManifestEntry{ProposalID: 1, Content: "c", Upstream: "u", Artifact: "a"}); err != nil {
		t.Fatal(err)
	}
	m, err := db.Manifest()
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if m[1].Artifact != "a" {
		t.Errorf("manifest = %+v", m)
	}
}

func TestStatuses(t *testing.T) {
	db := testDB(t)
	if err := db.RecordStatuses(map[int]models.Status{1: models.StatusFinal, 2: models.StatusDraft}); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordStatuses(map[int]models.Status{2: models.StatusReview}); err != nil {
		t.Fatal(err)
	}
	got, err := db.Statuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[2] != models.StatusReview {
		t.Errorf("statuses = %v", got)
	}
}

func TestOpenOrRecreate_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	if err := os.WriteFile(path, bytes.Repeat([]byte("not sqlite"), 1024), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); !errors.Is(err, apperr.ErrCacheConsistency) {
		t.Fatalf("Open(corrupt) err = %v", err)
	}

	db, recreated, err := OpenOrRecreate(path, discard())
	if err != nil {
		t.Fatalf("OpenOrRecreate: %v", err)
	}
	defer db.Close()
	if !recreated {
		t.Error("recreated = false")
	}
	if m, err := db.Manifest(); err != nil || len(m) != 0 {
		t.Errorf("manifest = %v, %v", m, err)
	}
}

func TestOpen_NewerSchemaRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.conn.Exec(`UPDATE meta SET value = '99' WHERE key = 'schema_version'`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if _, err := Open(path); !errors.Is(err, apperr.ErrCacheConsistency) {
		t.Errorf("err = %v", err)
	}
	db, recreated, err := OpenOrRecreate(path, discard())
	if err != nil || !recreated {
		t.Fatalf("OpenOrRecreate = %v, %v", recreated, err)
	}
	db.Close()
}

func TestSync(t *testing.T) {
	db := testDB(t)
	props := []*models.Proposal{
		{ID: 1, Path: "content/00001.md", Title: "Gas pricing", Status: models.StatusFinal, Raw: []byte("one"), Body: "uniqueword appears here"},
		{ID: 2, Path: "content/00002.md", Title: "Other", Raw: []byte("two"), Body: "nothing"},
	}
	if err := Sync(db, props, discard()); err != nil {
		t.Fatal(err)
	}
	results, err := db.Search("uniqueword", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != 1 || results[0].Path != "content/00001.md" {
		t.Errorf("search results = %+v", results)
	}

	if err := Sync(db, props[1:], discard()); err != nil {
		t.Fatal(err)
	}
	cs, _ := db.ProposalChecksums()
	if len(cs) != 1 || cs[2] == "" {
		t.Errorf("checksums after removal = %v", cs)
	}
}
