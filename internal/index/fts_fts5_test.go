//go:build sqlite_fts5

package index

import (
	"strings"
	"testing"
)

func TestFTS5_TableExists(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM proposals_fts`).Scan(&count); err != nil {
		t.Fatalf("proposals_fts table missing: %v", err)
	}
}

func TestFTS5_SearchWithSnippet(t *testing.T) {
	db := testDB(t)
	row := ProposalRow{ID: 1559, Path: "content/01559.md", Title: "Fee market change", Checksum: "f1"}
	if err := db.UpsertProposal(row, "A transaction pricing mechanism that includes a fixed per-block network fee."); err != nil {
		t.Fatalf("UpsertProposal: %v", err)
	}

	results, err := db.Search("mechanism", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != 1559 {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].Snippet, "**mechanism**") {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	if err := db.DeleteProposal(1559); err != nil {
		t.Fatal(err)
	}
	if results, _ := db.Search("mechanism", 10); len(results) != 0 {
		t.Errorf("deleted proposal still found: %+v", results)
	}
}
