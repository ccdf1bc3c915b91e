// Package testutil provides shared test helpers for setting up proposal
// repositories and state stores.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/eipsmith/internal/index"
	"github.com/starford/eipsmith/internal/lint"
	"github.com/starford/eipsmith/internal/models"
)

// TestDB creates a temporary state store that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	db, err := index.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Proposal describes a proposal document to write into a test repository.
// Zero fields get valid defaults.
type Proposal struct {
	ID       int
	Title    string
	Status   models.Status
	Kind     models.Kind
	Requires []int
	// Body is appended after the sections the kind requires.
	Body string
	// Dir selects the NNNNN/index.md layout.
	Dir bool
}

// Path is the repository-relative path the proposal is written to.
func (p Proposal) Path() string {
	if p.Dir {
		return fmt.Sprintf("content/%05d/index.md", p.ID)
	}
	return fmt.Sprintf("content/%05d.md", p.ID)
}

// Markdown renders the document.
func (p Proposal) Markdown() string {
	title := p.Title
	if title == "" {
		title = fmt.Sprintf("Proposal %d", p.ID)
	}
	status := p.Status
	if status == "" {
		status = models.StatusDraft
	}
	kind := p.Kind
	if kind == "" {
		kind = models.KindPrimary
	}

	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "eip: %d\n", p.ID)
	fmt.Fprintf(&b, "title: %s\n", title)
	b.WriteString("author: Alice Smith (@alice)\n")
	fmt.Fprintf(&b, "status: %s\n", status)
	fmt.Fprintf(&b, "kind: %s\n", kind)
	b.WriteString("created: 2020-01-01\n")
	if len(p.Requires) > 0 {
		parts := make([]string, len(p.Requires))
		for i, r := range p.Requires {
			parts[i] = fmt.Sprint(r)
		}
		fmt.Fprintf(&b, "requires: %s\n", strings.Join(parts, ", "))
	}
	b.WriteString("---\n")
	for _, s := range lint.RequiredSections(kind) {
		fmt.Fprintf(&b, "## %s\n\nText for %s.\n\n", s, strings.ToLower(s))
	}
	b.WriteString(p.Body)
	return b.String()
}

// Repo is a proposal repository on disk.
type Repo struct {
	t    *testing.T
	Root string
}

// NewRepo creates an empty repository with a content directory.
func NewRepo(t *testing.T) *Repo {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "content"), 0o755); err != nil {
		t.Fatal(err)
	}
	return &Repo{t: t, Root: root}
}

// Write writes a repository-relative file.
func (r *Repo) Write(rel, content string) {
	r.t.Helper()
	p := filepath.Join(r.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		r.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		r.t.Fatal(err)
	}
}

// Remove deletes a repository-relative file or directory.
func (r *Repo) Remove(rel string) {
	r.t.Helper()
	if err := os.RemoveAll(filepath.Join(r.Root, filepath.FromSlash(rel))); err != nil {
		r.t.Fatal(err)
	}
}

// Read returns a repository-relative file.
func (r *Repo) Read(rel string) string {
	r.t.Helper()
	data, err := os.ReadFile(filepath.Join(r.Root, filepath.FromSlash(rel)))
	if err != nil {
		r.t.Fatal(err)
	}
	return string(data)
}

// Add writes proposals into the repository.
func (r *Repo) Add(props ...Proposal) {
	r.t.Helper()
	for _, p := range props {
		r.Write(p.Path(), p.Markdown())
	}
}
