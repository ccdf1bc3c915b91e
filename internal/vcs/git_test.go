package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"

	"github.com/starford/eipsmith/internal/apperr"
)

func gitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	git(t, dir, "init", "-q")
	return dir
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	full := append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGit_ShowAndChanged(t *testing.T) {
	dir := gitRepo(t)
	ctx := context.Background()
	writeFile(t, dir, "content/00001.md", "status: Draft\n")
	writeFile(t, dir, "content/00002.md", "status: Draft\n")
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-q", "-m", "initial")

	writeFile(t, dir, "content/00001.md", "status: Review\n")
	writeFile(t, dir, "content/00003/index.md", "new\n")

	g := NewGit(dir)
	if !g.Available(ctx) {
		t.Fatal("repository not detected")
	}
	if _, err := g.Resolve(ctx, "HEAD"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := g.Resolve(ctx, "no-such-branch"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Resolve unknown err = %v", err)
	}

	data, err := g.Show(ctx, "HEAD", "content/00001.md")
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if string(data) != "status: Draft\n" {
		t.Errorf("Show = %q", data)
	}
	if _, err := g.Show(ctx, "HEAD", "content/00003/index.md"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Show missing err = %v", err)
	}

	changed, err := g.Changed(ctx, "HEAD")
	if err != nil {
		t.Fatalf("Changed: %v", err)
	}
	want := []string{"content/00001.md", "content/00003/index.md"}
	if !slices.Equal(changed, want) {
		t.Errorf("Changed = %v, want %v", changed, want)
	}
}

func TestGit_NotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	// Keep git from discovering a repository above the temp dir.
	t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(dir))
	if NewGit(dir).Available(context.Background()) {
		t.Error("plain directory reported as a repository")
	}
}
