// Package vcs reads previous revisions of the proposal repository from git.
// It never writes to the repository.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/starford/eipsmith/internal/apperr"
)

// History is the read-only view of version control the pipeline needs.
type History interface {
	// Show returns the content of path at rev. A path absent at rev yields
	// an error matching apperr.ErrNotFound.
	Show(ctx context.Context, rev, path string) ([]byte, error)
	// Changed lists repository paths that differ between rev and the
	// working tree, untracked files included.
	Changed(ctx context.Context, rev string) ([]string, error)
}

// Git implements History with the git command-line client.
type Git struct {
	root   string
	binary string
}

// NewGit returns a Git working in root. Paths are relative to root, which
// may be a subdirectory of the work tree.
func NewGit(root string) *Git {
	return &Git{root: root, binary: "git"}
}

// Available reports whether root is inside a git work tree and the client
// is installed.
func (g *Git) Available(ctx context.Context) bool {
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// Resolve returns the commit id rev points to.
func (g *Git) Resolve(ctx context.Context, rev string) (string, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", apperr.New(apperr.ErrNotFound, "vcs: resolve", "unknown revision %q", rev)
	}
	return strings.TrimSpace(string(out)), nil
}

// Show implements History.
func (g *Git) Show(ctx context.Context, rev, path string) ([]byte, error) {
	out, err := g.run(ctx, "show", rev+":./"+path)
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) && ctx.Err() == nil {
			return nil, apperr.New(apperr.ErrNotFound, "vcs: show", "%s at %s", path, rev)
		}
		return nil, fmt.Errorf("vcs: show %s:%s: %w", rev, path, err)
	}
	return out, nil
}

// Changed implements History.
func (g *Git) Changed(ctx context.Context, rev string) ([]string, error) {
	diff, err := g.run(ctx, "diff", "--relative", "--name-only", "-z", rev, "--")
	if err != nil {
		return nil, fmt.Errorf("vcs: diff against %s: %w", rev, err)
	}
	untracked, err := g.run(ctx, "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return nil, fmt.Errorf("vcs: list untracked: %w", err)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, chunk := range [][]byte{diff, untracked} {
		for _, p := range strings.Split(string(chunk), "\x00") {
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = g.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w (stderr: %s)", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
