// Package graph builds the reference graph between proposals: requires
// edges from the preamble, link edges from markdown links that resolve to
// another proposal, and citation edges to bibliography keys.
package graph

import (
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/starford/eipsmith/internal/markdown"
	"github.com/starford/eipsmith/internal/models"
	"github.com/starford/eipsmith/internal/storage"
)

// EdgeKind is the type of a reference.
type EdgeKind string

const (
	EdgeRequires EdgeKind = "requires"
	EdgeLink     EdgeKind = "link"
	EdgeCitation EdgeKind = "citation"
)

// Edge is one reference from a proposal. Key is set for citation edges, To
// for the others.
type Edge struct {
	Kind EdgeKind
	From int
	To   int
	Key  string
	Pos  models.Position
}

// Duplicate records a proposal file whose id was already taken by an earlier
// (lexically smaller) path.
type Duplicate struct {
	ID   int
	Path string
	Kept string
}

// Graph is the immutable reference graph of one run.
type Graph struct {
	contentDir string
	ids        []int
	nodes      map[int]*models.Proposal
	docs       map[int]*markdown.Document
	out        map[int][]Edge
	in         map[int]map[int]struct{}
	dups       []Duplicate
	cycles     [][]int
	cycleAt    map[int][]int
}

// Build indexes the proposals and their references. Build never fails:
// dangling targets, duplicates and cycles are queried afterwards.
func Build(props []*models.Proposal, contentDir string) *Graph {
	g := &Graph{
		contentDir: contentDir,
		nodes:      make(map[int]*models.Proposal, len(props)),
		docs:       make(map[int]*markdown.Document, len(props)),
		out:        make(map[int][]Edge, len(props)),
		in:         make(map[int]map[int]struct{}),
	}

	sorted := slices.Clone(props)
	slices.SortFunc(sorted, func(a, b *models.Proposal) int { return strings.Compare(a.Path, b.Path) })
	for _, p := range sorted {
		if p.ID <= 0 {
			continue
		}
		if kept, ok := g.nodes[p.ID]; ok {
			g.dups = append(g.dups, Duplicate{ID: p.ID, Path: p.Path, Kept: kept.Path})
			continue
		}
		g.nodes[p.ID] = p
		g.ids = append(g.ids, p.ID)
	}
	slices.Sort(g.ids)

	for _, id := range g.ids {
		p := g.nodes[id]
		doc := markdown.Parse(p.Body, p.BodyLine)
		g.docs[id] = doc

		reqPos := p.FieldPos("requires")
		for _, r := range p.Requires {
			g.addEdge(Edge{Kind: EdgeRequires, From: id, To: r, Pos: reqPos})
		}
		for _, l := range doc.Links {
			t := Resolve(contentDir, p.Path, l.Dest)
			if t.Kind != TargetProposal || t.ID == id {
				continue
			}
			g.addEdge(Edge{Kind: EdgeLink, From: id, To: t.ID, Pos: models.Position{Line: l.Line, Column: l.Column}})
		}
		for _, c := range doc.Citations {
			for _, k := range c.Keys {
				g.out[id] = append(g.out[id], Edge{
					Kind: EdgeCitation, From: id, Key: k,
					Pos: models.Position{Line: c.Line, Column: c.Column},
				})
			}
		}
	}

	g.cycles = g.findCycles()
	g.cycleAt = make(map[int][]int, len(g.cycles))
	for _, c := range g.cycles {
		g.cycleAt[c[0]] = c
	}
	return g
}

func (g *Graph) addEdge(e Edge) {
	g.out[e.From] = append(g.out[e.From], e)
	from, ok := g.in[e.To]
	if !ok {
		from = make(map[int]struct{})
		g.in[e.To] = from
	}
	from[e.From] = struct{}{}
}

// ContentDir is the repository-relative content directory the graph was
// resolved against.
func (g *Graph) ContentDir() string { return g.contentDir }

// IDs returns every node id in ascending order.
func (g *Graph) IDs() []int { return slices.Clone(g.ids) }

// Node returns the proposal owning id.
func (g *Graph) Node(id int) (*models.Proposal, bool) {
	p, ok := g.nodes[id]
	return p, ok
}

// Document returns the scanned body of a node.
func (g *Graph) Document(id int) *markdown.Document {
	return g.docs[id]
}

// Edges returns the outgoing references of id in source order.
func (g *Graph) Edges(id int) []Edge { return g.out[id] }

// Duplicates returns the files that lost their id to an earlier path.
func (g *Graph) Duplicates() []Duplicate { return g.dups }

// Dangling returns the requires and link edges of id whose target is not in
// the graph.
func (g *Graph) Dangling(id int) []Edge {
	var out []Edge
	for _, e := range g.out[id] {
		if e.Kind == EdgeCitation {
			continue
		}
		if _, ok := g.nodes[e.To]; !ok {
			out = append(out, e)
		}
	}
	return out
}

// Upstream returns the existing proposals id references directly, sorted.
func (g *Graph) Upstream(id int) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, e := range g.out[id] {
		if e.Kind == EdgeCitation {
			continue
		}
		if _, ok := g.nodes[e.To]; !ok {
			continue
		}
		if _, ok := seen[e.To]; ok {
			continue
		}
		seen[e.To] = struct{}{}
		out = append(out, e.To)
	}
	slices.Sort(out)
	return out
}

// Dependents returns the proposals that reference id directly, sorted.
func (g *Graph) Dependents(id int) []int {
	out := make([]int, 0, len(g.in[id]))
	for from := range g.in[id] {
		out = append(out, from)
	}
	slices.Sort(out)
	return out
}

// TransitiveDependents returns every proposal that reaches one of ids
// through requires or link edges, sorted. A seed is only included when it
// is itself reachable from another seed.
func (g *Graph) TransitiveDependents(ids []int) []int {
	seen := make(map[int]struct{})
	queue := slices.Clone(ids)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for from := range g.in[cur] {
			if _, ok := seen[from]; ok {
				continue
			}
			seen[from] = struct{}{}
			queue = append(queue, from)
		}
	}
	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// TargetKind classifies a link destination.
type TargetKind int

const (
	TargetExternal TargetKind = iota
	TargetProposal
	TargetAsset
	TargetLocal
)

// Target is a resolved link destination. Path is the repository-relative
// path for local targets; Fragment keeps any #anchor.
type Target struct {
	Kind     TargetKind
	ID       int
	Asset    string
	Path     string
	Fragment string
}

// Resolve classifies dest as written in the proposal at fromPath.
// Destinations with a scheme (or protocol-relative ones) are external.
// A leading slash is relative to the repository root.
func Resolve(contentDir, fromPath, dest string) Target {
	u, err := url.Parse(dest)
	if err != nil || u.Scheme != "" || u.Host != "" || strings.HasPrefix(dest, "//") {
		return Target{Kind: TargetExternal}
	}
	if u.Path == "" {
		return Target{Kind: TargetLocal, Fragment: u.Fragment}
	}

	var p string
	if strings.HasPrefix(u.Path, "/") {
		p = path.Clean(strings.TrimPrefix(u.Path, "/"))
	} else {
		p = path.Join(path.Dir(fromPath), u.Path)
	}

	if id, ok := storage.IsProposalPath(contentDir, p); ok {
		return Target{Kind: TargetProposal, ID: id, Path: p, Fragment: u.Fragment}
	}
	if id, ok := storage.IsProposalPath(contentDir, p+"/index.md"); ok {
		return Target{Kind: TargetProposal, ID: id, Path: p, Fragment: u.Fragment}
	}
	if id, rel, ok := storage.IsAssetPath(contentDir, p); ok {
		return Target{Kind: TargetAsset, ID: id, Asset: rel, Path: p, Fragment: u.Fragment}
	}
	return Target{Kind: TargetLocal, Path: p, Fragment: u.Fragment}
}
