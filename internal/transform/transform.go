// Package transform turns a parsed proposal into the renderer-ready page:
// canonical links, rendered citations and a YAML front matter block.
package transform

import (
	"bytes"
	"fmt"
	"path"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/eipsmith/internal/apperr"
	"github.com/starford/eipsmith/internal/citation"
	"github.com/starford/eipsmith/internal/graph"
	"github.com/starford/eipsmith/internal/markdown"
	"github.com/starford/eipsmith/internal/models"
)

// Version changes whenever the output of Transform changes for the same
// input; it is part of every content fingerprint.
const Version = "3"

// Template is the renderer template used for proposal pages.
const Template = "proposal.html"

const cslFence = "csl-json"

// URLPath is the canonical site path of a proposal.
func URLPath(id int) string {
	return "/" + strconv.Itoa(id) + "/"
}

// ParseURLPath is the inverse of URLPath.
func ParseURLPath(s string) (int, bool) {
	inner, ok := strings.CutPrefix(s, "/")
	if !ok {
		return 0, false
	}
	inner, ok = strings.CutSuffix(inner, "/")
	if !ok || inner == "" || inner[0] == '0' {
		return 0, false
	}
	for _, r := range inner {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.Atoi(inner)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// AssetURL is the canonical site path of a proposal asset.
func AssetURL(id int, rel string) string {
	return URLPath(id) + "assets/" + rel
}

// Transformer holds the per-run lookups a transform needs. It is safe for
// concurrent use.
type Transformer struct {
	graph    *graph.Graph
	resolver *citation.Resolver
}

// New returns a transformer over the run's graph and citation resolver.
func New(g *graph.Graph, r *citation.Resolver) *Transformer {
	if r == nil {
		r = citation.NewResolver(nil, nil)
	}
	return &Transformer{graph: g, resolver: r}
}

// Transform produces the artifact for p. assets is the already
// fingerprinted asset manifest. The result depends only on its inputs.
func (t *Transformer) Transform(p *models.Proposal, assets []models.Asset) (*models.ContentArtifact, error) {
	const op = "transform.Transform"
	if p.SchemaFailed {
		return nil, apperr.New(apperr.ErrTransform, op, "%s: preamble failed validation", p.Path)
	}

	var doc *markdown.Document
	if n, ok := t.graph.Node(p.ID); ok && n == p {
		doc = t.graph.Document(p.ID)
	} else {
		doc = markdown.Parse(p.Body, p.BodyLine)
	}
	bib := t.resolver.Resolve(doc.CitationGroups())

	var failure error
	v := markdown.Visitor{
		Link: func(l markdown.Link) (string, bool) {
			out, ok, err := t.rewriteLink(p, l)
			if err != nil && failure == nil {
				failure = err
			}
			return out, ok
		},
		Citation: func(c markdown.Citation) (string, bool) {
			return bib.Marker(c.Keys)
		},
		Fence: func(f markdown.Fence) (string, bool) {
			if f.Info != cslFence {
				return "", false
			}
			ref, err := t.resolver.RenderBlock(f.Content)
			if err != nil {
				return "", false
			}
			return ref + "\n", true
		},
	}
	body := v.Walk(p.Body, p.BodyLine)
	if failure != nil {
		return nil, apperr.Wrap(apperr.ErrTransform, op, fmt.Errorf("%s: %w", p.Path, failure))
	}
	if sec := bib.Section(); sec != "" {
		body = strings.TrimRight(body, "\n") + "\n\n" + sec
	}

	fm, err := t.frontMatter(p)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTransform, op, fmt.Errorf("%s: front matter: %w", p.Path, err))
	}
	return &models.ContentArtifact{
		ProposalID:  p.ID,
		FrontMatter: fm,
		Body:        body,
		Assets:      assets,
	}, nil
}

func (t *Transformer) rewriteLink(p *models.Proposal, l markdown.Link) (string, bool, error) {
	target := graph.Resolve(t.graph.ContentDir(), p.Path, l.Dest)
	var dest string
	switch target.Kind {
	case graph.TargetProposal:
		n, ok := t.graph.Node(target.ID)
		if !ok {
			return "", false, nil
		}
		dest = URLPath(target.ID)
		if l.Title == "" && !l.Image {
			l.Title = fmt.Sprintf("%s: %s (%s)", n.Label(), n.Title, n.Status)
		}
	case graph.TargetAsset:
		dest = AssetURL(target.ID, target.Asset)
	default:
		return "", false, nil
	}

	if !roundTrips(dest, target) {
		return "", false, fmt.Errorf("line %d: rewrite of %q produced %q", l.Line, l.Dest, dest)
	}
	if target.Fragment != "" {
		dest += "#" + target.Fragment
	}
	if strings.ContainsAny(dest, " \t") {
		dest = "<" + dest + ">"
	}
	l.Dest = dest
	return markdown.FormatLink(l), true, nil
}

// roundTrips checks that a rewritten destination maps back to its target.
func roundTrips(dest string, t graph.Target) bool {
	base := dest
	if t.Kind == graph.TargetAsset {
		rel, ok := strings.CutPrefix(dest, URLPath(t.ID)+"assets/")
		if !ok || rel == "" || strings.HasPrefix(rel, "../") {
			return false
		}
		base = URLPath(t.ID)
	}
	id, ok := ParseURLPath(base)
	return ok && id == t.ID
}

type requirement struct {
	Number int           `yaml:"number"`
	Title  string        `yaml:"title,omitempty"`
	Status models.Status `yaml:"status,omitempty"`
	Path   string        `yaml:"path,omitempty"`
}

type extra struct {
	Number        int               `yaml:"number"`
	Status        models.Status     `yaml:"status"`
	Kind          models.Kind       `yaml:"kind"`
	Category      models.Category   `yaml:"category,omitempty"`
	Requires      []requirement     `yaml:"requires,omitempty"`
	AuthorDetails []models.Author   `yaml:"author_details"`
	DiscussionsTo string            `yaml:"discussions_to,omitempty"`
	Fields        map[string]string `yaml:",inline"`
}

type frontMatter struct {
	Title       string              `yaml:"title"`
	Description string              `yaml:"description,omitempty"`
	Date        string              `yaml:"date"`
	Slug        string              `yaml:"slug"`
	Draft       bool                `yaml:"draft"`
	Template    string              `yaml:"template"`
	Aliases     []string            `yaml:"aliases"`
	Authors     []string            `yaml:"authors"`
	Taxonomies  map[string][]string `yaml:"taxonomies"`
	Extra       extra               `yaml:"extra"`
}

var reservedExtra = map[string]bool{
	"number": true, "status": true, "kind": true, "category": true,
	"requires": true, "author_details": true, "discussions_to": true,
}

func (t *Transformer) frontMatter(p *models.Proposal) ([]byte, error) {
	stem := strings.TrimSuffix(path.Base(p.Path), ".md")
	if p.Dir {
		stem = path.Base(path.Dir(p.Path))
	}
	fm := frontMatter{
		Title:       p.Title,
		Description: p.Description,
		Slug:        strconv.Itoa(p.ID),
		Draft:       !p.Status.Published(),
		Template:    Template,
		Aliases: []string{
			fmt.Sprintf("EIPS/eip-%d", p.ID),
			fmt.Sprintf("ERCS/erc-%d", p.ID),
			stem,
		},
		Taxonomies: map[string][]string{
			"status": {string(p.Status)},
			"kind":   {p.Kind.Label()},
		},
		Extra: extra{
			Number:        p.ID,
			Status:        p.Status,
			Kind:          p.Kind,
			Category:      p.Category,
			AuthorDetails: p.Authors,
			DiscussionsTo: p.DiscussionsTo,
		},
	}
	if !p.Created.IsZero() {
		fm.Date = p.Created.Format("2006-01-02")
	}
	if p.Category != "" {
		fm.Taxonomies["category"] = []string{string(p.Category)}
	}
	for _, a := range p.Authors {
		fm.Authors = append(fm.Authors, a.Name)
	}
	for _, id := range p.Requires {
		req := requirement{Number: id}
		if n, ok := t.graph.Node(id); ok {
			req.Title, req.Status, req.Path = n.Title, n.Status, URLPath(id)
		}
		fm.Extra.Requires = append(fm.Extra.Requires, req)
	}
	for _, f := range p.Extra {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if reservedExtra[key] {
			continue
		}
		if fm.Extra.Fields == nil {
			fm.Extra.Fields = make(map[string]string)
		}
		fm.Extra.Fields[key] = f.Value
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Page renders an artifact as the renderer's page file.
func Page(a *models.ContentArtifact) []byte {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(a.FrontMatter)
	buf.WriteString("---\n\n")
	buf.WriteString(a.Body)
	if !strings.HasSuffix(a.Body, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// SectionIndex is the renderer's section page listing every proposal.
func SectionIndex(title string) []byte {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	// Encoding a fixed map of strings cannot fail.
	_ = enc.Encode(map[string]any{"title": title, "sort_by": "slug", "template": "index.html"})
	_ = enc.Close()
	buf.WriteString("---\n")
	return buf.Bytes()
}
