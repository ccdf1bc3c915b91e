package lint

import (
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/eipsmith/internal/graph"
	"github.com/starford/eipsmith/internal/markdown"
	"github.com/starford/eipsmith/internal/models"
)

const maxTitleLength = 44

// cslFence is the info string of fenced blocks holding one CSL-JSON item.
const cslFence = "csl-json"

var requiredSections = map[models.Kind][]string{
	models.KindPrimary: {
		"Abstract", "Specification", "Rationale", "Backwards Compatibility",
		"Security Considerations", "Copyright",
	},
	models.KindApplication: {
		"Abstract", "Specification", "Rationale", "Security Considerations", "Copyright",
	},
}

// RequiredSections returns the level-2 sections a proposal of kind must carry.
func RequiredSections(kind models.Kind) []string {
	return slices.Clone(requiredSections[kind])
}

func passThrough(rule string) func(*Context, *reporter) {
	return func(c *Context, r *reporter) {
		for _, d := range c.Pending {
			if d.Rule == rule {
				r.pass(d)
			}
		}
	}
}

func checkDuplicateID(c *Context, r *reporter) {
	if c.Graph == nil {
		return
	}
	for _, d := range c.Graph.Duplicates() {
		if d.Path == c.Proposal.Path {
			r.field("eip", "proposal number %d is already used by %s", d.ID, d.Kept)
		}
	}
}

func checkTitleLength(c *Context, r *reporter) {
	if n := utf8.RuneCountInString(c.Proposal.Title); n > maxTitleLength {
		r.field("title", "title is %d characters long; keep it to %d", n, maxTitleLength)
	}
}

func checkDiscussionsTo(c *Context, r *reporter) {
	v := c.Proposal.DiscussionsTo
	if v == "" {
		return
	}
	err := validation.Validate(v, validation.Required, is.URL)
	if err == nil && !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		r.field("discussions-to", "discussions-to must be an http(s) URL, got %q", v)
		return
	}
	if err != nil {
		r.field("discussions-to", "discussions-to %q: %v", v, err)
	}
}

func checkStatusTransition(c *Context, r *reporter) {
	p := c.Proposal
	if !p.Status.Valid() {
		return
	}
	from := models.StatusDraft
	if p.PreviousStatus != nil {
		from = *p.PreviousStatus
	}
	if !Reachable(from, p.Status) {
		r.field("status", "illegal status transition from %s to %s", from, p.Status)
	}
}

func checkRequiresExist(c *Context, r *reporter) {
	if c.Graph == nil {
		return
	}
	for _, e := range c.Graph.Dangling(c.Proposal.ID) {
		if e.Kind == graph.EdgeRequires && !c.Unreadable[e.To] {
			r.at(e.Pos, "required proposal %d does not exist", e.To)
		}
	}
}

func checkRequiresCycle(c *Context, r *reporter) {
	if c.Graph == nil {
		return
	}
	cycle, ok := c.Graph.CycleFrom(c.Proposal.ID)
	if !ok {
		return
	}
	parts := make([]string, 0, len(cycle)+1)
	for _, id := range cycle {
		parts = append(parts, strconv.Itoa(id))
	}
	parts = append(parts, strconv.Itoa(cycle[0]))
	r.field("requires", "requires cycle: %s", strings.Join(parts, " -> "))
}

func checkRequiresWithdrawn(c *Context, r *reporter) {
	p := c.Proposal
	if c.Graph == nil || p.Status == models.StatusWithdrawn {
		return
	}
	for _, id := range p.Requires {
		if dep, ok := c.Graph.Node(id); ok && dep.Status == models.StatusWithdrawn {
			r.field("requires", "requires proposal %d, which is Withdrawn", id)
		}
	}
}

func checkRequiresOrder(c *Context, r *reporter) {
	if !slices.IsSorted(c.Proposal.Requires) {
		r.field("requires", "requires should be listed in ascending order")
	}
}

func checkLinkResolvable(c *Context, r *reporter) {
	if c.Graph == nil {
		return
	}
	for _, e := range c.Graph.Dangling(c.Proposal.ID) {
		if e.Kind == graph.EdgeLink && !c.Unreadable[e.To] {
			r.at(e.Pos, "link target proposal %d does not exist", e.To)
		}
	}
}

func (c *Context) contentDir() string {
	if c.Graph == nil {
		return "content"
	}
	return c.Graph.ContentDir()
}

func checkAssetExists(c *Context, r *reporter) {
	p := c.Proposal
	for _, l := range c.Doc.Links {
		t := graph.Resolve(c.contentDir(), p.Path, l.Dest)
		if t.Kind != graph.TargetAsset {
			continue
		}
		assets := p.Assets
		if t.ID != p.ID {
			var owner *models.Proposal
			ok := false
			if c.Graph != nil {
				owner, ok = c.Graph.Node(t.ID)
			}
			if !ok {
				r.at(models.Position{Line: l.Line, Column: l.Column}, "asset %s belongs to missing proposal %d", t.Asset, t.ID)
				continue
			}
			assets = owner.Assets
		}
		if !slices.Contains(assets, t.Asset) {
			r.at(models.Position{Line: l.Line, Column: l.Column}, "asset %s does not exist", t.Path)
		}
	}
}

func checkAssetUnreferenced(c *Context, r *reporter) {
	p := c.Proposal
	if len(p.Assets) == 0 {
		return
	}
	used := make(map[string]bool)
	for _, l := range c.Doc.Links {
		t := graph.Resolve(c.contentDir(), p.Path, l.Dest)
		if t.Kind == graph.TargetAsset && t.ID == p.ID {
			used[t.Asset] = true
		}
	}
	for _, a := range p.Assets {
		// Raw HTML such as <img src="./assets/x.png"> is not scanned as a link.
		if used[a] || strings.Contains(p.Body, "assets/"+a) {
			continue
		}
		r.at(models.Position{Line: p.BodyLine, Column: 1}, "asset %s is never referenced", a)
	}
}

// checkHeadingHierarchy walks the outline; the preamble title acts as the
// implicit level-1 parent of the top-level sections.
func checkHeadingHierarchy(c *Context, r *reporter) {
	var walk func(parent int, secs []*markdown.Section)
	walk = func(parent int, secs []*markdown.Section) {
		for _, s := range secs {
			h := s.Heading
			pos := models.Position{Line: h.Line, Column: 1}
			switch {
			case h.Level == 1:
				r.at(pos, "level-1 heading %q: the title belongs in the preamble", h.Text)
			case h.Level > parent+1:
				r.at(pos, "heading %q jumps from level %d to level %d", h.Text, parent, h.Level)
			}
			walk(h.Level, s.Children)
		}
	}
	walk(1, c.Doc.Outline())
}

func checkRequiredSections(c *Context, r *reporter) {
	p := c.Proposal
	want, ok := requiredSections[p.Kind]
	if !ok {
		return
	}
	have := make(map[string]bool)
	for _, h := range c.Doc.Headings {
		if h.Level == 2 {
			have[strings.ToLower(strings.TrimSpace(h.Text))] = true
		}
	}
	for _, s := range want {
		if !have[strings.ToLower(s)] {
			r.at(models.Position{Line: p.BodyLine, Column: 1}, "missing required section %q for %s proposals", s, p.Kind.Label())
		}
	}
}

func checkCitationKey(c *Context, r *reporter) {
	missing := make(map[string]bool)
	for _, k := range c.Resolver.Resolve(c.Doc.CitationGroups()).Missing() {
		missing[k] = true
	}
	for _, m := range c.Doc.Citations {
		for _, k := range m.Keys {
			if missing[k] {
				r.at(models.Position{Line: m.Line, Column: m.Column}, "unresolved citation key %q", k)
			}
		}
	}
	for _, f := range c.Doc.Fences {
		if f.Info != cslFence {
			continue
		}
		if _, err := c.Resolver.RenderBlock(f.Content); err != nil {
			r.at(models.Position{Line: f.StartLine, Column: 1}, "invalid csl-json block: %v", err)
		}
	}
}
