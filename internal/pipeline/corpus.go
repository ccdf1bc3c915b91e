package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/starford/eipsmith/internal/apperr"
	"github.com/starford/eipsmith/internal/checksum"
	"github.com/starford/eipsmith/internal/citation"
	"github.com/starford/eipsmith/internal/graph"
	"github.com/starford/eipsmith/internal/lint"
	"github.com/starford/eipsmith/internal/models"
	"github.com/starford/eipsmith/internal/storage"
)

// corpus is one run's parsed view of the repository.
type corpus struct {
	root     *storage.FS
	units    []lint.Unit
	global   []models.Diagnostic
	assets   map[string][]models.Asset // by proposal path
	graph    *graph.Graph
	resolver *citation.Resolver
	// unreadable holds ids whose source file could not be read.
	unreadable []int
}

type loaded struct {
	prop       *models.Proposal
	pending    []models.Diagnostic
	assets     []models.Asset
	unreadable bool
}

// load discovers and parses every proposal, resolves previous statuses and
// loads the bibliography. recorded supplies statuses from the last build
// when no history is available.
func (p *Pipeline) load(ctx context.Context, recorded map[int]models.Status) (*corpus, error) {
	root, err := storage.NewFS(p.opts.Root)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDiscovery, "pipeline: open root", err)
	}
	walker, err := storage.NewWalker(root, p.opts.ContentDir, p.opts.Exclude)
	if err != nil {
		return nil, err
	}
	cands, err := walker.Collect(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]loaded, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, c := range cands {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.loadOne(gctx, root, c, recorded)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline: load: %w", err)
	}

	resolver, bibDiags, err := p.loadCitations(root)
	if err != nil {
		return nil, err
	}

	c := &corpus{
		root:     root,
		global:   bibDiags,
		assets:   make(map[string][]models.Asset, len(results)),
		resolver: resolver,
	}
	var props []*models.Proposal
	for _, r := range results {
		if r.unreadable {
			c.global = append(c.global, r.pending...)
			c.unreadable = append(c.unreadable, r.prop.ID)
			continue
		}
		props = append(props, r.prop)
		c.units = append(c.units, lint.Unit{Proposal: r.prop, Pending: r.pending})
		c.assets[r.prop.Path] = r.assets
	}
	c.graph = graph.Build(props, p.opts.ContentDir)

	p.logger.Info("repository loaded",
		slog.Int("proposals", len(c.units)),
		slog.Int("unreadable", len(c.unreadable)),
		slog.Int("bibliography_entries", resolver.Store().Len()))
	return c, nil
}

func (p *Pipeline) loadOne(ctx context.Context, root *storage.FS, c storage.Candidate, recorded map[int]models.Status) loaded {
	stub := &models.Proposal{ID: c.ID, Path: c.Path, Dir: c.Dir, SchemaFailed: true}
	if c.Err != nil {
		return loaded{prop: stub, unreadable: true, pending: []models.Diagnostic{discovery(c.ID, c.Path, c.Err)}}
	}
	data, err := root.Read(c.Path)
	if err != nil {
		return loaded{prop: stub, unreadable: true, pending: []models.Diagnostic{discovery(c.ID, c.Path, err)}}
	}

	prop, diags := p.parser.Parse(c.Path, c.ID, data)
	prop.Dir = c.Dir
	prop.Assets = c.Assets
	l := loaded{prop: prop, pending: diags}

	for _, rel := range c.Assets {
		ap := c.AssetPath(rel)
		b, err := root.Read(ap)
		if err != nil {
			l.pending = append(l.pending, discovery(c.ID, ap, err))
			continue
		}
		l.assets = append(l.assets, models.Asset{Path: rel, Fingerprint: checksum.Sum(b)})
	}

	if prop.ID == c.ID && prop.Status.Valid() {
		prop.PreviousStatus = p.previousStatus(ctx, prop, recorded)
	}
	return l
}

func discovery(id int, p string, err error) models.Diagnostic {
	return models.Diagnostic{
		Severity: models.SeverityError,
		Rule:     lint.RuleDiscovery,
		Kind:     models.KindDiscovery,
		Message:  fmt.Sprintf("cannot read %s: %v", p, err),
		Location: models.Location{Path: p, ProposalID: id, Line: 1, Column: 1},
	}
}

// previousStatus reads the proposal's status at the base revision. Without
// history, or when history fails, the status recorded by the last build is
// used. nil means the proposal is new.
func (p *Pipeline) previousStatus(ctx context.Context, prop *models.Proposal, recorded map[int]models.Status) *models.Status {
	if p.history != nil && p.opts.BaseRef != "" {
		found, status, err := p.historicStatus(ctx, prop)
		if err == nil {
			if !found {
				return nil
			}
			return status
		}
		p.logger.Warn("history lookup failed, using recorded status",
			slog.Int("id", prop.ID), slog.String("error", err.Error()))
	}
	if s, ok := recorded[prop.ID]; ok {
		return &s
	}
	return nil
}

func (p *Pipeline) historicStatus(ctx context.Context, prop *models.Proposal) (bool, *models.Status, error) {
	for _, candidate := range []string{prop.Path, alternatePath(prop)} {
		data, err := p.history.Show(ctx, p.opts.BaseRef, candidate)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, nil, err
		}
		prev, _ := p.parser.Parse(candidate, prop.ID, data)
		if !prev.Status.Valid() {
			return true, nil, nil
		}
		s := prev.Status
		return true, &s, nil
	}
	return false, nil, nil
}

// alternatePath is the proposal's path in the other supported layout.
func alternatePath(prop *models.Proposal) string {
	if prop.Dir {
		return path.Dir(prop.Path) + ".md"
	}
	return strings.TrimSuffix(prop.Path, ".md") + "/index.md"
}

// loadCitations resolves the citation style and bibliography. A missing or
// corrupt bibliography is fatal only when citations are required.
func (p *Pipeline) loadCitations(root *storage.FS) (*citation.Resolver, []models.Diagnostic, error) {
	style, err := citation.LoadStyle(p.opts.Style, root.Read)
	if err != nil {
		return nil, nil, err
	}
	if p.opts.Bibliography == "" {
		return citation.NewResolver(nil, style), nil, nil
	}

	var (
		store *citation.Store
		diags []models.Diagnostic
	)
	data, err := root.Read(p.opts.Bibliography)
	if err != nil {
		err = apperr.Wrap(apperr.ErrCitation, "pipeline: read bibliography", err)
	} else {
		store, diags, err = citation.Load(p.opts.Bibliography, data)
	}
	if err != nil {
		if p.opts.CitationsRequired {
			return nil, nil, err
		}
		p.logger.Warn("bibliography unusable, continuing without it", slog.String("error", err.Error()))
		diags = []models.Diagnostic{{
			Severity: models.SeverityWarning,
			Rule:     citation.Rule,
			Kind:     models.KindCitation,
			Message:  fmt.Sprintf("bibliography is unusable: %v", err),
			Location: models.Location{Path: p.opts.Bibliography, Line: 1, Column: 1},
		}}
		return citation.NewResolver(nil, style), diags, nil
	}
	return citation.NewResolver(store, style), diags, nil
}

// lint runs the rule engine over the corpus.
func (p *Pipeline) lint(ctx context.Context, c *corpus) (*lint.Report, error) {
	return p.engine.Run(ctx, lint.Input{
		Units:      c.units,
		Graph:      c.graph,
		Resolver:   c.resolver,
		Global:     c.global,
		Unreadable: c.unreadable,
	})
}
