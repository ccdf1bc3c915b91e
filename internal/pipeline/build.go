package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/eipsmith/internal/apperr"
	"github.com/starford/eipsmith/internal/cache"
	"github.com/starford/eipsmith/internal/citation"
	"github.com/starford/eipsmith/internal/index"
	"github.com/starford/eipsmith/internal/lint"
	"github.com/starford/eipsmith/internal/lock"
	"github.com/starford/eipsmith/internal/metrics"
	"github.com/starford/eipsmith/internal/models"
	"github.com/starford/eipsmith/internal/storage"
	"github.com/starford/eipsmith/internal/transform"
)

// BuildResult summarises one build. Id lists are sorted.
type BuildResult struct {
	RunID          string `json:"run_id"`
	Rebuilt        []int  `json:"rebuilt"`
	Reused         []int  `json:"reused"`
	Failed         []int  `json:"failed"`
	Removed        []int  `json:"removed"`
	SiteDir        string `json:"site_dir"`
	OutputDir      string `json:"output_dir"`
	Rendered       bool   `json:"rendered"`
	RendererOutput string `json:"renderer_output,omitempty"`
	// StateRecreated is set when the state store was unusable and every
	// proposal was rebuilt.
	StateRecreated bool `json:"state_recreated"`

	Report *lint.Report `json:"-"`
}

// Build validates the repository, publishes every changed artifact into the
// renderer project and runs the renderer. Artifacts are produced even when
// validation fails; the returned error then matches
// apperr.ErrValidationFailed and the report and result are still returned.
func (p *Pipeline) Build(ctx context.Context) (*lint.Report, *BuildResult, error) {
	res := &BuildResult{
		RunID:     uuid.NewString(),
		SiteDir:   filepath.Join(p.opts.BuildDir, filepath.FromSlash(cache.SiteDir)),
		OutputDir: filepath.Join(p.opts.BuildDir, OutputDir),
	}
	logger := p.logger.With(slog.String("run_id", res.RunID), slog.String("op", "build"))
	rec := p.recorder()

	if err := os.MkdirAll(p.opts.BuildDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("pipeline: create build dir: %w", err)
	}
	l, err := lock.Acquire(ctx, p.lockPath(), p.opts.LockWait, logger)
	if err != nil {
		return nil, nil, err
	}
	defer l.Release()

	db, recreated, err := index.OpenOrRecreate(p.statePath(), logger)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()
	res.StateRecreated = recreated

	recorded, err := db.Statuses()
	if err != nil {
		logger.Warn("recorded statuses unavailable", slog.String("error", err.Error()))
	}

	done := rec.Stage("load")
	c, err := p.load(ctx, recorded)
	done()
	if err != nil {
		return nil, nil, err
	}

	done = rec.Stage("lint")
	report, err := p.lint(ctx, c)
	done()
	if err != nil {
		return nil, nil, err
	}
	res.Report = report

	buildFS, err := storage.NewFS(p.opts.BuildDir)
	if err != nil {
		return nil, nil, err
	}
	cc, err := cache.Open(buildFS, db)
	if err != nil {
		return nil, nil, err
	}

	done = rec.Stage("publish")
	err = p.publish(ctx, logger, c, cc, report, res)
	done()
	if err != nil {
		return report, nil, err
	}

	if err := buildFS.Write(path.Join(cache.ContentDir, IndexPage), transform.SectionIndex(p.opts.SiteTitle)); err != nil {
		return report, nil, fmt.Errorf("pipeline: write section index: %w", err)
	}
	if err := p.copySkeleton(buildFS); err != nil {
		return report, nil, err
	}

	var kept []*models.Proposal
	statuses := make(map[int]models.Status)
	for _, id := range c.graph.IDs() {
		n, _ := c.graph.Node(id)
		kept = append(kept, n)
		if n.Status.Valid() {
			statuses[id] = n.Status
		}
	}
	if err := index.Sync(db, kept, logger); err != nil {
		logger.Warn("search index sync failed", slog.String("error", err.Error()))
	}
	if err := db.RecordStatuses(statuses); err != nil {
		return report, nil, fmt.Errorf("pipeline: record statuses: %w", err)
	}

	report.Sort()
	rec.Diagnostics(report.Diagnostics)
	rec.Outcome(len(res.Rebuilt), len(res.Reused), len(res.Failed), len(res.Removed))

	if p.renderer != nil && p.renderer.Enabled() {
		done = rec.Stage("render")
		out, err := p.renderer.Build(ctx, res.SiteDir, res.OutputDir)
		done()
		if err != nil {
			p.writeMetrics(logger, rec)
			return report, res, err
		}
		res.Rendered = true
		res.RendererOutput = out.Output
	} else {
		logger.Info("no renderer configured, skipping render step")
	}
	p.writeMetrics(logger, rec)

	errs, warns := report.Counts()
	logger.Info("build finished",
		slog.Int("rebuilt", len(res.Rebuilt)),
		slog.Int("reused", len(res.Reused)),
		slog.Int("failed", len(res.Failed)),
		slog.Int("removed", len(res.Removed)),
		slog.Int("errors", errs),
		slog.Int("warnings", warns))

	if report.HasErrors() {
		return report, res, apperr.New(apperr.ErrValidationFailed, "pipeline.Build", "%d error(s)", errs)
	}
	return report, res, nil
}

// publish plans the cache, transforms and publishes every proposal that
// needs it, and prunes artifacts of proposals that are gone.
func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, c *corpus, cc *cache.Cache, report *lint.Report, res *BuildResult) error {
	salt := cache.Salt(transform.Version, c.resolver.Style().Identity())

	ids := c.graph.IDs()
	content := make(map[int]string, len(ids))
	var buildable []int
	present := make(map[int]bool, len(ids)+len(c.unreadable))
	for _, id := range c.unreadable {
		present[id] = true
	}
	for _, id := range ids {
		present[id] = true
		n, _ := c.graph.Node(id)
		if n.SchemaFailed {
			res.Failed = append(res.Failed, id)
			continue
		}
		content[id] = cache.ContentFingerprint(n, c.assets[n.Path], cited(c, id), salt)
		buildable = append(buildable, id)
	}

	inputs := make([]cache.Input, 0, len(buildable))
	byID := make(map[int]cache.Input, len(buildable))
	for _, id := range buildable {
		in := cache.Input{ID: id, Content: content[id], Upstream: cache.UpstreamFingerprint(c.graph.Upstream(id), content)}
		inputs = append(inputs, in)
		byID[id] = in
	}
	decisions, err := cc.Plan(inputs, c.graph)
	if err != nil {
		return err
	}

	tr := transform.New(c.graph, c.resolver)
	var (
		mu      sync.Mutex
		rebuilt []int
		failed  []int
		diags   []models.Diagnostic
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for _, d := range decisions {
		if !d.Rebuild {
			res.Reused = append(res.Reused, d.ID)
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, _ := c.graph.Node(d.ID)
			err := p.rebuild(c, cc, tr, n, byID[d.ID])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Error("proposal build failed", slog.Int("id", d.ID), slog.String("error", err.Error()))
				failed = append(failed, d.ID)
				diags = append(diags, models.Diagnostic{
					Severity: models.SeverityError,
					Rule:     transformRule,
					Kind:     models.KindTransform,
					Message:  err.Error(),
					Location: models.Location{Path: n.Path, ProposalID: d.ID, Line: 1, Column: 1},
				})
				return nil
			}
			logger.Debug("proposal rebuilt", slog.Int("id", d.ID), slog.String("reason", d.Reason))
			rebuilt = append(rebuilt, d.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("pipeline: publish: %w", err)
	}
	report.Add(diags...)

	res.Rebuilt = rebuilt
	res.Failed = append(res.Failed, failed...)
	removed, err := cc.Prune(present)
	if err != nil {
		return err
	}
	res.Removed = removed

	for _, l := range [][]int{res.Rebuilt, res.Reused, res.Failed, res.Removed} {
		slices.Sort(l)
	}
	return nil
}

// rebuild transforms one proposal, publishes its artifact and commits it.
func (p *Pipeline) rebuild(c *corpus, cc *cache.Cache, tr *transform.Transformer, n *models.Proposal, in cache.Input) error {
	art, err := tr.Transform(n, c.assets[n.Path])
	if err != nil {
		return err
	}
	files := []cache.File{{Path: cache.PageFile, Data: transform.Page(art)}}
	for _, a := range art.Assets {
		data, err := c.root.Read(path.Join(path.Dir(n.Path), cache.AssetsDir, a.Path))
		if err != nil {
			return apperr.Wrap(apperr.ErrDiscovery, "pipeline: read asset", err)
		}
		files = append(files, cache.File{Path: path.Join(cache.AssetsDir, a.Path), Data: data})
	}
	fp, err := cc.Publish(n.ID, files)
	if err != nil {
		return err
	}
	return cc.Commit(in, fp)
}

// cited returns the bibliography entries a proposal's page renders, in order.
func cited(c *corpus, id int) []*citation.Entry {
	return c.resolver.Resolve(c.graph.Document(id).CitationGroups()).Entries()
}

// copySkeleton copies the renderer project skeleton into the site
// directory. The content directory is never overwritten.
func (p *Pipeline) copySkeleton(buildFS *storage.FS) error {
	if p.opts.Skeleton == "" {
		return nil
	}
	return filepath.WalkDir(p.opts.Skeleton, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("pipeline: copy site skeleton: %w", err)
		}
		rel, err := filepath.Rel(p.opts.Skeleton, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "content" && d.IsDir() {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return fmt.Errorf("pipeline: copy site skeleton: %w", err)
		}
		return buildFS.Write(path.Join(cache.SiteDir, rel), data)
	})
}

func (p *Pipeline) recorder() *metrics.Recorder {
	if p.opts.MetricsPath == "" {
		return nil
	}
	return metrics.New()
}

func (p *Pipeline) writeMetrics(logger *slog.Logger, rec *metrics.Recorder) {
	if err := rec.WriteFile(p.opts.MetricsPath); err != nil {
		logger.Warn("metrics not written", slog.String("error", err.Error()))
	}
}

// PrepareServe builds the repository and returns the result for the
// preview handoff. Validation failures are logged, not returned, so a
// repository with lint errors can still be previewed.
func (p *Pipeline) PrepareServe(ctx context.Context) (*BuildResult, error) {
	report, res, err := p.Build(ctx)
	if errors.Is(err, apperr.ErrValidationFailed) {
		errs, _ := report.Counts()
		p.logger.Warn("serving a build with validation errors", slog.Int("errors", errs))
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Clean removes everything the pipeline created in the build directory
// while holding the lock.
func (p *Pipeline) Clean(ctx context.Context) error {
	if _, err := os.Stat(p.opts.BuildDir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	l, err := lock.Acquire(ctx, p.lockPath(), p.opts.LockWait, p.logger)
	if err != nil {
		return err
	}
	defer l.Release()

	entries, err := os.ReadDir(p.opts.BuildDir)
	if err != nil {
		return fmt.Errorf("pipeline: clean: %w", err)
	}
	for _, e := range entries {
		if e.Name() == LockFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.opts.BuildDir, e.Name())); err != nil {
			return fmt.Errorf("pipeline: clean: %w", err)
		}
	}
	p.logger.Info("build directory cleaned", slog.String("path", p.opts.BuildDir))
	return nil
}
