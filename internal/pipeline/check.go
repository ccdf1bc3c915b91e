package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/starford/eipsmith/internal/apperr"
	"github.com/starford/eipsmith/internal/graph"
	"github.com/starford/eipsmith/internal/index"
	"github.com/starford/eipsmith/internal/lint"
	"github.com/starford/eipsmith/internal/lock"
	"github.com/starford/eipsmith/internal/models"
)

// Check validates the whole repository and returns the sorted report. When
// patterns are given only diagnostics for matching repository paths are
// kept; validation itself always sees the full corpus. Check takes the
// process lock only when configured to.
func (p *Pipeline) Check(ctx context.Context, patterns ...string) (*lint.Report, error) {
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("pipeline: invalid path pattern %q", pat)
		}
	}
	logger := p.logger.With(slog.String("run_id", uuid.NewString()), slog.String("op", "check"))

	_, report, err := p.inspect(ctx, logger)
	if err != nil {
		return nil, err
	}
	if len(patterns) > 0 {
		report = filterReport(report, patterns)
	}

	errs, warns := report.Counts()
	logger.Info("check finished", slog.Int("errors", errs), slog.Int("warnings", warns))
	return report, nil
}

// Snapshot is a validated, read-only view of the repository.
type Snapshot struct {
	Graph  *graph.Graph
	Report *lint.Report
}

// Snapshot loads and validates the repository like Check and keeps the
// reference graph for queries.
func (p *Pipeline) Snapshot(ctx context.Context) (*Snapshot, error) {
	logger := p.logger.With(slog.String("run_id", uuid.NewString()), slog.String("op", "snapshot"))
	c, report, err := p.inspect(ctx, logger)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Graph: c.graph, Report: report}, nil
}

// Search queries the full-text index written by the last build.
func (p *Pipeline) Search(query string, limit int) ([]index.SearchResult, error) {
	if _, err := os.Stat(p.statePath()); errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.New(apperr.ErrNotFound, "pipeline.Search", "no build has been run yet")
	}
	db, err := index.Open(p.statePath())
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.Search(query, limit)
}

func (p *Pipeline) inspect(ctx context.Context, logger *slog.Logger) (*corpus, *lint.Report, error) {
	if p.opts.LockCheck {
		if err := os.MkdirAll(p.opts.BuildDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("pipeline: create build dir: %w", err)
		}
		l, err := lock.Acquire(ctx, p.lockPath(), p.opts.LockWait, logger)
		if err != nil {
			return nil, nil, err
		}
		defer l.Release()
	}

	recorded, err := p.recordedStatuses()
	if err != nil {
		logger.Warn("recorded statuses unavailable", slog.String("error", err.Error()))
	}
	c, err := p.load(ctx, recorded)
	if err != nil {
		return nil, nil, err
	}
	report, err := p.lint(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	return c, report, nil
}

// recordedStatuses reads the statuses stored by the last build without
// creating a state store when there is none.
func (p *Pipeline) recordedStatuses() (map[int]models.Status, error) {
	if _, err := os.Stat(p.statePath()); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	db, err := index.Open(p.statePath())
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.Statuses()
}

func filterReport(r *lint.Report, patterns []string) *lint.Report {
	out := &lint.Report{}
	for _, d := range r.Diagnostics {
		for _, pat := range patterns {
			if ok, _ := doublestar.Match(pat, d.Location.Path); ok {
				out.Add(d)
				break
			}
		}
	}
	return out
}
