// Package pipeline orchestrates discovery, linting, transformation and
// publishing of a proposal repository.
package pipeline

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/starford/eipsmith/internal/lint"
	"github.com/starford/eipsmith/internal/preamble"
	"github.com/starford/eipsmith/internal/renderer"
	"github.com/starford/eipsmith/internal/vcs"
)

// Files inside the build directory owned by the pipeline.
const (
	LockFile  = ".lock"
	StateFile = "state.db"
	OutputDir = "output"
	IndexPage = "_index.md"
)

// transformRule tags diagnostics for proposals whose transform failed.
const transformRule = "transform"

// Options configures a Pipeline. Relative paths are resolved against Root.
type Options struct {
	Root       string
	ContentDir string
	BuildDir   string
	Exclude    []string
	// BaseRef is the revision previous statuses are read from.
	BaseRef string

	Bibliography      string
	Style             string
	CitationsRequired bool

	Overrides lint.Overrides
	Workers   int

	LockWait  time.Duration
	LockCheck bool

	// SiteTitle titles the generated section index.
	SiteTitle string
	// Skeleton is a directory whose files are copied into the renderer
	// project before rendering (configuration, templates, static files).
	Skeleton string
	// MetricsPath, when set, receives a Prometheus textfile after each build.
	MetricsPath string
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithHistory sets the version-control history previous statuses come from.
func WithHistory(h vcs.History) Option {
	return func(p *Pipeline) { p.history = h }
}

// WithRenderer sets the external renderer run at the end of a build.
func WithRenderer(r *renderer.Runner) Option {
	return func(p *Pipeline) { p.renderer = r }
}

// Pipeline runs the repository operations. Its configuration objects are
// built once and shared by every run.
type Pipeline struct {
	opts     Options
	logger   *slog.Logger
	parser   *preamble.Parser
	engine   *lint.Engine
	history  vcs.History
	renderer *renderer.Runner
}

// New validates opts and constructs the shared configuration objects.
func New(opts Options, logger *slog.Logger, extra ...Option) (*Pipeline, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("pipeline: repository root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve root: %w", err)
	}
	opts.Root = root
	if opts.ContentDir == "" {
		opts.ContentDir = "content"
	}
	opts.ContentDir = filepath.ToSlash(filepath.Clean(opts.ContentDir))
	if opts.BuildDir == "" {
		opts.BuildDir = "build"
	}
	if !filepath.IsAbs(opts.BuildDir) {
		opts.BuildDir = filepath.Join(root, opts.BuildDir)
	}
	if opts.Skeleton != "" && !filepath.IsAbs(opts.Skeleton) {
		opts.Skeleton = filepath.Join(root, opts.Skeleton)
	}
	if opts.MetricsPath != "" && !filepath.IsAbs(opts.MetricsPath) {
		opts.MetricsPath = filepath.Join(root, opts.MetricsPath)
	}
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.SiteTitle == "" {
		opts.SiteTitle = "Proposals"
	}

	engine, err := lint.NewEngine(lint.Builtin(), opts.Overrides, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Pipeline{
		opts:   opts,
		logger: logger,
		parser: preamble.NewParser(),
		engine: engine,
	}
	for _, o := range extra {
		o(p)
	}
	return p, nil
}

// Rules lists the enabled lint rules with their effective severities.
func (p *Pipeline) Rules() []lint.Rule {
	return p.engine.Rules()
}

// Root is the absolute repository root.
func (p *Pipeline) Root() string { return p.opts.Root }

// BuildDir is the absolute build directory.
func (p *Pipeline) BuildDir() string { return p.opts.BuildDir }

func (p *Pipeline) statePath() string { return filepath.Join(p.opts.BuildDir, StateFile) }

func (p *Pipeline) lockPath() string { return filepath.Join(p.opts.BuildDir, LockFile) }
