// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/starford/eipsmith/internal/apperr"
	"github.com/starford/eipsmith/internal/mcpserver"
	"github.com/starford/eipsmith/internal/pipeline"
	"github.com/starford/eipsmith/internal/preview"
	"github.com/starford/eipsmith/internal/renderer"
	"github.com/starford/eipsmith/internal/vcs"
)

// Commands understood by Run.
const (
	CommandCheck   = "check"
	CommandBuild   = "build"
	CommandServe   = "serve"
	CommandClean   = "clean"
	CommandChanged = "changed"
	CommandRules   = "rules"
	CommandMCP     = "mcp"
)

// Run executes one command with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		version: "dev",
	}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Reports go to stdout; logs to stderr so they never mix with a report
	// or the MCP stream.
	logger := newLogger(cfg.App, app.stderr)
	slog.SetDefault(logger)

	root, err := findRoot(cfg.Repository.Root, cfg.Repository.ContentDir)
	if err != nil {
		return err
	}
	cfg.Repository.Root = root

	logger.Debug("Configuration loaded",
		slog.String("command", app.command),
		slog.String("root", root),
		slog.String("content_dir", cfg.Repository.ContentDir),
		slog.String("build_dir", cfg.Repository.BuildDir),
		slog.String("base_ref", cfg.Repository.BaseRef),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Cancellation stops workers and releases the build lock.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, runner, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}

	switch app.command {
	case CommandCheck:
		return app.check(ctx, p)
	case CommandBuild:
		return app.build(ctx, p)
	case CommandServe:
		return app.serve(ctx, p, runner, logger)
	case CommandClean:
		return p.Clean(ctx)
	case CommandChanged:
		return app.changed(ctx, p)
	case CommandRules:
		return app.rules(p)
	case CommandMCP:
		logger.Info("MCP server starting on stdio")
		return mcpserver.New(p, app.version).ServeStdio()
	default:
		return fmt.Errorf("unknown command %q", app.command)
	}
}

func newLogger(cfg ApplicationConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// findRoot resolves the repository root. When start has no content
// directory its ancestors are searched, so commands work from inside a
// proposal directory.
func findRoot(start, contentDir string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	for dir := abs; ; {
		if info, err := os.Stat(filepath.Join(dir, contentDir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", apperr.New(apperr.ErrDiscovery, "find root",
		"no %q directory in %s or any parent", contentDir, abs)
}

func newPipeline(ctx context.Context, cfg *Config, logger *slog.Logger) (*pipeline.Pipeline, *renderer.Runner, error) {
	var extra []pipeline.Option

	git := vcs.NewGit(cfg.Repository.Root)
	switch {
	case !git.Available(ctx):
		logger.Debug("not a git work tree, using recorded statuses")
	case cfg.Repository.BaseRef != "":
		if _, err := git.Resolve(ctx, cfg.Repository.BaseRef); err != nil {
			logger.Warn("base revision not found, using recorded statuses",
				slog.String("base_ref", cfg.Repository.BaseRef))
			break
		}
		extra = append(extra, pipeline.WithHistory(git))
	default:
		extra = append(extra, pipeline.WithHistory(git))
	}

	runner := renderer.New(cfg.RendererOptions(), logger)
	if runner.Enabled() {
		extra = append(extra, pipeline.WithRenderer(runner))
	}

	p, err := pipeline.New(cfg.PipelineOptions(), logger, extra...)
	if err != nil {
		return nil, nil, err
	}
	return p, runner, nil
}

func (a *application) check(ctx context.Context, p *pipeline.Pipeline) error {
	report, err := p.Check(ctx, a.args...)
	if err != nil {
		return err
	}
	if err := report.Write(a.stdout, a.config.Lint.Format); err != nil {
		return err
	}
	if report.HasErrors() {
		errs, _ := report.Counts()
		return apperr.New(apperr.ErrValidationFailed, "check", "%d error(s)", errs)
	}
	return nil
}

func (a *application) build(ctx context.Context, p *pipeline.Pipeline) error {
	report, _, err := p.Build(ctx)
	if report != nil {
		if werr := report.Write(a.stdout, a.config.Lint.Format); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return err
}

func (a *application) serve(ctx context.Context, p *pipeline.Pipeline, runner *renderer.Runner, logger *slog.Logger) error {
	res, err := p.PrepareServe(ctx)
	if err != nil {
		return err
	}
	if res.Report != nil && len(res.Report.Diagnostics) > 0 {
		if err := res.Report.Write(a.stdout, a.config.Lint.Format); err != nil {
			return err
		}
	}

	if a.config.Preview.Mode == PreviewModeRenderer {
		if !runner.Enabled() {
			return fmt.Errorf("preview mode %q needs renderer.command", PreviewModeRenderer)
		}
		logger.Info("Starting renderer preview")
		err = runner.Serve(ctx, res.SiteDir, res.OutputDir)
	} else {
		if !res.Rendered {
			logger.Warn("renderer did not run, output directory may be empty", slog.String("output_dir", res.OutputDir))
		}
		addr := a.config.Preview.Address()
		logger.Info("Starting preview server", slog.String("address", addr))
		err = preview.Serve(ctx, addr, preview.NewRouter(res.OutputDir, res, logger), logger)
	}
	if err != nil {
		logger.Error("Preview error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Preview stopped")
	return nil
}

func (a *application) changed(ctx context.Context, p *pipeline.Pipeline) error {
	cs, err := p.Changed(ctx)
	if err != nil {
		return err
	}
	if a.config.Lint.Format == ReportFormatJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cs)
	}
	_, err = fmt.Fprintf(a.stdout, "changed: %s\naffected: %s\n", joinIDs(cs.Changed), joinIDs(cs.Affected))
	return err
}

func (a *application) rules(p *pipeline.Pipeline) error {
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tSEVERITY\tKIND\tDESCRIPTION")
	for _, r := range p.Rules() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Default, r.Kind, r.Description)
	}
	return tw.Flush()
}

func joinIDs(ids []int) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, " ")
}
