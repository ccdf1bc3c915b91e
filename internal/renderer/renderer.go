// Package renderer runs the external static-site renderer as a blocking
// subprocess.
package renderer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/starford/eipsmith/internal/apperr"
)

// Placeholders expanded inside configured arguments.
const (
	VarOutput  = "{output}"
	VarSite    = "{site}"
	VarBaseURL = "{base_url}"
)

// waitDelay bounds how long output pipes are drained after the process is
// killed.
const waitDelay = 2 * time.Second

// Error is returned when the renderer exits unsuccessfully. Output holds
// everything it printed.
type Error struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("renderer: %s: exit code %d: %v", e.Command, e.ExitCode, e.Err)
}

// Unwrap matches apperr.ErrRenderer and the underlying cause.
func (e *Error) Unwrap() []error {
	return []error{apperr.ErrRenderer, e.Err}
}

// Config describes how to invoke the renderer.
type Config struct {
	Command   string
	BuildArgs []string
	ServeArgs []string
	BaseURL   string
	Timeout   time.Duration
}

// Result is a successful renderer run.
type Result struct {
	Output   string
	Duration time.Duration
}

// Runner invokes the configured renderer.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Runner.
func New(cfg Config, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// Enabled reports whether a renderer command is configured.
func (r *Runner) Enabled() bool {
	return strings.TrimSpace(r.cfg.Command) != ""
}

// Build renders the project in siteDir into outputDir.
func (r *Runner) Build(ctx context.Context, siteDir, outputDir string) (*Result, error) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	return r.run(ctx, siteDir, r.expand(r.cfg.BuildArgs, siteDir, outputDir))
}

// Serve runs the renderer's own preview server until ctx is cancelled.
func (r *Runner) Serve(ctx context.Context, siteDir, outputDir string) error {
	_, err := r.run(ctx, siteDir, r.expand(r.cfg.ServeArgs, siteDir, outputDir))
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Runner) expand(args []string, siteDir, outputDir string) []string {
	repl := strings.NewReplacer(VarOutput, outputDir, VarSite, siteDir, VarBaseURL, r.cfg.BaseURL)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = repl.Replace(a)
	}
	return out
}

func (r *Runner) run(ctx context.Context, dir string, args []string) (*Result, error) {
	if !r.Enabled() {
		return nil, apperr.New(apperr.ErrRenderer, "renderer: run", "no command configured")
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.logger.Info("running renderer",
		slog.String("command", r.cfg.Command),
		slog.Any("args", args),
		slog.String("dir", dir))

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	r.logOutput(out.String())

	if runErr != nil {
		exitCode := -1
		var exit *exec.ExitError
		if errors.As(runErr, &exit) {
			exitCode = exit.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			runErr = fmt.Errorf("%w: %w", runErr, ctxErr)
		}
		return nil, &Error{Command: r.cfg.Command, ExitCode: exitCode, Output: out.String(), Err: runErr}
	}

	r.logger.Info("renderer finished", slog.Duration("duration", elapsed))
	return &Result{Output: out.String(), Duration: elapsed}, nil
}

// logOutput forwards renderer lines to the logger, choosing the level by the
// line's prefix.
func (r *Runner) logOutput(output string) {
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "Error:"):
			r.logger.Error("renderer", slog.String("line", line))
		case strings.HasPrefix(line, "Warning:"):
			r.logger.Warn("renderer", slog.String("line", line))
		default:
			r.logger.Debug("renderer", slog.String("line", line))
		}
	}
}
