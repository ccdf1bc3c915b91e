package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/eipsmith/internal/lint"
	"github.com/starford/eipsmith/internal/pipeline"
	"github.com/starford/eipsmith/internal/renderer"
)

// Log formats.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Report formats.
const (
	ReportFormatText = "text"
	ReportFormatJSON = "json"
)

// Preview modes.
const (
	PreviewModeBuiltin  = "builtin"
	PreviewModeRenderer = "renderer"
)

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Repository RepositoryConfig  `yaml:"repository"`
	Citations  CitationsConfig   `yaml:"citations"`
	Lint       LintConfig        `yaml:"lint"`
	Site       SiteConfig        `yaml:"site"`
	Renderer   RendererConfig    `yaml:"renderer"`
	Lock       LockConfig        `yaml:"lock"`
	Preview    PreviewConfig     `yaml:"preview"`
	Metrics    MetricsConfig     `yaml:"metrics"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	for _, v := range []validation.Validatable{
		&c.App, &c.Repository, &c.Lint, &c.Renderer, &c.Lock, &c.Preview, &c.Metrics,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel  slog.Level `yaml:"log_level"`
	LogFormat string     `yaml:"log_format"`
	// Workers bounds parallel parsing, linting and transforming. Zero means
	// one per CPU.
	Workers int `yaml:"workers"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.LogFormat, validation.Required, validation.In(LogFormatJSON, LogFormatText)),
		validation.Field(&c.Workers, validation.Min(0), validation.Max(1024)),
	)
}

// RepositoryConfig locates the proposal repository.
type RepositoryConfig struct {
	Root       string   `yaml:"root"`
	ContentDir string   `yaml:"content_dir"`
	BuildDir   string   `yaml:"build_dir"`
	Exclude    []string `yaml:"exclude"`
	// BaseRef is the git revision previous statuses are read from.
	BaseRef string `yaml:"base_ref"`
}

// Validate validates the repository configuration.
func (c *RepositoryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
		validation.Field(&c.ContentDir, validation.Required),
		validation.Field(&c.BuildDir, validation.Required),
	)
}

// CitationsConfig holds bibliography settings.
type CitationsConfig struct {
	Bibliography string `yaml:"bibliography"`
	// Style is a CSL style file; empty selects the built-in numeric style.
	Style    string `yaml:"style"`
	Required bool   `yaml:"required"`
}

// LintConfig adjusts rule severities and report output.
type LintConfig struct {
	Deny   []string `yaml:"deny"`
	Warn   []string `yaml:"warn"`
	Allow  []string `yaml:"allow"`
	Format string   `yaml:"format"`
}

// Validate validates the lint configuration.
func (c *LintConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Format, validation.Required, validation.In(ReportFormatText, ReportFormatJSON)),
	)
}

// Overrides converts the configuration into lint overrides.
func (c *LintConfig) Overrides() lint.Overrides {
	return lint.Overrides{Deny: c.Deny, Warn: c.Warn, Allow: c.Allow}
}

// SiteConfig describes the generated renderer project.
type SiteConfig struct {
	Title    string `yaml:"title"`
	Skeleton string `yaml:"skeleton"`
}

// RendererConfig configures the external static-site renderer.
type RendererConfig struct {
	Command   string        `yaml:"command"`
	BuildArgs []string      `yaml:"build_args"`
	ServeArgs []string      `yaml:"serve_args"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Validate validates the renderer configuration.
func (c *RendererConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// LockConfig controls the build directory lock.
type LockConfig struct {
	// Wait bounds how long to wait for a held lock. Zero fails fast.
	Wait time.Duration `yaml:"wait"`
	// Check makes check take the lock too.
	Check bool `yaml:"check"`
}

// Validate validates the lock configuration.
func (c *LockConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Wait, validation.Min(time.Duration(0))),
	)
}

// PreviewConfig controls how serve hands off the built site.
type PreviewConfig struct {
	Mode string `yaml:"mode"`
	Port int    `yaml:"port"`
}

// Address returns the preview server address.
func (c *PreviewConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the preview configuration.
func (c *PreviewConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(PreviewModeBuiltin, PreviewModeRenderer)),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// MetricsConfig controls the Prometheus textfile written after builds.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Validate validates the metrics configuration.
func (c *MetricsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.When(c.Enabled, validation.Required)),
	)
}

// PipelineOptions maps the configuration onto pipeline options.
func (c *Config) PipelineOptions() pipeline.Options {
	opts := pipeline.Options{
		Root:              c.Repository.Root,
		ContentDir:        c.Repository.ContentDir,
		BuildDir:          c.Repository.BuildDir,
		Exclude:           c.Repository.Exclude,
		BaseRef:           c.Repository.BaseRef,
		Bibliography:      c.Citations.Bibliography,
		Style:             c.Citations.Style,
		CitationsRequired: c.Citations.Required,
		Overrides:         c.Lint.Overrides(),
		Workers:           c.App.Workers,
		LockWait:          c.Lock.Wait,
		LockCheck:         c.Lock.Check,
		SiteTitle:         c.Site.Title,
		Skeleton:          c.Site.Skeleton,
	}
	if c.Metrics.Enabled {
		opts.MetricsPath = c.Metrics.Path
	}
	return opts
}

// RendererOptions maps the configuration onto the renderer runner.
func (c *Config) RendererOptions() renderer.Config {
	return renderer.Config{
		Command:   c.Renderer.Command,
		BuildArgs: c.Renderer.BuildArgs,
		ServeArgs: c.Renderer.ServeArgs,
		BaseURL:   c.Renderer.BaseURL,
		Timeout:   c.Renderer.Timeout,
	}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel:  slog.LevelInfo,
			LogFormat: LogFormatJSON,
		},
		Repository: RepositoryConfig{
			Root:       ".",
			ContentDir: "content",
			BuildDir:   "build",
		},
		Lint: LintConfig{
			Format: ReportFormatText,
		},
		Site: SiteConfig{
			Title: "Proposals",
		},
		Renderer: RendererConfig{
			BuildArgs: []string{"build", "--output-dir", renderer.VarOutput, "--force"},
			ServeArgs: []string{"serve", "--output-dir", renderer.VarOutput, "--force"},
			Timeout:   5 * time.Minute,
		},
		Preview: PreviewConfig{
			Mode: PreviewModeBuiltin,
			Port: 1111,
		},
		Metrics: MetricsConfig{
			Path: "build/metrics.prom",
		},
	}
}
