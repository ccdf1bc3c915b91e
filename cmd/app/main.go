package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/eipsmith/internal"
	"github.com/starford/eipsmith/internal/apperr"
	pkgconfig "github.com/starford/eipsmith/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if _, err := pkgconfig.LoadOptional(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if root := cmd.String("root"); root != "" {
		cfg.Repository.Root = root
	}
	if ref := cmd.String("base-ref"); ref != "" {
		cfg.Repository.BaseRef = ref
	}
	if format := cmd.String("format"); format != "" {
		cfg.Lint.Format = format
	}
	if cmd.Bool("verbose") {
		cfg.App.LogLevel = slog.LevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func action(name string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		opts := []internal.Option{
			internal.WithConfig(cfg),
			internal.WithCommand(name, cmd.Args().Slice()...),
			internal.WithVersion(version),
		}

		if err := internal.Run(ctx, opts...); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "eipsmith",
		Usage:   "Validate improvement proposals and build them into a static site",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file (defaults apply when it does not exist)",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"C"},
				Usage:   "Repository root (searched upward for the content directory)",
				Sources: cli.EnvVars("EIPSMITH_ROOT"),
			},
			&cli.StringFlag{
				Name:    "base-ref",
				Usage:   "Git revision previous statuses are read from",
				Sources: cli.EnvVars("EIPSMITH_BASE_REF"),
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Report format: text or json",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "check",
				Usage:     "Validate every proposal and print the report",
				ArgsUsage: "[path patterns...]",
				Action:    action(internal.CommandCheck),
			},
			{
				Name:   "build",
				Usage:  "Validate, publish changed proposals and run the renderer",
				Action: action(internal.CommandBuild),
			},
			{
				Name:   "serve",
				Usage:  "Build and preview the site locally",
				Action: action(internal.CommandServe),
			},
			{
				Name:   "clean",
				Usage:  "Remove build output and state",
				Action: action(internal.CommandClean),
			},
			{
				Name:   "changed",
				Usage:  "List proposals changed since the base revision and their dependents",
				Action: action(internal.CommandChanged),
			},
			{
				Name:   "rules",
				Usage:  "List lint rules and their effective severities",
				Action: action(internal.CommandRules),
			},
			{
				Name:   "mcp",
				Usage:  "Serve proposal tools over the Model Context Protocol on stdio",
				Action: action(internal.CommandMCP),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		if errors.Is(err, apperr.ErrValidationFailed) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
