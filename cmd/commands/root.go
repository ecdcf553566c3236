package commands

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskvault/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "taskvault",
		Usage: "Durable, versioned storage for task state and workspaces",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (.jsonc, .json, .yaml)",
				Value:   config.ConfigPath(),
			},
			&cli.StringFlag{
				Name:    "storage-dir",
				Aliases: []string{"d"},
				Usage:   "Store root, overrides the config file",
				Sources: cli.EnvVars("TASKVAULT_STORAGE_DIR"),
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output format: table, json or yaml (default: table on a terminal, json otherwise)",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("debug") {
				slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			NewSaveCommand(),
			NewLoadCommand(),
			NewPurgeCommand(),
			NewSessionsCommand(),
			NewMetricsCommand(),
			NewCleanupCommand(),
			NewEventsCommand(),
			NewConfigCommand(),
			NewServeCommand(),
			NewStatusCommand(),
		},
	}
}
