package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v3"
)

// NewConfigCommand returns the config subcommand.
func NewConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect configuration",
		Commands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Print the resolved configuration",
				Action: func(_ context.Context, cmd *cli.Command) error {
					cfg, err := resolveConfig(cmd)
					if err != nil {
						return err
					}
					return render(cmd, cfg, func(w io.Writer) error {
						fmt.Fprintf(w, "storageDir:\t%s\n", cfg.StorageDir)
						fmt.Fprintf(w, "compressMetadata:\t%t\n", cfg.CompressMetadata)
						fmt.Fprintf(w, "compressWorkspace:\t%t\n", cfg.CompressWorkspace)
						fmt.Fprintf(w, "maxBackupVersions:\t%d\n", cfg.MaxBackupVersions)
						fmt.Fprintf(w, "enableAutoCleanup:\t%t\n", cfg.EnableAutoCleanup)
						fmt.Fprintf(w, "maxSessionAge:\t%s\n", cfg.MaxSessionAge)
						fmt.Fprintf(w, "enableMetrics:\t%t\n", cfg.EnableMetrics)
						if cfg.CleanupSchedule != "" {
							fmt.Fprintf(w, "cleanupSchedule:\t%s\n", cfg.CleanupSchedule)
						} else {
							fmt.Fprintf(w, "cleanupInterval:\t%s\n", cfg.CleanupInterval)
						}
						fmt.Fprintf(w, "lockTimeout:\t%s\n", cfg.LockTimeout)
						fmt.Fprintf(w, "metricsFlushInterval:\t%s\n", cfg.MetricsFlushInterval)
						fmt.Fprintf(w, "crossProcessLock:\t%t\n", cfg.CrossProcessLock)
						fmt.Fprintf(w, "workspaceExclude:\t%s\n", orDash(strings.Join(cfg.WorkspaceExclude, ", ")))
						fmt.Fprintf(w, "eventLog:\t%t\n", cfg.EventLog)
						return nil
					})
				},
			},
			{
				Name:  "path",
				Usage: "Print the config file path in use",
				Action: func(_ context.Context, cmd *cli.Command) error {
					fmt.Println(cmd.String("config"))
					return nil
				},
			},
		},
		DefaultCommand: "show",
	}
}
