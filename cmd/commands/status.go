package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskvault/internal/heartbeat"
	"github.com/dohr-michael/taskvault/internal/metrics"
	"github.com/dohr-michael/taskvault/internal/storage/dirstore"
)

type statusReport struct {
	StorageDir string               `json:"storageDir"`
	Server     heartbeat.Status     `json:"server"`
	Heartbeat  *heartbeat.Heartbeat `json:"heartbeat,omitempty"`
	Metrics    *metrics.Snapshot    `json:"metrics,omitempty"`
}

// NewStatusCommand returns the status subcommand. It only reads files, so it
// is safe to run next to a live server.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show diagnostics server liveness and the last persisted metrics",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			fs := afero.NewOsFs()

			status, hb, err := heartbeat.Check(fs, heartbeat.Path(cfg.StorageDir), 2*heartbeat.DefaultInterval)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}
			report := statusReport{StorageDir: cfg.StorageDir, Server: status, Heartbeat: hb}

			ds := dirstore.New(fs, cfg.StorageDir)
			data, err := ds.ReadFileContent(ds.MetricsPath())
			if err != nil {
				return err
			}
			if data != nil {
				var snap metrics.Snapshot
				if err := json.Unmarshal(data, &snap); err != nil {
					fmt.Fprintf(os.Stderr, "warning: unreadable metrics file: %v\n", err)
				} else {
					report.Metrics = &snap
				}
			}

			return render(cmd, report, func(w io.Writer) error {
				fmt.Fprintf(w, "Store:\t%s\n", report.StorageDir)
				switch status {
				case heartbeat.StatusAlive:
					fmt.Fprintf(w, "Server:\tALIVE (PID %d on %s, uptime %s)\n", hb.PID, hb.Addr, hb.Uptime)
				case heartbeat.StatusStale:
					fmt.Fprintf(w, "Server:\tSTALE (PID %d, last heartbeat %s ago)\n",
						hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
				default:
					fmt.Fprintf(w, "Server:\tNOT RUNNING\n")
				}
				if report.Metrics != nil {
					fmt.Fprintln(w)
					printMetrics(w, *report.Metrics)
				}
				return nil
			})
		},
	}
}
