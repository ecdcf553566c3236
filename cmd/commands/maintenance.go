package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskvault/internal/gateway"
	"github.com/dohr-michael/taskvault/internal/metrics"
)

// NewMetricsCommand returns the metrics subcommand.
func NewMetricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "Show store metrics",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.store.RefreshMetrics(ctx)
			if err != nil {
				return fmt.Errorf("refresh metrics: %w", err)
			}
			return render(cmd, snap, func(w io.Writer) error {
				printMetrics(w, snap)
				return nil
			})
		},
	}
}

func printMetrics(w io.Writer, m metrics.Snapshot) {
	fmt.Fprintf(w, "Tasks:\t%d (%d active, %d complete)\n", m.TotalTasks, m.ActiveTasks, m.CompletedTasks)
	fmt.Fprintf(w, "Storage:\t%d bytes\n", m.StorageSize)
	fmt.Fprintf(w, "Compression ratio:\t%.3f\n", m.CompressionRatio)
	fmt.Fprintf(w, "Average save:\t%.2f ms\n", m.AverageSaveTime)
	fmt.Fprintf(w, "Average load:\t%.2f ms\n", m.AverageLoadTime)
	fmt.Fprintf(w, "Saves / loads:\t%d / %d\n", m.Saves, m.Loads)
	fmt.Fprintf(w, "Failures / recoveries:\t%d / %d\n", m.Failures, m.Recoveries)
	if m.LastCleanupTime != nil {
		fmt.Fprintf(w, "Last cleanup:\t%s\n", m.LastCleanupTime.Format(timeLayout))
	} else {
		fmt.Fprintf(w, "Last cleanup:\tnever\n")
	}
}

// NewCleanupCommand returns the cleanup subcommand.
func NewCleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Remove completed sessions older than maxSessionAge",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.store.PerformCleanup(ctx)
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}

			return render(cmd, gateway.NewCleanupReport(res), func(w io.Writer) error {
				fmt.Fprintf(w, "Scanned %d tasks, removed %d in %s.\n", res.Scanned, len(res.Removed), res.Duration)
				for _, id := range res.Removed {
					fmt.Fprintf(w, "  removed\t%s\n", id)
				}
				for _, f := range res.Failed {
					fmt.Fprintf(w, "  failed\t%s\t%v\n", f.TaskID, f.Err)
				}
				return nil
			})
		},
	}
}
