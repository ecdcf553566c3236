package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskvault/internal/events"
	"github.com/dohr-michael/taskvault/internal/storage"
)

// NewEventsCommand returns the events subcommand.
func NewEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Show the event journal (requires eventLog: true)",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Number of most recent events, 0 for all",
				Value:   50,
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			list, err := storage.ReadJournal(afero.NewOsFs(), journalPath(cfg), int(cmd.Int("limit")))
			if err != nil {
				return err
			}
			if list == nil {
				list = []events.Event{}
			}

			return render(cmd, list, func(w io.Writer) error {
				if len(list) == 0 {
					fmt.Fprintln(w, "No events recorded.")
					return nil
				}
				fmt.Fprintln(w, "TIME\tTYPE\tTASK\tSOURCE")
				for _, e := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						e.Timestamp.Format(timeLayout), e.Type, orDash(e.TaskID), e.Source)
				}
				return nil
			})
		},
	}
}
