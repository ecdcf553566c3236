package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskvault/internal/tasks"
)

// NewSessionsCommand returns the sessions subcommand.
func NewSessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "List stored task sessions",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "active",
				Aliases: []string{"a"},
				Usage:   "Only sessions that are not complete",
			},
		},
		Action: runSessionsList,
	}
}

func runSessionsList(ctx context.Context, cmd *cli.Command) error {
	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	var list []tasks.SessionMetadata
	if cmd.Bool("active") {
		list, err = s.store.ListActiveSessions(ctx)
	} else {
		list, err = s.store.ListSessions(ctx)
	}
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if list == nil {
		list = []tasks.SessionMetadata{}
	}

	return render(cmd, list, func(w io.Writer) error {
		if len(list) == 0 {
			fmt.Fprintln(w, "No sessions found.")
			return nil
		}
		fmt.Fprintln(w, "TASK\tSESSION\tOWNER\tCOMPLETE\tUPDATED")
		for _, sess := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
				sess.TaskID,
				sess.SessionID,
				orDash(sess.OwnerID),
				sess.IsComplete,
				sess.UpdatedAt.Format("2006-01-02 15:04"),
			)
		}
		return nil
	})
}
