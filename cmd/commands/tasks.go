package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskvault/internal/tasks"
	"github.com/dohr-michael/taskvault/internal/taskstore"
)

// NewSaveCommand returns the save subcommand.
func NewSaveCommand() *cli.Command {
	return &cli.Command{
		Name:      "save",
		Usage:     "Save a task's payload and workspace",
		ArgsUsage: "<task_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "payload", Aliases: []string{"p"}, Usage: "JSON payload"},
			&cli.StringFlag{Name: "payload-file", Usage: "Read the JSON payload from a file (- for stdin)"},
			&cli.StringFlag{Name: "workspace", Aliases: []string{"w"}, Usage: "Directory to archive with the task"},
			&cli.StringFlag{Name: "owner", Usage: "Session owner id"},
			&cli.BoolFlag{Name: "complete", Usage: "Mark the session complete"},
			&cli.StringSliceFlag{Name: "prop", Usage: "Session property key=value (repeatable)"},
		},
		Action: runSave,
	}
}

func runSave(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: taskvault save <task_id>")
	}

	payload, err := readPayload(cmd)
	if err != nil {
		return err
	}
	props, err := parseProps(cmd.StringSlice("prop"))
	if err != nil {
		return err
	}

	task := &tasks.Task{
		ID:        id,
		Payload:   payload,
		Workspace: cmd.String("workspace"),
		Session: tasks.SessionMetadata{
			OwnerID:    cmd.String("owner"),
			IsComplete: cmd.Bool("complete"),
			Properties: props,
		},
	}

	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.store.Save(ctx, task); err != nil {
		return err
	}
	return render(cmd, task.Session, func(w io.Writer) error {
		fmt.Fprintf(w, "Saved %s (session %s, updated %s)\n",
			id, task.Session.SessionID, task.Session.UpdatedAt.Format(timeLayout))
		return nil
	})
}

func readPayload(cmd *cli.Command) (json.RawMessage, error) {
	var data []byte
	switch {
	case cmd.IsSet("payload") && cmd.IsSet("payload-file"):
		return nil, fmt.Errorf("--payload and --payload-file are exclusive")
	case cmd.IsSet("payload"):
		data = []byte(cmd.String("payload"))
	case cmd.IsSet("payload-file"):
		var err error
		if path := cmd.String("payload-file"); path == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	default:
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func parseProps(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	props := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q: want key=value", kv)
		}
		props[k] = v
	}
	return props, nil
}

// NewLoadCommand returns the load subcommand.
func NewLoadCommand() *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "Load a task and restore its workspace",
		ArgsUsage: "<task_id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "workspace-dir",
				Aliases: []string{"w"},
				Usage:   "Restore the workspace here instead of a temporary directory",
			},
		},
		Action: runLoad,
	}
}

func runLoad(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return fmt.Errorf("usage: taskvault load <task_id>")
	}

	s, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	var opts []taskstore.LoadOption
	if dir := cmd.String("workspace-dir"); dir != "" {
		opts = append(opts, taskstore.WithWorkspaceDir(dir))
	}
	task, err := s.store.Load(ctx, id, opts...)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", id)
	}

	return render(cmd, task, func(w io.Writer) error {
		sess := task.Session
		fmt.Fprintf(w, "ID:\t%s\n", task.ID)
		fmt.Fprintf(w, "Session:\t%s\n", sess.SessionID)
		fmt.Fprintf(w, "Owner:\t%s\n", orDash(sess.OwnerID))
		fmt.Fprintf(w, "Complete:\t%t\n", sess.IsComplete)
		fmt.Fprintf(w, "Created:\t%s\n", sess.CreatedAt.Format(timeLayout))
		fmt.Fprintf(w, "Updated:\t%s\n", sess.UpdatedAt.Format(timeLayout))
		fmt.Fprintf(w, "Workspace:\t%s\n", orDash(task.Workspace))
		keys := make([]string, 0, len(sess.Properties))
		for k := range sess.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s:\t%v\n", k, sess.Properties[k])
		}
		if len(task.Payload) > 0 {
			fmt.Fprintf(w, "\nPayload:\n%s\n", task.Payload)
		}
		return nil
	})
}

// NewPurgeCommand returns the purge subcommand.
func NewPurgeCommand() *cli.Command {
	return &cli.Command{
		Name:      "purge",
		Usage:     "Remove a task and all its backups",
		ArgsUsage: "<task_id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("usage: taskvault purge <task_id>")
			}

			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()

			removed, err := s.store.Purge(ctx, id)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Printf("Task %s not found.\n", id)
				return nil
			}
			fmt.Printf("Task %s purged.\n", id)
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
