package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// outputFormat returns the --output value, or table when stdout is a
// terminal and json otherwise.
func outputFormat(cmd *cli.Command) (string, error) {
	switch f := cmd.String("output"); f {
	case formatTable, formatJSON, formatYAML:
		return f, nil
	case "":
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return formatTable, nil
		}
		return formatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", f)
	}
}

// render writes v in the selected format. table draws the human form onto a
// tabwriter.
func render(cmd *cli.Command, v any, table func(w io.Writer) error) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	return renderTo(os.Stdout, format, v, table)
}

func renderTo(out io.Writer, format string, v any, table func(w io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		// Round-trip through JSON so yaml keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		if err := table(w); err != nil {
			return err
		}
		return w.Flush()
	}
}

const timeLayout = "2006-01-02 15:04:05"
