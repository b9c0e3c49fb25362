package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/TheEntropyCollective/peersync/pkg/sync"
)

// statusReport is the JSON form of "peersync status"
type statusReport struct {
	Root         string            `json:"root"`
	StateFile    string            `json:"state_file"`
	Synchronized int               `json:"synchronized"`
	Excluded     []string          `json:"excluded"`
	Actions      []sync.ActionInfo `json:"actions"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the selection and the pending actions",
		Long: `Show what is selected for synchronization and the actions recorded by
the engine the last time it persisted its state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			tree, store, err := openState(cfg)
			if err != nil {
				return err
			}
			actions, err := store.LoadActions()
			if err != nil {
				return err
			}
			sort.Slice(actions, func(i, j int) bool { return actions[i].Path < actions[j].Path })

			report := statusReport{
				Root:         tree.Root(),
				StateFile:    store.Path(),
				Synchronized: len(tree.GetSynchronizedPathsAsSet()),
				Excluded:     tree.ExcludedPaths(),
				Actions:      actions,
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return writeStatus(cmd.OutOrStdout(), report)
		},
	}
}

func writeStatus(w io.Writer, report statusReport) error {
	fmt.Fprintf(w, "Root:          %s\n", report.Root)
	fmt.Fprintf(w, "Synchronized:  %d entries\n", report.Synchronized)
	for _, p := range report.Excluded {
		fmt.Fprintf(w, "Excluded:      %s\n", p)
	}
	fmt.Fprintln(w)

	if len(report.Actions) == 0 {
		fmt.Fprintln(w, "No pending actions.")
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Path", "State", "Attempts", "Executing", "Failed", "Since", "Last Error"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)

	for _, a := range report.Actions {
		state := a.State.String()
		if a.Source != "" {
			state += " from " + a.Source
		}
		table.Append([]string{
			a.Path,
			state,
			strconv.Itoa(a.Attempts),
			strconv.FormatBool(a.Executing),
			strconv.FormatBool(a.Failed),
			a.Timestamp.Format(time.RFC3339),
			a.LastError,
		})
	}
	table.Render()
	return nil
}
