package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/cdfmlr/sham"
	"github.com/cdfmlr/sham/trace"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs recorded with --trace-db",
	}
	cmd.AddCommand(newRunsListCmd(), newRunsShowCmd())
	return cmd
}

func openTraceDB(ctx context.Context) (*trace.Store, error) {
	if flagTraceDB == "" {
		return nil, fmt.Errorf("--trace-db is required")
	}
	store, err := trace.Open(flagTraceDB)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func newRunsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openTraceDB(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTARTED\tCLOCK\tSELECTIONS")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Name, humanize.Time(run.StartedAt),
					humanize.Comma(int64(run.Clock)), humanize.Comma(int64(run.Selections)))
			}
			return w.Flush()
		},
	}
}

func newRunsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show per-thread selection counts of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openTraceDB(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			counts, err := store.Counts(ctx, run.ID)
			if err != nil {
				return err
			}
			printCounts(cmd.OutOrStdout(), run, counts)
			return nil
		},
	}
}

func printCounts(out io.Writer, run *trace.Run, counts []trace.Count) {
	fmt.Fprintf(out, "%s (%s): %s periods, %s selections\n",
		run.ID, run.Name, humanize.Comma(int64(run.Clock)), humanize.Comma(int64(run.Selections)))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tTID\tPROCESS\tSELECTED")
	for _, c := range counts {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", c.Pid, c.Tid, c.Process, humanize.Comma(int64(c.Count)))
	}
	w.Flush()
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			if config.Processes == nil {
				config.Processes = []sham.ProcessConfig{}
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(config)
		},
	}
}
