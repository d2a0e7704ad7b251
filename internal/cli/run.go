package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cdfmlr/sham"
	"github.com/cdfmlr/sham/trace"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRunCmd() *cobra.Command {
	var ticks int
	var realtime time.Duration
	var name string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario and print how often each thread was selected",
		Long: `Run boots the simulated OS with the processes of the config file and
runs it either for a fixed number of hardware clock periods (--ticks, the
default, deterministic) or against the wall clock (--realtime).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			return runScenario(cmd.Context(), cmd.OutOrStdout(), config, name, ticks, realtime)
		},
	}

	cmd.Flags().IntVarP(&ticks, "ticks", "n", 1500, "Hardware clock periods to simulate")
	cmd.Flags().DurationVar(&realtime, "realtime", 0, "Boot against the wall clock for this long instead of --ticks")
	cmd.Flags().StringVar(&name, "name", "sham", "Run name recorded in the trace db")

	return cmd
}

func runScenario(ctx context.Context, out io.Writer, config sham.Config, name string, ticks int, realtime time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	shamOS := sham.NewOS(config, out, nil)
	defer shamOS.Shutdown()
	if err := shamOS.LoadScenario(config.Processes); err != nil {
		return err
	}

	var store *trace.Store
	var run *trace.Run
	var recorder *trace.Recorder
	if flagTraceDB != "" {
		var err error
		if store, err = trace.Open(flagTraceDB); err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		raw, err := yaml.Marshal(config)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		if run, err = store.BeginRun(ctx, name, string(raw)); err != nil {
			return err
		}
		recorder = store.NewRecorder(run)
		shamOS.OnSelect = recorder.Record
	}

	if realtime > 0 {
		bootCtx, cancel := context.WithTimeout(ctx, realtime)
		err := shamOS.Boot(bootCtx)
		cancel()
		if err != nil {
			return err
		}
	} else {
		shamOS.Run(ticks)
	}
	// 先让控制台写完，再打印统计
	shamOS.Shutdown()
	printSummary(out, shamOS)

	if store != nil {
		if err := recorder.Flush(ctx); err != nil {
			return err
		}
		if err := store.FinishRun(ctx, run, uint64(shamOS.CPU.Clock), shamOS.Selections()); err != nil {
			return err
		}
		fmt.Fprintf(out, "trace: %s\n", run.ID)
	}
	return nil
}

func printSummary(out io.Writer, shamOS *sham.OS) {
	total := shamOS.Selections()
	fmt.Fprintf(out, "clock: %s periods, %s idle, %s selections\n",
		humanize.Comma(int64(shamOS.CPU.Clock)),
		humanize.Comma(int64(shamOS.CPU.Idle)),
		humanize.Comma(int64(total)))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tTID\tPROCESS\tPRIORITY\tSTATE\tSELECTED\tSHARE")
	for _, c := range shamOS.Summary() {
		share := 0.0
		if total > 0 {
			share = 100 * float64(c.Count) / float64(total)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%.1f%%\n",
			c.Pid, c.Tid, c.Process, c.Priority, c.State, humanize.Comma(int64(c.Count)), share)
	}
	if err := w.Flush(); err != nil {
		log.WithError(err).Warn("[CLI] print summary")
	}
}
