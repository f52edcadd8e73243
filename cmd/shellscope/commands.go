package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loykin/shellscope"
)

// HistoryFlags holds flags for the history command
type HistoryFlags struct {
	PID        int32
	Running    bool
	Suspicious bool
	Child      string
	Since      string
	Limit      int
	JSON       bool
}

// PruneFlags holds flags for the prune command
type PruneFlags struct {
	Days int
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(globalFlags *GlobalFlags, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded process lifecycles",
		Long: `List lifecycle records, newest first.

Examples:
  shellscope history
  shellscope history --running
  shellscope history --child=powershell.exe --since=2025-01-01 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			f := shellscope.Filter{Child: flags.Child, Since: flags.Since, Limit: flags.Limit}
			if cmd.Flags().Changed("pid") {
				f.PID = &flags.PID
			}
			if cmd.Flags().Changed("running") {
				f.Running = &flags.Running
			}
			if cmd.Flags().Changed("suspicious") {
				f.Suspicious = &flags.Suspicious
			}
			return showHistory(cmdContext(cmd), cfg, f, flags.JSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int32Var(&flags.PID, "pid", 0, "only records for this pid")
	cmd.Flags().BoolVar(&flags.Running, "running", false, "only running (true) or ended (false) processes")
	cmd.Flags().BoolVar(&flags.Suspicious, "suspicious", false, "only suspicious (true) or benign (false) processes")
	cmd.Flags().StringVar(&flags.Child, "child", "", "process image name, case-insensitive")
	cmd.Flags().StringVar(&flags.Since, "since", "", "first date to include (YYYY-MM-DD)")
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum records to show")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print one JSON object per line")
	return cmd
}

func showHistory(ctx context.Context, cfg shellscope.Config, f shellscope.Filter, asJSON bool, out io.Writer) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	recs, err := st.Records(ctx, f)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tPID\tDATE\tSTART\tEND\tCHILD\tPARENT\tSUSPICIOUS\tSTATUS\tDURATION\tARGS")
	for _, r := range recs {
		end, dur := "-", "Running"
		if r.EndTime.Valid {
			end = r.EndTime.String
		}
		if r.Duration.Valid {
			dur = strconv.FormatFloat(r.Duration.Float64, 'f', 2, 64) + "s"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			r.ID, r.PID, r.Date, r.Time, end, r.Child, r.Parent, r.Suspicious, r.Status, dur, r.Args)
	}
	return tw.Flush()
}

// createPruneCommand creates the prune subcommand
func createPruneCommand(globalFlags *GlobalFlags, flags *PruneFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete lifecycle records older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			days := cfg.Retention.Days
			if cmd.Flags().Changed("days") {
				days = flags.Days
			}
			ctx := cmdContext(cmd)
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			n, err := st.Prune(ctx, days)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d records\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.Days, "days", 0, "retention window in days (default from config)")
	return cmd
}

// openStore logs to stderr; the configured log file belongs to the running agent.
func openStore(ctx context.Context, cfg shellscope.Config) (*shellscope.Store, error) {
	return shellscope.OpenStore(ctx, cfg.Store, slog.Default())
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
