package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/runlog"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect ETL run history",
	Long:  "Commands for listing and summarizing runs recorded in the run ledger.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent ETL runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, ledger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := ledger.ListRecent(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, entries)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, ledger, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := ledger.ListRecent(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		last, err := ledger.LastSuccess(ctx)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(entries), last)
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "max number of runs to display")
	runsStatsCmd.Flags().Int("limit", 500, "number of recent runs to summarize")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Complete   int
	Failed     int
	Running    int
	Rows       int
	Dropped    int
	Archived   int
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from ledger entries.
func computeRunStats(entries []runlog.Entry) runStats {
	var s runStats
	s.Total = len(entries)

	var totalDur time.Duration
	var durCount int

	for _, e := range entries {
		switch e.Status {
		case model.RunStatusComplete:
			s.Complete++
			s.Rows += e.RowsIn
			s.Dropped += e.RowsDropped
			s.Archived += e.Archived
			if e.CompletedAt != nil {
				totalDur += e.CompletedAt.Sub(e.StartedAt)
				durCount++
			}
		case model.RunStatusFailed:
			s.Failed++
		default:
			s.Running++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, entries []runlog.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tREFERENCE\tSTARTED\tFILES\tGROUPS\tARCHIVED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t---------\t-------\t-----\t------\t--------\t--------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		errMsg := e.Error
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(e.RunID),
			e.Status,
			e.Reference.Format("2006-01-02"),
			e.StartedAt.Format("2006-01-02 15:04"),
			e.Files,
			e.Groups,
			e.Archived,
			dur,
			errMsg,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats, lastSuccess *time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Rows processed:\t%d\n", s.Rows)
	_, _ = fmt.Fprintf(w, "Rows dropped:\t%d\n", s.Dropped)
	_, _ = fmt.Fprintf(w, "Files archived:\t%d\n", s.Archived)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	if lastSuccess != nil {
		_, _ = fmt.Fprintf(w, "Last success:\t%s\n", lastSuccess.Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
