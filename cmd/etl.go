package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/etl"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
)

var etlCmd = &cobra.Command{
	Use:   "etl",
	Short: "Run or inspect the sales ETL",
}

// -- etl run --

var etlRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Aggregate the last day of sales files and archive them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		date, _ := cmd.Flags().GetString("date")
		layout, _ := cmd.Flags().GetString("date-format")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		asJSON, _ := cmd.Flags().GetBool("json")

		if layout == "" {
			layout = cfg.ETL.DateLayout
		}
		ref, err := etl.ParseReferenceDate(date, layout, time.Now().UTC())
		if err != nil {
			return err
		}
		if timeout == 0 {
			timeout = runTimeout(cfg)
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, cancel := withOptionalTimeout(ctx, timeout)
		defer cancel()

		report, runErr := etl.NewOrchestrator(env.Deps()).Run(ctx, runOptions(cfg, ref))
		if asJSON {
			if err := writeReportJSON(os.Stdout, report); err != nil {
				return err
			}
		} else {
			formatReport(os.Stdout, report)
		}
		if runErr != nil {
			return eris.New(env.Secrets.Redact(runErr.Error()))
		}
		return nil
	},
}

// -- etl inspect --

// artifactReader reads objects from the data lake.
type artifactReader interface {
	Download(ctx context.Context, name string) ([]byte, error)
}

var etlInspectCmd = &cobra.Command{
	Use:   "inspect [artifact-path]",
	Short: "Show the files a run would select, or decode a written artifact",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			asCSV, _ := cmd.Flags().GetBool("csv")
			return inspectArtifact(ctx, os.Stdout, env.Lake, args[0], asCSV)
		}

		date, _ := cmd.Flags().GetString("date")
		layout, _ := cmd.Flags().GetString("date-format")
		if layout == "" {
			layout = cfg.ETL.DateLayout
		}
		ref, err := etl.ParseReferenceDate(date, layout, time.Now().UTC())
		if err != nil {
			return err
		}
		files, err := etl.NewSelector(env.Source).Select(ctx, ref)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Fprintln(os.Stderr, "No source files in window.")
			return nil
		}
		formatSourceFiles(os.Stdout, files)
		return nil
	},
}

func inspectArtifact(ctx context.Context, w io.Writer, lake artifactReader, path string, asCSV bool) error {
	data, err := lake.Download(ctx, path)
	if err != nil {
		return eris.Wrapf(err, "download artifact %s", path)
	}
	recs, err := etl.ReadArtifact(data)
	if err != nil {
		return err
	}
	if asCSV {
		return writeAggregatesCSV(w, recs)
	}
	formatAggregates(w, recs)
	return nil
}

// writeAggregatesCSV writes an artifact's rows with the artifact column names
// as header.
func writeAggregatesCSV(w io.Writer, recs []model.AggregateRecord) error {
	table := etl.AggregateTable(recs)
	cw := csv.NewWriter(w)
	if err := cw.Write(table.Columns); err != nil {
		return eris.Wrap(err, "write csv header")
	}
	if err := cw.WriteAll(table.Rows); err != nil {
		return eris.Wrap(err, "write csv rows")
	}
	return nil
}

func writeReportJSON(w io.Writer, report *etl.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// formatReport writes a human-readable run summary.
func formatReport(w io.Writer, r *etl.Report) {
	if r == nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", r.RunID)
	fmt.Fprintf(tw, "Status:\t%s\n", r.Status)
	fmt.Fprintf(tw, "Reference:\t%s\n", r.Reference.Format(time.RFC3339))
	fmt.Fprintf(tw, "Files:\t%d\n", len(r.Selected))
	fmt.Fprintf(tw, "Rows in:\t%d\n", r.InRows)
	fmt.Fprintf(tw, "Rows dropped:\t%d\n", r.Dropped)
	fmt.Fprintf(tw, "Groups:\t%d\n", r.Groups)
	if r.Artifact != nil {
		fmt.Fprintf(tw, "Artifact:\t%s (%d bytes)\n", r.Artifact.Path, r.Artifact.Size)
	}
	fmt.Fprintf(tw, "Archived:\t%d\n", r.Archived)
	if r.Archive != nil {
		for _, o := range r.Archive.Failed() {
			fmt.Fprintf(tw, "  not archived:\t%s (%s)\n", o.File.Name, etl.KindOf(o.Err))
		}
	}
	fmt.Fprintf(tw, "Elapsed:\t%s\n", r.Elapsed.Round(time.Millisecond))
	_ = tw.Flush()
}

func formatSourceFiles(w io.Writer, files []model.SourceFile) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCREATED")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%s\n", f.Name, f.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}

func formatAggregates(w io.Writer, recs []model.AggregateRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tCOUNTRY\tYEAR\tMONTH\tUNITS\tGROSS")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.2f\t%.2f\n",
			r.Segment, r.Country, r.SaleYear, r.SaleMonth, r.TotalUnitsSold, r.TotalGrossSales)
	}
	_ = tw.Flush()
}

func init() {
	for _, c := range []*cobra.Command{etlRunCmd, etlInspectCmd} {
		c.Flags().String("date", "", "reference date (default now)")
		c.Flags().String("date-format", "", "Go layout for --date (default from config)")
	}
	etlRunCmd.Flags().Duration("timeout", 0, "run deadline (default from config)")
	etlRunCmd.Flags().Bool("json", false, "print the run report as JSON")
	etlInspectCmd.Flags().Bool("csv", false, "print a decoded artifact as CSV")

	etlCmd.AddCommand(etlRunCmd, etlInspectCmd)
	rootCmd.AddCommand(etlCmd)
}
