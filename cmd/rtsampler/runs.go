package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mini-rodalies-3d/rtsampler/internal/config"
	"github.com/mini-rodalies-3d/rtsampler/internal/db"
	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/logger"
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recorded runs, or show one",
	Long: `Read the run ledger kept in the SQLite database. Without an argument the
most recent runs are listed; with a run id its full outcome is printed.

Examples:
  rtsampler runs --sqlite rtsampler.db
  rtsampler runs 0b6f3c52-... --sqlite rtsampler.db`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

var runsFlags struct {
	sqlite string
	limit  int
}

func init() {
	runsCmd.Flags().StringVar(&runsFlags.sqlite, "sqlite", "", "SQLite database holding the ledger (env SQLITE_DATABASE)")
	runsCmd.Flags().IntVar(&runsFlags.limit, "limit", 20, "Number of runs to list")
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	path := cfg.SQLitePath
	if cmd.Flags().Changed("sqlite") {
		path = runsFlags.sqlite
	}
	if path == "" {
		return errors.WithHint(
			errors.Mark(errors.New("no run ledger configured"), errors.ErrConfig),
			"pass --sqlite or set SQLITE_DATABASE")
	}

	database, err := db.Connect(path, logger.Named("db"))
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.EnsureSchema(cmd.Context()); err != nil {
		return err
	}

	if len(args) == 1 {
		run, err := database.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printRun(cmd.OutOrStdout(), run)
		return nil
	}

	runs, err := database.ListRuns(cmd.Context(), runsFlags.limit)
	if err != nil {
		return err
	}
	printRuns(cmd.OutOrStdout(), runs)
	return nil
}

func printRuns(out io.Writer, runs []db.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSHAPE\tITER\tFAIL\tRECORDS\tSTATUS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Shape,
			r.Iterations, r.Failures, r.Records, status(r))
	}
	tw.Flush()
}

func printRun(out io.Writer, r *db.Run) {
	fmt.Fprintf(out, "Run:              %s\n", r.ID)
	fmt.Fprintf(out, "Feed:             %s\n", r.FeedURL)
	fmt.Fprintf(out, "Shape:            %s\n", r.Shape)
	fmt.Fprintf(out, "Started:          %s\n", r.StartedAt.Format(time.RFC3339))
	if r.FinishedAt != nil {
		fmt.Fprintf(out, "Finished:         %s (%s)\n", r.FinishedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt))
	}
	fmt.Fprintf(out, "Status:           %s\n", status(*r))
	fmt.Fprintf(out, "Iterations:       %d (%d failed)\n", r.Iterations, r.Failures)
	fmt.Fprintf(out, "Records:          %d in %d batches\n", r.Records, r.Batches)
	if r.ArtifactPath != "" {
		fmt.Fprintf(out, "Artifacts:        %s\n", r.ArtifactPath)
	}
	if r.DistinctVehicles != nil {
		fmt.Fprintf(out, "Vehicles:         %d\n", *r.DistinctVehicles)
	}
	if r.DistinctTrips != nil {
		fmt.Fprintf(out, "Trips:            %d\n", *r.DistinctTrips)
	}
	if r.MeanSpeed != nil {
		fmt.Fprintf(out, "Speed (km/h):     %.1f mean", *r.MeanSpeed)
		if r.StdDevSpeed != nil {
			fmt.Fprintf(out, ", %.1f stddev", *r.StdDevSpeed)
		}
		fmt.Fprintln(out)
	}
	if r.MeanArrivalDelay != nil {
		fmt.Fprintf(out, "Arrival delay:    %.0fs mean\n", *r.MeanArrivalDelay)
	}
}

func status(r db.Run) string {
	switch {
	case r.FinishedAt == nil:
		return "running"
	case r.ErrorKind != "":
		return "failed (" + r.ErrorKind + ")"
	case r.Cancelled:
		return "cancelled"
	case r.Degraded:
		return "degraded"
	default:
		return "ok"
	}
}
