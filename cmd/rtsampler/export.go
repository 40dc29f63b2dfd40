package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mini-rodalies-3d/rtsampler/internal/config"
	"github.com/mini-rodalies-3d/rtsampler/internal/db"
	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/logger"
	"github.com/mini-rodalies-3d/rtsampler/internal/metrics"
	"github.com/mini-rodalies-3d/rtsampler/internal/postgis"
	"github.com/mini-rodalies-3d/rtsampler/internal/sink"
)

var exportCmd = &cobra.Command{
	Use:   "export <artifact.parquet>",
	Short: "Derive CSV, SQLite or PostGIS rows from a written artifact",
	Long: `Read a Parquet artifact written by collect and load it into one or more
row-oriented stores. The record shape is detected from the file's schema.

Examples:
  rtsampler export results/vehicle_positions.parquet --csv
  rtsampler export results/trip_updates.parquet --sqlite rtsampler.db
  DATABASE_URL=postgres://... rtsampler export results/vehicle_positions.parquet --postgis`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var exportFlags struct {
	csv     bool
	sqlite  string
	postgis bool
}

func init() {
	exportCmd.Flags().BoolVar(&exportFlags.csv, "csv", false, "Write a CSV sibling of the artifact")
	exportCmd.Flags().StringVar(&exportFlags.sqlite, "sqlite", "", "Load rows into this SQLite database (env SQLITE_DATABASE)")
	exportCmd.Flags().BoolVar(&exportFlags.postgis, "postgis", false, "Load rows into PostGIS at DATABASE_URL")
}

// exportTargets selects the stores an export writes to
type exportTargets struct {
	CSV         bool
	SQLitePath  string
	PostgresURL string
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}

	targets := exportTargets{CSV: exportFlags.csv, SQLitePath: cfg.SQLitePath}
	if cmd.Flags().Changed("sqlite") {
		targets.SQLitePath = exportFlags.sqlite
	}
	if exportFlags.postgis {
		if cfg.PostgresURL == "" {
			return errors.WithHint(
				errors.Mark(errors.New("--postgis needs a database"), errors.ErrConfig),
				"set DATABASE_URL")
		}
		targets.PostgresURL = cfg.PostgresURL
	}

	_, err = export(cmd.Context(), args[0], targets, logger.Named("rtsampler"))
	return err
}

// export loads the artifact at path into every selected store. Store
// failures are logged; the first one is returned after all stores ran.
func export(ctx context.Context, path string, targets exportTargets, log *zap.SugaredLogger) ([]string, error) {
	shape, err := sink.DetectShape(path)
	if err != nil {
		return nil, err
	}
	records, err := sink.ReadRecords(path, shape)
	if err != nil {
		return nil, err
	}
	log.Infof("Export: read %d %s records from %s", len(records), shape, path)

	var exporters []sink.Exporter
	if targets.CSV {
		exporters = append(exporters, sink.CSVExporter{})
	}

	runID := uuid.New().String()
	var ledger *db.DB
	if targets.SQLitePath != "" {
		ledger, err = db.Connect(targets.SQLitePath, log.Named("db"))
		if err != nil {
			return nil, err
		}
		defer ledger.Close()
		if err := ledger.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		runID, err = ledger.StartRun(ctx, path, string(shape), time.Now())
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, ledger.Exporter(runID))
	}

	if targets.PostgresURL != "" {
		loader, err := postgis.Connect(ctx, targets.PostgresURL, log.Named("postgis"))
		if err != nil {
			return nil, err
		}
		defer loader.Close()
		if err := loader.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		exporters = append(exporters, loader.Exporter(runID))
	}

	if len(exporters) == 0 {
		return nil, errors.WithHint(
			errors.Mark(errors.New("no export target selected"), errors.ErrConfig),
			"pass --csv, --sqlite or --postgis")
	}

	var (
		done     []string
		firstErr error
	)
	for _, exp := range exporters {
		if err := exp.Export(ctx, path, shape, records); err != nil {
			log.Errorf("Export: %s failed: %v", exp.Name(), err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "%s export", exp.Name())
			}
			continue
		}
		log.Infof("Export: %s done", exp.Name())
		done = append(done, exp.Name())
	}

	if ledger != nil {
		summary := metrics.NewSummary()
		summary.Add(records)
		stats := summary.Stats()
		vehicles, trips := stats.DistinctVehicles, stats.DistinctTrips
		o := db.Outcome{
			Records:          len(records),
			ArtifactPath:     path,
			DistinctVehicles: &vehicles,
			DistinctTrips:    &trips,
			MeanSpeed:        stats.MeanSpeed,
			StdDevSpeed:      stats.StdDevSpeed,
			MeanArrivalDelay: stats.MeanArrivalDelay,
			ErrorKind:        errors.KindOf(firstErr),
		}
		if err := ledger.FinishRun(ctx, runID, time.Now(), o); err != nil {
			log.Errorf("Export: failed to record run %s: %v", runID, err)
		}
	}
	return done, firstErr
}
