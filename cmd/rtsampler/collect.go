package main

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mini-rodalies-3d/rtsampler/internal/collector"
	"github.com/mini-rodalies-3d/rtsampler/internal/config"
	"github.com/mini-rodalies-3d/rtsampler/internal/db"
	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/logger"
	"github.com/mini-rodalies-3d/rtsampler/internal/metrics"
	"github.com/mini-rodalies-3d/rtsampler/internal/postgis"
	"github.com/mini-rodalies-3d/rtsampler/internal/publisher"
	"github.com/mini-rodalies-3d/rtsampler/internal/realtime/feed"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
	"github.com/mini-rodalies-3d/rtsampler/internal/sink"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Poll the feed for a fixed window and write the artifact",
	Long: `Poll the feed every --interval seconds for --duration minutes, then write
every extracted record to a Parquet artifact. Ctrl-C stops polling early and
still writes what was collected.

Fetch and decode failures are logged and skipped. Consecutive failures back
off exponentially up to --max-backoff seconds.`,
	Args: cobra.NoArgs,
	RunE: runCollect,
}

var collectFlags struct {
	feed          string
	shape         string
	output        string
	interval      int
	duration      int
	timeout       int
	maxBackoff    int
	degradedAfter int
	flushEvery    int
	writeRetries  int
	csv           bool
	sqlite        string
	nats          string
	metricsAddr   string
}

func init() {
	f := collectCmd.Flags()
	f.StringVar(&collectFlags.feed, "feed", "", "Feed URL (env FEED_URL)")
	f.StringVar(&collectFlags.shape, "shape", "", "vehicle_positions, trip_updates or all (env FEED_SHAPE)")
	f.StringVarP(&collectFlags.output, "output", "o", "", "Artifact path (default results/<shape>.parquet)")
	f.IntVar(&collectFlags.interval, "interval", 0, "Seconds between poll starts (env POLL_INTERVAL)")
	f.IntVar(&collectFlags.duration, "duration", 0, "Window length in minutes (env DURATION_MINUTES)")
	f.IntVar(&collectFlags.timeout, "timeout", 0, "Per-request timeout in seconds (env FETCH_TIMEOUT)")
	f.IntVar(&collectFlags.maxBackoff, "max-backoff", 0, "Backoff cap in seconds (env MAX_BACKOFF)")
	f.IntVar(&collectFlags.degradedAfter, "degraded-after", 0, "Consecutive failures before the run is degraded")
	f.IntVar(&collectFlags.flushEvery, "flush-every", 0, "Write a batch every N iterations, 0 disables")
	f.IntVar(&collectFlags.writeRetries, "write-retries", 0, "Retries of a failed final write")
	f.BoolVar(&collectFlags.csv, "csv", false, "Also write a CSV sibling of each artifact")
	f.StringVar(&collectFlags.sqlite, "sqlite", "", "SQLite database for the run ledger and row export")
	f.StringVar(&collectFlags.nats, "nats", "", "NATS URL to publish records to while collecting")
	f.StringVar(&collectFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	applyCollectFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, err = collect(ctx, cfg, cfg.Run(), logger.Named("rtsampler"))
	return err
}

// applyCollectFlags overrides cfg with the flags the user actually set
func applyCollectFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("feed") {
		cfg.FeedURL = collectFlags.feed
	}
	if f.Changed("shape") {
		cfg.Shape = collectFlags.shape
	}
	if f.Changed("output") {
		cfg.OutputPath = collectFlags.output
	}
	if f.Changed("interval") {
		cfg.IntervalSeconds = collectFlags.interval
	}
	if f.Changed("duration") {
		cfg.DurationMinutes = collectFlags.duration
	}
	if f.Changed("timeout") {
		cfg.FetchTimeoutSeconds = collectFlags.timeout
	}
	if f.Changed("max-backoff") {
		cfg.MaxBackoffSeconds = collectFlags.maxBackoff
	}
	if f.Changed("degraded-after") {
		cfg.DegradedAfter = collectFlags.degradedAfter
	}
	if f.Changed("flush-every") {
		cfg.FlushEvery = collectFlags.flushEvery
	}
	if f.Changed("write-retries") {
		cfg.WriteRetries = collectFlags.writeRetries
	}
	if f.Changed("csv") {
		cfg.CSVExport = collectFlags.csv
	}
	if f.Changed("sqlite") {
		cfg.SQLitePath = collectFlags.sqlite
	}
	if f.Changed("nats") {
		cfg.NATSURL = collectFlags.nats
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = collectFlags.metricsAddr
	}
}

// runReport is what one collect invocation produced
type runReport struct {
	RunID     string
	Collected collector.Result
	Artifacts []sink.Result
	Stats     metrics.Stats
}

// collect runs one window with run's parameters, persists the result and
// wires the optional stores and side outputs named in cfg. Only startup and
// final-write failures are returned.
func collect(ctx context.Context, cfg *config.Config, run config.RunConfig, log *zap.SugaredLogger) (*runReport, error) {
	report := &runReport{}

	// Row-oriented stores
	var exporters []sink.Exporter
	if cfg.CSVExport {
		exporters = append(exporters, sink.CSVExporter{})
	}

	var ledger *db.DB
	if cfg.SQLitePath != "" {
		var err error
		ledger, err = db.Connect(cfg.SQLitePath, log.Named("db"))
		if err != nil {
			return nil, err
		}
		defer ledger.Close()

		if err := ledger.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		if cfg.RetentionHours > 0 {
			if _, err := ledger.Cleanup(ctx, time.Duration(cfg.RetentionHours)*time.Hour); err != nil {
				log.Warnf("Cleanup error: %v", err)
			}
		}

		report.RunID, err = ledger.StartRun(ctx, run.FeedURL, run.Shape, time.Now())
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, ledger.Exporter(report.RunID))
	}
	if report.RunID == "" {
		report.RunID = uuid.New().String()
	}

	if cfg.PostgresURL != "" {
		loader, err := postgis.Connect(ctx, cfg.PostgresURL, log.Named("postgis"))
		if err != nil {
			return nil, err
		}
		defer loader.Close()

		if err := loader.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		exporters = append(exporters, loader.Exporter(report.RunID))
	}

	writer := sink.NewWriter(cfg.Output(), log.Named("sink"), exporters...)
	segregated := record.Shape(run.Shape) == record.All

	// Side outputs
	summary := metrics.NewSummary()
	taps := []collector.Tap{summary}
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, log.Named("nats"))
		if err != nil {
			log.Warnf("NATS: live publishing disabled: %v", err)
		} else {
			defer pub.Close()
			taps = append(taps, pub)
		}
	}

	opts := []collector.Option{collector.WithTap(collector.MultiTap(taps...))}
	if cfg.MetricsAddr != "" {
		mc := metrics.NewCollector(run.Interval, run.Duration, log.Named("metrics"))
		mc.Serve(ctx, cfg.MetricsAddr)
		opts = append(opts, collector.WithObserver(mc))
	}
	if run.FlushEvery > 0 {
		opts = append(opts, collector.WithBatchWriter(collector.BatchWriterFunc(
			func(ctx context.Context, index int, records []record.Record) error {
				// A failed flush keeps its buffer and retries under the same index
				results, err := persist(ctx, writer, segregated, index, records)
				report.Artifacts = mergeArtifacts(report.Artifacts, written(results))
				return err
			})))
	}

	client := feed.NewClient(run.FeedURL, run.Token, run.FetchTimeout)
	res := collector.New(run, client, log.Named("collector"), opts...).Run(ctx)
	report.Collected = res

	// The final write must survive the signal that ended the loop.
	writeCtx := context.WithoutCancel(ctx)
	batch := -1
	if res.Batches > 0 {
		batch = res.Batches
	}
	// A retry only writes the shapes whose artifact is not published yet.
	var published []sink.Result
	_, werr := persistWithRetry(log, cfg.WriteRetries, func() ([]sink.Result, error) {
		results, err := persist(writeCtx, writer, segregated, batch, unpublished(res.Records, published))
		published = append(published, written(results)...)
		return published, err
	})
	report.Artifacts = mergeArtifacts(report.Artifacts, published)
	report.Stats = summary.Stats()

	total := res.Flushed + len(res.Records)
	if total == 0 {
		log.Infof("Collect: no records collected in %d iterations (%d failures), nothing written",
			res.Iterations, res.Failures)
	} else if werr == nil {
		log.Infof("Collect: %d records in %d artifacts (%d iterations, %d failures, degraded=%v)",
			total, len(report.Artifacts), res.Iterations, res.Failures, res.Degraded)
	}

	if ledger != nil {
		if err := ledger.FinishRun(writeCtx, report.RunID, time.Now(), outcome(report, werr)); err != nil {
			log.Errorf("Collect: failed to record run %s: %v", report.RunID, err)
		}
	}

	if werr != nil {
		log.Errorf("Collect: %s, %d records could not be persisted", errors.KindOf(werr), len(res.Records))
		return report, werr
	}
	return report, nil
}

// persist writes records as a full-run artifact (batch < 0) or as batch
// index, split per shape when the run extracts both.
func persist(ctx context.Context, w *sink.Writer, segregated bool, batch int, records []record.Record) ([]sink.Result, error) {
	switch {
	case segregated && batch >= 0:
		return w.WriteSegregatedBatch(ctx, batch, records)
	case segregated:
		return w.WriteSegregated(ctx, records)
	case batch >= 0:
		res, err := w.WriteBatch(ctx, batch, records)
		return []sink.Result{res}, err
	default:
		res, err := w.Write(ctx, records)
		return []sink.Result{res}, err
	}
}

// persistWithRetry repeats write while it fails with ErrWrite. The records
// stay in memory between attempts; the feed is not polled again.
func persistWithRetry(log *zap.SugaredLogger, retries int, write func() ([]sink.Result, error)) ([]sink.Result, error) {
	var (
		results []sink.Result
		err     error
	)
	for attempt := 0; attempt <= retries; attempt++ {
		results, err = write()
		if err == nil || !errors.Is(err, errors.ErrWrite) {
			return results, err
		}
		if attempt < retries {
			log.Warnf("Collect: write attempt %d of %d failed, retrying from memory: %v", attempt+1, retries+1, err)
		}
	}
	return results, err
}

func written(results []sink.Result) []sink.Result {
	var out []sink.Result
	for _, r := range results {
		if r.Written {
			out = append(out, r)
		}
	}
	return out
}

// unpublished drops the records whose shape already has a published artifact
func unpublished(records []record.Record, published []sink.Result) []record.Record {
	if len(published) == 0 {
		return records
	}
	done := make(map[record.Shape]bool, len(published))
	for _, p := range published {
		done[p.Shape] = true
	}
	out := make([]record.Record, 0, len(records))
	for _, r := range records {
		if !done[r.Shape] {
			out = append(out, r)
		}
	}
	return out
}

// mergeArtifacts appends results to artifacts. A republished path replaces
// its earlier entry.
func mergeArtifacts(artifacts, results []sink.Result) []sink.Result {
	for _, r := range results {
		i := slices.IndexFunc(artifacts, func(a sink.Result) bool { return a.Path == r.Path })
		if i >= 0 {
			artifacts[i] = r
			continue
		}
		artifacts = append(artifacts, r)
	}
	return artifacts
}

func outcome(r *runReport, werr error) db.Outcome {
	res := r.Collected
	paths := make([]string, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		paths = append(paths, a.Path)
	}

	o := db.Outcome{
		Iterations:       res.Iterations,
		Failures:         res.Failures,
		Records:          res.Flushed + len(res.Records),
		Batches:          res.Batches,
		Degraded:         res.Degraded,
		Cancelled:        res.Cancelled,
		ArtifactPath:     strings.Join(paths, ","),
		MeanSpeed:        r.Stats.MeanSpeed,
		StdDevSpeed:      r.Stats.StdDevSpeed,
		MeanArrivalDelay: r.Stats.MeanArrivalDelay,
		ErrorKind:        errors.KindOf(werr),
	}
	if r.Stats.Records > 0 {
		vehicles, trips := r.Stats.DistinctVehicles, r.Stats.DistinctTrips
		o.DistinctVehicles = &vehicles
		o.DistinctTrips = &trips
	}
	return o
}
