package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/mini-rodalies-3d/rtsampler/internal/config"
	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/realtime/feed"
	"github.com/mini-rodalies-3d/rtsampler/internal/record"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Fetch the feed once and summarize what it carries",
	Long: `Fetch one snapshot of the feed, or read a saved one from disk, and print
its entity counts and the records each shape would extract.

Examples:
  rtsampler inspect                         # FEED_URL and API_KEY from the environment
  rtsampler inspect --feed snapshot.pb --records 5`,
	Args: cobra.NoArgs,
	RunE: runInspect,
}

var inspectFlags struct {
	feed    string
	timeout int
	records int
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFlags.feed, "feed", "", "Feed URL or local .pb file (env FEED_URL)")
	inspectCmd.Flags().IntVar(&inspectFlags.timeout, "timeout", 0, "Request timeout in seconds (env FETCH_TIMEOUT)")
	inspectCmd.Flags().IntVar(&inspectFlags.records, "records", 0, "Print the first N extracted records as JSON")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("feed") {
		cfg.FeedURL = inspectFlags.feed
	}
	if cmd.Flags().Changed("timeout") {
		cfg.FetchTimeoutSeconds = inspectFlags.timeout
	}
	if cfg.FeedURL == "" {
		return errors.WithHint(
			errors.Mark(errors.New("no feed to inspect"), errors.ErrConfig),
			"pass --feed or set FEED_URL")
	}

	client := feed.NewClient(cfg.FeedURL, cfg.Token, time.Duration(cfg.FetchTimeoutSeconds)*time.Second)
	msg, err := client.Poll(cmd.Context())
	if err != nil {
		return err
	}
	return printInspection(cmd.OutOrStdout(), cfg.FeedURL, msg, inspectFlags.records)
}

func printInspection(out io.Writer, source string, msg *gtfs.FeedMessage, limit int) error {
	stats := feed.Describe(msg)
	records := record.Extract(msg)
	parts := record.Partition(records)

	fmt.Fprintf(out, "Feed:               %s\n", source)
	if stats.HeaderTimestamp != nil {
		fmt.Fprintf(out, "Header timestamp:   %s\n", stats.HeaderTimestamp.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Incrementality:     %s\n", stats.Incrementality)
	fmt.Fprintf(out, "Entities:           %d\n", stats.Entities)
	fmt.Fprintf(out, "  vehicles:         %d\n", stats.Vehicles)
	fmt.Fprintf(out, "  trip updates:     %d (%d stop time updates)\n", stats.TripUpdates, stats.StopTimeUpdates)
	fmt.Fprintf(out, "  alerts:           %d\n", stats.Alerts)
	fmt.Fprintf(out, "  empty:            %d\n", stats.Empty)
	fmt.Fprintf(out, "Extracted records:\n")
	fmt.Fprintf(out, "  %-20s%d (%d filtered out)\n", record.VehiclePositions+":",
		len(parts[record.VehiclePositions]), stats.Vehicles-len(parts[record.VehiclePositions]))
	fmt.Fprintf(out, "  %-20s%d\n", record.TripUpdates+":", len(parts[record.TripUpdates]))

	if limit <= 0 {
		return nil
	}
	if limit > len(records) {
		limit = len(records)
	}
	enc := json.NewEncoder(out)
	for _, r := range records[:limit] {
		var v any = r.Vehicle
		if r.Shape == record.TripUpdates {
			v = r.StopUpdate
		}
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "failed to print record")
		}
	}
	return nil
}
