package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mini-rodalies-3d/rtsampler/internal/config"
	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
	"github.com/mini-rodalies-3d/rtsampler/internal/logger"
)

var (
	configFlag  string
	logJSONFlag bool
	debugFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "rtsampler",
	Short: "Sample a GTFS-Realtime feed over a fixed window",
	Long: `rtsampler polls a GTFS-Realtime feed at a fixed cadence for a bounded
window, extracts vehicle positions or per-stop trip updates and writes them
to a Parquet artifact.

Configuration is read from defaults, an optional YAML file, the environment
(a .env file is loaded if present) and finally flags.

Examples:
  rtsampler collect --interval 30 --duration 10      # 10 minute window, poll every 30s
  rtsampler collect --shape trip_updates -o tu.parquet
  rtsampler inspect --feed feed.pb                   # decode a saved snapshot
  rtsampler export results/vehicle_positions.parquet --csv
  rtsampler runs --limit 5`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return err
		}
		jsonOutput, debug := loggingOptions(cmd, cfg)
		if _, err := logger.Initialize(jsonOutput, debug); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&logJSONFlag, "log-json", false, "Emit JSON logs")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error (%s): %v\n", errors.KindOf(err), err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}

// loggingOptions resolves the log format and level. The config file and
// LOG_JSON/DEBUG come first, then the flags the user actually set.
func loggingOptions(cmd *cobra.Command, cfg *config.Config) (jsonOutput, debug bool) {
	jsonOutput, debug = cfg.LogJSON, cfg.Debug
	if cmd.Flags().Changed("log-json") {
		jsonOutput = logJSONFlag
	}
	if cmd.Flags().Changed("debug") {
		debug = debugFlag
	}
	return jsonOutput, debug
}
