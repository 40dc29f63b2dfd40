package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger. It is a no-op until Initialize runs so
// packages can log safely during init and in tests.
var Logger = zap.NewNop().Sugar()

// Initialize builds the global logger. jsonOutput selects zap's production
// JSON encoder; otherwise a console encoder writes to stdout. debug lowers the
// level so collector state transitions become visible.
func Initialize(jsonOutput, debug bool) (*zap.SugaredLogger, error) {
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	var zapLogger *zap.Logger
	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(level)
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		var err error
		zapLogger, err = config.Build()
		if err != nil {
			return nil, err
		}
	} else {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderCfg),
				zapcore.AddSync(os.Stdout),
				level,
			),
		)
	}

	Logger = zapLogger.Sugar()
	return Logger, nil
}

// Named returns a child of the global logger tagged with a component name
func Named(component string) *zap.SugaredLogger {
	return Logger.Named(component)
}
