package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger. It is a no-op until Initialize runs.
var Logger *zap.SugaredLogger

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize builds the global logger. jsonOutput selects the production
// encoder; otherwise a console encoder is used.
func Initialize(jsonOutput bool, level string) error {
	lvl := parseLevel(level)

	var cfg zap.Config
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := cfg.Build()
	if err != nil {
		return err
	}
	Logger = zl.Sugar()
	return nil
}

// Named returns a child of the global logger.
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Sync flushes buffered entries. Errors from syncing stdout are ignored.
func Sync() {
	_ = Logger.Sync()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
