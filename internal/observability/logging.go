// Package observability provides the shared zap loggers for casesweep.
//
// Library packages stay quiet and return errors; commands and the
// orchestrator log through CLILogger. The logger writes to stderr so
// structured run artifacts on stdout stay machine-parseable.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger for command execution.
//
// It defaults to a no-op logger so library consumers that never call
// InitCLILogger do not emit output.
var CLILogger = zap.NewNop()

// InitCLILogger configures CLILogger for the given level.
//
// Accepted levels: debug, info, warn, error. Unknown values fall back
// to info. The encoder is console-style for humans; set structured to
// true for JSON output suitable for log aggregation.
func InitCLILogger(level string, structured bool) {
	lvl := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(level); err == nil {
		lvl = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if structured {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	CLILogger = zap.New(core)
}

// Sync flushes any buffered log entries. Safe to call at process exit.
func Sync() {
	_ = CLILogger.Sync()
}
