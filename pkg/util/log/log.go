// Package log provides the process-wide structured logger, following the
// same package-level Logger convention the rest of the module's ambient
// stack expects: callers write level.Error(log.Logger).Log("msg", ..., "err", err).
package log

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the process-wide logger. Replace it (e.g. from main, after
// flag parsing) before any other package logs through it.
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

func init() {
	Logger = log.With(Logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(4))
}

// InitLogger installs a level filter in front of the default logger so
// that only messages at levelName or above are written. levelName is one
// of "debug", "info", "warn", "error"; anything else defaults to "info".
func InitLogger(levelName string) {
	var lvl level.Option
	switch levelName {
	case "debug":
		lvl = level.AllowDebug()
	case "warn":
		lvl = level.AllowWarn()
	case "error":
		lvl = level.AllowError()
	default:
		lvl = level.AllowInfo()
	}

	base := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	Logger = level.NewFilter(base, lvl)
	Logger = log.With(Logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
}
