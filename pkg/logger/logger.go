// Package logger configures the process-wide zerolog.Logger every SPAX
// component (consumer, lifecycle workers, HTTP middleware) logs through via
// github.com/rs/zerolog/log, per spec.md §7's propagation policy.
package logger

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets the global log level and output format, and stamps every
// subsequent log entry with service="spax" so a shared log aggregator can
// separate the archive's own lines from a sibling service's in the same
// multi-tenant deployment.
func Init(level, format string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	log.Logger = log.Logger.With().Str("service", "spax").Logger()
}
