// Package sysutil holds process-level helpers used at boot: global log level,
// the root zerolog logger and the claim-owner identity of this instance.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel configures the global zerolog level based on a string value.
// Supported values (case-insensitive): debug, info, warn, error, fatal, panic.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// NewRootLogger builds the process logger and installs it as log.Logger.
// Pretty output is meant for local development only.
func NewRootLogger(w io.Writer, pretty bool, service, instanceID string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	l := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Str("instance", instanceID).
		Logger()
	log.Logger = l
	return l
}

// InstanceID returns the configured claim-owner id, or hostname plus a random
// suffix when none is configured. Two processes on one host never collide.
func InstanceID(configured string) string {
	host, _ := os.Hostname()
	generated := uuid.NewString()[:8]
	if h := strings.TrimSpace(host); h != "" {
		generated = h + "-" + generated
	}
	return FirstNonEmpty(strings.TrimSpace(configured), generated)
}

// FirstNonEmpty returns the first non-blank string, or "" if all are blank.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
