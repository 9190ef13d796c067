// Package logging builds the root logger of the command line tool.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

// Environment variables overriding the configured logging.
const (
	// EnvLogLevel overrides the log level, e.g. "debug" or "off".
	EnvLogLevel = "TILTRECON_LOG_LEVEL"
	// EnvLogTimestamp turns timestamps on or off; any strconv.ParseBool
	// value is accepted.
	EnvLogTimestamp = "TILTRECON_LOG_TIMESTAMP"
)

// Verbosity levels passed to logr.Logger.V.
const (
	LevelError = -1
	LevelInfo  = 0
	LevelDebug = 1
	LevelTrace = 2
)

// Config controls the root logger built by New.
type Config struct {
	// Verbosity is the highest V level printed. Errors are always printed;
	// LevelError hides every info message.
	Verbosity int
	// Timestamp prefixes every entry with the time.
	Timestamp bool
	// Disabled discards all output.
	Disabled bool
}

// DefaultConfig prints info messages with timestamps.
func DefaultConfig() Config {
	return Config{Verbosity: LevelInfo, Timestamp: true}
}

// Configure returns a Config for level with the environment overrides
// applied. An unknown level keeps the default.
func Configure(level string) Config {
	cfg := DefaultConfig()
	applyLevel(&cfg, level)
	applyEnvOverrides(&cfg)
	return cfg
}

// New returns a logger writing one line per entry to w.
func New(w io.Writer, cfg Config) logr.Logger {
	if cfg.Disabled {
		return logr.Discard()
	}
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintf(w, "%s: %s\n", prefix, args)
			return
		}
		fmt.Fprintln(w, args)
	}, funcr.Options{
		LogTimestamp: cfg.Timestamp,
		Verbosity:    cfg.Verbosity,
	})
}

func applyLevel(cfg *Config, raw string) {
	if v, disabled, ok := parseLevel(raw); ok {
		cfg.Verbosity = v
		cfg.Disabled = disabled
	}
}

func applyEnvOverrides(cfg *Config) {
	applyLevel(cfg, os.Getenv(EnvLogLevel))
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
}

func parseLevel(raw string) (verbosity int, disabled, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return LevelInfo, false, false
	case "trace":
		return LevelTrace, false, true
	case "debug":
		return LevelDebug, false, true
	case "info":
		return LevelInfo, false, true
	// logr has no warning level; both only print errors.
	case "warn", "warning", "error":
		return LevelError, false, true
	case "disabled", "off", "none":
		return LevelInfo, true, true
	default:
		return LevelInfo, false, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
