// Package logging configures the process-wide zerolog output for Warren.
//
// Components never build their own writers: they ask for a component-scoped
// logger with New and otherwise default to zerolog.Nop().
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "WARREN_LOG_LEVEL"
	EnvLogFormat  = "WARREN_LOG_FORMAT"
	EnvLogNoColor = "WARREN_LOG_NOCOLOR"
)

// Profile selects defaults for the process type.
type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logging configuration.
type Config struct {
	Level   zerolog.Level
	Format  string // "console" or "json"
	NoColor bool
	Output  io.Writer
}

var (
	configureOnce sync.Once
	mu            sync.RWMutex
	base          = zerolog.Nop()
)

// ConfigureRuntime sets up logging for CLI and long-running processes.
func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

// ConfigureTests sets up quiet logging for tests.
func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure applies the profile defaults plus environment overrides. Only the
// first call has any effect.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		Apply(cfg)
	})
}

// Apply replaces the base logger unconditionally.
func Apply(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()

	mu.Lock()
	base = logger
	mu.Unlock()
}

// New returns a logger tagged with the component name.
func New(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", component).Logger()
}

func defaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.WarnLevel, Format: "console", NoColor: true}
	default:
		return Config{Level: zerolog.InfoLevel, Format: "console"}
	}
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))) {
	case "json":
		cfg.Format = "json"
	case "console", "text":
		cfg.Format = "console"
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		cfg.NoColor = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "off", "disabled":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
