package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "HOSTLINK_LOG_LEVEL"
	EnvLogTimestamp = "HOSTLINK_LOG_TIMESTAMP"
	EnvLogNoColor   = "HOSTLINK_LOG_NOCOLOR"
	EnvLogBypass    = "HOSTLINK_LOG_BYPASS"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger setup for one process.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	// Bypass writes raw JSON lines instead of the console format.
	Bypass bool
	App    string
}

var configureOnce sync.Once

func ConfigureRuntime(app string) {
	Configure(ProfileRuntime, app)
}

func ConfigureTests() {
	Configure(ProfileTest, "test")
}

// Configure installs the global logger once per process.
func Configure(profile Profile, app string) {
	configureOnce.Do(func() {
		cfg := DefaultConfig(profile)
		cfg.App = app
		ApplyEnvOverrides(&cfg)
		log.Logger = New(os.Stderr, cfg)
		zerolog.SetGlobalLevel(cfg.Level)
	})
}

// SetLevel overrides the global level after Configure, e.g. from a config file.
func SetLevel(raw string) bool {
	lvl, ok := ParseLevel(raw)
	if ok {
		zerolog.SetGlobalLevel(lvl)
	}
	return ok
}

func DefaultConfig(profile Profile) Config {
	cfg := Config{NoColor: !isatty.IsTerminal(os.Stderr.Fd())}
	switch profile {
	case ProfileTest:
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = zerolog.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

// New builds a logger writing to out according to cfg.
func New(out io.Writer, cfg Config) zerolog.Logger {
	w := out
	if !cfg.Bypass {
		if f, ok := out.(*os.File); ok && !cfg.NoColor {
			w = colorable.NewColorable(f)
		}
		w = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		}
	}
	ctx := zerolog.New(w).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.App != "" {
		ctx = ctx.Str("app", cfg.App)
	}
	return ctx.Logger()
}

func ApplyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogBypass)); ok {
		cfg.Bypass = v
	}
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
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
