package telemetry

import (
	"io"
	"strings"

	"github.com/argus-labs/citadel/pkg/telemetry/sentry"
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Config is the environment side of the telemetry setup.
type Config struct {
	// Enabled turns on trace export. Logging is always on.
	Enabled bool `env:"TELEMETRY_ENABLED" envDefault:"false"`

	// Endpoint is the OTLP/HTTP collector URL.
	Endpoint string `env:"TELEMETRY_ENDPOINT" envDefault:"http://localhost:4318"`

	// TraceSampleRate is the sampling rate for traces (0.0 to 1.0).
	TraceSampleRate float64 `env:"TELEMETRY_TRACE_SAMPLE_RATE" envDefault:"1.0"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `env:"TELEMETRY_LOG_LEVEL" envDefault:"info"`

	// LogFormat is "json" or "pretty".
	LogFormat string `env:"TELEMETRY_LOG_FORMAT" envDefault:"json"`

	// SentryDsn enables crash reporting when set.
	SentryDsn string `env:"TELEMETRY_SENTRY_DSN"`

	// SentryEnv tags reported events, e.g. DEV or PROD.
	SentryEnv string `env:"TELEMETRY_SENTRY_ENV"`
}

func loadConfig() (Config, error) {
	cfg := Config{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse telemetry config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate telemetry config")
	}

	return cfg, nil
}

func (cfg *Config) validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		return eris.Errorf("invalid log level: %s (must be 'debug', 'info', 'warn', or 'error')", cfg.LogLevel)
	}
	if ParseLogFormat(cfg.LogFormat) == LogFormatUndefined {
		return eris.Errorf("invalid log format: %s (must be 'json' or 'pretty')", cfg.LogFormat)
	}
	if cfg.Enabled && cfg.Endpoint == "" {
		return eris.New("telemetry endpoint cannot be empty when telemetry is enabled")
	}
	if cfg.TraceSampleRate < 0.0 || cfg.TraceSampleRate > 1.0 {
		return eris.New("trace sample rate must be between 0.0 and 1.0")
	}
	return nil
}

func (cfg *Config) applyToOptions(opt *Options) {
	opt.Enabled = cfg.Enabled
	opt.Endpoint = cfg.Endpoint
	opt.LogLevel = cfg.LogLevel
	opt.LogFormat = ParseLogFormat(cfg.LogFormat)
	opt.TraceSampleRate = cfg.TraceSampleRate
	opt.SentryOptions = sentry.Options{
		Dsn:         cfg.SentryDsn,
		Environment: cfg.SentryEnv,
	}
}

// Options override the environment config. Zero values keep the config value.
type Options struct {
	ServiceName     string // Prefix of every component logger
	Enabled         bool   // Forces trace export on
	Endpoint        string
	LogLevel        string
	LogFormat       LogFormat
	TraceSampleRate float64
	LogWriter       io.Writer // Defaults to stdout

	SentryOptions sentry.Options
}

// apply merges the non-zero fields of newOpt into opt.
func (opt *Options) apply(newOpt Options) {
	if newOpt.ServiceName != "" {
		opt.ServiceName = newOpt.ServiceName
	}
	if newOpt.Enabled {
		opt.Enabled = true
	}
	if newOpt.Endpoint != "" {
		opt.Endpoint = newOpt.Endpoint
	}
	if newOpt.LogLevel != "" {
		opt.LogLevel = newOpt.LogLevel
	}
	if newOpt.LogFormat != LogFormatUndefined {
		opt.LogFormat = newOpt.LogFormat
	}
	if newOpt.TraceSampleRate != 0.0 {
		opt.TraceSampleRate = newOpt.TraceSampleRate
	}
	if newOpt.LogWriter != nil {
		opt.LogWriter = newOpt.LogWriter
	}
	if newOpt.SentryOptions.Dsn != "" {
		opt.SentryOptions.Dsn = newOpt.SentryOptions.Dsn
	}
	if newOpt.SentryOptions.Release != "" {
		opt.SentryOptions.Release = newOpt.SentryOptions.Release
	}
	if newOpt.SentryOptions.Tags != nil {
		opt.SentryOptions.Tags = newOpt.SentryOptions.Tags
	}
}

func (opt *Options) validate() error {
	if opt.ServiceName == "" {
		return eris.New("service name cannot be empty")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(opt.LogLevel)); err != nil {
		return eris.Errorf("invalid log level: %s (must be 'debug', 'info', 'warn', or 'error')", opt.LogLevel)
	}
	if opt.LogFormat == LogFormatUndefined {
		return eris.New("log format must be specified")
	}
	if opt.Enabled && opt.Endpoint == "" {
		return eris.New("endpoint cannot be empty when telemetry is enabled")
	}
	if opt.TraceSampleRate < 0.0 || opt.TraceSampleRate > 1.0 {
		return eris.New("trace sample rate must be between 0.0 and 1.0")
	}
	return nil
}

// LogFormat is the log output format.
type LogFormat uint8

const (
	LogFormatUndefined LogFormat = iota // Used as the zero value
	LogFormatJSON                       // Structured JSON logs
	LogFormatPretty                     // Human-readable console logs
)

func (f LogFormat) String() string {
	switch f {
	case LogFormatJSON:
		return "json"
	case LogFormatPretty:
		return "pretty"
	case LogFormatUndefined:
		return "undefined"
	default:
		return "undefined"
	}
}

// ParseLogFormat converts a string to a LogFormat. Unknown strings map to LogFormatUndefined.
func ParseLogFormat(s string) LogFormat {
	switch strings.ToLower(s) {
	case "json":
		return LogFormatJSON
	case "pretty":
		return LogFormatPretty
	default:
		return LogFormatUndefined
	}
}
