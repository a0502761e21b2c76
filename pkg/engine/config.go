package engine

import (
	"github.com/argus-labs/citadel/pkg/engine/mod"
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// engineConfig holds the environment configuration of an Engine.
type engineConfig struct {
	// Frames per second of Run.
	TickRate float64 `env:"CITADEL_TICK_RATE" envDefault:"60"`

	// Optional YAML or JSON system order file.
	SystemOrderFile string `env:"CITADEL_SYSTEM_ORDER_FILE"`

	// Optional directory of *.lua mods loaded at start.
	ModsDir string `env:"CITADEL_MODS_DIR"`

	// When true, Start fails if the system order and the registered systems differ.
	StrictSystemOrder bool `env:"CITADEL_STRICT_SYSTEM_ORDER" envDefault:"true"`
}

func loadEngineConfig() (engineConfig, error) {
	cfg := engineConfig{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse engine config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate config")
	}

	return cfg, nil
}

func (cfg *engineConfig) validate() error {
	if cfg.TickRate <= 0 {
		return eris.New("tick rate must be positive")
	}
	return nil
}

func (cfg *engineConfig) applyToOptions(opt *Options) {
	opt.TickRate = cfg.TickRate
	opt.SystemOrderFile = cfg.SystemOrderFile
	opt.ModsDir = cfg.ModsDir
	opt.LenientSystemOrder = !cfg.StrictSystemOrder
}

// Options override the environment configuration. Zero values keep the configured value.
type Options struct {
	TickRate           float64  // Frames per second of Run
	SystemOrder        []string // System order, takes precedence over SystemOrderFile
	SystemOrderFile    string   // YAML or JSON system order file
	ModsDir            string   // Directory of *.lua mods loaded at start
	LenientSystemOrder bool     // Skip the system order check in Start

	Logger   *zerolog.Logger
	Tracer   trace.Tracer
	Reporter mod.ErrorReporter // Receives recovered mod and mod system failures
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *Options) apply(newOpt Options) {
	if newOpt.TickRate != 0 {
		opt.TickRate = newOpt.TickRate
	}
	if newOpt.SystemOrder != nil {
		opt.SystemOrder = newOpt.SystemOrder
	}
	if newOpt.SystemOrderFile != "" {
		opt.SystemOrderFile = newOpt.SystemOrderFile
	}
	if newOpt.ModsDir != "" {
		opt.ModsDir = newOpt.ModsDir
	}
	if newOpt.LenientSystemOrder {
		opt.LenientSystemOrder = true
	}
	if newOpt.Logger != nil {
		opt.Logger = newOpt.Logger
	}
	if newOpt.Tracer != nil {
		opt.Tracer = newOpt.Tracer
	}
	if newOpt.Reporter != nil {
		opt.Reporter = newOpt.Reporter
	}
}

// validate checks that all required options are set and valid.
func (opt *Options) validate() error {
	if opt.TickRate <= 0 {
		return eris.New("tick rate must be positive")
	}
	return nil
}
