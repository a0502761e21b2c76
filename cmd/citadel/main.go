// Command citadel runs a headless engine with a small built-in simulation and any Lua mods found in
// the mods directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/argus-labs/citadel/pkg/engine"
	"github.com/argus-labs/citadel/pkg/telemetry"
	"github.com/argus-labs/citadel/pkg/telemetry/sentry"
	"github.com/pkg/profile"
	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
)

type flags struct {
	orderFile string
	modsDir   string
	frames    int
	spawn     int
	profile   string
	lenient   bool
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("citadel", pflag.ContinueOnError)
	fs.StringVar(&f.orderFile, "order", "", "YAML or JSON system order file")
	fs.StringVar(&f.modsDir, "mods", "", "directory of *.lua mods")
	fs.IntVar(&f.frames, "frames", 0, "number of frames to run, 0 runs until interrupted")
	fs.IntVar(&f.spawn, "spawn", 16, "number of demo entities to spawn")
	fs.StringVar(&f.profile, "profile", "", "write a cpu or mem profile to the working directory")
	fs.BoolVar(&f.lenient, "lenient", false, "start even if the system order and the systems differ")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.frames < 0 || f.spawn < 0 {
		return f, eris.New("frames and spawn cannot be negative")
	}
	switch f.profile {
	case "", "cpu", "mem":
	default:
		return f, eris.Errorf("unknown profile mode %q", f.profile)
	}
	return f, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "citadel: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	switch f.profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	}

	tel, err := telemetry.New(telemetry.Options{ServiceName: "citadel"})
	if err != nil {
		return eris.Wrap(err, "failed to initialize telemetry")
	}
	defer sentry.RecoverAndFlush(true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := tel.GetLogger("engine")
	e, err := engine.New(engine.Options{
		SystemOrder:        defaultOrder(f.orderFile),
		SystemOrderFile:    f.orderFile,
		ModsDir:            f.modsDir,
		LenientSystemOrder: f.lenient,
		Logger:             &logger,
		Tracer:             tel.Tracer,
		Reporter:           tel.CaptureException,
	})
	if err != nil {
		return eris.Wrap(err, "failed to create engine")
	}

	if err := setupSimulation(e, f.spawn); err != nil {
		return err
	}

	if err := e.Start(ctx); err != nil {
		return err
	}

	runErr := drive(ctx, e, f.frames)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("engine shutdown failed")
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown failed")
	}
	return runErr
}

// drive runs the engine until ctx is done, or for a fixed number of frames.
func drive(ctx context.Context, e *engine.Engine, frames int) error {
	if frames == 0 {
		if err := e.Run(ctx); err != nil && !eris.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	delta := time.Duration(float64(time.Second) / e.TickRate())
	for range frames {
		if ctx.Err() != nil {
			return nil
		}
		if err := e.Frame(ctx, delta); err != nil {
			return err
		}
	}
	return nil
}

// defaultOrder returns the built-in system order unless an order file is given.
func defaultOrder(orderFile string) []string {
	if orderFile != "" {
		return nil
	}
	return builtinOrder
}
