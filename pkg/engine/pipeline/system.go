package pipeline

import (
	"context"
	"time"
)

// System is a per-frame behavior unit. Systems close over whatever state they work on.
type System interface {
	ID() string
	Enabled() bool
	SetEnabled(enabled bool)
	Tick(delta time.Duration) error
}

// Starter is implemented by systems that need a one-time start per pipeline activation.
type Starter interface {
	Start(ctx context.Context) error
}

// RenderTicker is implemented by systems that keep running visual work while the simulation is
// paused.
type RenderTicker interface {
	RenderTick(delta time.Duration)
}

// Destroyer is implemented by systems that release resources when the pipeline is destroyed.
type Destroyer interface {
	Destroy()
}

// Clearer is implemented by systems that hold caches to drop when the pipeline is destroyed.
type Clearer interface {
	Clear()
}

// Base implements the id and enabled flag of System. Embed it and add Tick.
type Base struct {
	id       string
	disabled bool
}

// NewBase returns an enabled Base with the given id.
func NewBase(id string) Base {
	return Base{id: id}
}

// ID returns the system id.
func (b *Base) ID() string { return b.id }

// Enabled reports whether the system ticks.
func (b *Base) Enabled() bool { return !b.disabled }

// SetEnabled toggles the system. A disabled system is skipped by Run and RunRenderOnly.
func (b *Base) SetEnabled(enabled bool) { b.disabled = !enabled }

// TickFunc is the signature of a function-backed system.
type TickFunc func(delta time.Duration) error

type funcSystem struct {
	Base
	fn TickFunc
}

// NewSystem wraps fn as an enabled System.
func NewSystem(id string, fn TickFunc) System {
	return &funcSystem{Base: NewBase(id), fn: fn}
}

func (s *funcSystem) Tick(delta time.Duration) error {
	return s.fn(delta)
}
