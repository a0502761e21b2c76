package mod

import (
	"context"

	"go.opentelemetry.io/otel/baggage"
)

// Tags attached to the context handed to an ErrorReporter. They travel as OpenTelemetry baggage,
// so reporters read them with baggage.FromContext.
const (
	TagMod    = "citadel.mod"
	TagPhase  = "citadel.phase"
	TagSystem = "citadel.system"
	TagFrame  = "citadel.frame"
)

// Phases recorded under TagPhase.
const (
	PhaseLoad   = "load"
	PhaseUnload = "unload"
	PhaseStart  = "start"
	PhaseTick   = "tick"
)

// WithReportTag returns a copy of ctx whose baggage carries key=value, replacing an earlier value
// for key. A key or value baggage cannot hold leaves ctx unchanged.
func WithReportTag(ctx context.Context, key, value string) context.Context {
	member, err := baggage.NewMemberRaw(key, value)
	if err != nil {
		return ctx
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}
