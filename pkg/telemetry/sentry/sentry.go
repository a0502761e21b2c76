// Package sentry wraps the Sentry client used to report recovered mod and system failures.
package sentry

import (
	"context"
	"strings"
	"time"

	sentrygo "github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/trace"
)

// crashFlushTimeout bounds the flush after a recovered panic.
const crashFlushTimeout = 5 * time.Second

// Baggage members under tagPrefix become event tags with the prefix dropped.
const tagPrefix = "citadel."

type Options struct {
	Dsn         string
	Environment string
	Release     string
	Tags        map[string]string
}

// New sets up Sentry. An empty DSN leaves it disabled and every other function a no-op.
func New(opt Options) error {
	if opt.Dsn == "" {
		return nil
	}

	err := sentrygo.Init(sentrygo.ClientOptions{
		Dsn:         opt.Dsn,
		Environment: opt.Environment,
		Release:     opt.Release,
		Tags:        opt.Tags,
	})
	if err != nil {
		return eris.Wrap(err, "failed to initialize sentry")
	}
	return nil
}

// RecoverAndFlush is deferred at the top of main. It reports a panic, flushes, and rethrows when
// repanic is set.
func RecoverAndFlush(repanic bool) {
	if !Enabled() {
		return
	}
	r := recover()
	if r != nil {
		sentrygo.CurrentHub().Recover(r)
	}
	sentrygo.Flush(crashFlushTimeout)
	if r != nil && repanic {
		panic(r)
	}
}

// CaptureException reports a handled error with its eris chain attached. The event is tagged with
// the active trace and with the engine tags in ctx's baggage, such as the failing mod and frame.
func CaptureException(ctx context.Context, err error) {
	if !Enabled() || err == nil {
		return
	}
	sentrygo.WithScope(func(scope *sentrygo.Scope) {
		decorate(ctx, scope, err)
		sentrygo.CaptureException(err)
	})
}

func decorate(ctx context.Context, scope *sentrygo.Scope, err error) {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		scope.SetTag("trace_id", spanCtx.TraceID().String())
		scope.SetTag("span_id", spanCtx.SpanID().String())
	}

	tags := make(map[string]string)
	for _, member := range baggage.FromContext(ctx).Members() {
		if key, ok := strings.CutPrefix(member.Key(), tagPrefix); ok && key != "" {
			tags[key] = member.Value()
		}
	}
	scope.SetTags(tags)

	// Failures of one mod group together regardless of the frame they happened in.
	if modID, ok := tags["mod"]; ok {
		scope.SetFingerprint([]string{"{{ default }}", modID, tags["phase"]})
	}
	scope.SetContext("eris", sentrygo.Context(eris.ToJSON(err, true)))
}

// Shutdown flushes buffered events. It waits for timeout or until the context deadline, whichever
// comes first.
func Shutdown(ctx context.Context, timeout time.Duration) {
	if !Enabled() {
		return
	}
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	sentrygo.Flush(timeout)
}

// Enabled reports whether Sentry has a client.
func Enabled() bool {
	return sentrygo.CurrentHub().Client() != nil
}
