package mod_test

import (
	"context"
	"testing"

	"github.com/argus-labs/citadel/pkg/engine/mod"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/baggage"
)

func TestWithReportTag(t *testing.T) {
	t.Parallel()

	ctx := mod.WithReportTag(context.Background(), mod.TagFrame, "1")
	ctx = mod.WithReportTag(ctx, mod.TagMod, "arena")
	ctx = mod.WithReportTag(ctx, mod.TagFrame, "2")

	bag := baggage.FromContext(ctx)
	assert.Equal(t, 2, bag.Len())
	assert.Equal(t, "2", bag.Member(mod.TagFrame).Value())
	assert.Equal(t, "arena", bag.Member(mod.TagMod).Value())

	parent := context.Background()
	assert.Equal(t, parent, mod.WithReportTag(parent, "bad key", "x"))
}
