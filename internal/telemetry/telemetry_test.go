package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_ExportsSpansToWriter(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	var out bytes.Buffer
	tracer, shutdown, err := Setup(ctx, Options{Enabled: true, ServiceName: "buildgrid-test", Writer: &out})
	require.NoError(t, err)

	// --- Act ---
	_, span := tracer.Start(ctx, "build Compile")
	span.End()
	require.NoError(t, shutdown(ctx))

	// --- Assert ---
	assert.Contains(t, out.String(), "build Compile")
	assert.Contains(t, out.String(), "buildgrid-test")
}

func TestSetup_Disabled(t *testing.T) {
	ctx := context.Background()
	tracer, shutdown, err := Setup(ctx, Options{})
	require.NoError(t, err)

	_, span := tracer.Start(ctx, "ignored")
	span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, shutdown(ctx))
}
