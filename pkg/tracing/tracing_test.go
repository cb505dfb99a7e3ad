package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/configs"
)

func TestInitTracerDisabledIsNoop(t *testing.T) {
	require.NoError(t, InitTracer(configs.TracingConfig{Enabled: false}))

	ctx, span := StartSpan(context.Background(), "noop")
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
	require.NoError(t, ShutdownTracer(context.Background()))
}

func TestNewExporterRejectsUnknownType(t *testing.T) {
	_, err := newExporter(configs.TracingConfig{ExporterType: "jaeger"})
	assert.ErrorContains(t, err, "unsupported exporter type")
}
