package tracing

import (
	"context"
	"testing"

	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupNone(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Exporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Exporter: "stdout", SampleRatio: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = Setup(context.Background(), config.TracingConfig{Exporter: "none"})
	})
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestSampler(t *testing.T) {
	t.Parallel()
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
	var _ sdktrace.Sampler = sampler(0.5)
}
