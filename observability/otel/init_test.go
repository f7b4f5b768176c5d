package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer abc , bad, =x,tenant=lendearn")
	require.Equal(t, map[string]string{"authorization": "Bearer abc", "tenant": "lendearn"}, headers)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("LOANSYNCD_OTEL_DISABLED", "")

	cfg := FromEnv("loansyncd", "staging")
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.Equal(t, 0.25, cfg.SampleRatio)
	require.True(t, cfg.Traces)

	t.Setenv("LOANSYNCD_OTEL_DISABLED", "true")
	cfg = FromEnv("loansyncd", "staging")
	require.False(t, cfg.Traces)
	require.False(t, cfg.Metrics)
}

func TestInitWithoutExporters(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "loansyncd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	require.Equal(t, "AlwaysOnSampler", Sampler(0).Description())
	require.Equal(t, "AlwaysOnSampler", Sampler(1).Description())
	require.Equal(t, "AlwaysOnSampler", Sampler(-0.5).Description())

	ratio := Sampler(0.25).Description()
	require.Contains(t, ratio, "ParentBased")
	require.Contains(t, ratio, "TraceIDRatioBased{0.25}")
}

func TestInitInstallsTracerProvider(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{
		ServiceName: "loansyncd",
		Environment: "test",
		Version:     "v0.0.0-test",
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
		Headers:     map[string]string{"tenant": "lendearn"},
		Traces:      true,
	})
	require.NoError(t, err)
	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))
}
