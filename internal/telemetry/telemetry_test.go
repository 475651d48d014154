package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitInstallsProvidersOnce(t *testing.T) {
	ctx := context.Background()
	first, err := Init(ctx, Config{ServiceName: "scheduler-test", Version: "test"})
	require.NoError(t, err)
	require.NotNil(t, first.Tracer)
	require.NotNil(t, first.Meter)

	second, err := Init(ctx, Config{ServiceName: "ignored"})
	require.NoError(t, err)
	require.Same(t, first, second)

	carrier := propagation.MapCarrier{}
	ctx, span := otel.Tracer("telemetry-test").Start(ctx, "probe")
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()
	require.NotEmpty(t, carrier.Get("traceparent"))

	require.NoError(t, first.Shutdown(context.Background()))
}

func TestShutdownNilProviders(t *testing.T) {
	t.Parallel()
	var p *Providers
	require.NoError(t, p.Shutdown(context.Background()))
}
