package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledReturnsNoopProvider(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false, ServiceName: "router"})
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitEnabledBuildsExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		ServiceName: "router",
		Version:     "test",
		Environment: "test",
		SampleRate:  1.0,
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx, span := StartSpan(context.Background(), "unit-test-span")
	SetAttributes(ctx)
	AddEvent(ctx, "checkpoint")
	span.End()
}

func TestSetErrorRecordsFailure(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: false, ServiceName: "router"})
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "err-span")
	SetError(ctx, errors.New("boom"))
	span.End()
}

func TestGetFallsBackToNoop(t *testing.T) {
	globalProvider = nil
	p := Get()
	assert.NotNil(t, p.Tracer())
}
