package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerDisabledWithoutEndpoint(t *testing.T) {
	tp, err := InitTracer(context.Background(), "whip-publisher", "test", "")
	require.NoError(t, err)
	assert.Nil(t, tp)
}

func TestInitTracerWithEndpoint(t *testing.T) {
	tp, err := InitTracer(context.Background(), "whip-publisher", "test", "127.0.0.1:4318")
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, tp.Shutdown(context.Background()))
}
