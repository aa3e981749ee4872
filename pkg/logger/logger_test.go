package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitAcceptsUnknownLevel(t *testing.T) {
	require.NoError(t, Init("not-a-level"))
	require.NotNil(t, Logger())
}

func TestWithModuleReturnsChild(t *testing.T) {
	require.NoError(t, Init("debug"))
	child := WithModule("auth")
	require.NotNil(t, child)
}

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "req-123")
	field := CorrelationField(ctx)
	require.Equal(t, zap.String("correlation_id", "req-123"), field)

	require.Equal(t, zap.Skip(), CorrelationField(context.Background()))
	require.Equal(t, zap.Skip(), CorrelationField(nil))
}
