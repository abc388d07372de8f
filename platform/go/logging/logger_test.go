package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "WARN", "error"} {
		_, err := NewLogger(Config{Component: "test", Level: level})
		require.NoError(t, err, "level %q", level)
	}

	_, err := NewLogger(Config{Level: "chatty"})
	require.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Same(t, logger, got)
}
