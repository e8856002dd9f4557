package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerDebugfAndDebugw(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)
	logger := NewZapLogger(base)

	logger.Debugf("queue %s withheld task key=%d", "PUSH", 42)
	logger.Debugw("ready table quorum reached", "table", "local_reduce", "count", 2)

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Contains(t, entries[0].Message, "queue PUSH withheld task key=42")
	require.Equal(t, "ready table quorum reached", entries[1].Message)
}

func TestNilZapLoggerIsSafe(t *testing.T) {
	var logger *ZapLogger
	require.NotPanics(t, func() {
		logger.Debugf("noop")
		logger.Debugw("noop")
	})
}
