package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChromeTraceWriterFlush(t *testing.T) {
	dir := t.TempDir()
	w := NewChromeTraceWriter(dir, 2, 0, 0, nil)

	span := w.StartSpan("PUSH")
	span.AddEvent("enqueued")
	span.End(nil)

	require.NoError(t, w.Flush())

	data, err := os.ReadFile(filepath.Join(dir, "2", "comm.json"))
	require.NoError(t, err)

	var events []ChromeEvent
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events, 2)
	require.Equal(t, "i", events[0].Ph)
	require.Equal(t, "X", events[1].Ph)
	require.Equal(t, 2, events[1].Pid)
}

func TestChromeTraceWriterRespectsStepWindow(t *testing.T) {
	dir := t.TempDir()
	step := 0
	w := NewChromeTraceWriter(dir, 0, 5, 10, func() int { return step })

	span := w.StartSpan("REDUCE")
	span.End(nil)
	require.Len(t, w.events, 0, "events before startStep must be dropped")

	step = 6
	span = w.StartSpan("REDUCE")
	span.End(nil)
	require.Len(t, w.events, 1)
}
