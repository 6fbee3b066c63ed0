package events

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Multi(t *testing.T) {
	r1 := NewRecorder()
	r2 := NewRecorder()

	s := Multi(r1, r2, Discard)
	s.Emit(context.Background(), &Event{Type: InstanceCreated, InstanceID: "i1"})

	require.Len(t, r1.Events(), 1)
	require.Len(t, r2.Events(), 1)
}

func Test_Recorder_OfType(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()

	r.Emit(ctx, &Event{Type: InstanceCreated, InstanceID: "i1"})
	r.Emit(ctx, &Event{Type: ActivityFailure, InstanceID: "i1"})
	r.Emit(ctx, &Event{Type: ActivityFailure, InstanceID: "i2"})

	require.Len(t, r.OfType("i1", ActivityFailure), 1)
	require.Len(t, r.OfType("", ActivityFailure), 2)

	r.Reset()
	require.Empty(t, r.Events())
}

func Test_LogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	status := false
	NewLogSink(logger, slog.LevelDebug).Emit(context.Background(), &Event{
		Type:       LinkStatus,
		InstanceID: "i1",
		ActivityID: "ship",
		Link:       "shipped",
		LinkStatus: &status,
	})

	out := buf.String()
	require.Contains(t, out, "bpm.event.type=LinkStatus")
	require.Contains(t, out, "bpm.instance.id=i1")
	require.Contains(t, out, "bpm.link.status=false")
}
