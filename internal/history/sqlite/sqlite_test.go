package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bpftraced/internal/history"
)

func TestSQLiteSink_SendAndRead(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	events := []history.Event{
		{Type: history.EventCreated, OccurredAt: base, ScriptID: "s1", Name: "vfs", Username: "admin", PID: -1, Status: "stopped"},
		{Type: history.EventStarted, OccurredAt: base.Add(time.Second), ScriptID: "s1", Name: "vfs", Username: "admin", PID: 42, Status: "started"},
		{Type: history.EventError, OccurredAt: base.Add(2 * time.Second), ScriptID: "s1", Name: "vfs", Username: "admin", PID: 42, Status: "error", ExitCode: 1, Error: "exit status 1"},
		{Type: history.EventCreated, OccurredAt: base, ScriptID: "s2", Username: "admin", Status: "stopped"},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	got, err := sink.Events(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, history.EventCreated, got[0].Type)
	assert.Equal(t, history.EventError, got[2].Type)
	assert.Equal(t, "exit status 1", got[2].Error)
	assert.Equal(t, 1, got[2].ExitCode)
	assert.True(t, got[1].OccurredAt.Equal(base.Add(time.Second)))

	last, err := sink.Events(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, history.EventError, last[0].Type)
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventDeleted, ScriptID: "s9", OccurredAt: time.Now()}))
	got, err := sink.Events(context.Background(), "s9", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
