package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/bpftraced/internal/history"
)

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("ClickHouse container unavailable: %v", err)
	}
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	sink, err := New(Options{Addr: host + ":" + port.Port(), Table: "script_history_test"})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStarted, OccurredAt: now, ScriptID: "s1", PID: 7, Status: "started"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventError, OccurredAt: now.Add(time.Second), ScriptID: "s1", PID: 7, Status: "error", ExitCode: 2, Error: "boom"}))

	got, err := sink.Events(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, history.EventError, got[1].Type)
	assert.Equal(t, "boom", got[1].Error)
	assert.Equal(t, 2, got[1].ExitCode)
}
