package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/bpftraced/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	defer func() { _ = postgresContainer.Terminate(ctx) }()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStarted, OccurredAt: now, ScriptID: "s1", Username: "admin", PID: 12345, Status: "started"}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStopped, OccurredAt: now.Add(time.Second), ScriptID: "s1", Username: "admin", PID: 12345, Status: "stopped"}))

	got, err := sink.Events(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, history.EventStopped, got[1].Type)
	assert.Equal(t, 12345, got[0].PID)
}
