// Package storetest holds behaviour checks shared by every store.Store implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bpftraced/internal/store"
)

// Run exercises s. s must be empty and have its schema created.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	a := store.Record{ID: "sa", Code: "BEGIN { @x = 1; }", Username: "admin", Running: true, CreatedAt: created}
	b := store.Record{ID: "sb", Code: "kprobe:do_nanosleep { @c = count(); }", Username: "pcp", CreatedAt: created.Add(time.Minute)}
	require.NoError(t, s.Save(ctx, b))
	require.NoError(t, s.Save(ctx, a))

	got, err := s.Get(ctx, "sa")
	require.NoError(t, err)
	assert.Equal(t, a.Code, got.Code)
	assert.Equal(t, "admin", got.Username)
	assert.True(t, got.Running)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.False(t, got.UpdatedAt.IsZero())

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "sa", list[0].ID)
	assert.Equal(t, "sb", list[1].ID)

	// Save replaces
	a.Code = "BEGIN { @x = 2; }"
	require.NoError(t, s.Save(ctx, a))
	got, err = s.Get(ctx, "sa")
	require.NoError(t, err)
	assert.Equal(t, "BEGIN { @x = 2; }", got.Code)

	require.NoError(t, s.SetRunning(ctx, "sa", false))
	got, err = s.Get(ctx, "sa")
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.ErrorIs(t, s.SetRunning(ctx, "missing", true), store.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "sa"))
	_, err = s.Get(ctx, "sa")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "sa"), store.ErrNotFound)

	list, err = s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
