package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bpftraced/internal/script"
)

func TestRegistry(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	r := NewRegistry(func() time.Time { return now })

	a := r.Create("BEGIN {}", "admin", false)
	now = now.Add(time.Second)
	b := r.Create("BEGIN {}", "admin", true)
	require.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, r.Len())

	got, err := r.Get(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, got)

	now = now.Add(time.Minute)
	r.Touch(a.ID)
	assert.Equal(t, now, a.LastAccessedAt())
	r.Touch("missing")

	list := r.List()
	require.Len(t, list, 2)
	assert.Same(t, a, list[0])
	assert.Same(t, b, list[1])

	removed, err := r.Delete(a.ID)
	require.NoError(t, err)
	assert.Same(t, a, removed)
	_, err = r.Delete(a.ID)
	require.ErrorIs(t, err, script.ErrNotFound)
	_, err = r.Get(a.ID)
	require.ErrorIs(t, err, script.ErrNotFound)
}

func TestRegistry_Restore(t *testing.T) {
	r := NewRegistry(nil)
	sc := script.Restore("sabc", "BEGIN {}", "admin", true, time.Now())
	require.NoError(t, r.Restore(sc))
	require.Error(t, r.Restore(sc))
	got, err := r.Get("sabc")
	require.NoError(t, err)
	assert.True(t, got.Persistent)
}

func TestRegistry_ConcurrentCreate(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc := r.Create("BEGIN {}", "admin", false)
			r.Touch(sc.ID)
			_ = r.List()
		}()
	}
	wg.Wait()
	assert.Equal(t, 200, r.Len())
}
