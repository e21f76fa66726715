package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestCache_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[string, int](time.Minute, clock)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("a")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must expire exactly at TTL")
	assert.Equal(t, 0, c.Len())
}

func TestCache_Delete(t *testing.T) {
	c := New[string, string](time.Hour, nil)
	c.Set("k", "v")
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_GetOrLoad(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	c := New[string, []string](time.Minute, clock)
	ctx := context.Background()

	calls := 0
	load := func(context.Context) ([]string, error) {
		calls++
		return []string{"x"}, nil
	}

	t.Run("loads once within TTL", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			v, err := c.GetOrLoad(ctx, "aliases", load)
			require.NoError(t, err)
			assert.Equal(t, []string{"x"}, v)
		}
		assert.Equal(t, 1, calls)
	})

	t.Run("reloads after expiry", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		_, err := c.GetOrLoad(ctx, "aliases", load)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := c.GetOrLoad(ctx, "other", func(context.Context) ([]string, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
		_, ok := c.Get("other")
		assert.False(t, ok)
	})
}
