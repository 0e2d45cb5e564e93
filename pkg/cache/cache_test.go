package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_Expiry(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", "1")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, c.Len())

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_GetOrLoad(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(context.Background(), "k", load)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)

	_, err := c.GetOrLoad(context.Background(), "fail", func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	assert.Error(t, err)
	_, ok := c.Get("fail")
	assert.False(t, ok)
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	c.Set("session:1", 1)
	c.Set("session:2", 2)
	c.Set("live", 3)

	c.InvalidatePrefix("session:")
	_, ok := c.Get("session:1")
	assert.False(t, ok)
	_, ok = c.Get("live")
	assert.True(t, ok)

	c.Delete("live")
	assert.Equal(t, 0, c.Len())
	c.Stop()
}
