package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Corphon/NovelIntruder/internal/config"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryResultCache(5*time.Minute, 10)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", &models.GenerationResult{DeviationReasoning: "x"}))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", got.DeviationReasoning)

	now = now.Add(5*time.Minute + time.Second)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestMemoryCacheEvictsOldest(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryResultCache(time.Hour, 3)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		now = now.Add(time.Second)
		require.NoError(t, c.Set(ctx, fmt.Sprintf("k%d", i), &models.GenerationResult{}))
	}
	assert.Equal(t, 3, c.Len())
	_, ok, _ := c.Get(ctx, "k0")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "k3")
	assert.True(t, ok)
}

func TestNewResultCacheBackends(t *testing.T) {
	c, err := NewResultCache(config.CacheConfig{Backend: "memory"}, time.Minute, 10)
	require.NoError(t, err)
	assert.IsType(t, &MemoryResultCache{}, c)

	_, err = NewResultCache(config.CacheConfig{Backend: "memcached"}, time.Minute, 10)
	assert.Error(t, err)
}
