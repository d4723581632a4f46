package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

func newCache(t *testing.T) (*SlotCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, 30*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestGetSetRoundTrip(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	var got entry
	ok, err := c.Get(ctx, 7, "k", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	want := entry{Start: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), Count: 3}
	require.NoError(t, c.Set(ctx, 7, "k", want))
	ok, err = c.Get(ctx, 7, "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, want.Start.Equal(got.Start))
	assert.Equal(t, 3, got.Count)
}

func TestBumpInvalidatesOnlyThatOwner(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, 1, "k", entry{Count: 1}))
	require.NoError(t, c.Set(ctx, 2, "k", entry{Count: 2}))

	require.NoError(t, c.Bump(ctx, 1))

	var got entry
	ok, err := c.Get(ctx, 1, "k", &got)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.Get(ctx, 2, "k", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, got.Count)
}

func TestEntriesExpire(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, 1, "k", entry{Count: 1}))

	mr.FastForward(31 * time.Second)

	var got entry
	ok, err := c.Get(ctx, 1, "k", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServerFailureSurfaces(t *testing.T) {
	c, mr := newCache(t)
	mr.Close()

	var got entry
	_, err := c.Get(context.Background(), 1, "k", &got)
	assert.Error(t, err)
}
