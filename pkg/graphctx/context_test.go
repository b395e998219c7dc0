package graphctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenBadger(storage.BadgerOptions{InMemory: true, Dimensions: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustEntity(t *testing.T, s storage.Store, name string) storage.EntityID {
	t.Helper()
	id, _, err := s.GetOrCreateEntityID(context.Background(), name, "concept")
	require.NoError(t, err)
	return id
}

func mustRelate(t *testing.T, s storage.Store, from, to storage.EntityID) {
	t.Helper()
	_, err := s.CreateRelation(context.Background(), from, to, "links")
	require.NoError(t, err)
}

func TestDistance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustEntity(t, s, "A")
	b := mustEntity(t, s, "B")
	c := mustEntity(t, s, "C")
	d := mustEntity(t, s, "D")
	isolated := mustEntity(t, s, "Isolated")

	// chain A - B - C - D
	mustRelate(t, s, a, b)
	mustRelate(t, s, b, c)
	mustRelate(t, s, c, d)

	cache := New(s, Options{})

	t.Run("self distance is zero", func(t *testing.T) {
		dist, err := cache.Distance(ctx, a, a)
		require.NoError(t, err)
		assert.Equal(t, 0, dist)
	})

	t.Run("direct relation is one hop either way", func(t *testing.T) {
		dist, err := cache.Distance(ctx, a, b)
		require.NoError(t, err)
		assert.Equal(t, 1, dist)

		dist, err = cache.Distance(ctx, b, a)
		require.NoError(t, err)
		assert.Equal(t, 1, dist, "distance is symmetric")
	})

	t.Run("multi-hop within bound", func(t *testing.T) {
		dist, err := cache.Distance(ctx, a, c)
		require.NoError(t, err)
		assert.Equal(t, 2, dist)

		dist, err = cache.Distance(ctx, a, d)
		require.NoError(t, err)
		assert.Equal(t, 3, dist)
	})

	t.Run("isolated entity is unreachable", func(t *testing.T) {
		dist, err := cache.Distance(ctx, isolated, a)
		require.NoError(t, err)
		assert.Equal(t, Unreachable, dist)
	})

	t.Run("beyond max depth is unreachable", func(t *testing.T) {
		shallow := New(s, Options{MaxDepth: 2})
		dist, err := shallow.Distance(ctx, a, d)
		require.NoError(t, err)
		assert.Equal(t, Unreachable, dist)
	})
}

func TestDistanceToNearest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustEntity(t, s, "A")
	b := mustEntity(t, s, "B")
	c := mustEntity(t, s, "C")
	mustRelate(t, s, a, b)

	cache := New(s, Options{})

	t.Run("anchor member is distance zero", func(t *testing.T) {
		dist, err := cache.DistanceToNearest(ctx, a, []storage.EntityID{a, b})
		require.NoError(t, err)
		assert.Equal(t, 0, dist)
	})

	t.Run("nearest anchor wins", func(t *testing.T) {
		dist, err := cache.DistanceToNearest(ctx, b, []storage.EntityID{a})
		require.NoError(t, err)
		assert.Equal(t, 1, dist)
	})

	t.Run("no reachable anchor", func(t *testing.T) {
		dist, err := cache.DistanceToNearest(ctx, c, []storage.EntityID{a, b})
		require.NoError(t, err)
		assert.Equal(t, Unreachable, dist)
	})

	t.Run("no anchors at all", func(t *testing.T) {
		dist, err := cache.DistanceToNearest(ctx, a, nil)
		require.NoError(t, err)
		assert.Equal(t, Unreachable, dist)
	})
}

func TestRecentEntities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustEntity(t, s, "A")
	_, _, err := s.InsertObservation(ctx, a, "tracked")
	require.NoError(t, err)

	now := time.Now()
	clock := func() time.Time { return now }
	cache := New(s, Options{TTL: time.Minute, Clock: clock})

	recent, err := cache.RecentEntities(ctx)
	require.NoError(t, err)
	assert.Empty(t, recent)

	// the cached empty list is served until the TTL lapses
	require.NoError(t, s.UpdateAccessStats(ctx, []storage.EntityID{a}))
	recent, err = cache.RecentEntities(ctx)
	require.NoError(t, err)
	assert.Empty(t, recent, "stale cache still in effect")

	now = now.Add(2 * time.Minute)
	recent, err = cache.RecentEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []storage.EntityID{a}, recent)
}

func TestDistanceCacheTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustEntity(t, s, "A")
	b := mustEntity(t, s, "B")

	now := time.Now()
	clock := func() time.Time { return now }
	cache := New(s, Options{TTL: time.Minute, Clock: clock})

	dist, err := cache.Distance(ctx, a, b)
	require.NoError(t, err)
	require.Equal(t, Unreachable, dist)

	// a relation created after caching is invisible until the TTL lapses
	mustRelate(t, s, a, b)
	dist, err = cache.Distance(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, Unreachable, dist)

	now = now.Add(2 * time.Minute)
	dist, err = cache.Distance(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, 1, dist)
}

func TestPreload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustEntity(t, s, "A")
	b := mustEntity(t, s, "B")
	c := mustEntity(t, s, "C")
	mustRelate(t, s, a, b)
	mustRelate(t, s, b, c)

	cache := New(s, Options{})
	require.NoError(t, cache.Preload(ctx, []storage.EntityID{a}, []storage.EntityID{c}))

	// distances resolve from the warmed adjacency cache
	dist, err := cache.Distance(ctx, a, c)
	require.NoError(t, err)
	assert.Equal(t, 2, dist)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := mustEntity(t, s, "A")
	b := mustEntity(t, s, "B")

	cache := New(s, Options{})
	dist, err := cache.Distance(ctx, a, b)
	require.NoError(t, err)
	require.Equal(t, Unreachable, dist)

	mustRelate(t, s, a, b)
	cache.Invalidate()

	dist, err = cache.Distance(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, 1, dist)
}
