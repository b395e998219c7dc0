// Package graphctx tracks the current working set of the knowledge graph and
// answers bounded graph-distance queries for the contextual scoring
// component.
//
// Two cooperating caches share one TTL: a bounded recent-entities list
// refreshed from storage when stale, and an adjacency/distance cache
// populated lazily by BFS and eagerly by batch preload. Relations are
// treated as undirected for distance purposes.
//
// Nothing invalidates the caches on graph mutation; staleness is bounded
// only by the TTL. The caches are owned by the component instance, never
// package-level state, so tests run with isolated disposable instances.
package graphctx

import (
	"context"
	"sync"
	"time"

	"github.com/orneryd/muninn/pkg/storage"
)

// Defaults.
const (
	DefaultTTL          = 5 * time.Minute
	DefaultMaxRecent    = 10
	DefaultMaxDepth     = 3
	DefaultPreloadDepth = 2
)

// Unreachable is the distance reported when no path exists within MaxDepth.
// A pair at true distance beyond the bound is indistinguishable from a
// genuinely disconnected pair.
const Unreachable = -1

// Options configures a Cache.
type Options struct {
	// TTL bounds staleness of every cached item.
	TTL time.Duration

	// MaxRecent bounds the recent-entities list.
	MaxRecent int

	// MaxDepth bounds BFS traversal cost.
	MaxDepth int

	// PreloadDepth is how many hops the batch preload fetches around the
	// working set in one pass.
	PreloadDepth int

	// Clock overrides time.Now for tests.
	Clock func() time.Time
}

func (o *Options) fill() {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxRecent <= 0 {
		o.MaxRecent = DefaultMaxRecent
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.PreloadDepth <= 0 {
		o.PreloadDepth = DefaultPreloadDepth
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// pairKey is the structured, order-normalized key for the distance cache.
// Distances are symmetric, so (a,b) and (b,a) share one entry.
type pairKey struct {
	lo, hi storage.EntityID
}

func makePairKey(a, b storage.EntityID) pairKey {
	if a <= b {
		return pairKey{lo: a, hi: b}
	}
	return pairKey{lo: b, hi: a}
}

type adjacencyEntry struct {
	neighbors map[storage.EntityID]struct{}
	fetchedAt time.Time
}

type distanceEntry struct {
	hops      int
	fetchedAt time.Time
}

// Cache is the graph context component.
type Cache struct {
	store storage.Store
	opts  Options

	mu        sync.Mutex
	recent    []storage.EntityID
	recentAt  time.Time
	adjacency map[storage.EntityID]adjacencyEntry
	distances map[pairKey]distanceEntry
}

// New creates a graph context cache backed by store.
func New(store storage.Store, opts Options) *Cache {
	opts.fill()
	return &Cache{
		store:     store,
		opts:      opts,
		adjacency: make(map[storage.EntityID]adjacencyEntry),
		distances: make(map[pairKey]distanceEntry),
	}
}

// RecentEntities returns the bounded list of most recently accessed entity
// IDs, refreshing from storage when the cached list is stale.
func (c *Cache) RecentEntities(ctx context.Context) ([]storage.EntityID, error) {
	c.mu.Lock()
	now := c.opts.Clock()
	if !c.recentAt.IsZero() && now.Sub(c.recentAt) < c.opts.TTL {
		out := append([]storage.EntityID(nil), c.recent...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	fresh, err := c.store.GetRecentlyAccessedEntities(ctx, c.opts.MaxRecent)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.recent = fresh
	c.recentAt = now
	out := append([]storage.EntityID(nil), c.recent...)
	c.mu.Unlock()
	return out, nil
}

// Preload warms the adjacency cache around the union of sources and targets
// in PreloadDepth batched round trips, so the per-pair BFS that follows
// rarely needs a single-entity fetch.
func (c *Cache) Preload(ctx context.Context, sources, targets []storage.EntityID) error {
	frontier := make(map[storage.EntityID]struct{}, len(sources)+len(targets))
	for _, id := range sources {
		frontier[id] = struct{}{}
	}
	for _, id := range targets {
		frontier[id] = struct{}{}
	}
	covered := make(map[storage.EntityID]struct{})

	for depth := 0; depth < c.opts.PreloadDepth && len(frontier) > 0; depth++ {
		batch := make([]storage.EntityID, 0, len(frontier))
		for id := range frontier {
			if _, done := covered[id]; done {
				continue
			}
			batch = append(batch, id)
		}
		if len(batch) == 0 {
			break
		}

		edges, err := c.store.GetRelationsForEntityIDs(ctx, batch)
		if err != nil {
			return err
		}

		// Edges touching the batch enumerate the full neighbor set of every
		// batch member; only those entries are marked complete.
		neighbors := make(map[storage.EntityID]map[storage.EntityID]struct{}, len(batch))
		for _, id := range batch {
			neighbors[id] = make(map[storage.EntityID]struct{})
		}
		next := make(map[storage.EntityID]struct{})
		for _, edge := range edges {
			if set, ok := neighbors[edge.FromID]; ok {
				set[edge.ToID] = struct{}{}
				next[edge.ToID] = struct{}{}
			}
			if set, ok := neighbors[edge.ToID]; ok {
				set[edge.FromID] = struct{}{}
				next[edge.FromID] = struct{}{}
			}
		}

		now := c.opts.Clock()
		c.mu.Lock()
		for id, set := range neighbors {
			c.adjacency[id] = adjacencyEntry{neighbors: set, fetchedAt: now}
			covered[id] = struct{}{}
		}
		c.mu.Unlock()

		frontier = next
	}
	return nil
}

// Distance returns the shortest undirected hop count between two entities,
// bounded by MaxDepth, or Unreachable when no path exists within the bound.
// Results are cached symmetrically under the TTL.
func (c *Cache) Distance(ctx context.Context, from, to storage.EntityID) (int, error) {
	if from == to {
		return 0, nil
	}

	key := makePairKey(from, to)
	now := c.opts.Clock()

	c.mu.Lock()
	if entry, ok := c.distances[key]; ok && now.Sub(entry.fetchedAt) < c.opts.TTL {
		c.mu.Unlock()
		return entry.hops, nil
	}
	c.mu.Unlock()

	hops, err := c.bfs(ctx, from, to)
	if err != nil {
		return Unreachable, err
	}

	c.mu.Lock()
	c.distances[key] = distanceEntry{hops: hops, fetchedAt: now}
	c.mu.Unlock()
	return hops, nil
}

// DistanceToNearest returns the minimum bounded distance from candidate to
// any anchor, or Unreachable when none is within MaxDepth. A candidate that
// is itself an anchor is at distance 0.
func (c *Cache) DistanceToNearest(ctx context.Context, candidate storage.EntityID, anchors []storage.EntityID) (int, error) {
	best := Unreachable
	for _, anchor := range anchors {
		d, err := c.Distance(ctx, candidate, anchor)
		if err != nil {
			return Unreachable, err
		}
		if d == Unreachable {
			continue
		}
		if best == Unreachable || d < best {
			best = d
		}
		if best == 0 {
			break
		}
	}
	return best, nil
}

// bfs runs iterative frontier expansion from source, bounded by MaxDepth.
// The visited set caps queue growth; early exit on reaching target.
func (c *Cache) bfs(ctx context.Context, source, target storage.EntityID) (int, error) {
	visited := map[storage.EntityID]struct{}{source: {}}
	frontier := []storage.EntityID{source}

	for depth := 1; depth <= c.opts.MaxDepth; depth++ {
		var next []storage.EntityID
		for _, id := range frontier {
			neighbors, err := c.neighbors(ctx, id)
			if err != nil {
				return Unreachable, err
			}
			for neighbor := range neighbors {
				if neighbor == target {
					return depth, nil
				}
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = struct{}{}
				next = append(next, neighbor)
			}
		}
		if len(next) == 0 {
			return Unreachable, nil
		}
		frontier = next
	}
	return Unreachable, nil
}

// neighbors consults the adjacency cache, falling back to a single-entity
// relation fetch on miss or expiry, caching the result.
func (c *Cache) neighbors(ctx context.Context, id storage.EntityID) (map[storage.EntityID]struct{}, error) {
	now := c.opts.Clock()

	c.mu.Lock()
	if entry, ok := c.adjacency[id]; ok && now.Sub(entry.fetchedAt) < c.opts.TTL {
		c.mu.Unlock()
		return entry.neighbors, nil
	}
	c.mu.Unlock()

	edges, err := c.store.GetRelationsForEntityIDs(ctx, []storage.EntityID{id})
	if err != nil {
		return nil, err
	}

	set := make(map[storage.EntityID]struct{}, len(edges))
	for _, edge := range edges {
		if edge.FromID == id {
			set[edge.ToID] = struct{}{}
		}
		if edge.ToID == id {
			set[edge.FromID] = struct{}{}
		}
	}

	c.mu.Lock()
	c.adjacency[id] = adjacencyEntry{neighbors: set, fetchedAt: now}
	c.mu.Unlock()
	return set, nil
}

// Invalidate drops all cached state. Exposed for callers that want
// read-after-write consistency on graph distance at the cost of a cold
// cache; nothing calls it automatically.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recent = nil
	c.recentAt = time.Time{}
	c.adjacency = make(map[storage.EntityID]adjacencyEntry)
	c.distances = make(map[pairKey]distanceEntry)
}
