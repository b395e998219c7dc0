package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDims keeps test vectors small and readable.
const testDims = 4

// runStoreConformance exercises the Store contract semantics that both
// adapters must share. newStore returns a fresh, empty store per subtest.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("entity name uniqueness", func(t *testing.T) {
		s := newStore(t)

		id1, created, err := s.GetOrCreateEntityID(ctx, "Alice", "person")
		require.NoError(t, err)
		assert.True(t, created)

		id2, created, err := s.GetOrCreateEntityID(ctx, "Alice", "robot")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, id1, id2)

		_, err = s.CreateEntity(ctx, "Alice", "person")
		assert.ErrorIs(t, err, ErrConstraintViolation)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Entities)
	})

	t.Run("empty entity name rejected", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.GetOrCreateEntityID(ctx, "", "person")
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("default entity type", func(t *testing.T) {
		s := newStore(t)
		id, _, err := s.GetOrCreateEntityID(ctx, "Mystery", "")
		require.NoError(t, err)

		facts, err := s.FetchEntitiesWithDetails(ctx, []EntityID{id})
		require.NoError(t, err)
		require.Len(t, facts, 1)
		assert.Equal(t, DefaultEntityType, facts[0].EntityType)
	})

	t.Run("idempotent observation insert", func(t *testing.T) {
		s := newStore(t)
		id, _, err := s.GetOrCreateEntityID(ctx, "Alice", "person")
		require.NoError(t, err)

		obs1, inserted, err := s.InsertObservation(ctx, id, "likes coffee")
		require.NoError(t, err)
		assert.True(t, inserted)

		obs2, inserted, err := s.InsertObservation(ctx, id, "likes coffee")
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, obs1, obs2)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Observations)
	})

	t.Run("observation on unknown entity", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.InsertObservation(ctx, "no-such-id", "content")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("relation uniqueness", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.GetOrCreateEntityID(ctx, "A", "concept")
		require.NoError(t, err)
		b, _, err := s.GetOrCreateEntityID(ctx, "B", "concept")
		require.NoError(t, err)

		created, err := s.CreateRelation(ctx, a, b, "knows")
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.CreateRelation(ctx, a, b, "knows")
		require.NoError(t, err)
		assert.False(t, created)

		// a different type is a different relation
		created, err = s.CreateRelation(ctx, a, b, "mentors")
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("cascade on entity delete", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.GetOrCreateEntityID(ctx, "A", "concept")
		require.NoError(t, err)
		b, _, err := s.GetOrCreateEntityID(ctx, "B", "concept")
		require.NoError(t, err)

		obsID, _, err := s.InsertObservation(ctx, a, "about to vanish")
		require.NoError(t, err)
		require.NoError(t, s.InsertObservationVectors(ctx, []ObservationVector{
			{ObservationID: obsID, EntityID: a, Embedding: []float32{1, 0, 0, 0}},
		}))

		_, err = s.CreateRelation(ctx, a, b, "knows")
		require.NoError(t, err)
		_, err = s.CreateRelation(ctx, b, a, "knows")
		require.NoError(t, err)

		require.NoError(t, s.DeleteEntities(ctx, []string{"A"}))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Entities)
		assert.Equal(t, int64(0), stats.Observations)
		assert.Equal(t, int64(0), stats.Relations)
		assert.Equal(t, int64(0), stats.Vectors)

		rels, err := s.GetRelationsForEntityIDs(ctx, []EntityID{b})
		require.NoError(t, err)
		assert.Empty(t, rels)

		// deleting an unknown entity is a no-op
		require.NoError(t, s.DeleteEntities(ctx, []string{"Nobody"}))
	})

	t.Run("delete observations and relations", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.GetOrCreateEntityID(ctx, "A", "concept")
		require.NoError(t, err)
		b, _, err := s.GetOrCreateEntityID(ctx, "B", "concept")
		require.NoError(t, err)

		_, _, err = s.InsertObservation(ctx, a, "keep me")
		require.NoError(t, err)
		_, _, err = s.InsertObservation(ctx, a, "drop me")
		require.NoError(t, err)
		_, err = s.CreateRelation(ctx, a, b, "knows")
		require.NoError(t, err)

		require.NoError(t, s.DeleteObservations(ctx, []ObservationDeletion{
			{EntityName: "A", Contents: []string{"drop me", "never existed"}},
			{EntityName: "Nobody", Contents: []string{"x"}},
		}))
		require.NoError(t, s.DeleteRelations(ctx, []RelationSpec{
			{From: "A", To: "B", RelationType: "knows"},
			{From: "A", To: "Nobody", RelationType: "knows"},
		}))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Observations)
		assert.Equal(t, int64(0), stats.Relations)
	})

	t.Run("vector batch is all-or-nothing", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.GetOrCreateEntityID(ctx, "A", "concept")
		require.NoError(t, err)
		obsID, _, err := s.InsertObservation(ctx, a, "has a vector")
		require.NoError(t, err)

		err = s.InsertObservationVectors(ctx, []ObservationVector{
			{ObservationID: obsID, EntityID: a, Embedding: []float32{1, 0, 0, 0}},
			{ObservationID: "missing", EntityID: a, Embedding: []float32{0, 1, 0, 0}},
		})
		require.ErrorIs(t, err, ErrNotFound)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Vectors, "failed batch must leave no rows")
	})

	t.Run("vector dimension validated", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.GetOrCreateEntityID(ctx, "A", "concept")
		require.NoError(t, err)
		obsID, _, err := s.InsertObservation(ctx, a, "short vector")
		require.NoError(t, err)

		err = s.InsertObservationVectors(ctx, []ObservationVector{
			{ObservationID: obsID, EntityID: a, Embedding: []float32{1, 0}},
		})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("keyword search", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.GetOrCreateEntityID(ctx, "Alpha Entity", "concept")
		require.NoError(t, err)
		_, _, err = s.GetOrCreateEntityID(ctx, "Other Entity", "concept")
		require.NoError(t, err)
		_, _, err = s.InsertObservation(ctx, a, "Alpha insight is stored here")
		require.NoError(t, err)

		ids, err := s.KeywordSearch(ctx, "Alpha")
		require.NoError(t, err)
		require.Len(t, ids, 1)
		assert.Equal(t, a, ids[0])

		t.Run("matches observation content", func(t *testing.T) {
			ids, err := s.KeywordSearch(ctx, "insight")
			require.NoError(t, err)
			require.Len(t, ids, 1)
			assert.Equal(t, a, ids[0])
		})

		t.Run("no match is empty, not error", func(t *testing.T) {
			ids, err := s.KeywordSearch(ctx, "zebra")
			require.NoError(t, err)
			assert.Empty(t, ids)
		})

		t.Run("blank query is empty", func(t *testing.T) {
			ids, err := s.KeywordSearch(ctx, "   ")
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	})

	t.Run("semantic search", func(t *testing.T) {
		s := newStore(t)
		if !s.VectorSearchAvailable() {
			t.Skip("vector capability unavailable")
		}

		beta, _, err := s.GetOrCreateEntityID(ctx, "Beta Entity", "concept")
		require.NoError(t, err)
		gamma, _, err := s.GetOrCreateEntityID(ctx, "Gamma Entity", "concept")
		require.NoError(t, err)

		betaObs, _, err := s.InsertObservation(ctx, beta, "beta signal data")
		require.NoError(t, err)
		gammaObs, _, err := s.InsertObservation(ctx, gamma, "unrelated topic")
		require.NoError(t, err)

		require.NoError(t, s.InsertObservationVectors(ctx, []ObservationVector{
			{ObservationID: betaObs, EntityID: beta, Embedding: []float32{1, 0, 0, 0}},
			{ObservationID: gammaObs, EntityID: gamma, Embedding: []float32{0, 0, 1, 0}},
		}))

		matches, err := s.SemanticSearch(ctx, []float32{0.99, 0.1, 0, 0}, 3)
		require.NoError(t, err)
		require.NotEmpty(t, matches)
		assert.Equal(t, beta, matches[0].EntityID)
		assert.Greater(t, matches[0].Similarity, 0.9)

		t.Run("empty corpus query", func(t *testing.T) {
			empty := newStore(t)
			matches, err := empty.SemanticSearch(ctx, []float32{1, 0, 0, 0}, 3)
			require.NoError(t, err)
			assert.Empty(t, matches)
		})

		t.Run("wrong query dimension", func(t *testing.T) {
			_, err := s.SemanticSearch(ctx, []float32{1, 0}, 3)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	})

	t.Run("hybrid search", func(t *testing.T) {
		s := newStore(t)
		if !s.VectorSearchAvailable() {
			t.Skip("vector capability unavailable")
		}

		beta, _, err := s.GetOrCreateEntityID(ctx, "Beta Entity", "concept")
		require.NoError(t, err)
		keywordOnly, _, err := s.GetOrCreateEntityID(ctx, "Beta Note", "concept")
		require.NoError(t, err)

		betaObs, _, err := s.InsertObservation(ctx, beta, "beta signal data")
		require.NoError(t, err)
		_, _, err = s.InsertObservation(ctx, keywordOnly, "beta mentioned without vector")
		require.NoError(t, err)

		require.NoError(t, s.InsertObservationVectors(ctx, []ObservationVector{
			{ObservationID: betaObs, EntityID: beta, Embedding: []float32{1, 0, 0, 0}},
		}))

		matches, err := s.HybridSearch(ctx, "beta", []float32{1, 0, 0, 0}, 5, 0.2)
		require.NoError(t, err)
		require.Len(t, matches, 2)

		// semantic+keyword match is boosted and capped at 1.0
		assert.Equal(t, beta, matches[0].EntityID)
		assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
		assert.True(t, matches[0].Keyword)

		// keyword-only match injected at the synthetic score
		assert.Equal(t, keywordOnly, matches[1].EntityID)
		assert.InDelta(t, 0.5, matches[1].Score, 1e-6)
	})

	t.Run("access stats and recency", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.GetOrCreateEntityID(ctx, "A", "concept")
		require.NoError(t, err)
		_, _, err = s.InsertObservation(ctx, a, "tracked")
		require.NoError(t, err)

		recent, err := s.GetRecentlyAccessedEntities(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, recent, "never-accessed entities are not recent")

		require.NoError(t, s.UpdateAccessStats(ctx, []EntityID{a}))
		require.NoError(t, s.UpdateAccessStats(ctx, []EntityID{a}))

		facts, err := s.FetchEntitiesWithDetails(ctx, []EntityID{a})
		require.NoError(t, err)
		require.Len(t, facts, 1)
		assert.Equal(t, int64(2), facts[0].AccessCount)
		require.NotNil(t, facts[0].LastAccessed)

		recent, err = s.GetRecentlyAccessedEntities(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []EntityID{a}, recent)
	})

	t.Run("importance and tags", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.GetOrCreateEntityID(ctx, "A", "concept")
		require.NoError(t, err)
		_, _, err = s.InsertObservation(ctx, a, "fact")
		require.NoError(t, err)

		ok, err := s.SetImportance(ctx, a, ImportanceCritical)
		require.NoError(t, err)
		assert.True(t, ok)

		facts, err := s.FetchEntitiesWithDetails(ctx, []EntityID{a})
		require.NoError(t, err)
		assert.Equal(t, ImportanceCritical, facts[0].Importance)

		_, err = s.SetImportance(ctx, a, "urgent")
		assert.ErrorIs(t, err, ErrInvalidArgument)

		ok, err = s.SetImportance(ctx, "no-such-id", ImportanceNormal)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.AddTags(ctx, a, []string{"work", "work", "go"})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.AddTags(ctx, "no-such-id", []string{"x"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("read graph and open nodes", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.GetOrCreateEntityID(ctx, "A", "concept")
		require.NoError(t, err)
		b, _, err := s.GetOrCreateEntityID(ctx, "B", "concept")
		require.NoError(t, err)
		_, _, err = s.GetOrCreateEntityID(ctx, "C", "concept")
		require.NoError(t, err)

		_, _, err = s.InsertObservation(ctx, a, "first")
		require.NoError(t, err)
		_, _, err = s.InsertObservation(ctx, a, "second")
		require.NoError(t, err)
		_, err = s.CreateRelation(ctx, a, b, "knows")
		require.NoError(t, err)

		graph, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		require.Len(t, graph.Entities, 3)
		assert.Equal(t, "A", graph.Entities[0].Name)
		assert.Equal(t, []string{"first", "second"}, graph.Entities[0].Observations)
		require.Len(t, graph.Relations, 1)
		assert.Equal(t, GraphRelation{From: "A", To: "B", RelationType: "knows"}, graph.Relations[0])

		t.Run("open nodes keeps only spanning relations", func(t *testing.T) {
			sub, err := s.OpenNodes(ctx, []string{"A", "C", "Nobody"})
			require.NoError(t, err)
			assert.Len(t, sub.Entities, 2)
			assert.Empty(t, sub.Relations, "relation to B leaves the subset")
		})

		t.Run("empty store yields empty graph", func(t *testing.T) {
			empty := newStore(t)
			g, err := empty.ReadGraph(ctx)
			require.NoError(t, err)
			assert.NotNil(t, g.Entities)
			assert.Empty(t, g.Entities)
			assert.Empty(t, g.Relations)
		})
	})

	t.Run("name and id lookups", func(t *testing.T) {
		s := newStore(t)
		a, _, err := s.GetOrCreateEntityID(ctx, "A", "concept")
		require.NoError(t, err)

		_, err = s.GetEntityID(ctx, "Nobody")
		assert.ErrorIs(t, err, ErrNotFound)

		byName, err := s.EntityIDsByNames(ctx, []string{"A", "Nobody"})
		require.NoError(t, err)
		assert.Equal(t, map[string]EntityID{"A": a}, byName)

		byID, err := s.EntityNamesByIDs(ctx, []EntityID{a, "no-such-id"})
		require.NoError(t, err)
		assert.Equal(t, map[EntityID]string{a: "A"}, byID)
	})

	t.Run("closed store", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close(), "double close is harmless")

		_, err := s.GetEntityID(ctx, "A")
		assert.ErrorIs(t, err, ErrStorageClosed)
		_, err = s.ReadGraph(ctx)
		assert.ErrorIs(t, err, ErrStorageClosed)
	})
}
