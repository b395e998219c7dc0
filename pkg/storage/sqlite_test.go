package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(SQLiteOptions{
		Path:       filepath.Join(t.TempDir(), "test.db"),
		Dimensions: testDims,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreConformance(t *testing.T) {
	runStoreConformance(t, newSQLiteTestStore)
}

func TestSQLiteLinearScanFallback(t *testing.T) {
	s := newSQLiteTestStore(t)
	// linear scan still answers semantic queries
	assert.True(t, s.VectorSearchAvailable())
	assert.Equal(t, testDims, s.Dimensions())
}

func TestSQLiteStrictFallback(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(SQLiteOptions{
		Path:       filepath.Join(t.TempDir(), "strict.db"),
		Dimensions: testDims,
		Fallback:   FallbackStrict,
	})
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.VectorSearchAvailable())

	_, err = s.SemanticSearch(ctx, []float32{1, 0, 0, 0}, 3)
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)

	_, err = s.HybridSearch(ctx, "query", []float32{1, 0, 0, 0}, 3, 0)
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)

	// keyword search is unaffected
	id, _, err := s.GetOrCreateEntityID(ctx, "Keyword Entity", "concept")
	require.NoError(t, err)
	ids, err := s.KeywordSearch(ctx, "keyword")
	require.NoError(t, err)
	assert.Equal(t, []EntityID{id}, ids)
}

func TestSQLitePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := OpenSQLite(SQLiteOptions{Path: path, Dimensions: testDims})
	require.NoError(t, err)

	id, _, err := s.GetOrCreateEntityID(ctx, "Persistent Entity", "concept")
	require.NoError(t, err)
	obsID, _, err := s.InsertObservation(ctx, id, "survives a restart")
	require.NoError(t, err)
	require.NoError(t, s.InsertObservationVectors(ctx, []ObservationVector{
		{ObservationID: obsID, EntityID: id, Embedding: []float32{0, 1, 0, 0}},
	}))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(SQLiteOptions{Path: path, Dimensions: testDims})
	require.NoError(t, err)
	defer reopened.Close()

	ids, err := reopened.KeywordSearch(ctx, "restart")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	matches, err := reopened.SemanticSearch(ctx, []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].EntityID)
}
