package index

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/orneryd/muninn/pkg/math/vector"
)

// ErrDimensionMismatch indicates a vector of the wrong width was added or
// queried.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Vector provides brute-force cosine-similarity search.
//
// Vectors are normalized at insert time so similarity reduces to a dot
// product at query time. Brute force is adequate for the low-volume,
// local-memory workload this store targets.
type Vector struct {
	dimensions int
	mu         sync.RWMutex
	vectors    map[string][]float32
}

// NewVector creates a vector index for the given dimension.
func NewVector(dimensions int) *Vector {
	return &Vector{
		dimensions: dimensions,
		vectors:    make(map[string][]float32),
	}
}

// Add adds or replaces a vector.
func (v *Vector) Add(id string, vec []float32) error {
	if len(vec) != v.dimensions {
		return ErrDimensionMismatch
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors[id] = vector.Normalize(vec)
	return nil
}

// Remove removes a vector.
func (v *Vector) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, id)
}

// Search returns the vectors most similar to query, sorted by similarity
// descending, filtered by minSimilarity, truncated to limit.
func (v *Vector) Search(ctx context.Context, query []float32, limit int, minSimilarity float64) ([]Result, error) {
	if len(query) != v.dimensions {
		return nil, ErrDimensionMismatch
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	normalized := vector.Normalize(query)

	var results []Result
	for id, vec := range v.vectors {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		sim := vector.DotProduct(normalized, vec)
		if sim >= minSimilarity {
			results = append(results, Result{ID: id, Score: sim})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the number of indexed vectors.
func (v *Vector) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

// Dimensions returns the configured vector width.
func (v *Vector) Dimensions() int {
	return v.dimensions
}
