// Package storage provides the storage backend contract and implementations
// for Muninn's knowledge graph.
//
// The graph is made of named entities, free-text observations attached to
// them, and directed typed relations between them. Observations additionally
// carry an embedding vector used for semantic retrieval. All business logic
// goes through the Store interface so that the embedded BadgerDB adapter and
// the relational SQLite adapter are interchangeable.
//
// Design Principles:
//   - One canonical identifier type at the boundary (string UUIDs)
//   - Testability through dependency injection
//   - Thread-safe implementations
//   - Idempotent create paths resolved by the backend, not application locks
//
// Example Usage:
//
//	store, err := storage.OpenBadger(storage.BadgerOptions{DataDir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	id, created, _ := store.GetOrCreateEntityID(ctx, "Alice", "person")
//	obsID, inserted, _ := store.InsertObservation(ctx, id, "Prefers dark mode")
//	if inserted {
//		vec := embedder.Embed(ctx, "Prefers dark mode")
//		store.InsertObservationVectors(ctx, []storage.ObservationVector{
//			{ObservationID: obsID, EntityID: id, Embedding: vec},
//		})
//	}
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	// ErrNotFound indicates a referenced entity or observation is absent.
	ErrNotFound = errors.New("not found")

	// ErrConstraintViolation indicates a uniqueness conflict that was not
	// absorbed by an idempotent upsert path.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrCapabilityUnavailable indicates the vector similarity capability is
	// absent and the store was configured with FallbackStrict.
	ErrCapabilityUnavailable = errors.New("vector capability unavailable")

	// ErrInvalidArgument indicates a malformed parameter, such as an
	// unrecognized importance level or a wrong-dimension embedding.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorageClosed indicates the store has been closed.
	ErrStorageClosed = errors.New("storage closed")
)

// EntityID is a strongly-typed unique identifier for graph entities.
//
// Using a custom type provides type safety (an ObservationID cannot be used
// where an EntityID is expected) and makes cache keys unambiguous. IDs are
// opaque and stable; both adapters assign UUID strings.
type EntityID string

// ObservationID is a strongly-typed unique identifier for observations.
type ObservationID string

// RelationID is a strongly-typed unique identifier for relations.
type RelationID string

// Importance is the user-assigned importance tier of an observation.
//
// It feeds the relevance scorer's importance component. Unknown or empty
// values are treated as ImportanceNormal.
type Importance string

const (
	ImportanceCritical   Importance = "critical"
	ImportanceImportant  Importance = "important"
	ImportanceNormal     Importance = "normal"
	ImportanceTemporary  Importance = "temporary"
	ImportanceDeprecated Importance = "deprecated"
)

// ValidImportance reports whether level is one of the recognized tiers.
func ValidImportance(level Importance) bool {
	switch level {
	case ImportanceCritical, ImportanceImportant, ImportanceNormal,
		ImportanceTemporary, ImportanceDeprecated:
		return true
	}
	return false
}

// DefaultEntityType is assigned to entities auto-created by a relation or
// observation reference that did not carry an explicit type.
const DefaultEntityType = "Unknown"

// Entity is a named node in the knowledge graph.
//
// Names are globally unique and case-sensitive. EntityType is free-form and
// defaults to "Unknown" when the entity is created implicitly on first
// reference. Deleting an entity cascades to its observations, their vectors,
// and every relation where it is an endpoint.
type Entity struct {
	ID         EntityID  `json:"id"`
	Name       string    `json:"name"`
	EntityType string    `json:"entityType"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Observation is a timestamped, importance-tagged fact attached to an entity.
//
// Content is unique per entity; re-inserting the same (entity, content) pair
// is a no-op. LastAccessed and AccessCount are written only by the scored
// search path via UpdateAccessStats.
type Observation struct {
	ID           ObservationID `json:"id"`
	EntityID     EntityID      `json:"entityId"`
	Content      string        `json:"content"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastAccessed *time.Time    `json:"lastAccessed,omitempty"`
	AccessCount  int64         `json:"accessCount"`
	Importance   Importance    `json:"importance"`
	Tags         []string      `json:"tags,omitempty"`
}

// Relation is a directed typed edge between two entities.
//
// Uniqueness holds on the (from, to, type) triple. The edge is directed for
// storage and reads, but treated as undirected for graph-distance purposes.
type Relation struct {
	ID           RelationID `json:"id"`
	FromID       EntityID   `json:"fromId"`
	ToID         EntityID   `json:"toId"`
	RelationType string     `json:"relationType"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// ObservationVector is the embedding row for a single observation.
//
// Exactly one vector row exists per observation, of the dimension configured
// on the store. EntityID is denormalized so candidate scans do not need a
// join back to observations.
type ObservationVector struct {
	ObservationID ObservationID `json:"observationId"`
	EntityID      EntityID      `json:"entityId"`
	Embedding     []float32     `json:"embedding"`
}

// EntityFacts is the per-entity aggregate consumed by the relevance scorer.
//
// LastAccessed is the most recent access across the entity's observations,
// AccessCount the sum, and Importance the highest-weighted tier present
// (normal when the entity has no observations).
type EntityFacts struct {
	ID           EntityID   `json:"id"`
	Name         string     `json:"name"`
	EntityType   string     `json:"entityType"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastAccessed *time.Time `json:"lastAccessed,omitempty"`
	AccessCount  int64      `json:"accessCount"`
	Importance   Importance `json:"importance"`
}

// SimilarityMatch is a semantic search candidate.
type SimilarityMatch struct {
	EntityID   EntityID `json:"entityId"`
	Similarity float64  `json:"similarity"`
}

// HybridMatch is a hybrid search candidate with its merged score.
type HybridMatch struct {
	EntityID EntityID `json:"entityId"`
	Score    float64  `json:"score"`
	Keyword  bool     `json:"keyword"`
}

// RelationEndpoints is the minimal edge shape used for graph traversal.
type RelationEndpoints struct {
	FromID EntityID `json:"fromId"`
	ToID   EntityID `json:"toId"`
}

// ObservationDeletion names observation contents to remove from an entity.
type ObservationDeletion struct {
	EntityName string   `json:"entityName"`
	Contents   []string `json:"observations"`
}

// RelationSpec names a relation triple by entity names for deletion.
type RelationSpec struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

// GraphEntity is the hydrated, JSON-serializable read model for one entity.
type GraphEntity struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations"`
}

// GraphRelation is the hydrated read model for one relation.
type GraphRelation struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

// Graph is the full hydrated read model returned by ReadGraph and OpenNodes.
// No backend-specific types escape through it.
type Graph struct {
	Entities  []GraphEntity   `json:"entities"`
	Relations []GraphRelation `json:"relations"`
}

// Stats holds row counts for monitoring and the CLI.
type Stats struct {
	Entities     int64 `json:"entities"`
	Observations int64 `json:"observations"`
	Relations    int64 `json:"relations"`
	Vectors      int64 `json:"vectors"`
}

// VectorFallback selects how a store behaves when no native vector index is
// available. The choice is made at construction time and never mixed within
// one instance.
type VectorFallback int

const (
	// FallbackLinearScan degrades semantic search to an in-process scan over
	// stored-but-unindexed vectors.
	FallbackLinearScan VectorFallback = iota

	// FallbackStrict makes semantic and hybrid operations fail with
	// ErrCapabilityUnavailable.
	FallbackStrict
)

// Store is the storage backend contract consumed by all other components.
//
// All implementations MUST be:
//   - Thread-safe: safe for concurrent access from multiple goroutines
//   - Atomic within each operation; InsertObservationVectors is all-or-nothing
//   - Idempotent where documented (observations, relations, get-or-create)
//
// Create-or-fetch races are resolved by the backend's uniqueness-conflict
// handling: two concurrent GetOrCreateEntityID calls for the same name
// converge to one row without surfacing an error.
type Store interface {
	// Entity operations
	GetEntityID(ctx context.Context, name string) (EntityID, error)
	CreateEntity(ctx context.Context, name, entityType string) (EntityID, error)
	GetOrCreateEntityID(ctx context.Context, name, entityType string) (id EntityID, created bool, err error)
	EntityIDsByNames(ctx context.Context, names []string) (map[string]EntityID, error)
	EntityNamesByIDs(ctx context.Context, ids []EntityID) (map[EntityID]string, error)

	// Observation operations
	InsertObservation(ctx context.Context, entityID EntityID, content string) (obsID ObservationID, inserted bool, err error)
	InsertObservationVectors(ctx context.Context, rows []ObservationVector) error

	// Relation operations
	CreateRelation(ctx context.Context, from, to EntityID, relationType string) (created bool, err error)
	GetRelationsForEntityIDs(ctx context.Context, ids []EntityID) ([]RelationEndpoints, error)

	// Deletion (entity deletes cascade to observations, vectors, relations)
	DeleteEntities(ctx context.Context, names []string) error
	DeleteObservations(ctx context.Context, deletions []ObservationDeletion) error
	DeleteRelations(ctx context.Context, specs []RelationSpec) error

	// Read paths
	ReadGraph(ctx context.Context) (*Graph, error)
	OpenNodes(ctx context.Context, names []string) (*Graph, error)
	FetchEntitiesWithDetails(ctx context.Context, ids []EntityID) ([]EntityFacts, error)

	// Search primitives
	KeywordSearch(ctx context.Context, query string) ([]EntityID, error)
	SemanticSearch(ctx context.Context, vec []float32, topK int) ([]SimilarityMatch, error)
	HybridSearch(ctx context.Context, query string, vec []float32, topK int, threshold float64) ([]HybridMatch, error)

	// Access telemetry and tiering
	GetRecentlyAccessedEntities(ctx context.Context, limit int) ([]EntityID, error)
	UpdateAccessStats(ctx context.Context, ids []EntityID) error
	SetImportance(ctx context.Context, id EntityID, level Importance) (bool, error)
	AddTags(ctx context.Context, id EntityID, tags []string) (bool, error)

	// Capability and lifecycle
	VectorSearchAvailable() bool
	Dimensions() int
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// importanceRank orders tiers for the per-entity aggregate: the tier with the
// highest scoring weight wins.
var importanceRank = map[Importance]int{
	ImportanceDeprecated: 0,
	ImportanceTemporary:  1,
	ImportanceNormal:     2,
	ImportanceImportant:  3,
	ImportanceCritical:   4,
}

// HigherImportance returns the higher-weighted of two tiers.
func HigherImportance(a, b Importance) Importance {
	if importanceRank[a] >= importanceRank[b] {
		return a
	}
	return b
}

// AggregateFacts folds an entity's observations into its scoring facts.
// Shared by both adapters so the aggregate semantics cannot drift.
func AggregateFacts(e Entity, observations []Observation) EntityFacts {
	facts := EntityFacts{
		ID:         e.ID,
		Name:       e.Name,
		EntityType: e.EntityType,
		CreatedAt:  e.CreatedAt,
		Importance: ImportanceNormal,
	}

	for _, obs := range observations {
		facts.AccessCount += obs.AccessCount
		if obs.LastAccessed != nil {
			if facts.LastAccessed == nil || obs.LastAccessed.After(*facts.LastAccessed) {
				t := *obs.LastAccessed
				facts.LastAccessed = &t
			}
		}
		if obs.Importance != "" && ValidImportance(obs.Importance) {
			facts.Importance = HigherImportance(facts.Importance, obs.Importance)
		}
	}

	return facts
}
