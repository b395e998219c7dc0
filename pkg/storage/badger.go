// BadgerStore provides the embedded file-backed storage adapter using
// BadgerDB. It implements the Store interface with ACID transaction support
// and owns in-process full-text and vector indexes, so it reports the vector
// capability as available.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/orneryd/muninn/pkg/index"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixEntity      = byte(0x01) // entityID -> JSON(Entity)
	prefixEntityName  = byte(0x02) // name -> entityID
	prefixObservation = byte(0x03) // obsID -> JSON(Observation)
	prefixObsByEntity = byte(0x04) // entityID 0x00 obsID -> empty
	prefixObsContent  = byte(0x05) // entityID 0x00 sha256(content) -> obsID
	prefixRelation    = byte(0x06) // relID -> JSON(Relation)
	prefixRelTriple   = byte(0x07) // fromID 0x00 toID 0x00 type -> relID
	prefixRelByEntity = byte(0x08) // entityID 0x00 relID -> empty
	prefixVector      = byte(0x09) // obsID -> EncodeVector(embedding)
)

const keySep = byte(0x00)

// conflictRetries bounds optimistic-transaction retries for create-or-fetch
// races. Concurrent callers converge through re-reads, not application locks.
const conflictRetries = 5

// DefaultDimensions is the vector width of the current embedding model
// generation. The earlier 768-dimension generation is a breaking change;
// widths are validated at every vector write.
const DefaultDimensions = 1024

// BadgerOptions configures the embedded store.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB without persistence. Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool

	// Dimensions is the embedding vector width. Defaults to DefaultDimensions.
	Dimensions int

	// Logger for BadgerDB internal logging. Nil silences it.
	Logger badger.Logger
}

// BadgerStore is the embedded Store implementation.
//
// Key Structure:
//   - Entities: 0x01 + entityID -> JSON(Entity)
//   - Name index: 0x02 + name -> entityID
//   - Observations: 0x03 + obsID -> JSON(Observation)
//   - Per-entity obs index: 0x04 + entityID + 0x00 + obsID -> empty
//   - Content index: 0x05 + entityID + 0x00 + sha256(content) -> obsID
//   - Relations: 0x06 + relID -> JSON(Relation)
//   - Triple index: 0x07 + fromID + 0x00 + toID + 0x00 + type -> relID
//   - Per-entity rel index: 0x08 + entityID + 0x00 + relID -> empty
//   - Vectors: 0x09 + obsID -> little-endian float32 bytes
//
// The full-text and vector indexes live in memory and are rebuilt by a
// single scan at open time; every mutation keeps them in sync.
type BadgerStore struct {
	db   *badger.DB
	dims int

	mu       sync.RWMutex
	closed   bool
	fulltext *index.Fulltext
	vectors  *index.Vector
	obsOwner map[ObservationID]EntityID
	headers  map[EntityID]entityHeader
}

// entityHeader caches name/type for substring keyword matching.
type entityHeader struct {
	Name       string
	EntityType string
}

// Fulltext document ID namespaces. Entity headers and observations are
// indexed as separate documents so a name match and a content match both
// resolve back to the owning entity.
func entityDocID(id EntityID) string           { return "e:" + string(id) }
func observationDocID(id ObservationID) string { return "o:" + string(id) }

// OpenBadger opens (or creates) an embedded store and rebuilds the in-memory
// search indexes from disk.
//
// Example:
//
//	store, err := storage.OpenBadger(storage.BadgerOptions{DataDir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Dimensions <= 0 {
		opts.Dimensions = DefaultDimensions
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.DataDir, err)
	}

	s := &BadgerStore{
		db:       db,
		dims:     opts.Dimensions,
		fulltext: index.NewFulltext(),
		vectors:  index.NewVector(opts.Dimensions),
		obsOwner: make(map[ObservationID]EntityID),
		headers:  make(map[EntityID]entityHeader),
	}

	if err := s.rebuildIndexes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("rebuild indexes: %w", err)
	}
	return s, nil
}

func makeKey(prefix byte, parts ...string) []byte {
	size := 1
	for _, p := range parts {
		size += len(p) + 1
	}
	key := make([]byte, 0, size)
	key = append(key, prefix)
	for i, p := range parts {
		if i > 0 {
			key = append(key, keySep)
		}
		key = append(key, p...)
	}
	return key
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return string(sum[:16])
}

// rebuildIndexes scans the store once and repopulates the in-memory
// full-text index, vector index, and lookup maps.
func (s *BadgerStore) rebuildIndexes() error {
	return s.db.View(func(txn *badger.Txn) error {
		if err := iteratePrefix(txn, prefixEntity, func(_, val []byte) error {
			var e Entity
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			s.headers[e.ID] = entityHeader{Name: e.Name, EntityType: e.EntityType}
			s.fulltext.Index(entityDocID(e.ID), e.Name+" "+e.EntityType)
			return nil
		}); err != nil {
			return err
		}

		if err := iteratePrefix(txn, prefixObservation, func(_, val []byte) error {
			var o Observation
			if err := json.Unmarshal(val, &o); err != nil {
				return err
			}
			s.obsOwner[o.ID] = o.EntityID
			s.fulltext.Index(observationDocID(o.ID), o.Content)
			return nil
		}); err != nil {
			return err
		}

		return iteratePrefix(txn, prefixVector, func(key, val []byte) error {
			vec, err := DecodeVector(val)
			if err != nil {
				return err
			}
			obsID := string(key[1:])
			return s.vectors.Add(obsID, vec)
		})
	})
}

func iteratePrefix(txn *badger.Txn, prefix byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefix}
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// withConflictRetry re-runs an optimistic transaction on badger.ErrConflict.
func (s *BadgerStore) withConflictRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = s.db.Update(fn)
		if err != badger.ErrConflict {
			return err
		}
	}
	return fmt.Errorf("transaction conflict persisted after %d retries: %w", conflictRetries, err)
}

// GetEntityID resolves a name to an entity ID. Returns ErrNotFound when the
// entity does not exist.
func (s *BadgerStore) GetEntityID(ctx context.Context, name string) (EntityID, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var id EntityID
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(prefixEntityName, name))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = EntityID(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateEntity creates a new entity. Returns ErrConstraintViolation if the
// name already exists.
func (s *BadgerStore) CreateEntity(ctx context.Context, name, entityType string) (EntityID, error) {
	id, created, err := s.GetOrCreateEntityID(ctx, name, entityType)
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("entity %q: %w", name, ErrConstraintViolation)
	}
	return id, nil
}

// GetOrCreateEntityID atomically fetches or creates the entity for name.
// Races between concurrent callers resolve through transaction conflicts and
// re-reads; both callers see the same surviving row.
func (s *BadgerStore) GetOrCreateEntityID(ctx context.Context, name, entityType string) (EntityID, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	if name == "" {
		return "", false, fmt.Errorf("%w: empty entity name", ErrInvalidArgument)
	}
	if entityType == "" {
		entityType = DefaultEntityType
	}

	var (
		id      EntityID
		created bool
	)
	err := s.withConflictRetry(func(txn *badger.Txn) error {
		id = ""
		created = false

		nameKey := makeKey(prefixEntityName, name)
		item, err := txn.Get(nameKey)
		if err == nil {
			return item.Value(func(val []byte) error {
				id = EntityID(val)
				return nil
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		entity := Entity{
			ID:         EntityID(uuid.NewString()),
			Name:       name,
			EntityType: entityType,
			CreatedAt:  time.Now().UTC(),
		}
		data, err := json.Marshal(entity)
		if err != nil {
			return err
		}
		if err := txn.Set(makeKey(prefixEntity, string(entity.ID)), data); err != nil {
			return err
		}
		if err := txn.Set(nameKey, []byte(entity.ID)); err != nil {
			return err
		}

		id = entity.ID
		created = true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if created {
		s.mu.Lock()
		s.headers[id] = entityHeader{Name: name, EntityType: entityType}
		s.mu.Unlock()
		s.fulltext.Index(entityDocID(id), name+" "+entityType)
	}
	return id, created, nil
}

// EntityIDsByNames resolves a batch of names; absent names are omitted.
func (s *BadgerStore) EntityIDsByNames(ctx context.Context, names []string) (map[string]EntityID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := make(map[string]EntityID, len(names))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, name := range names {
			item, err := txn.Get(makeKey(prefixEntityName, name))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				out[name] = EntityID(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EntityNamesByIDs resolves a batch of IDs; absent IDs are omitted.
func (s *BadgerStore) EntityNamesByIDs(ctx context.Context, ids []EntityID) (map[EntityID]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[EntityID]string, len(ids))
	for _, id := range ids {
		if h, ok := s.headers[id]; ok {
			out[id] = h.Name
		}
	}
	return out, nil
}

// InsertObservation idempotently inserts one observation. The second insert
// of the same (entity, content) pair returns the existing ID with
// inserted=false.
func (s *BadgerStore) InsertObservation(ctx context.Context, entityID EntityID, content string) (ObservationID, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	if content == "" {
		return "", false, fmt.Errorf("%w: empty observation content", ErrInvalidArgument)
	}

	var (
		obsID    ObservationID
		inserted bool
	)
	err := s.withConflictRetry(func(txn *badger.Txn) error {
		obsID = ""
		inserted = false

		if _, err := txn.Get(makeKey(prefixEntity, string(entityID))); err == badger.ErrKeyNotFound {
			return fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
		} else if err != nil {
			return err
		}

		contentKey := makeKey(prefixObsContent, string(entityID), contentHash(content))
		item, err := txn.Get(contentKey)
		if err == nil {
			return item.Value(func(val []byte) error {
				obsID = ObservationID(val)
				return nil
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		obs := Observation{
			ID:         ObservationID(uuid.NewString()),
			EntityID:   entityID,
			Content:    content,
			CreatedAt:  time.Now().UTC(),
			Importance: ImportanceNormal,
		}
		data, err := json.Marshal(obs)
		if err != nil {
			return err
		}
		if err := txn.Set(makeKey(prefixObservation, string(obs.ID)), data); err != nil {
			return err
		}
		if err := txn.Set(makeKey(prefixObsByEntity, string(entityID), string(obs.ID)), nil); err != nil {
			return err
		}
		if err := txn.Set(contentKey, []byte(obs.ID)); err != nil {
			return err
		}

		obsID = obs.ID
		inserted = true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if inserted {
		s.mu.Lock()
		s.obsOwner[obsID] = entityID
		s.mu.Unlock()
		s.fulltext.Index(observationDocID(obsID), content)
	}
	return obsID, inserted, nil
}

// InsertObservationVectors writes a batch of embedding rows in a single
// transaction. The batch is all-or-nothing: dimension validation runs before
// any write, and a failed transaction leaves no vector rows behind.
func (s *BadgerStore) InsertObservationVectors(ctx context.Context, rows []ObservationVector) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if err := ValidateVectorRows(rows, s.dims); err != nil {
		return err
	}

	err := s.withConflictRetry(func(txn *badger.Txn) error {
		for _, row := range rows {
			if _, err := txn.Get(makeKey(prefixObservation, string(row.ObservationID))); err == badger.ErrKeyNotFound {
				return fmt.Errorf("observation %s: %w", row.ObservationID, ErrNotFound)
			} else if err != nil {
				return err
			}
			if err := txn.Set(makeKey(prefixVector, string(row.ObservationID)), EncodeVector(row.Embedding)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := s.vectors.Add(string(row.ObservationID), row.Embedding); err != nil {
			return err
		}
	}
	return nil
}

// CreateRelation idempotently inserts a (from, to, type) relation triple.
// Returns created=false when the triple already exists.
func (s *BadgerStore) CreateRelation(ctx context.Context, from, to EntityID, relationType string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if relationType == "" {
		return false, fmt.Errorf("%w: empty relation type", ErrInvalidArgument)
	}

	var created bool
	err := s.withConflictRetry(func(txn *badger.Txn) error {
		created = false

		for _, id := range []EntityID{from, to} {
			if _, err := txn.Get(makeKey(prefixEntity, string(id))); err == badger.ErrKeyNotFound {
				return fmt.Errorf("entity %s: %w", id, ErrNotFound)
			} else if err != nil {
				return err
			}
		}

		tripleKey := makeKey(prefixRelTriple, string(from), string(to), relationType)
		if _, err := txn.Get(tripleKey); err == nil {
			return nil
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		rel := Relation{
			ID:           RelationID(uuid.NewString()),
			FromID:       from,
			ToID:         to,
			RelationType: relationType,
			CreatedAt:    time.Now().UTC(),
		}
		data, err := json.Marshal(rel)
		if err != nil {
			return err
		}
		if err := txn.Set(makeKey(prefixRelation, string(rel.ID)), data); err != nil {
			return err
		}
		if err := txn.Set(tripleKey, []byte(rel.ID)); err != nil {
			return err
		}
		if err := txn.Set(makeKey(prefixRelByEntity, string(from), string(rel.ID)), nil); err != nil {
			return err
		}
		if err := txn.Set(makeKey(prefixRelByEntity, string(to), string(rel.ID)), nil); err != nil {
			return err
		}

		created = true
		return nil
	})
	return created, err
}

// GetRelationsForEntityIDs returns every relation touching any of the given
// entities, deduplicated.
func (s *BadgerStore) GetRelationsForEntityIDs(ctx context.Context, ids []EntityID) ([]RelationEndpoints, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	seen := make(map[RelationID]struct{})
	var out []RelationEndpoints

	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			relIDs, err := s.relationIDsForEntity(txn, id)
			if err != nil {
				return err
			}
			for _, relID := range relIDs {
				if _, ok := seen[relID]; ok {
					continue
				}
				seen[relID] = struct{}{}

				rel, err := s.getRelation(txn, relID)
				if err != nil {
					return err
				}
				out = append(out, RelationEndpoints{FromID: rel.FromID, ToID: rel.ToID})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) relationIDsForEntity(txn *badger.Txn, id EntityID) ([]RelationID, error) {
	prefix := makeKey(prefixRelByEntity, string(id))
	prefix = append(prefix, keySep)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []RelationID
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		out = append(out, RelationID(key[len(prefix):]))
	}
	return out, nil
}

func (s *BadgerStore) getRelation(txn *badger.Txn, id RelationID) (*Relation, error) {
	item, err := txn.Get(makeKey(prefixRelation, string(id)))
	if err != nil {
		return nil, err
	}
	var rel Relation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rel)
	}); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (s *BadgerStore) getEntity(txn *badger.Txn, id EntityID) (*Entity, error) {
	item, err := txn.Get(makeKey(prefixEntity, string(id)))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Entity
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	}); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BadgerStore) observationsForEntity(txn *badger.Txn, id EntityID) ([]Observation, error) {
	prefix := makeKey(prefixObsByEntity, string(id))
	prefix = append(prefix, keySep)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []Observation
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		obsID := ObservationID(key[len(prefix):])

		item, err := txn.Get(makeKey(prefixObservation, string(obsID)))
		if err != nil {
			return nil, err
		}
		var obs Observation
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &obs)
		}); err != nil {
			return nil, err
		}
		out = append(out, obs)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Content < out[j].Content
	})
	return out, nil
}

// DeleteEntities removes the named entities, cascading to their observations,
// observation vectors, and any relation where they are an endpoint. Unknown
// names are skipped.
func (s *BadgerStore) DeleteEntities(ctx context.Context, names []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	for _, name := range names {
		id, err := s.GetEntityID(ctx, name)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}

		var removedObs []ObservationID
		err = s.withConflictRetry(func(txn *badger.Txn) error {
			removedObs = removedObs[:0]

			observations, err := s.observationsForEntity(txn, id)
			if err != nil {
				return err
			}
			for _, obs := range observations {
				if err := s.deleteObservationKeys(txn, obs); err != nil {
					return err
				}
				removedObs = append(removedObs, obs.ID)
			}

			relIDs, err := s.relationIDsForEntity(txn, id)
			if err != nil {
				return err
			}
			for _, relID := range relIDs {
				rel, err := s.getRelation(txn, relID)
				if err != nil {
					return err
				}
				if err := s.deleteRelationKeys(txn, rel); err != nil {
					return err
				}
			}

			if err := txn.Delete(makeKey(prefixEntityName, name)); err != nil {
				return err
			}
			return txn.Delete(makeKey(prefixEntity, string(id)))
		})
		if err != nil {
			return err
		}

		s.mu.Lock()
		delete(s.headers, id)
		for _, obsID := range removedObs {
			delete(s.obsOwner, obsID)
		}
		s.mu.Unlock()
		s.fulltext.Remove(entityDocID(id))
		for _, obsID := range removedObs {
			s.fulltext.Remove(observationDocID(obsID))
			s.vectors.Remove(string(obsID))
		}
	}
	return nil
}

func (s *BadgerStore) deleteObservationKeys(txn *badger.Txn, obs Observation) error {
	if err := txn.Delete(makeKey(prefixObservation, string(obs.ID))); err != nil {
		return err
	}
	if err := txn.Delete(makeKey(prefixObsByEntity, string(obs.EntityID), string(obs.ID))); err != nil {
		return err
	}
	if err := txn.Delete(makeKey(prefixObsContent, string(obs.EntityID), contentHash(obs.Content))); err != nil {
		return err
	}
	return txn.Delete(makeKey(prefixVector, string(obs.ID)))
}

func (s *BadgerStore) deleteRelationKeys(txn *badger.Txn, rel *Relation) error {
	if err := txn.Delete(makeKey(prefixRelation, string(rel.ID))); err != nil {
		return err
	}
	if err := txn.Delete(makeKey(prefixRelTriple, string(rel.FromID), string(rel.ToID), rel.RelationType)); err != nil {
		return err
	}
	if err := txn.Delete(makeKey(prefixRelByEntity, string(rel.FromID), string(rel.ID))); err != nil {
		return err
	}
	return txn.Delete(makeKey(prefixRelByEntity, string(rel.ToID), string(rel.ID)))
}

// DeleteObservations removes the named observation contents from their
// entities. Unknown entities and contents are skipped.
func (s *BadgerStore) DeleteObservations(ctx context.Context, deletions []ObservationDeletion) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	for _, del := range deletions {
		id, err := s.GetEntityID(ctx, del.EntityName)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}

		for _, content := range del.Contents {
			var removed *Observation
			err := s.withConflictRetry(func(txn *badger.Txn) error {
				removed = nil

				contentKey := makeKey(prefixObsContent, string(id), contentHash(content))
				item, err := txn.Get(contentKey)
				if err == badger.ErrKeyNotFound {
					return nil
				}
				if err != nil {
					return err
				}

				var obsID ObservationID
				if err := item.Value(func(val []byte) error {
					obsID = ObservationID(val)
					return nil
				}); err != nil {
					return err
				}

				obs := Observation{ID: obsID, EntityID: id, Content: content}
				if err := s.deleteObservationKeys(txn, obs); err != nil {
					return err
				}
				removed = &obs
				return nil
			})
			if err != nil {
				return err
			}
			if removed != nil {
				s.mu.Lock()
				delete(s.obsOwner, removed.ID)
				s.mu.Unlock()
				s.fulltext.Remove(observationDocID(removed.ID))
				s.vectors.Remove(string(removed.ID))
			}
		}
	}
	return nil
}

// DeleteRelations removes the named relation triples. Unknown endpoints and
// triples are skipped.
func (s *BadgerStore) DeleteRelations(ctx context.Context, specs []RelationSpec) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	for _, spec := range specs {
		fromID, err := s.GetEntityID(ctx, spec.From)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		toID, err := s.GetEntityID(ctx, spec.To)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}

		err = s.withConflictRetry(func(txn *badger.Txn) error {
			tripleKey := makeKey(prefixRelTriple, string(fromID), string(toID), spec.RelationType)
			item, err := txn.Get(tripleKey)
			if err == badger.ErrKeyNotFound {
				return nil
			}
			if err != nil {
				return err
			}

			var relID RelationID
			if err := item.Value(func(val []byte) error {
				relID = RelationID(val)
				return nil
			}); err != nil {
				return err
			}

			rel, err := s.getRelation(txn, relID)
			if err != nil {
				return err
			}
			return s.deleteRelationKeys(txn, rel)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadGraph returns the full hydrated graph.
func (s *BadgerStore) ReadGraph(ctx context.Context) (*Graph, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	graph := &Graph{Entities: []GraphEntity{}, Relations: []GraphRelation{}}
	err := s.db.View(func(txn *badger.Txn) error {
		names := make(map[EntityID]string)

		if err := iteratePrefix(txn, prefixEntity, func(_, val []byte) error {
			var e Entity
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			names[e.ID] = e.Name

			observations, err := s.observationsForEntity(txn, e.ID)
			if err != nil {
				return err
			}
			graph.Entities = append(graph.Entities, hydrateEntity(e, observations))
			return nil
		}); err != nil {
			return err
		}

		return iteratePrefix(txn, prefixRelation, func(_, val []byte) error {
			var rel Relation
			if err := json.Unmarshal(val, &rel); err != nil {
				return err
			}
			graph.Relations = append(graph.Relations, GraphRelation{
				From:         names[rel.FromID],
				To:           names[rel.ToID],
				RelationType: rel.RelationType,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortGraph(graph)
	return graph, nil
}

// OpenNodes returns the subgraph spanning the named entities: those entities
// with their observations, plus relations whose endpoints are both in the
// set. Unknown names are skipped, not errors.
func (s *BadgerStore) OpenNodes(ctx context.Context, names []string) (*Graph, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	graph := &Graph{Entities: []GraphEntity{}, Relations: []GraphRelation{}}
	err := s.db.View(func(txn *badger.Txn) error {
		wanted := make(map[EntityID]string)
		for _, name := range names {
			item, err := txn.Get(makeKey(prefixEntityName, name))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			var id EntityID
			if err := item.Value(func(val []byte) error {
				id = EntityID(val)
				return nil
			}); err != nil {
				return err
			}
			wanted[id] = name

			e, err := s.getEntity(txn, id)
			if err != nil {
				return err
			}
			observations, err := s.observationsForEntity(txn, id)
			if err != nil {
				return err
			}
			graph.Entities = append(graph.Entities, hydrateEntity(*e, observations))
		}

		seen := make(map[RelationID]struct{})
		for id := range wanted {
			relIDs, err := s.relationIDsForEntity(txn, id)
			if err != nil {
				return err
			}
			for _, relID := range relIDs {
				if _, ok := seen[relID]; ok {
					continue
				}
				seen[relID] = struct{}{}

				rel, err := s.getRelation(txn, relID)
				if err != nil {
					return err
				}
				fromName, okFrom := wanted[rel.FromID]
				toName, okTo := wanted[rel.ToID]
				if okFrom && okTo {
					graph.Relations = append(graph.Relations, GraphRelation{
						From:         fromName,
						To:           toName,
						RelationType: rel.RelationType,
					})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortGraph(graph)
	return graph, nil
}

// FetchEntitiesWithDetails loads the scoring facts for a batch of entities.
// Unknown IDs are omitted.
func (s *BadgerStore) FetchEntitiesWithDetails(ctx context.Context, ids []EntityID) ([]EntityFacts, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]EntityFacts, 0, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			e, err := s.getEntity(txn, id)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			observations, err := s.observationsForEntity(txn, id)
			if err != nil {
				return err
			}
			out = append(out, AggregateFacts(*e, observations))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// KeywordSearch returns entities matching the query by full-text rank or by
// case-insensitive substring on name/type. No ranking beyond presence.
func (s *BadgerStore) KeywordSearch(ctx context.Context, query string) ([]EntityID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	matched := make(map[EntityID]struct{})

	// Keyword match is presence-based, so the full-text leg is as unbounded
	// as the substring leg below. Callers cap the candidate set themselves.
	for _, result := range s.fulltext.Search(query, s.fulltext.Count()) {
		switch {
		case strings.HasPrefix(result.ID, "e:"):
			matched[EntityID(result.ID[2:])] = struct{}{}
		case strings.HasPrefix(result.ID, "o:"):
			s.mu.RLock()
			owner, ok := s.obsOwner[ObservationID(result.ID[2:])]
			s.mu.RUnlock()
			if ok {
				matched[owner] = struct{}{}
			}
		}
	}

	lowered := strings.ToLower(query)
	s.mu.RLock()
	for id, h := range s.headers {
		if strings.Contains(strings.ToLower(h.Name), lowered) ||
			strings.Contains(strings.ToLower(h.EntityType), lowered) {
			matched[id] = struct{}{}
		}
	}
	s.mu.RUnlock()

	out := make([]EntityID, 0, len(matched))
	for id := range matched {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SemanticSearch returns the topK entities nearest the query vector, where an
// entity's similarity is the best similarity among its observations.
func (s *BadgerStore) SemanticSearch(ctx context.Context, vec []float32, topK int) ([]SimilarityMatch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	// Over-fetch observation candidates so entity-level aggregation still
	// fills topK when one entity dominates the nearest observations.
	results, err := s.vectors.Search(ctx, vec, topK*4, -1)
	if err != nil {
		if err == index.ErrDimensionMismatch {
			return nil, fmt.Errorf("%w: query vector has %d dimensions, store expects %d",
				ErrInvalidArgument, len(vec), s.dims)
		}
		return nil, err
	}

	best := make(map[EntityID]float64)
	s.mu.RLock()
	for _, r := range results {
		owner, ok := s.obsOwner[ObservationID(r.ID)]
		if !ok {
			continue
		}
		if sim, seen := best[owner]; !seen || r.Score > sim {
			best[owner] = r.Score
		}
	}
	s.mu.RUnlock()

	matches := make([]SimilarityMatch, 0, len(best))
	for id, sim := range best {
		matches = append(matches, SimilarityMatch{EntityID: id, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].EntityID < matches[j].EntityID
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// HybridSearch merges keyword and semantic candidates with the shared
// formula (see MergeHybrid).
func (s *BadgerStore) HybridSearch(ctx context.Context, query string, vec []float32, topK int, threshold float64) ([]HybridMatch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	keywordIDs, err := s.KeywordSearch(ctx, query)
	if err != nil {
		return nil, err
	}
	semantic, err := s.SemanticSearch(ctx, vec, HybridCandidateLimit(topK))
	if err != nil {
		return nil, err
	}
	return MergeHybrid(keywordIDs, semantic, topK, threshold), nil
}

// GetRecentlyAccessedEntities returns up to limit entity IDs ordered by most
// recent observation access.
func (s *BadgerStore) GetRecentlyAccessedEntities(ctx context.Context, limit int) ([]EntityID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	latest := make(map[EntityID]time.Time)
	err := s.db.View(func(txn *badger.Txn) error {
		return iteratePrefix(txn, prefixObservation, func(_, val []byte) error {
			var obs Observation
			if err := json.Unmarshal(val, &obs); err != nil {
				return err
			}
			if obs.LastAccessed == nil {
				return nil
			}
			if t, ok := latest[obs.EntityID]; !ok || obs.LastAccessed.After(t) {
				latest[obs.EntityID] = *obs.LastAccessed
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	type accessed struct {
		id EntityID
		at time.Time
	}
	ordered := make([]accessed, 0, len(latest))
	for id, at := range latest {
		ordered = append(ordered, accessed{id: id, at: at})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].at.After(ordered[j].at) })

	if len(ordered) > limit {
		ordered = ordered[:limit]
	}
	out := make([]EntityID, len(ordered))
	for i, a := range ordered {
		out[i] = a.id
	}
	return out, nil
}

// UpdateAccessStats increments accessCount and stamps lastAccessed on every
// observation of each entity. This is the sole writer of access telemetry.
func (s *BadgerStore) UpdateAccessStats(ctx context.Context, ids []EntityID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		err := s.withConflictRetry(func(txn *badger.Txn) error {
			observations, err := s.observationsForEntity(txn, id)
			if err != nil {
				return err
			}
			for _, obs := range observations {
				obs.AccessCount++
				t := now
				obs.LastAccessed = &t

				data, err := json.Marshal(obs)
				if err != nil {
					return err
				}
				if err := txn.Set(makeKey(prefixObservation, string(obs.ID)), data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SetImportance applies the level to every observation of the entity.
// Returns false when the entity does not exist.
func (s *BadgerStore) SetImportance(ctx context.Context, id EntityID, level Importance) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if !ValidImportance(level) {
		return false, fmt.Errorf("%w: unrecognized importance level %q", ErrInvalidArgument, level)
	}

	return s.updateEntityObservations(id, func(obs *Observation) {
		obs.Importance = level
	})
}

// AddTags appends tags (deduplicated) to every observation of the entity.
// Returns false when the entity does not exist.
func (s *BadgerStore) AddTags(ctx context.Context, id EntityID, tags []string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	return s.updateEntityObservations(id, func(obs *Observation) {
		existing := make(map[string]struct{}, len(obs.Tags))
		for _, t := range obs.Tags {
			existing[t] = struct{}{}
		}
		for _, t := range tags {
			if _, ok := existing[t]; !ok {
				obs.Tags = append(obs.Tags, t)
				existing[t] = struct{}{}
			}
		}
	})
}

func (s *BadgerStore) updateEntityObservations(id EntityID, mutate func(*Observation)) (bool, error) {
	found := false
	err := s.withConflictRetry(func(txn *badger.Txn) error {
		found = false

		if _, err := txn.Get(makeKey(prefixEntity, string(id))); err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true

		observations, err := s.observationsForEntity(txn, id)
		if err != nil {
			return err
		}
		for _, obs := range observations {
			mutate(&obs)
			data, err := json.Marshal(obs)
			if err != nil {
				return err
			}
			if err := txn.Set(makeKey(prefixObservation, string(obs.ID)), data); err != nil {
				return err
			}
		}
		return nil
	})
	return found, err
}

// VectorSearchAvailable reports the vector capability. The embedded store
// always carries its own in-process index.
func (s *BadgerStore) VectorSearchAvailable() bool { return true }

// Dimensions returns the configured embedding width.
func (s *BadgerStore) Dimensions() int { return s.dims }

// Stats returns row counts.
func (s *BadgerStore) Stats(ctx context.Context) (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		for _, c := range []struct {
			prefix  byte
			counter *int64
		}{
			{prefixEntity, &stats.Entities},
			{prefixObservation, &stats.Observations},
			{prefixRelation, &stats.Relations},
			{prefixVector, &stats.Vectors},
		} {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{c.prefix}
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				*c.counter++
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Close closes the store. Further calls return ErrStorageClosed.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// hydrateEntity builds the read model for one entity.
func hydrateEntity(e Entity, observations []Observation) GraphEntity {
	contents := make([]string, len(observations))
	for i, obs := range observations {
		contents[i] = obs.Content
	}
	return GraphEntity{
		Name:         e.Name,
		EntityType:   e.EntityType,
		Observations: contents,
	}
}

// sortGraph orders the read model deterministically for stable JSON output.
func sortGraph(g *Graph) {
	sort.Slice(g.Entities, func(i, j int) bool {
		return g.Entities[i].Name < g.Entities[j].Name
	})
	sort.Slice(g.Relations, func(i, j int) bool {
		a, b := g.Relations[i], g.Relations[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.RelationType < b.RelationType
	})
}

var _ Store = (*BadgerStore)(nil)
