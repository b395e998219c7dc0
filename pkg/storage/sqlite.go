// SQLiteStore provides the relational storage adapter. Keyword search rides
// an FTS5 virtual table; semantic search has no native index, so the store is
// configured with a fallback policy: degrade to an in-process linear scan
// over stored vectors, or fail strictly with ErrCapabilityUnavailable.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/muninn/pkg/index"
	"github.com/orneryd/muninn/pkg/math/vector"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteOptions configures the relational store.
type SQLiteOptions struct {
	// Path is the database file path. ":memory:" opens an in-memory database.
	Path string

	// Dimensions is the embedding vector width. Defaults to DefaultDimensions.
	Dimensions int

	// Fallback selects linear-scan degradation or strict failure for
	// semantic search. Defaults to FallbackLinearScan.
	Fallback VectorFallback
}

// SQLiteStore is the relational Store implementation.
type SQLiteStore struct {
	db       *sql.DB
	dims     int
	fallback VectorFallback

	mu     sync.RWMutex
	closed bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	entity_type TEXT NOT NULL DEFAULT 'Unknown',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
	id            TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	content       TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	last_accessed TEXT,
	access_count  INTEGER NOT NULL DEFAULT 0,
	importance    TEXT NOT NULL DEFAULT 'normal',
	tags          TEXT,
	UNIQUE(entity_id, content)
);

CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_id);

CREATE TABLE IF NOT EXISTS relations (
	id            TEXT PRIMARY KEY,
	from_id       TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	to_id         TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
	relation_type TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	UNIQUE(from_id, to_id, relation_type)
);

CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(from_id);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_id);

CREATE TABLE IF NOT EXISTS observation_vectors (
	observation_id TEXT PRIMARY KEY REFERENCES observations(id) ON DELETE CASCADE,
	entity_id      TEXT NOT NULL,
	embedding      BLOB NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
	content,
	content='observations',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS observations_ai AFTER INSERT ON observations BEGIN
	INSERT INTO observations_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS observations_ad AFTER DELETE ON observations BEGIN
	INSERT INTO observations_fts(observations_fts, rowid, content)
		VALUES ('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS observations_au AFTER UPDATE OF content ON observations BEGIN
	INSERT INTO observations_fts(observations_fts, rowid, content)
		VALUES ('delete', old.rowid, old.content);
	INSERT INTO observations_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`

// OpenSQLite opens (or creates) a SQLite-backed store and applies the schema.
//
// Example:
//
//	store, err := storage.OpenSQLite(storage.SQLiteOptions{Path: "./memory.db"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
func OpenSQLite(opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Dimensions <= 0 {
		opts.Dimensions = DefaultDimensions
	}

	dsn := "file:" + opts.Path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=cache_size(-64000)"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", opts.Path, err)
	}

	// The embedded driver serializes access per connection; a single
	// connection avoids writer lock contention under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		dims:     opts.Dimensions,
		fallback: opts.Fallback,
	}, nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// timeLayout is fixed-width so stored timestamps sort lexicographically;
// RFC3339Nano trims trailing zeros and would break ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return t
}

func parseNullTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := parseTime(raw.String)
	return &t
}

func encodeTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeTags(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw.String), &tags); err != nil {
		return nil
	}
	return tags
}

// GetEntityID resolves a name to an entity ID. Returns ErrNotFound when the
// entity does not exist.
func (s *SQLiteStore) GetEntityID(ctx context.Context, name string) (EntityID, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM entities WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return EntityID(id), nil
}

// CreateEntity creates a new entity. Returns ErrConstraintViolation if the
// name already exists.
func (s *SQLiteStore) CreateEntity(ctx context.Context, name, entityType string) (EntityID, error) {
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
// The race between concurrent callers is absorbed by ON CONFLICT DO NOTHING
// followed by a re-read, so both see the same surviving row.
func (s *SQLiteStore) GetOrCreateEntityID(ctx context.Context, name, entityType string) (EntityID, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	if name == "" {
		return "", false, fmt.Errorf("%w: empty entity name", ErrInvalidArgument)
	}
	if entityType == "" {
		entityType = DefaultEntityType
	}

	newID := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, entity_type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		newID, name, entityType, formatTime(time.Now()))
	if err != nil {
		return "", false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if affected == 1 {
		return EntityID(newID), true, nil
	}

	id, err := s.GetEntityID(ctx, name)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

// EntityIDsByNames resolves a batch of names; absent names are omitted.
func (s *SQLiteStore) EntityIDsByNames(ctx context.Context, names []string) (map[string]EntityID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := make(map[string]EntityID, len(names))
	for _, name := range names {
		id, err := s.GetEntityID(ctx, name)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, nil
}

// EntityNamesByIDs resolves a batch of IDs; absent IDs are omitted.
func (s *SQLiteStore) EntityNamesByIDs(ctx context.Context, ids []EntityID) (map[EntityID]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := make(map[EntityID]string, len(ids))
	for _, id := range ids {
		var name string
		err := s.db.QueryRowContext(ctx, `SELECT name FROM entities WHERE id = ?`, string(id)).Scan(&name)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = name
	}
	return out, nil
}

// InsertObservation idempotently inserts one observation. The second insert
// of the same (entity, content) pair returns the existing ID with
// inserted=false.
func (s *SQLiteStore) InsertObservation(ctx context.Context, entityID EntityID, content string) (ObservationID, bool, error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	if content == "" {
		return "", false, fmt.Errorf("%w: empty observation content", ErrInvalidArgument)
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, string(entityID)).Scan(&exists)
	if err == sql.ErrNoRows {
		return "", false, fmt.Errorf("entity %s: %w", entityID, ErrNotFound)
	}
	if err != nil {
		return "", false, err
	}

	newID := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (id, entity_id, content, created_at, importance)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, content) DO NOTHING`,
		newID, string(entityID), content, formatTime(time.Now()), string(ImportanceNormal))
	if err != nil {
		return "", false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if affected == 1 {
		return ObservationID(newID), true, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM observations WHERE entity_id = ? AND content = ?`,
		string(entityID), content).Scan(&existing)
	if err != nil {
		return "", false, err
	}
	return ObservationID(existing), false, nil
}

// InsertObservationVectors writes a batch of embedding rows in a single
// transaction. Dimension validation runs before any write; a failed
// transaction rolls back completely.
func (s *SQLiteStore) InsertObservationVectors(ctx context.Context, rows []ObservationVector) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	if err := ValidateVectorRows(rows, s.dims); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, row := range rows {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM observations WHERE id = ?`,
			string(row.ObservationID)).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("observation %s: %w", row.ObservationID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO observation_vectors (observation_id, entity_id, embedding)
			VALUES (?, ?, ?)
			ON CONFLICT(observation_id) DO UPDATE SET embedding = excluded.embedding`,
			string(row.ObservationID), string(row.EntityID), EncodeVector(row.Embedding)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateRelation idempotently inserts a (from, to, type) relation triple.
// Returns created=false when the triple already exists.
func (s *SQLiteStore) CreateRelation(ctx context.Context, from, to EntityID, relationType string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if relationType == "" {
		return false, fmt.Errorf("%w: empty relation type", ErrInvalidArgument)
	}

	for _, id := range []EntityID{from, to} {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, string(id)).Scan(&exists)
		if err == sql.ErrNoRows {
			return false, fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return false, err
		}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO relations (id, from_id, to_id, relation_type, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, relation_type) DO NOTHING`,
		uuid.NewString(), string(from), string(to), relationType, formatTime(time.Now()))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// GetRelationsForEntityIDs returns every relation touching any of the given
// entities, deduplicated.
func (s *SQLiteStore) GetRelationsForEntityIDs(ctx context.Context, ids []EntityID) ([]RelationEndpoints, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT from_id, to_id FROM relations
		WHERE from_id IN (`+placeholders+`) OR to_id IN (`+placeholders+`)`,
		append(args, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RelationEndpoints
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out = append(out, RelationEndpoints{FromID: EntityID(from), ToID: EntityID(to)})
	}
	return out, rows.Err()
}

func inClause(ids []EntityID) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	return placeholders, args
}

// DeleteEntities removes the named entities. Foreign keys cascade to
// observations, their vectors, and incident relations. Unknown names are
// skipped.
func (s *SQLiteStore) DeleteEntities(ctx context.Context, names []string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	for _, name := range names {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE name = ?`, name); err != nil {
			return err
		}
	}
	return nil
}

// DeleteObservations removes the named observation contents from their
// entities. Unknown entities and contents are skipped.
func (s *SQLiteStore) DeleteObservations(ctx context.Context, deletions []ObservationDeletion) error {
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
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM observations WHERE entity_id = ? AND content = ?`,
				string(id), content); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteRelations removes the named relation triples. Unknown endpoints and
// triples are skipped.
func (s *SQLiteStore) DeleteRelations(ctx context.Context, specs []RelationSpec) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	for _, spec := range specs {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM relations
			WHERE relation_type = ?
			  AND from_id = (SELECT id FROM entities WHERE name = ?)
			  AND to_id   = (SELECT id FROM entities WHERE name = ?)`,
			spec.RelationType, spec.From, spec.To); err != nil {
			return err
		}
	}
	return nil
}

// ReadGraph returns the full hydrated graph.
func (s *SQLiteStore) ReadGraph(ctx context.Context) (*Graph, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.readGraphFiltered(ctx, nil)
}

// OpenNodes returns the subgraph spanning the named entities: those entities
// with their observations, plus relations whose endpoints are both in the
// set. Unknown names are skipped, not errors.
func (s *SQLiteStore) OpenNodes(ctx context.Context, names []string) (*Graph, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}
	return s.readGraphFiltered(ctx, wanted)
}

func (s *SQLiteStore) readGraphFiltered(ctx context.Context, wanted map[string]struct{}) (*Graph, error) {
	graph := &Graph{Entities: []GraphEntity{}, Relations: []GraphRelation{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.name, e.entity_type, o.content
		FROM entities e
		LEFT JOIN observations o ON o.entity_id = e.id
		ORDER BY e.name, o.created_at, o.content`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	included := make(map[string]struct{})
	var current *GraphEntity
	for rows.Next() {
		var name, entityType string
		var content sql.NullString
		if err := rows.Scan(&name, &entityType, &content); err != nil {
			return nil, err
		}
		if wanted != nil {
			if _, ok := wanted[name]; !ok {
				continue
			}
		}
		if current == nil || current.Name != name {
			graph.Entities = append(graph.Entities, GraphEntity{
				Name:         name,
				EntityType:   entityType,
				Observations: []string{},
			})
			current = &graph.Entities[len(graph.Entities)-1]
			included[name] = struct{}{}
		}
		if content.Valid {
			current.Observations = append(current.Observations, content.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	relRows, err := s.db.QueryContext(ctx, `
		SELECT ef.name, et.name, r.relation_type
		FROM relations r
		JOIN entities ef ON ef.id = r.from_id
		JOIN entities et ON et.id = r.to_id
		ORDER BY ef.name, et.name, r.relation_type`)
	if err != nil {
		return nil, err
	}
	defer relRows.Close()

	for relRows.Next() {
		var from, to, relType string
		if err := relRows.Scan(&from, &to, &relType); err != nil {
			return nil, err
		}
		if wanted != nil {
			_, okFrom := included[from]
			_, okTo := included[to]
			if !okFrom || !okTo {
				continue
			}
		}
		graph.Relations = append(graph.Relations, GraphRelation{
			From:         from,
			To:           to,
			RelationType: relType,
		})
	}
	return graph, relRows.Err()
}

// FetchEntitiesWithDetails loads the scoring facts for a batch of entities.
// Unknown IDs are omitted.
func (s *SQLiteStore) FetchEntitiesWithDetails(ctx context.Context, ids []EntityID) ([]EntityFacts, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]EntityFacts, 0, len(ids))
	for _, id := range ids {
		var e Entity
		var createdAt string
		err := s.db.QueryRowContext(ctx,
			`SELECT id, name, entity_type, created_at FROM entities WHERE id = ?`,
			string(id)).Scan(&e.ID, &e.Name, &e.EntityType, &createdAt)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)

		observations, err := s.observationsForEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, AggregateFacts(e, observations))
	}
	return out, nil
}

func (s *SQLiteStore) observationsForEntity(ctx context.Context, id EntityID) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, created_at, last_accessed, access_count, importance, tags
		FROM observations WHERE entity_id = ?
		ORDER BY created_at, content`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var obs Observation
		var createdAt string
		var lastAccessed, tags sql.NullString
		var importance string
		if err := rows.Scan(&obs.ID, &obs.Content, &createdAt, &lastAccessed,
			&obs.AccessCount, &importance, &tags); err != nil {
			return nil, err
		}
		obs.EntityID = id
		obs.CreatedAt = parseTime(createdAt)
		obs.LastAccessed = parseNullTime(lastAccessed)
		obs.Importance = Importance(importance)
		obs.Tags = decodeTags(tags)
		out = append(out, obs)
	}
	return out, rows.Err()
}

// KeywordSearch returns entities matching the query by FTS5 rank over
// observation content or by case-insensitive substring on entity name/type.
func (s *SQLiteStore) KeywordSearch(ctx context.Context, query string) ([]EntityID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	matched := make(map[EntityID]struct{})

	if match := ftsQuery(query); match != "" {
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT o.entity_id
			FROM observations_fts f
			JOIN observations o ON o.rowid = f.rowid
			WHERE observations_fts MATCH ?`, match)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			matched[EntityID(id)] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM entities
		WHERE lower(name) LIKE ? OR lower(entity_type) LIKE ?`, pattern, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		matched[EntityID(id)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]EntityID, 0, len(matched))
	for id := range matched {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ftsQuery builds a safe FTS5 MATCH expression from free text: each token is
// quoted and prefix-matched, joined by OR. Returns "" when nothing survives
// tokenization.
func ftsQuery(query string) string {
	tokens := index.Tokenize(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"*`
	}
	return strings.Join(quoted, " OR ")
}

// SemanticSearch returns the topK entities nearest the query vector. With no
// native vector index, FallbackLinearScan decodes and scans every stored
// vector in process; FallbackStrict fails with ErrCapabilityUnavailable.
func (s *SQLiteStore) SemanticSearch(ctx context.Context, vec []float32, topK int) ([]SimilarityMatch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.fallback == FallbackStrict {
		return nil, ErrCapabilityUnavailable
	}
	if topK <= 0 {
		return nil, nil
	}
	if len(vec) != s.dims {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, store expects %d",
			ErrInvalidArgument, len(vec), s.dims)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, embedding FROM observation_vectors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	query := vector.Normalize(vec)
	best := make(map[EntityID]float64)
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var entityID string
		var blob []byte
		if err := rows.Scan(&entityID, &blob); err != nil {
			return nil, err
		}
		stored, err := DecodeVector(blob)
		if err != nil {
			return nil, err
		}
		if len(stored) != s.dims {
			continue
		}

		sim := vector.CosineSimilarity(query, stored)
		id := EntityID(entityID)
		if prev, ok := best[id]; !ok || sim > prev {
			best[id] = sim
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

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
// formula (see MergeHybrid). Under FallbackStrict it fails like
// SemanticSearch; degrading hybrid to keyword-only is the engine's decision,
// not the store's.
func (s *SQLiteStore) HybridSearch(ctx context.Context, query string, vec []float32, topK int, threshold float64) ([]HybridMatch, error) {
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
func (s *SQLiteStore) GetRecentlyAccessedEntities(ctx context.Context, limit int) ([]EntityID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, MAX(last_accessed) AS latest
		FROM observations
		WHERE last_accessed IS NOT NULL
		GROUP BY entity_id
		ORDER BY latest DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntityID
	for rows.Next() {
		var id, latest string
		if err := rows.Scan(&id, &latest); err != nil {
			return nil, err
		}
		out = append(out, EntityID(id))
	}
	return out, rows.Err()
}

// UpdateAccessStats increments accessCount and stamps lastAccessed on every
// observation of each entity. This is the sole writer of access telemetry.
func (s *SQLiteStore) UpdateAccessStats(ctx context.Context, ids []EntityID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	placeholders, args := inClause(ids)
	_, err := s.db.ExecContext(ctx, `
		UPDATE observations
		SET access_count = access_count + 1, last_accessed = ?
		WHERE entity_id IN (`+placeholders+`)`,
		append([]any{formatTime(time.Now())}, args...)...)
	return err
}

// SetImportance applies the level to every observation of the entity.
// Returns false when the entity does not exist.
func (s *SQLiteStore) SetImportance(ctx context.Context, id EntityID, level Importance) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if !ValidImportance(level) {
		return false, fmt.Errorf("%w: unrecognized importance level %q", ErrInvalidArgument, level)
	}

	found, err := s.entityExists(ctx, id)
	if err != nil || !found {
		return false, err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE observations SET importance = ? WHERE entity_id = ?`,
		string(level), string(id))
	return err == nil, err
}

// AddTags appends tags (deduplicated) to every observation of the entity.
// Returns false when the entity does not exist.
func (s *SQLiteStore) AddTags(ctx context.Context, id EntityID, tags []string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	found, err := s.entityExists(ctx, id)
	if err != nil || !found {
		return false, err
	}

	observations, err := s.observationsForEntity(ctx, id)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	for _, obs := range observations {
		existing := make(map[string]struct{}, len(obs.Tags))
		for _, t := range obs.Tags {
			existing[t] = struct{}{}
		}
		changed := false
		for _, t := range tags {
			if _, ok := existing[t]; !ok {
				obs.Tags = append(obs.Tags, t)
				existing[t] = struct{}{}
				changed = true
			}
		}
		if !changed {
			continue
		}

		encoded, err := encodeTags(obs.Tags)
		if err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE observations SET tags = ? WHERE id = ?`,
			encoded, string(obs.ID)); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) entityExists(ctx context.Context, id EntityID) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, string(id)).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// VectorSearchAvailable reports the vector capability. The relational store
// has no native vector index; linear-scan fallback still counts as available
// because semantic queries can be answered, just slowly.
func (s *SQLiteStore) VectorSearchAvailable() bool {
	return s.fallback == FallbackLinearScan
}

// Dimensions returns the configured embedding width.
func (s *SQLiteStore) Dimensions() int { return s.dims }

// Stats returns row counts.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, c := range []struct {
		query   string
		counter *int64
	}{
		{`SELECT COUNT(*) FROM entities`, &stats.Entities},
		{`SELECT COUNT(*) FROM observations`, &stats.Observations},
		{`SELECT COUNT(*) FROM relations`, &stats.Relations},
		{`SELECT COUNT(*) FROM observation_vectors`, &stats.Vectors},
	} {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.counter); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// Close closes the store. Further calls return ErrStorageClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
