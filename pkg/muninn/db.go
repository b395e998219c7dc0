// Package muninn is the public face of the knowledge-graph memory store: a
// Manager that orchestrates storage, embedding, search, graph context, and
// relevance scoring behind plain JSON-serializable request/response types.
//
// The Manager owns no business rules of its own beyond sequencing: it
// resolves names to IDs at the storage boundary, routes new observation text
// through the embedding pipeline exactly once, and stitches search
// candidates, graph proximity, and scoring into a ranked, hydrated result.
// Batch operations run sequentially; this is a low-volume local-memory
// workload and the simplicity is worth the throughput ceiling.
package muninn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/graphctx"
	"github.com/orneryd/muninn/pkg/scoring"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/storage"
)

// EntityInput describes one entity to create, optionally with initial
// observations that go through the normal ingestion path.
type EntityInput struct {
	Name         string   `json:"name"`
	EntityType   string   `json:"entityType"`
	Observations []string `json:"observations,omitempty"`
}

// CreatedEntity reports the outcome for one EntityInput.
type CreatedEntity struct {
	Name    string `json:"name"`
	Created bool   `json:"created"`

	// AddedObservations lists the observation contents newly stored, which
	// can be non-empty even when the entity itself already existed.
	AddedObservations []string `json:"addedObservations,omitempty"`
}

// ObservationInput names an entity and the observation contents to add.
type ObservationInput struct {
	EntityName string   `json:"entityName"`
	Contents   []string `json:"contents"`
}

// AddedObservations reports, per entity, the contents actually newly stored.
type AddedObservations struct {
	EntityName string   `json:"entityName"`
	Added      []string `json:"addedObservations"`
}

// RelationInput names one relation triple by entity names.
type RelationInput struct {
	From         string `json:"from"`
	To           string `json:"to"`
	RelationType string `json:"relationType"`
}

// OpResult is the structured outcome of a targeted mutation, returned
// instead of an error so a calling agent can react programmatically.
type OpResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SearchRequest tunes a scored search.
type SearchRequest struct {
	Query               string           `json:"query"`
	Mode                search.Mode      `json:"mode,omitempty"`
	TopK                int              `json:"topK,omitempty"`
	Threshold           float64          `json:"threshold,omitempty"`
	IncludeScoreDetails bool             `json:"includeScoreDetails,omitempty"`
	ScoringProfile      string           `json:"scoringProfile,omitempty"`
	CustomWeights       *scoring.Weights `json:"customWeights,omitempty"`
}

// EntityScore annotates one returned entity with its scoring breakdown.
type EntityScore struct {
	Name       string             `json:"name"`
	FinalScore float64            `json:"finalScore"`
	MatchScore float64            `json:"matchScore"`
	Relevance  float64            `json:"relevance"`
	Components scoring.Components `json:"components"`
}

// SearchResponse is a hydrated, ranked search result.
type SearchResponse struct {
	Graph *storage.Graph `json:"graph"`

	// Degraded reports the documented keyword-only fallback.
	Degraded bool `json:"degraded,omitempty"`

	// Scores is populated when IncludeScoreDetails was set, ordered like
	// the ranked entities.
	Scores []EntityScore `json:"scores,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// DefaultProfile names the scoring profile used when a request does not
	// choose one. Defaults to "default".
	DefaultProfile string

	// UnknownTypePenalty multiplies the final score of entities whose type
	// is the auto-created "Unknown". 1.0 (the default) disables it.
	UnknownTypePenalty float64

	// Context overrides the graph context cache settings.
	Context graphctx.Options

	// Logger defaults to the process-wide logger.
	Logger *log.Logger
}

// Manager orchestrates all knowledge-graph operations.
type Manager struct {
	store    storage.Store
	embedder embed.Embedder
	engine   *search.Engine
	graph    *graphctx.Cache
	logger   *log.Logger

	defaultProfile     string
	unknownTypePenalty float64
}

// New creates a Manager. embedder may be nil for keyword-only deployments;
// ingestion then stores observations without vectors and search degrades.
func New(store storage.Store, embedder embed.Embedder, opts Options) *Manager {
	if opts.DefaultProfile == "" {
		opts.DefaultProfile = "default"
	}
	if opts.UnknownTypePenalty <= 0 {
		opts.UnknownTypePenalty = 1.0
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Manager{
		store:              store,
		embedder:           embedder,
		engine:             search.New(store, embedder, opts.Logger),
		graph:              graphctx.New(store, opts.Context),
		logger:             opts.Logger,
		defaultProfile:     opts.DefaultProfile,
		unknownTypePenalty: opts.UnknownTypePenalty,
	}
}

// Store exposes the underlying storage for stats and lifecycle.
func (m *Manager) Store() storage.Store { return m.store }

// CreateEntities creates each entity if absent. An existing entity is left
// unmodified even when a different type is supplied; any supplied
// observations still go through the ingestion path.
func (m *Manager) CreateEntities(ctx context.Context, inputs []EntityInput) ([]CreatedEntity, error) {
	out := make([]CreatedEntity, 0, len(inputs))
	for _, input := range inputs {
		id, created, err := m.store.GetOrCreateEntityID(ctx, input.Name, input.EntityType)
		if err != nil {
			return nil, fmt.Errorf("create entity %q: %w", input.Name, err)
		}

		added, err := m.ingestObservations(ctx, id, input.Observations)
		if err != nil {
			return nil, fmt.Errorf("add observations to %q: %w", input.Name, err)
		}

		out = append(out, CreatedEntity{
			Name:              input.Name,
			Created:           created,
			AddedObservations: added,
		})
	}
	return out, nil
}

// AddObservations attaches observation contents to entities, creating absent
// entities with the default type. Only contents actually newly stored are
// embedded and reported; re-submitting known content never re-embeds it.
func (m *Manager) AddObservations(ctx context.Context, inputs []ObservationInput) ([]AddedObservations, error) {
	out := make([]AddedObservations, 0, len(inputs))
	for _, input := range inputs {
		id, _, err := m.store.GetOrCreateEntityID(ctx, input.EntityName, "")
		if err != nil {
			return nil, fmt.Errorf("resolve entity %q: %w", input.EntityName, err)
		}

		added, err := m.ingestObservations(ctx, id, input.Contents)
		if err != nil {
			return nil, fmt.Errorf("add observations to %q: %w", input.EntityName, err)
		}
		out = append(out, AddedObservations{EntityName: input.EntityName, Added: added})
	}
	return out, nil
}

// ingestObservations is the single ingestion path: idempotent insert per
// content, then embed exactly the newly inserted subset and persist the
// vectors in one transaction. An unreachable embedding provider downgrades
// to vectorless storage (a recoverable state); a failed vector transaction
// rolls back the whole vector batch and propagates.
func (m *Manager) ingestObservations(ctx context.Context, entityID storage.EntityID, contents []string) ([]string, error) {
	added := []string{}
	var rows []storage.ObservationVector
	var texts []string

	for _, content := range contents {
		obsID, inserted, err := m.store.InsertObservation(ctx, entityID, content)
		if err != nil {
			return nil, err
		}
		if !inserted {
			continue
		}
		added = append(added, content)
		rows = append(rows, storage.ObservationVector{ObservationID: obsID, EntityID: entityID})
		texts = append(texts, content)
	}

	if len(texts) == 0 || m.embedder == nil || !m.store.VectorSearchAvailable() {
		return added, nil
	}

	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if errors.Is(err, embed.ErrUnavailable) {
			m.logger.Warn("embedding provider unavailable, storing observations without vectors",
				"count", len(texts))
			return added, nil
		}
		return nil, fmt.Errorf("embed observations: %w", err)
	}
	for i := range rows {
		rows[i].Embedding = vecs[i]
	}

	if err := m.store.InsertObservationVectors(ctx, rows); err != nil {
		return nil, fmt.Errorf("persist observation vectors: %w", err)
	}
	return added, nil
}

// CreateRelations inserts relation triples, creating absent endpoints with
// the default type, and returns only the triples newly created.
func (m *Manager) CreateRelations(ctx context.Context, inputs []RelationInput) ([]RelationInput, error) {
	created := []RelationInput{}
	for _, input := range inputs {
		fromID, _, err := m.store.GetOrCreateEntityID(ctx, input.From, "")
		if err != nil {
			return nil, fmt.Errorf("resolve entity %q: %w", input.From, err)
		}
		toID, _, err := m.store.GetOrCreateEntityID(ctx, input.To, "")
		if err != nil {
			return nil, fmt.Errorf("resolve entity %q: %w", input.To, err)
		}

		isNew, err := m.store.CreateRelation(ctx, fromID, toID, input.RelationType)
		if err != nil {
			return nil, fmt.Errorf("create relation %q -[%s]-> %q: %w",
				input.From, input.RelationType, input.To, err)
		}
		if isNew {
			created = append(created, input)
		}
	}
	return created, nil
}

// DeleteEntities removes entities by name, cascading to observations,
// vectors, and incident relations.
func (m *Manager) DeleteEntities(ctx context.Context, names []string) error {
	return m.store.DeleteEntities(ctx, names)
}

// DeleteObservations removes observation contents from their entities.
func (m *Manager) DeleteObservations(ctx context.Context, deletions []storage.ObservationDeletion) error {
	return m.store.DeleteObservations(ctx, deletions)
}

// DeleteRelations removes relation triples.
func (m *Manager) DeleteRelations(ctx context.Context, specs []storage.RelationSpec) error {
	return m.store.DeleteRelations(ctx, specs)
}

// ReadGraph returns the full graph. Raw reads never touch access stats.
func (m *Manager) ReadGraph(ctx context.Context) (*storage.Graph, error) {
	return m.store.ReadGraph(ctx)
}

// OpenNodes returns the subgraph spanning the named entities. Raw reads
// never touch access stats.
func (m *Manager) OpenNodes(ctx context.Context, names []string) (*storage.Graph, error) {
	return m.store.OpenNodes(ctx, names)
}

// SearchNodes runs a scored search: retrieve candidates, fold in graph
// context and relevance scoring, rank, record the access, and hydrate.
func (m *Manager) SearchNodes(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	results, err := m.engine.Search(ctx, req.Query, search.Options{
		Mode:      req.Mode,
		TopK:      req.TopK,
		Threshold: req.Threshold,
	})
	if err != nil {
		return nil, err
	}
	if len(results.Candidates) == 0 {
		return &SearchResponse{
			Graph:    &storage.Graph{Entities: []storage.GraphEntity{}, Relations: []storage.GraphRelation{}},
			Degraded: results.Degraded,
		}, nil
	}

	ids := make([]storage.EntityID, len(results.Candidates))
	matchScores := make(map[storage.EntityID]float64, len(results.Candidates))
	for i, c := range results.Candidates {
		ids[i] = c.EntityID
		matchScores[c.EntityID] = c.MatchScore
	}

	facts, err := m.store.FetchEntitiesWithDetails(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch entity details: %w", err)
	}

	recent, err := m.graph.RecentEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("load recent entities: %w", err)
	}
	if err := m.graph.Preload(ctx, recent, ids); err != nil {
		return nil, fmt.Errorf("preload graph context: %w", err)
	}

	profile := scoring.Profile{Name: req.ScoringProfile, Custom: req.CustomWeights}
	if profile.Name == "" {
		profile.Name = m.defaultProfile
	}

	now := time.Now()
	scored := make([]EntityScore, 0, len(facts))
	idByName := make(map[string]storage.EntityID, len(facts))
	for _, f := range facts {
		idByName[f.Name] = f.ID
		distance, err := m.graph.DistanceToNearest(ctx, f.ID, recent)
		if err != nil {
			return nil, fmt.Errorf("graph distance for %q: %w", f.Name, err)
		}

		result := scoring.Score(f, distance, profile, now)
		match := matchScores[f.ID]
		final := match * result.FinalScore
		if f.EntityType == storage.DefaultEntityType {
			final *= m.unknownTypePenalty
		}

		scored = append(scored, EntityScore{
			Name:       f.Name,
			FinalScore: final,
			MatchScore: match,
			Relevance:  result.FinalScore,
			Components: result.Components,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].FinalScore != scored[j].FinalScore {
			return scored[i].FinalScore > scored[j].FinalScore
		}
		return scored[i].Name < scored[j].Name
	})

	// TopK applies after relevance scoring so a highly-ranked entity deep
	// in the candidate pool still makes the cut.
	topK := req.TopK
	if topK <= 0 {
		topK = search.DefaultTopK
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}

	names := make([]string, len(scored))
	rankedIDs := make([]storage.EntityID, len(scored))
	for i, es := range scored {
		names[i] = es.Name
		rankedIDs[i] = idByName[es.Name]
	}

	// The scored search is the sole writer of access telemetry, and only
	// for the entities actually returned.
	if err := m.store.UpdateAccessStats(ctx, rankedIDs); err != nil {
		return nil, fmt.Errorf("update access stats: %w", err)
	}

	graph, err := m.store.OpenNodes(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("hydrate results: %w", err)
	}
	orderByRank(graph, names)

	resp := &SearchResponse{Graph: graph, Degraded: results.Degraded}
	if req.IncludeScoreDetails {
		resp.Scores = scored
	}
	return resp, nil
}

// orderByRank rearranges hydrated entities to match the ranked name order;
// OpenNodes returns them alphabetically.
func orderByRank(g *storage.Graph, ranked []string) {
	byName := make(map[string]storage.GraphEntity, len(g.Entities))
	for _, e := range g.Entities {
		byName[e.Name] = e
	}
	ordered := make([]storage.GraphEntity, 0, len(g.Entities))
	for _, name := range ranked {
		if e, ok := byName[name]; ok {
			ordered = append(ordered, e)
		}
	}
	g.Entities = ordered
}

// SetImportance assigns an importance tier to all observations of the named
// entity. An unknown entity is reported as a structured failure, not an
// error; an unrecognized level is an error.
func (m *Manager) SetImportance(ctx context.Context, name string, level storage.Importance) (*OpResult, error) {
	if !storage.ValidImportance(level) {
		return nil, fmt.Errorf("%w: unrecognized importance level %q", storage.ErrInvalidArgument, level)
	}

	id, err := m.store.GetEntityID(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return &OpResult{Success: false, Message: fmt.Sprintf("entity not found: %s", name)}, nil
	}
	if err != nil {
		return nil, err
	}

	ok, err := m.store.SetImportance(ctx, id, level)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &OpResult{Success: false, Message: fmt.Sprintf("entity not found: %s", name)}, nil
	}
	return &OpResult{Success: true, Message: fmt.Sprintf("importance of %s set to %s", name, level)}, nil
}

// AddTags appends tags to all observations of the named entity. An unknown
// entity is reported as a structured failure, not an error.
func (m *Manager) AddTags(ctx context.Context, name string, tags []string) (*OpResult, error) {
	id, err := m.store.GetEntityID(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return &OpResult{Success: false, Message: fmt.Sprintf("entity not found: %s", name)}, nil
	}
	if err != nil {
		return nil, err
	}

	ok, err := m.store.AddTags(ctx, id, tags)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &OpResult{Success: false, Message: fmt.Sprintf("entity not found: %s", name)}, nil
	}
	return &OpResult{Success: true, Message: fmt.Sprintf("tagged %s with %d tag(s)", name, len(tags))}, nil
}
