// Package search implements the query-side engine that turns a free-text
// query into a ranked candidate set of entity IDs.
//
// Three modes are supported: keyword (text match only), semantic (embedding
// similarity only), and hybrid (both merged). Semantic and hybrid need an
// embedding for the query; when the embedding provider or the store's vector
// capability is unavailable, the engine degrades to keyword mode and flags
// the result as degraded rather than failing the whole search.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/orneryd/muninn/pkg/embed"
	"github.com/orneryd/muninn/pkg/storage"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// DefaultTopK is the result limit applied when the caller does not set one.
const DefaultTopK = 10

// ErrInvalidMode indicates an unrecognized search mode.
var ErrInvalidMode = errors.New("invalid search mode")

// Options tunes a single search call.
type Options struct {
	// Mode defaults to ModeHybrid.
	Mode Mode

	// TopK bounds semantic and hybrid result sets. Defaults to DefaultTopK.
	// Keyword matches come back in full; the caller truncates after scoring.
	TopK int

	// Threshold filters semantic candidates by raw similarity before any
	// keyword boost is applied. Keyword candidates bypass it.
	Threshold float64
}

func (o *Options) fill() error {
	if o.Mode == "" {
		o.Mode = ModeHybrid
	}
	switch o.Mode {
	case ModeKeyword, ModeSemantic, ModeHybrid:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, o.Mode)
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	return nil
}

// Candidate is one matched entity with its retrieval score. Keyword-only
// matches carry no meaningful magnitude; they score 1.0 in keyword mode and
// the merged score in hybrid mode.
type Candidate struct {
	EntityID   storage.EntityID `json:"entityId"`
	MatchScore float64          `json:"matchScore"`
}

// Results is a ranked candidate set.
type Results struct {
	Candidates []Candidate `json:"candidates"`

	// Degraded is true when a semantic or hybrid search fell back to
	// keyword-only because no query embedding could be produced or the
	// store lacks the vector capability. The fallback is observable here
	// and in the log, never silent.
	Degraded bool `json:"degraded"`
}

// Engine resolves queries against a store, embedding them on demand.
type Engine struct {
	store    storage.Store
	embedder embed.Embedder
	logger   *log.Logger
}

// New creates a search engine. embedder may be nil, in which case semantic
// and hybrid searches always degrade to keyword.
func New(store storage.Store, embedder embed.Embedder, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{store: store, embedder: embedder, logger: logger}
}

// Search runs one query. An empty or blank query returns empty results
// without touching the store. "No matches" is an empty result, not an error.
func (e *Engine) Search(ctx context.Context, query string, opts Options) (*Results, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return &Results{Candidates: []Candidate{}}, nil
	}

	switch opts.Mode {
	case ModeKeyword:
		return e.keyword(ctx, query, false)
	case ModeSemantic:
		return e.semantic(ctx, query, opts)
	default:
		return e.hybrid(ctx, query, opts)
	}
}

// keyword returns every matching entity at a flat 1.0 score. Keyword match
// is presence-only, so there is no meaningful order to cut at; the caller
// applies its TopK after relevance scoring.
func (e *Engine) keyword(ctx context.Context, query string, degraded bool) (*Results, error) {
	ids, err := e.store.KeywordSearch(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, len(ids))
	for i, id := range ids {
		candidates[i] = Candidate{EntityID: id, MatchScore: 1.0}
	}
	return &Results{Candidates: candidates, Degraded: degraded}, nil
}

func (e *Engine) semantic(ctx context.Context, query string, opts Options) (*Results, error) {
	vec, ok := e.embedQuery(ctx, query, opts.Mode)
	if !ok {
		return e.keyword(ctx, query, true)
	}

	matches, err := e.store.SemanticSearch(ctx, vec, storage.SemanticCandidateLimit(opts.TopK))
	if errors.Is(err, storage.ErrCapabilityUnavailable) {
		e.logger.Warn("vector capability unavailable, degrading to keyword search", "mode", opts.Mode)
		return e.keyword(ctx, query, true)
	}
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		if m.Similarity < opts.Threshold {
			continue
		}
		candidates = append(candidates, Candidate{EntityID: m.EntityID, MatchScore: m.Similarity})
		if len(candidates) == opts.TopK {
			break
		}
	}
	return &Results{Candidates: candidates}, nil
}

func (e *Engine) hybrid(ctx context.Context, query string, opts Options) (*Results, error) {
	vec, ok := e.embedQuery(ctx, query, opts.Mode)
	if !ok {
		return e.keyword(ctx, query, true)
	}

	matches, err := e.store.HybridSearch(ctx, query, vec, opts.TopK, opts.Threshold)
	if errors.Is(err, storage.ErrCapabilityUnavailable) {
		e.logger.Warn("vector capability unavailable, degrading to keyword search", "mode", opts.Mode)
		return e.keyword(ctx, query, true)
	}
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, len(matches))
	for i, m := range matches {
		candidates[i] = Candidate{EntityID: m.EntityID, MatchScore: m.Score}
	}
	return &Results{Candidates: candidates}, nil
}

// embedQuery produces the query vector, reporting failure instead of
// propagating it so the caller can degrade.
func (e *Engine) embedQuery(ctx context.Context, query string, mode Mode) ([]float32, bool) {
	if e.embedder == nil {
		e.logger.Warn("no embedding provider configured, degrading to keyword search", "mode", mode)
		return nil, false
	}
	if !e.store.VectorSearchAvailable() {
		e.logger.Warn("vector capability unavailable, degrading to keyword search", "mode", mode)
		return nil, false
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("query embedding failed, degrading to keyword search", "mode", mode, "err", err)
		return nil, false
	}
	return vec, true
}
