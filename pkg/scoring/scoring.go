// Package scoring implements multi-factor relevance scoring for memory
// retrieval.
//
// A raw search match says how well an entity matches the query; relevance
// says how much it matters right now. The scorer folds four signals into one
// weighted score:
//
//   - Temporal: recently touched memories decay slower (exponential
//     half-life decay with a short-window recency boost)
//   - Popularity: frequently accessed memories rank higher (logarithmic, so
//     the thousandth access matters far less than the tenth)
//   - Contextual: memories close to the current working set in the graph
//     rank higher (graph-distance proximity)
//   - Importance: user-assigned tiers override organic signals
//
// Scoring is a pure function of its inputs. Access-statistic side effects
// belong to the caller after ranking, never to the scorer.
package scoring

import (
	"math"
	"time"

	"github.com/orneryd/muninn/pkg/storage"
)

// Temporal decay parameters.
const (
	// HalfLifeDays halves a memory's temporal score every 30 days idle.
	HalfLifeDays = 30.0

	// RecencyThresholdDays is the window in which the recency boost applies.
	RecencyThresholdDays = 7.0

	// RecencyBoost multiplies the decay score inside the recency window and
	// caps the boosted result.
	RecencyBoost = 1.2
)

// Popularity parameters.
const (
	popularityBase  = 1.0
	popularityScale = 0.1
)

// Contextual proximity parameters.
const (
	// ContextNearWeight is the score at graph distance 0 (the entity is in
	// the current working set).
	ContextNearWeight = 1.5

	contextDecayRate = 0.2
	contextFloor     = 0.5

	// ContextMaxDistance is the farthest hop count that still counts as
	// proximate. Beyond it the component is neutral.
	ContextMaxDistance = 3
)

// DistanceUnknown marks an entity with no known graph distance to the
// current working set; the contextual component stays neutral.
const DistanceUnknown = -1

// importanceWeights is the categorical importance lookup.
var importanceWeights = map[storage.Importance]float64{
	storage.ImportanceCritical:   2.0,
	storage.ImportanceImportant:  1.5,
	storage.ImportanceNormal:     1.0,
	storage.ImportanceTemporary:  0.7,
	storage.ImportanceDeprecated: 0.3,
}

// Weights is a scoring profile: the blend of the four components.
// Pointer fields distinguish "not set" from zero so a custom profile can
// override a single weight and inherit the rest of the defaults.
type Weights struct {
	Temporal   *float64 `yaml:"temporal" json:"temporal,omitempty"`
	Popularity *float64 `yaml:"popularity" json:"popularity,omitempty"`
	Contextual *float64 `yaml:"contextual" json:"contextual,omitempty"`
	Importance *float64 `yaml:"importance" json:"importance,omitempty"`
}

// resolved is a fully-populated weight set.
type resolved struct {
	temporal   float64
	popularity float64
	contextual float64
	importance float64
}

var defaultWeights = resolved{temporal: 0.4, popularity: 0.2, contextual: 0.2, importance: 0.2}

// Named profiles. Each emphasizes one signal while keeping the others alive.
var profiles = map[string]resolved{
	"default":   defaultWeights,
	"recency":   {temporal: 0.6, popularity: 0.15, contextual: 0.1, importance: 0.15},
	"frequency": {temporal: 0.2, popularity: 0.5, contextual: 0.1, importance: 0.2},
	"context":   {temporal: 0.2, popularity: 0.1, contextual: 0.5, importance: 0.2},
}

// ProfileNames returns the available named profiles.
func ProfileNames() []string {
	return []string{"default", "recency", "frequency", "context"}
}

// Profile selects the weight blend for a scoring run: a named preset,
// optionally overridden field-by-field by Custom.
type Profile struct {
	// Name of a preset ("default", "recency", "frequency", "context").
	// Empty or unknown falls back to "default".
	Name string

	// Custom overrides individual preset weights. Nil fields inherit.
	Custom *Weights
}

func (p Profile) resolve() resolved {
	base, ok := profiles[p.Name]
	if !ok {
		base = defaultWeights
	}
	if p.Custom != nil {
		if p.Custom.Temporal != nil {
			base.temporal = *p.Custom.Temporal
		}
		if p.Custom.Popularity != nil {
			base.popularity = *p.Custom.Popularity
		}
		if p.Custom.Contextual != nil {
			base.contextual = *p.Custom.Contextual
		}
		if p.Custom.Importance != nil {
			base.importance = *p.Custom.Importance
		}
	}
	return base
}

// Components holds the individual factor scores behind a final score,
// surfaced when a caller asks for score details.
type Components struct {
	Temporal   float64 `json:"temporal"`
	Popularity float64 `json:"popularity"`
	Contextual float64 `json:"contextual"`
	Importance float64 `json:"importance"`
}

// Result pairs the weighted final score with its components.
type Result struct {
	FinalScore float64    `json:"finalScore"`
	Components Components `json:"components"`
}

// Score computes the weighted relevance of one entity.
//
// distance is the undirected graph hop count from the current working set,
// or DistanceUnknown. now anchors the temporal component so a ranked batch
// is scored against a single instant.
func Score(facts storage.EntityFacts, distance int, profile Profile, now time.Time) Result {
	c := Components{
		Temporal:   TemporalScore(facts.CreatedAt, facts.LastAccessed, now),
		Popularity: PopularityScore(facts.AccessCount),
		Contextual: ContextualScore(distance),
		Importance: ImportanceScore(facts.Importance),
	}

	w := profile.resolve()
	final := w.temporal*c.Temporal +
		w.popularity*c.Popularity +
		w.contextual*c.Contextual +
		w.importance*c.Importance

	return Result{FinalScore: final, Components: c}
}

// TemporalScore computes exponential half-life decay over the days since the
// entity was last touched (created or accessed, whichever is later), with a
// boost when the last access falls inside the recency window. The boosted
// score is clamped to RecencyBoost. Missing or future dates are neutral.
func TemporalScore(createdAt time.Time, lastAccessed *time.Time, now time.Time) float64 {
	touched := createdAt
	if lastAccessed != nil && lastAccessed.After(touched) {
		touched = *lastAccessed
	}
	if touched.IsZero() {
		return 1.0
	}

	ageDays := now.Sub(touched).Hours() / 24
	if ageDays < 0 {
		return 1.0
	}

	score := math.Exp(-math.Ln2 * ageDays / HalfLifeDays)

	if lastAccessed != nil {
		accessAgeDays := now.Sub(*lastAccessed).Hours() / 24
		if accessAgeDays >= 0 && accessAgeDays <= RecencyThresholdDays {
			score *= RecencyBoost
		}
	}

	if score > RecencyBoost {
		score = RecencyBoost
	}
	return score
}

// PopularityScore grows logarithmically with access count so heavy access
// saturates instead of dominating. Non-positive counts score the base.
func PopularityScore(accessCount int64) float64 {
	if accessCount <= 0 {
		return popularityBase
	}
	return popularityBase + math.Log10(1+float64(accessCount))*popularityScale
}

// ContextualScore rewards graph proximity to the current working set:
// ContextNearWeight at distance 0, decaying linearly per hop with a floor,
// neutral beyond ContextMaxDistance or when the distance is unknown.
func ContextualScore(distance int) float64 {
	switch {
	case distance == 0:
		return ContextNearWeight
	case distance < 0, distance > ContextMaxDistance:
		return 1.0
	default:
		score := ContextNearWeight - float64(distance)*contextDecayRate
		if score < contextFloor {
			score = contextFloor
		}
		return score
	}
}

// ImportanceScore maps the user-assigned tier to its weight. Unknown or
// empty tiers score as normal.
func ImportanceScore(level storage.Importance) float64 {
	if w, ok := importanceWeights[level]; ok {
		return w
	}
	return importanceWeights[storage.ImportanceNormal]
}
