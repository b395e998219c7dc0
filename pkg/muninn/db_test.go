package muninn

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/storage"
)

const testDims = 4

// countingEmbedder returns canned vectors and counts texts embedded.
type countingEmbedder struct {
	vectors  map[string][]float32
	embedded []string
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embedded = append(c.embedded, text)
	if vec, ok := c.vectors[text]; ok {
		return vec, nil
	}
	return []float32{1, 0, 0, 0}, nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (c *countingEmbedder) Dimensions() int { return testDims }
func (c *countingEmbedder) Model() string   { return "fake" }

func newTestManager(t *testing.T) (*Manager, *countingEmbedder) {
	t.Helper()
	store, err := storage.OpenBadger(storage.BadgerOptions{InMemory: true, Dimensions: testDims})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	embedder := &countingEmbedder{vectors: map[string][]float32{}}
	return New(store, embedder, Options{}), embedder
}

func TestCreateEntities(t *testing.T) {
	ctx := context.Background()
	mgr, embedder := newTestManager(t)

	created, err := mgr.CreateEntities(ctx, []EntityInput{
		{Name: "Alice", EntityType: "person", Observations: []string{"likes coffee"}},
		{Name: "Bob", EntityType: "person"},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.True(t, created[0].Created)
	assert.Equal(t, []string{"likes coffee"}, created[0].AddedObservations)
	assert.True(t, created[1].Created)
	assert.Equal(t, []string{"likes coffee"}, embedder.embedded)

	t.Run("existing entity is untouched but observations flow", func(t *testing.T) {
		again, err := mgr.CreateEntities(ctx, []EntityInput{
			{Name: "Alice", EntityType: "robot", Observations: []string{"likes coffee", "likes tea"}},
		})
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.False(t, again[0].Created)
		assert.Equal(t, []string{"likes tea"}, again[0].AddedObservations)

		graph, err := mgr.OpenNodes(ctx, []string{"Alice"})
		require.NoError(t, err)
		require.Len(t, graph.Entities, 1)
		assert.Equal(t, "person", graph.Entities[0].EntityType, "type is never overwritten")
	})
}

func TestAddObservationsEmbedsOnlyNewContent(t *testing.T) {
	ctx := context.Background()
	mgr, embedder := newTestManager(t)

	added, err := mgr.AddObservations(ctx, []ObservationInput{
		{EntityName: "Project X", Contents: []string{"uses Go", "ships quarterly"}},
	})
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, []string{"uses Go", "ships quarterly"}, added[0].Added)
	assert.Len(t, embedder.embedded, 2)

	// resubmitting one known and one new content embeds only the new one
	added, err = mgr.AddObservations(ctx, []ObservationInput{
		{EntityName: "Project X", Contents: []string{"uses Go", "has three maintainers"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"has three maintainers"}, added[0].Added)
	assert.Len(t, embedder.embedded, 3, "known content is never re-embedded")

	t.Run("auto-created entity gets the default type", func(t *testing.T) {
		graph, err := mgr.OpenNodes(ctx, []string{"Project X"})
		require.NoError(t, err)
		require.Len(t, graph.Entities, 1)
		assert.Equal(t, storage.DefaultEntityType, graph.Entities[0].EntityType)
	})
}

func TestCreateRelations(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	created, err := mgr.CreateRelations(ctx, []RelationInput{
		{From: "A", To: "B", RelationType: "knows"},
		{From: "A", To: "B", RelationType: "knows"},
	})
	require.NoError(t, err)
	assert.Len(t, created, 1, "duplicate triple reported once")

	created, err = mgr.CreateRelations(ctx, []RelationInput{
		{From: "A", To: "B", RelationType: "knows"},
	})
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestSearchNodesScenarioA(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	_, err := mgr.CreateEntities(ctx, []EntityInput{
		{Name: "Alpha Entity", EntityType: "concept", Observations: []string{"Alpha insight is stored here"}},
		{Name: "Noise Entity", EntityType: "concept", Observations: []string{"unrelated content"}},
	})
	require.NoError(t, err)

	resp, err := mgr.SearchNodes(ctx, SearchRequest{Query: "Alpha", Mode: search.ModeKeyword})
	require.NoError(t, err)
	require.Len(t, resp.Graph.Entities, 1)
	assert.Equal(t, "Alpha Entity", resp.Graph.Entities[0].Name)
}

func TestSearchNodesScenarioB(t *testing.T) {
	ctx := context.Background()
	mgr, embedder := newTestManager(t)
	embedder.vectors["close to the query"] = []float32{1, 0, 0, 0}
	embedder.vectors["far from the query"] = []float32{0, 0, 1, 0}
	embedder.vectors["Beta signal"] = []float32{0.99, 0.1, 0, 0}

	_, err := mgr.CreateEntities(ctx, []EntityInput{
		{Name: "Beta Entity", EntityType: "concept", Observations: []string{"close to the query"}},
		{Name: "Gamma Entity", EntityType: "concept", Observations: []string{"far from the query"}},
	})
	require.NoError(t, err)

	resp, err := mgr.SearchNodes(ctx, SearchRequest{
		Query:     "Beta signal",
		Mode:      search.ModeSemantic,
		TopK:      3,
		Threshold: 0.9,
	})
	require.NoError(t, err)
	require.Len(t, resp.Graph.Entities, 1)
	assert.Equal(t, "Beta Entity", resp.Graph.Entities[0].Name)
	assert.False(t, resp.Degraded)
}

func TestSearchNodesRankedHydrationOrder(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	_, err := mgr.CreateEntities(ctx, []EntityInput{
		{Name: "Aardvark Widget", EntityType: "concept", Observations: []string{"widget background"}},
		{Name: "Zebra Widget", EntityType: "concept", Observations: []string{"widget background"}},
	})
	require.NoError(t, err)
	result, err := mgr.SetImportance(ctx, "Zebra Widget", storage.ImportanceCritical)
	require.NoError(t, err)
	require.True(t, result.Success)

	resp, err := mgr.SearchNodes(ctx, SearchRequest{
		Query:               "widget",
		Mode:                search.ModeKeyword,
		IncludeScoreDetails: true,
	})
	require.NoError(t, err)

	// the critical entity outranks the alphabetically-earlier one, and the
	// hydrated graph lists entities in that rank order, not name order
	require.Len(t, resp.Scores, 2)
	require.Len(t, resp.Graph.Entities, 2)
	assert.Equal(t, "Zebra Widget", resp.Scores[0].Name)
	for i, score := range resp.Scores {
		assert.Equal(t, score.Name, resp.Graph.Entities[i].Name)
	}
}

func TestSearchNodesTopKAppliedAfterScoring(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	inputs := []EntityInput{
		{Name: "Keystone", EntityType: "concept", Observations: []string{"common ground"}},
	}
	for i := 0; i < 11; i++ {
		inputs = append(inputs, EntityInput{
			Name:         fmt.Sprintf("Filler %02d", i),
			EntityType:   "concept",
			Observations: []string{"common ground"},
		})
	}
	_, err := mgr.CreateEntities(ctx, inputs)
	require.NoError(t, err)
	result, err := mgr.SetImportance(ctx, "Keystone", storage.ImportanceCritical)
	require.NoError(t, err)
	require.True(t, result.Success)

	// every keyword match is scored before the cut, so the one critical
	// entity makes the cut no matter where it sits in the candidate pool
	resp, err := mgr.SearchNodes(ctx, SearchRequest{Query: "common", Mode: search.ModeKeyword, TopK: 5})
	require.NoError(t, err)
	require.Len(t, resp.Graph.Entities, 5)
	assert.Equal(t, "Keystone", resp.Graph.Entities[0].Name)
}

func TestSearchNodesUpdatesAccessStats(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	_, err := mgr.CreateEntities(ctx, []EntityInput{
		{Name: "Tracked", EntityType: "concept", Observations: []string{"findable fact"}},
	})
	require.NoError(t, err)

	// raw reads never write access telemetry
	_, err = mgr.OpenNodes(ctx, []string{"Tracked"})
	require.NoError(t, err)
	_, err = mgr.ReadGraph(ctx)
	require.NoError(t, err)

	id, err := mgr.Store().GetEntityID(ctx, "Tracked")
	require.NoError(t, err)
	facts, err := mgr.Store().FetchEntitiesWithDetails(ctx, []storage.EntityID{id})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Zero(t, facts[0].AccessCount)

	_, err = mgr.SearchNodes(ctx, SearchRequest{Query: "findable", Mode: search.ModeKeyword})
	require.NoError(t, err)

	facts, err = mgr.Store().FetchEntitiesWithDetails(ctx, []storage.EntityID{id})
	require.NoError(t, err)
	assert.Equal(t, int64(1), facts[0].AccessCount)
}

func TestSearchNodesEmptyAndNoMatch(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	for _, query := range []string{"", "no such thing"} {
		resp, err := mgr.SearchNodes(ctx, SearchRequest{Query: query, Mode: search.ModeKeyword})
		require.NoError(t, err)
		assert.NotNil(t, resp.Graph)
		assert.Empty(t, resp.Graph.Entities)
		assert.Empty(t, resp.Graph.Relations)
	}
}

func TestSearchNodesScoreDetails(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	_, err := mgr.CreateEntities(ctx, []EntityInput{
		{Name: "Detailed", EntityType: "concept", Observations: []string{"scored fact"}},
	})
	require.NoError(t, err)

	resp, err := mgr.SearchNodes(ctx, SearchRequest{
		Query:               "scored",
		Mode:                search.ModeKeyword,
		IncludeScoreDetails: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Scores, 1)
	assert.Equal(t, "Detailed", resp.Scores[0].Name)
	assert.NotZero(t, resp.Scores[0].FinalScore)
	assert.NotZero(t, resp.Scores[0].Components.Temporal)

	t.Run("omitted by default", func(t *testing.T) {
		resp, err := mgr.SearchNodes(ctx, SearchRequest{Query: "scored", Mode: search.ModeKeyword})
		require.NoError(t, err)
		assert.Empty(t, resp.Scores)
	})
}

func TestSetImportanceScenarioD(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	t.Run("unknown entity is a structured failure", func(t *testing.T) {
		result, err := mgr.SetImportance(ctx, "Nobody", storage.ImportanceCritical)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "Nobody")
	})

	t.Run("invalid level is an error", func(t *testing.T) {
		_, err := mgr.SetImportance(ctx, "Nobody", "urgent")
		assert.ErrorIs(t, err, storage.ErrInvalidArgument)
	})

	t.Run("existing entity succeeds and scoring reflects it", func(t *testing.T) {
		_, err := mgr.CreateEntities(ctx, []EntityInput{
			{Name: "Vital", EntityType: "concept", Observations: []string{"vital fact"}},
		})
		require.NoError(t, err)

		result, err := mgr.SetImportance(ctx, "Vital", storage.ImportanceCritical)
		require.NoError(t, err)
		assert.True(t, result.Success)

		resp, err := mgr.SearchNodes(ctx, SearchRequest{
			Query:               "vital",
			Mode:                search.ModeKeyword,
			IncludeScoreDetails: true,
		})
		require.NoError(t, err)
		require.Len(t, resp.Scores, 1)
		assert.Equal(t, 2.0, resp.Scores[0].Components.Importance)
	})
}

func TestAddTags(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	result, err := mgr.AddTags(ctx, "Nobody", []string{"x"})
	require.NoError(t, err)
	assert.False(t, result.Success)

	_, err = mgr.CreateEntities(ctx, []EntityInput{
		{Name: "Tagged", EntityType: "concept", Observations: []string{"fact"}},
	})
	require.NoError(t, err)

	result, err = mgr.AddTags(ctx, "Tagged", []string{"work", "go"})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestDeleteOperations(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	_, err := mgr.CreateEntities(ctx, []EntityInput{
		{Name: "A", EntityType: "concept", Observations: []string{"fact one", "fact two"}},
		{Name: "B", EntityType: "concept"},
	})
	require.NoError(t, err)
	_, err = mgr.CreateRelations(ctx, []RelationInput{{From: "A", To: "B", RelationType: "knows"}})
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteObservations(ctx, []storage.ObservationDeletion{
		{EntityName: "A", Contents: []string{"fact two"}},
	}))
	require.NoError(t, mgr.DeleteRelations(ctx, []storage.RelationSpec{
		{From: "A", To: "B", RelationType: "knows"},
	}))
	require.NoError(t, mgr.DeleteEntities(ctx, []string{"B"}))

	graph, err := mgr.ReadGraph(ctx)
	require.NoError(t, err)
	require.Len(t, graph.Entities, 1)
	assert.Equal(t, "A", graph.Entities[0].Name)
	assert.Equal(t, []string{"fact one"}, graph.Entities[0].Observations)
	assert.Empty(t, graph.Relations)
}
