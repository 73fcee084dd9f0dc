package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/config"
	"memora/internal/embedder"
	"memora/internal/memctx"
	"memora/internal/model"
	"memora/internal/store"
)

type fakeBackend struct {
	episodic []store.SearchResult
	episodicCalls int
	semantic []store.SearchResult
	facts    []store.SearchResult
}

func (f *fakeBackend) HealthCheck(context.Context) error         { return nil }
func (f *fakeBackend) EnsureIndex(context.Context, string) error { return nil }
func (f *fakeBackend) Index(context.Context, string, store.Document) error { return nil }
func (f *fakeBackend) BulkIndex(context.Context, string, []store.Document) (store.BulkResult, error) {
	return store.BulkResult{}, nil
}

func (f *fakeBackend) Search(_ context.Context, index string, q store.Query) ([]store.SearchResult, error) {
	if index == "facts" {
		return f.facts, nil
	}
	f.episodicCalls++
	return f.episodic, nil
}

func (f *fakeBackend) VectorSearch(context.Context, string, []float32, store.Filter, int) ([]store.SearchResult, error) {
	return f.semantic, nil
}

func (f *fakeBackend) UpdateByID(context.Context, string, string, map[string]any) error { return nil }
func (f *fakeBackend) DeleteByID(context.Context, string, string) error                 { return nil }

func newTestPipeline(backend *fakeBackend) *Pipeline {
	mgr := memctx.New()
	_ = mgr.Set(model.Context{TenantID: "t1", ProjectID: "p1", TaskID: "tk1"})
	return &Pipeline{
		Ctx:      mgr,
		Backend:  backend,
		Embedder: embedder.NewDeterministic(16, true, 0),
		Policy:   config.PolicyFor(map[string]any{}),
	}
}

func TestRetrieveFusesAllThreeSources(t *testing.T) {
	backend := &fakeBackend{
		episodic: []store.SearchResult{{ID: "e1", Text: "episodic hit", Score: 5}},
		semantic: []store.SearchResult{{ID: "s1", Text: "semantic hit", Score: 0.9}},
		facts:    []store.SearchResult{{ID: "f1", Text: "Foo requires Bar", Score: 3}},
	}
	p := newTestPipeline(backend)

	resp, err := p.Retrieve(context.Background(), Request{Objective: "what does Foo require", Budget: 5})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Snippets)

	var sources []model.Source
	for _, h := range resp.Snippets {
		sources = append(sources, h.Source)
	}
	assert.Contains(t, sources, model.SourceEpisodic)
	assert.Contains(t, sources, model.SourceSemantic)
	assert.Contains(t, sources, model.SourceFacts)
}

func TestEpisodicFallsBackWhenPrimaryEmpty(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPipeline(backend)

	hits := p.episodicStage(context.Background(), "anything", store.Filter{}, episodicOptions{})
	assert.Empty(t, hits)
	// primary + F1 + F2, all empty, so 3 calls total.
	assert.Equal(t, 3, backend.episodicCalls)
}

func TestClassifyTemporalDetectsMonthYear(t *testing.T) {
	temporal, dr, _ := classifyTemporal("what happened in March 2024")
	assert.True(t, temporal)
	require.NotNil(t, dr)
	assert.Equal(t, "2024-03-01", dr.GTE)
}

func TestClassifyTemporalNonTemporalObjective(t *testing.T) {
	temporal, dr, extraShould := classifyTemporal("what is the retry backoff policy")
	assert.False(t, temporal)
	assert.Nil(t, dr)
	assert.Empty(t, extraShould)
}

func TestClassifyTemporalDateShouldClause(t *testing.T) {
	temporal, _, extraShould := classifyTemporal("How many days between January 5 and January 15?")
	assert.True(t, temporal)
	assert.Contains(t, extraShould, "jan")
	assert.Contains(t, extraShould, "5")
	assert.Contains(t, extraShould, "05")
	assert.Contains(t, extraShould, "01/15")
}

func TestMinimumShouldMatchSkippedForTemporal(t *testing.T) {
	p := newTestPipeline(&fakeBackend{})
	got := p.minimumShouldMatch("four or more query terms here", true)
	assert.Empty(t, got)
}

func TestBuildFilterDefaultsScopes(t *testing.T) {
	p := newTestPipeline(&fakeBackend{})
	memCtx := model.Context{TenantID: "t1", ProjectID: "p1"}
	f := p.buildFilter(memCtx, Request{})
	assert.ElementsMatch(t, []string{"this_task", "project"}, f.Scopes)
	assert.Contains(t, f.ExcludeTags, "secret")
}

func TestToHitsHydratesTagsAndEmbeddingFromSearchResult(t *testing.T) {
	res := []store.SearchResult{
		{ID: "m1", Text: "hit", Score: 1, Tags: []string{"alpha", "beta"}, Embedding: []float32{0.1, 0.2}},
	}
	hits := toHits(res, model.SourceSemantic, "mem:")
	require.Len(t, hits, 1)
	assert.Equal(t, []string{"alpha", "beta"}, hits[0].Tags)
	assert.Equal(t, []float32{0.1, 0.2}, hits[0].Embedding())
}

// neighborBackend adds NeighborLookup to fakeBackend for the graph-expand test.
type neighborBackend struct {
	fakeBackend
	neighbors []store.SearchResult
	calls     int
}

func (n *neighborBackend) Neighbors(_ context.Context, _ string, sourceEventIDs []string, exclude string, limit int) ([]store.SearchResult, error) {
	n.calls++
	return n.neighbors, nil
}

func TestGraphExpandAddsNeighborsWhenEnabled(t *testing.T) {
	backend := &neighborBackend{
		neighbors: []store.SearchResult{{ID: "m2", Text: "sibling chunk", Score: 0.5}},
	}
	p := newTestPipeline(&backend.fakeBackend)
	p.Backend = backend
	p.Policy = config.PolicyFor(map[string]any{"graph": map[string]any{"enabled": true, "top_n": 5}})

	seed := model.Hit{ID: "mem:m1", Source: model.SourceSemantic, Score: 1.0, Meta: map[string]any{"source_event_ids": []string{"evt1"}}}
	out := p.graphExpand(context.Background(), []model.Hit{seed})

	require.Len(t, out, 2)
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, "mem:m2", out[1].ID)
	assert.InDelta(t, 1.01, out[1].Score, 1e-9)
}
