package write

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/config"
	"memora/internal/embedder"
	"memora/internal/idempotency"
	"memora/internal/memctx"
	"memora/internal/model"
	"memora/internal/store"
)

type fakeBackend struct {
	docs map[string]map[string]store.Document // index -> id -> doc
	bulk int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{docs: map[string]map[string]store.Document{}}
}

func (f *fakeBackend) HealthCheck(context.Context) error          { return nil }
func (f *fakeBackend) EnsureIndex(context.Context, string) error  { return nil }

func (f *fakeBackend) Index(_ context.Context, index string, doc store.Document) error {
	if f.docs[index] == nil {
		f.docs[index] = map[string]store.Document{}
	}
	f.docs[index][doc.ID] = doc
	return nil
}

func (f *fakeBackend) BulkIndex(ctx context.Context, index string, docs []store.Document) (store.BulkResult, error) {
	f.bulk++
	for _, d := range docs {
		_ = f.Index(ctx, index, d)
	}
	return store.BulkResult{Succeeded: len(docs)}, nil
}

func (f *fakeBackend) Search(context.Context, string, store.Query) ([]store.SearchResult, error) {
	return nil, nil
}
func (f *fakeBackend) VectorSearch(context.Context, string, []float32, store.Filter, int) ([]store.SearchResult, error) {
	return nil, nil
}
func (f *fakeBackend) UpdateByID(context.Context, string, string, map[string]any) error { return nil }
func (f *fakeBackend) DeleteByID(context.Context, string, string) error                 { return nil }

func newTestPipeline() (*Pipeline, *fakeBackend) {
	backend := newFakeBackend()
	mgr := memctx.New()
	_ = mgr.Set(model.Context{TenantID: "t1", ProjectID: "p1", TaskID: "tk1"})
	return &Pipeline{
		Ctx:         mgr,
		Backend:     backend,
		Embedder:    embedder.NewDeterministic(16, true, 0),
		Idempotency: idempotency.New(8, nil),
		Policy:      config.PolicyFor(map[string]any{}),
		Now:         func() time.Time { return time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC) },
	}, backend
}

func TestWriteRoundTrip(t *testing.T) {
	p, backend := newTestPipeline()
	res, err := p.Write(context.Background(), Request{
		Content: "FeatureA introduced_in v1_0 and requires EngineX.",
		Tags:    []string{"integration"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.EventID)
	assert.GreaterOrEqual(t, res.SemanticUpserts, 1)
	assert.GreaterOrEqual(t, res.FactsUpserts, 1)

	episodic := backend.docs["episodic-2024-01-10"]
	require.Len(t, episodic, 1)
	for _, doc := range episodic {
		assert.Contains(t, doc.Text, "FeatureA")
	}
}

func TestWriteIdempotentKeySuppressesDerivedUpserts(t *testing.T) {
	p, backend := newTestPipeline()
	r1, err := p.Write(context.Background(), Request{Content: "A", IdempotencyKey: "idem-1"})
	require.NoError(t, err)

	bulkBefore := backend.bulk
	r2, err := p.Write(context.Background(), Request{Content: "B", IdempotencyKey: "idem-1"})
	require.NoError(t, err)

	assert.NotEqual(t, r1.EventID, r2.EventID)
	assert.Equal(t, r1.SemanticUpserts, r2.SemanticUpserts)
	assert.Equal(t, r1.FactsUpserts, r2.FactsUpserts)
	assert.Equal(t, bulkBefore, backend.bulk, "no new bulk upsert observed on duplicate key")

	assert.Len(t, backend.docs["episodic-2024-01-10"], 2, "episodic appends still occur on duplicate keys")
}

func TestWriteIfSalientBelowThreshold(t *testing.T) {
	p, _ := newTestPipeline()
	res, err := p.WriteIfSalient(context.Background(), Request{Content: "  "})
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.Equal(t, "below_threshold", res.Reason)
}

func TestWriteIfSalientDelegatesWhenSalient(t *testing.T) {
	p, _ := newTestPipeline()
	res, err := p.WriteIfSalient(context.Background(), Request{
		Content: "Traceback (most recent call last):\n  at foo.bar()\npanic: nil pointer dereference in handler.go",
	})
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.NotEmpty(t, res.EventID)
}
