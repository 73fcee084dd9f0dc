package toolsurface

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
	"memora/internal/promote"
	"memora/internal/retrieve"
	"memora/internal/store"
	"memora/internal/write"
)

type fakeBackend struct {
	docs map[string]map[string]store.Document
}

func newFakeBackend() *fakeBackend { return &fakeBackend{docs: map[string]map[string]store.Document{}} }

func (f *fakeBackend) HealthCheck(context.Context) error         { return nil }
func (f *fakeBackend) EnsureIndex(context.Context, string) error { return nil }
func (f *fakeBackend) Index(_ context.Context, index string, doc store.Document) error {
	if f.docs[index] == nil {
		f.docs[index] = map[string]store.Document{}
	}
	f.docs[index][doc.ID] = doc
	return nil
}
func (f *fakeBackend) BulkIndex(ctx context.Context, index string, docs []store.Document) (store.BulkResult, error) {
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

func newTestDispatcher() *Dispatcher {
	backend := newFakeBackend()
	mgr := memctx.New()
	_ = mgr.Set(model.Context{TenantID: "t1", ProjectID: "p1", TaskID: "tk1"})

	wp := &write.Pipeline{
		Ctx: mgr, Backend: backend, Embedder: embedder.NewDeterministic(16, true, 0),
		Idempotency: idempotency.New(8, nil), Policy: config.PolicyFor(map[string]any{}),
		Now: func() time.Time { return time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC) },
	}
	rp := &retrieve.Pipeline{
		Ctx: mgr, Backend: backend, Embedder: embedder.NewDeterministic(16, true, 0),
		Policy: config.PolicyFor(map[string]any{}),
	}
	pp := &promote.Pipeline{Ctx: mgr, Backend: backend}

	return &Dispatcher{Ctx: mgr, Write: wp, Retrieve: rp, Promote: pp}
}

func TestDispatchWrite(t *testing.T) {
	d := newTestDispatcher()
	out, err := d.Dispatch(context.Background(), "memory.write", map[string]any{
		"content": "FeatureA introduced_in v1_0.", "tags": []any{"integration"},
	})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.True(t, m["ok"].(bool))
	assert.NotEmpty(t, m["event_id"])
}

func TestDispatchWriteMissingContent(t *testing.T) {
	d := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), "memory.write", map[string]any{})
	assert.Error(t, err)
}

func TestDispatchUnknownOperation(t *testing.T) {
	d := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), "memory.teleport", map[string]any{})
	assert.Error(t, err)
}

func TestDispatchContextLifecycle(t *testing.T) {
	d := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), "context.set_context", map[string]any{
		"tenant_id": "t2", "project_id": "p2",
	})
	require.NoError(t, err)

	out, err := d.Dispatch(context.Background(), "context.get_context", map[string]any{})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.True(t, m["ok"].(bool))

	_, err = d.Dispatch(context.Background(), "context.clear_context", map[string]any{})
	require.NoError(t, err)
}

func TestDispatchEnvelopeWrapped(t *testing.T) {
	d := newTestDispatcher()
	out, err := d.Dispatch(context.Background(), "memory.retrieve", map[string]any{
		"params": map[string]any{"objective": "FeatureA"},
	})
	require.NoError(t, err)
	_, ok := out.(map[string]any)
	assert.True(t, ok)
}
