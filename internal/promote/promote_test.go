package promote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/memctx"
	"memora/internal/model"
	"memora/internal/store"
)

type fakeBackend struct {
	updates   map[string]map[string]any
	candidates []store.SearchResult
}

func (f *fakeBackend) HealthCheck(context.Context) error                                  { return nil }
func (f *fakeBackend) EnsureIndex(context.Context, string) error                          { return nil }
func (f *fakeBackend) Index(context.Context, string, store.Document) error                { return nil }
func (f *fakeBackend) BulkIndex(context.Context, string, []store.Document) (store.BulkResult, error) {
	return store.BulkResult{}, nil
}
func (f *fakeBackend) Search(context.Context, string, store.Query) ([]store.SearchResult, error) {
	return f.candidates, nil
}
func (f *fakeBackend) VectorSearch(context.Context, string, []float32, store.Filter, int) ([]store.SearchResult, error) {
	return nil, nil
}
func (f *fakeBackend) UpdateByID(_ context.Context, _ string, id string, fields map[string]any) error {
	if f.updates == nil {
		f.updates = map[string]map[string]any{}
	}
	f.updates[id] = fields
	return nil
}
func (f *fakeBackend) DeleteByID(context.Context, string, string) error { return nil }

func TestPromoteStripsMemPrefix(t *testing.T) {
	backend := &fakeBackend{}
	p := &Pipeline{Backend: backend}
	res, err := p.Promote(context.Background(), "mem:abc123", model.ScopeTenant)
	require.NoError(t, err)
	assert.Equal(t, "mem:abc123", res.MemID)
	assert.Equal(t, model.ScopeTenant, res.Scope)
	assert.Equal(t, "tenant", backend.updates["abc123"]["task_scope"])
}

func TestPromoteRequiresMemID(t *testing.T) {
	p := &Pipeline{Backend: &fakeBackend{}}
	_, err := p.Promote(context.Background(), "", model.ScopeTenant)
	assert.Error(t, err)
}

func TestAutoPromoteSortsAndCapsLimit(t *testing.T) {
	backend := &fakeBackend{candidates: []store.SearchResult{
		{ID: "a", Fields: map[string]any{"last_used": float64(1), "salience": float64(0.2)}},
		{ID: "b", Fields: map[string]any{"last_used": float64(3), "salience": float64(0.9)}},
		{ID: "c", Fields: map[string]any{"last_used": float64(2), "salience": float64(0.5)}},
	}}
	mgr := memctx.New()
	_ = mgr.Set(model.Context{TenantID: "t1", ProjectID: "p1"})
	p := &Pipeline{Ctx: mgr, Backend: backend}

	results, err := p.AutoPromote(context.Background(), Request{ToScope: model.ScopeProject, Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "mem:b", results[0].MemID)
	assert.Equal(t, "mem:c", results[1].MemID)
	assert.Equal(t, "project", backend.updates["b"]["task_scope"])
}

func TestAutoPromoteRequiresContext(t *testing.T) {
	p := &Pipeline{Ctx: memctx.New(), Backend: &fakeBackend{}}
	_, err := p.AutoPromote(context.Background(), Request{ToScope: model.ScopeProject})
	assert.Error(t, err)
}
