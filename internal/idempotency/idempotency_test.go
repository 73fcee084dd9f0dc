package idempotency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/model"
)

type memLedger struct {
	data map[string]model.IdempotencyRecord
	puts int
}

func newMemLedger() *memLedger { return &memLedger{data: map[string]model.IdempotencyRecord{}} }

func (m *memLedger) Get(_ context.Context, key string) (model.IdempotencyRecord, bool, error) {
	rec, ok := m.data[key]
	return rec, ok, nil
}

func (m *memLedger) Put(_ context.Context, rec model.IdempotencyRecord) error {
	m.puts++
	m.data[rec.Key] = rec
	return nil
}

func TestKeyIsDeterministic(t *testing.T) {
	k1 := Key("t1", "p1", "", "tk1", "idem-1")
	k2 := Key("t1", "p1", "", "tk1", "idem-1")
	k3 := Key("t1", "p1", "", "tk1", "idem-2")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestCacheHitAvoidsLedgerOnSecondLookup(t *testing.T) {
	ledger := newMemLedger()
	c := New(8, ledger)
	key := Key("t1", "p1", "", "", "idem-1")
	rec := model.IdempotencyRecord{Key: key, Result: model.WriteSummary{EventID: "e1", SemanticUpserts: 1}}
	c.Record(context.Background(), rec)
	require.Equal(t, 1, ledger.puts)

	got, ok := c.Lookup(context.Background(), key)
	assert.True(t, ok)
	assert.Equal(t, "e1", got.Result.EventID)
}

func TestCacheFallsThroughToLedgerOnMiss(t *testing.T) {
	ledger := newMemLedger()
	key := Key("t1", "p1", "", "", "idem-2")
	ledger.data[key] = model.IdempotencyRecord{Key: key, Result: model.WriteSummary{EventID: "e2"}}

	c := New(8, ledger)
	got, ok := c.Lookup(context.Background(), key)
	assert.True(t, ok)
	assert.Equal(t, "e2", got.Result.EventID)
}

func TestCacheEvictsLRU(t *testing.T) {
	c := New(2, nil)
	ctx := context.Background()
	c.Record(ctx, model.IdempotencyRecord{Key: "a"})
	c.Record(ctx, model.IdempotencyRecord{Key: "b"})
	c.Record(ctx, model.IdempotencyRecord{Key: "c"})

	_, ok := c.Lookup(ctx, "a")
	assert.False(t, ok, "a should have been evicted")
	_, ok = c.Lookup(ctx, "c")
	assert.True(t, ok)
}
