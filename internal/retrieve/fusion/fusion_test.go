package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/model"
)

func rankedHits(ids ...string) []model.Hit {
	out := make([]model.Hit, len(ids))
	for i, id := range ids {
		out[i] = model.Hit{ID: id, Rank: i + 1, Score: float64(len(ids) - i)}
	}
	return out
}

func TestRRFScoreFormula(t *testing.T) {
	episodic := []model.Hit{{ID: "a", Rank: 1, Score: 5}, {ID: "b", Rank: 2, Score: 4}}
	semantic := []model.Hit{{ID: "b", Rank: 1, Score: 0.5}, {ID: "c", Rank: 2, Score: 0.3}}

	out := RRF(60, episodic, semantic)
	byID := map[string]model.Hit{}
	for _, h := range out {
		byID[h.ID] = h
	}
	require.Contains(t, byID, "a")
	require.Contains(t, byID, "b")
	require.Contains(t, byID, "c")

	wantB := 1.0/62 + 1.0/61
	assert.InDelta(t, wantB, byID["b"].Score, 1e-9)
	assert.Equal(t, "b", out[0].ID, "b appears in both lists and should rank first")
}

func TestRRFSortNonIncreasing(t *testing.T) {
	out := RRF(60, rankedHits("a", "b", "c"), rankedHits("c", "d"))
	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i-1].Score, out[i].Score)
	}
}

func TestDedupeSingleHitWithUnionTags(t *testing.T) {
	a := []model.Hit{{ID: "x", Rank: 1, Score: 1, Tags: []string{"one"}}}
	b := []model.Hit{{ID: "x", Rank: 1, Score: 1, Tags: []string{"two"}}}
	out := RRF(60, a, b)
	require.Len(t, out, 1)
	assert.ElementsMatch(t, []string{"one", "two"}, out[0].Tags)
}

func TestNormalizeReassignsRank(t *testing.T) {
	hits := []model.Hit{{ID: "a", Score: 10}, {ID: "b", Score: 4}, {ID: "c", Score: 2}}
	out := Normalize(hits)
	assert.Equal(t, 1, out[0].Rank)
	assert.Equal(t, 2, out[1].Rank)
	assert.Equal(t, 3, out[2].Rank)
}
