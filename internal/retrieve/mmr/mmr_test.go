package mmr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/model"
)

func hitWithEmbedding(id string, score float64, tag string, emb []float32) model.Hit {
	return model.Hit{
		ID: id, Score: score, Tags: []string{tag},
		Meta: map[string]any{"embedding": emb},
	}
}

func TestMMRScenarioFromSpec(t *testing.T) {
	candidates := []model.Hit{
		hitWithEmbedding("a1", 4, "error", []float32{1, 0, 0, 0, 0}),
		hitWithEmbedding("a2", 3, "error", []float32{0.98, 0.01, 0, 0, 0}),
		hitWithEmbedding("b1", 2, "design", []float32{0, 1, 0, 0, 0}),
		hitWithEmbedding("c1", 1, "error", []float32{0, 0, 1, 0, 0}),
	}
	out := Select(candidates, Options{K: 3, Lambda: 0.7, MinDistance: 0.2, MaxPerTag: 2})
	require.Len(t, out, 3)

	ids := map[string]bool{}
	for i, h := range out {
		ids[h.ID] = true
		_ = i
	}
	assert.True(t, ids["a1"])
	assert.True(t, ids["b1"])

	a1pos, a2pos, b1pos := -1, -1, -1
	for i, h := range out {
		switch h.ID {
		case "a1":
			a1pos = i
		case "a2":
			a2pos = i
		case "b1":
			b1pos = i
		}
	}
	if a2pos != -1 {
		assert.False(t, a1pos < b1pos && a2pos < b1pos, "a1 and a2 should not both precede b1")
	}
}

func TestMaxPerTagEnforced(t *testing.T) {
	var candidates []model.Hit
	for i := 0; i < 6; i++ {
		candidates = append(candidates, model.Hit{ID: string(rune('a' + i)), Score: float64(6 - i), Tags: []string{"same"}})
	}
	out := Select(candidates, Options{K: 6, MaxPerTag: 3})
	count := 0
	for _, h := range out {
		for _, t := range h.Tags {
			if t == "same" {
				count++
			}
		}
	}
	assert.LessOrEqual(t, count, 3)
}

func TestNoEmbeddingNoveltyIsOne(t *testing.T) {
	candidates := []model.Hit{
		{ID: "a", Score: 5, Tags: []string{"x"}},
		{ID: "b", Score: 4, Tags: []string{"y"}},
	}
	out := Select(candidates, Options{K: 2})
	assert.Len(t, out, 2)
}
