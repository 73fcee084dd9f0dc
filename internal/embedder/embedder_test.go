package embedder

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicDimensionAndNorm(t *testing.T) {
	e := NewDeterministic(32, true, 0)
	vecs, err := e.EmbedBatch(context.Background(), []string{"hello world", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 32)

	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	assert.InDelta(t, 1.0, norm, 0.01)
}

func TestDeterministicIsStable(t *testing.T) {
	e := NewDeterministic(16, true, 7)
	a, _ := e.EmbedBatch(context.Background(), []string{"FeatureA introduced_in v1_0"})
	b, _ := e.EmbedBatch(context.Background(), []string{"FeatureA introduced_in v1_0"})
	assert.Equal(t, a, b)
}

type failingEmbedder struct{}

func (failingEmbedder) Name() string   { return "failing" }
func (failingEmbedder) Dimension() int { return 8 }
func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("boom")
}

func TestCascadeFallsBackToDeterministic(t *testing.T) {
	c := &Cascade{Providers: []Embedder{failingEmbedder{}, NewDeterministic(8, true, 0)}}
	vecs, err := c.EmbedBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Len(t, vecs[0], 8)
}

func TestCascadeAllFail(t *testing.T) {
	c := &Cascade{Providers: []Embedder{failingEmbedder{}}}
	_, err := c.EmbedBatch(context.Background(), []string{"x"})
	assert.Error(t, err)
}
