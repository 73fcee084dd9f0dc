// Package embedder implements Memora's embedder client (§4.4): a batch of
// strings and a target dimension D go in, unit-normalized D-vectors come
// out. Two providers cascade on failure: a remote HTTP embedder, then a
// deterministic fallback that is always available. There is no
// store-side pipeline embedding provider.
package embedder

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/rs/zerolog"
)

// Embedder converts text to embedding vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
}

// Cascade tries providers in order, falling back to the next on error and
// logging a warning (§4.4: "Failures degrade to the next provider with a
// warning; the fallback is always available").
type Cascade struct {
	Providers []Embedder
	Log       zerolog.Logger
}

// New builds the standard cascade: remote HTTP, then deterministic
// fallback. Pass a nil remote to run deterministic-only (dev/test).
func New(remote Embedder, dim int, log zerolog.Logger) *Cascade {
	providers := []Embedder{}
	if remote != nil {
		providers = append(providers, remote)
	}
	providers = append(providers, NewDeterministic(dim, true, 0))
	return &Cascade{Providers: providers, Log: log}
}

func (c *Cascade) Name() string { return "cascade" }

func (c *Cascade) Dimension() int {
	if len(c.Providers) == 0 {
		return 0
	}
	return c.Providers[len(c.Providers)-1].Dimension()
}

// EmbedBatch tries each provider in order; L2-normalization is each
// provider's own responsibility, re-asserted here as a safety net.
func (c *Cascade) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for i, p := range c.Providers {
		vecs, err := p.EmbedBatch(ctx, texts)
		if err != nil {
			lastErr = err
			c.Log.Warn().Err(err).Str("provider", p.Name()).Int("attempt", i).Msg("embedder provider failed, falling back")
			continue
		}
		for _, v := range vecs {
			normalize(v)
		}
		return vecs, nil
	}
	return nil, lastErr
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// deterministicEmbedder is Memora's always-available local fallback: FNV-64a
// hashing of byte 3-grams into a fixed-size vector, optionally L2-normalized.
// Grounded on the teacher's internal/rag/embedder deterministic embedder.
type deterministicEmbedder struct {
	dim       int
	normalize bool
	seed      uint64
}

// NewDeterministic builds the dev/test fallback embedder.
func NewDeterministic(dim int, normalize bool, seed uint64) Embedder {
	if dim <= 0 {
		dim = 256
	}
	return &deterministicEmbedder{dim: dim, normalize: normalize, seed: seed}
}

func (d *deterministicEmbedder) Name() string   { return "deterministic" }
func (d *deterministicEmbedder) Dimension() int { return d.dim }

func (d *deterministicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *deterministicEmbedder) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	b := []byte(s)
	if len(b) == 0 {
		return v
	}
	if len(b) < 3 {
		addGram(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(d.seed, b[i:i+3], v)
		}
	}
	if d.normalize {
		normalize(v)
	}
	return v
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
