// Package mmr implements Memora's maximal-marginal-relevance diversification
// (§4.9): greedily select up to k items maximizing
// λ·relevance + (1-λ)·novelty, where novelty is 1 minus the clamped max
// cosine similarity to any already-selected item, subject to a per-tag cap.
package mmr

import (
	"math"

	"memora/internal/model"
)

// Options configures a Select call; zero values fall back to §4.9's defaults.
type Options struct {
	K           int
	Lambda      float64 // default 0.7
	MinDistance float64 // default 0.2
	MaxPerTag   int      // default 3
}

func (o Options) withDefaults() Options {
	if o.Lambda == 0 {
		o.Lambda = 0.7
	}
	if o.MinDistance == 0 {
		o.MinDistance = 0.2
	}
	if o.MaxPerTag == 0 {
		o.MaxPerTag = 3
	}
	return o
}

// Select greedily picks up to opts.K candidates balancing relevance and
// novelty, enforcing opts.MaxPerTag across the selected items' tag sets.
// Items without embeddings have novelty=1 (§4.9).
func Select(candidates []model.Hit, opts Options) []model.Hit {
	opts = opts.withDefaults()
	k := opts.K
	if k <= 0 || k > len(candidates) {
		k = len(candidates)
	}
	if k == 0 {
		return nil
	}

	relevance := normalizeRelevance(candidates)

	selected := make([]model.Hit, 0, k)
	selectedEmb := make([][]float32, 0, k)
	tagCount := map[string]int{}
	used := make([]bool, len(candidates))

	fits := func(h model.Hit) bool {
		for _, t := range h.Tags {
			if tagCount[t] >= opts.MaxPerTag {
				return false
			}
		}
		return true
	}

	for len(selected) < k {
		bestIdx := -1
		bestScore := math.Inf(-1)
		for i, h := range candidates {
			if used[i] || !fits(h) {
				continue
			}
			novelty := 1.0
			if emb := h.Embedding(); len(emb) > 0 && len(selectedEmb) > 0 {
				maxSim := 0.0
				for _, se := range selectedEmb {
					if sim := cosine(emb, se); sim > maxSim {
						maxSim = sim
					}
				}
				novelty = 1 - clamp(maxSim, 0, 1-opts.MinDistance)
			}
			score := opts.Lambda*relevance[i] + (1-opts.Lambda)*novelty
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		pick := candidates[bestIdx]
		selected = append(selected, pick)
		selectedEmb = append(selectedEmb, pick.Embedding())
		for _, t := range pick.Tags {
			tagCount[t]++
		}
		used[bestIdx] = true
	}
	return selected
}

// normalizeRelevance maps raw hit scores into [0,1] via min-max, so they
// combine sensibly with novelty which is already in [0,1].
func normalizeRelevance(hits []model.Hit) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	span := max - min
	for i, h := range hits {
		if span <= 1e-12 {
			out[i] = 1
			continue
		}
		out[i] = (h.Score - min) / span
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
