// Package fusion implements Memora's Reciprocal Rank Fusion (§4.8 step 7):
// normalize each per-source candidate list via z-score, reassigning rank as
// 1-based position, then fuse with RRF score(id) = Σ 1/(k + rank_i).
// Grounded on the teacher's internal/rag/retrieve/fusion.go FuseRRF/Diversify,
// generalized from two sources (FTS/vector) to Memora's N sources
// (episodic/semantic/facts).
package fusion

import (
	"math"
	"sort"

	"memora/internal/model"
)

// DefaultK is RRF's rank-denominator constant (§4.8 step 7, configurable).
const DefaultK = 60

// Normalize z-score normalizes a single source's hit scores in place and
// reassigns Rank to the 1-based position after normalization (§4.8 step 7).
// The list's existing order is treated as already sorted by relevance; only
// the score values are rescaled, so sort order (and therefore rank) does not
// change — the normalization exists to preserve parity with the teacher's
// tuning surface even though RRF itself is rank-based (§9 open question).
func Normalize(hits []model.Hit) []model.Hit {
	if len(hits) == 0 {
		return hits
	}
	var sum, sumSq float64
	for _, h := range hits {
		sum += h.Score
	}
	mean := sum / float64(len(hits))
	for _, h := range hits {
		d := h.Score - mean
		sumSq += d * d
	}
	stddev := math.Sqrt(sumSq / float64(len(hits)))
	out := make([]model.Hit, len(hits))
	for i, h := range hits {
		z := 0.0
		if stddev > 1e-9 {
			z = (h.Score - mean) / stddev
		}
		h.Score = z
		h.Rank = i + 1
		out[i] = h
	}
	return out
}

// RRF fuses any number of already-ranked, normalized source lists via
// score(id) = Σ 1/(k + rank_i), deduping by id: merged tags are the
// set-union, merged score is the sum of the per-list RRF contributions, and
// the surviving text/why/source come from the hit with the higher pre-fusion score (§4.8
// step 7, §8 testable properties).
func RRF(k int, lists ...[]model.Hit) []model.Hit {
	if k <= 0 {
		k = DefaultK
	}
	type agg struct {
		hit       model.Hit
		rrf       float64
		bestPre   float64
		firstSeen int
		tags      map[string]struct{}
		tagOrder  []string
	}
	byID := make(map[string]*agg)
	var order []string
	seq := 0
	for _, list := range lists {
		for _, h := range list {
			contrib := 1.0 / float64(k+h.Rank)
			a, ok := byID[h.ID]
			if !ok {
				a = &agg{hit: h, bestPre: h.Score, firstSeen: seq, tags: map[string]struct{}{}}
				byID[h.ID] = a
				order = append(order, h.ID)
			}
			a.rrf += contrib
			if h.Score > a.bestPre {
				a.bestPre = h.Score
				a.hit.Text = h.Text
				a.hit.Why = h.Why
				a.hit.Source = h.Source
			}
			for _, t := range h.Tags {
				if _, dup := a.tags[t]; !dup {
					a.tags[t] = struct{}{}
					a.tagOrder = append(a.tagOrder, t)
				}
			}
			if a.hit.Meta == nil && h.Meta != nil {
				a.hit.Meta = h.Meta
			} else if h.Meta != nil {
				for mk, mv := range h.Meta {
					if _, exists := a.hit.Meta[mk]; !exists {
						a.hit.Meta[mk] = mv
					}
				}
			}
			seq++
		}
	}

	out := make([]model.Hit, 0, len(order))
	for _, id := range order {
		a := byID[id]
		h := a.hit
		h.ID = id
		h.Score = a.rrf
		h.Tags = a.tagOrder
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return byID[out[i].ID].firstSeen < byID[out[j].ID].firstSeen
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
