// Package rerank implements Memora's reranker client (§4.5): given a query
// and up to 128 candidates, produce a float score per candidate. Three
// providers cascade — ML-in-store, remote HTTP, deterministic local — each
// bounded by a slice of the caller's overall budget.
package rerank

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"memora/internal/model"
)

const maxCandidates = 128

// Provider scores a query against a set of candidate texts.
type Provider interface {
	Name() string
	Score(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// Diagnostic captures the rank-delta before/after a rerank pass (§4.5).
type Diagnostic struct {
	Provider    string
	TopBefore   string
	TopAfter    string
	MovedUp     int
	MovedDown   int
	AvgAbsDelta float64
	MaxAbsDelta int
}

// Cascade runs providers in order (a) ML-in-store, (b) remote HTTP,
// (c) deterministic, stopping at the first success.
type Cascade struct {
	Enabled   bool
	Providers []Provider
	Log       zerolog.Logger
}

// New builds the standard cascade: mlInStore and remote may be nil to skip
// them; the deterministic fallback is always appended.
func New(enabled bool, mlInStore, remote Provider, log zerolog.Logger) *Cascade {
	var providers []Provider
	if mlInStore != nil {
		providers = append(providers, mlInStore)
	}
	if remote != nil {
		providers = append(providers, remote)
	}
	providers = append(providers, Deterministic{})
	return &Cascade{Enabled: enabled, Providers: providers, Log: log}
}

// Rerank reorders hits by descending rerank score, within budgetMS overall,
// bounding candidates at 128 and appending any overflow untouched after the
// reranked prefix. When disabled, it is a no-op. Returns the reordered hits
// and a Diagnostic describing the rank delta.
func (c *Cascade) Rerank(ctx context.Context, query string, hits []model.Hit, budgetMS int) ([]model.Hit, Diagnostic) {
	if !c.Enabled || len(hits) == 0 {
		return hits, Diagnostic{}
	}
	head, tail := hits, []model.Hit(nil)
	if len(head) > maxCandidates {
		head, tail = hits[:maxCandidates], hits[maxCandidates:]
	}
	texts := make([]string, len(head))
	for i, h := range head {
		texts[i] = h.Text
	}

	budget := time.Duration(budgetMS) * time.Millisecond
	if budget <= 0 {
		budget = 2 * time.Second
	}
	cctx := ctx
	var cancel context.CancelFunc
	if budgetMS > 0 {
		cctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	beforeTop := ""
	if len(head) > 0 {
		beforeTop = head[0].ID
	}

	var scores []float64
	var providerUsed string
	perProvider := budget / time.Duration(maxInt(len(c.Providers), 1))
	for _, p := range c.Providers {
		pctx := cctx
		var pcancel context.CancelFunc
		if budgetMS > 0 {
			pctx, pcancel = context.WithTimeout(cctx, perProvider)
		}
		s, err := p.Score(pctx, query, texts)
		if pcancel != nil {
			pcancel()
		}
		if err != nil {
			c.Log.Warn().Err(err).Str("provider", p.Name()).Msg("reranker provider failed, falling back")
			continue
		}
		scores, providerUsed = s, p.Name()
		break
	}
	if scores == nil {
		// every provider failed (shouldn't happen: Deterministic never errors)
		return hits, Diagnostic{}
	}

	reordered := reorder(head, scores)
	out := append(reordered, tail...)

	afterTop := ""
	if len(out) > 0 {
		afterTop = out[0].ID
	}
	diag := rankDelta(head, reordered)
	diag.Provider = providerUsed
	diag.TopBefore, diag.TopAfter = beforeTop, afterTop
	return out, diag
}

func reorder(hits []model.Hit, scores []float64) []model.Hit {
	type scored struct {
		hit   model.Hit
		score float64
		orig  int
	}
	tmp := make([]scored, len(hits))
	for i, h := range hits {
		s := h.Score
		if i < len(scores) {
			s = scores[i]
		}
		tmp[i] = scored{hit: h, score: s, orig: i}
	}
	// stable sort by score desc, ties by original order
	for i := 1; i < len(tmp); i++ {
		for j := i; j > 0 && (tmp[j].score > tmp[j-1].score); j-- {
			tmp[j], tmp[j-1] = tmp[j-1], tmp[j]
		}
	}
	out := make([]model.Hit, len(tmp))
	for i, t := range tmp {
		h := t.hit
		h.Score = t.score
		h.Rank = i + 1
		out[i] = h
	}
	return out
}

func rankDelta(before, after []model.Hit) Diagnostic {
	pos := make(map[string]int, len(before))
	for i, h := range before {
		pos[h.ID] = i
	}
	var up, down, sumAbs, maxAbs int
	for i, h := range after {
		if orig, ok := pos[h.ID]; ok {
			d := orig - i
			if d > 0 {
				up++
			} else if d < 0 {
				down++
			}
			ad := d
			if ad < 0 {
				ad = -ad
			}
			sumAbs += ad
			if ad > maxAbs {
				maxAbs = ad
			}
		}
	}
	avg := 0.0
	if len(after) > 0 {
		avg = float64(sumAbs) / float64(len(after))
	}
	return Diagnostic{MovedUp: up, MovedDown: down, AvgAbsDelta: avg, MaxAbsDelta: maxAbs}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Deterministic scores candidates by Jaccard token overlap alone; its Score
// does not use embeddings. The 0.7/0.3 Jaccard/cosine blend (§4.5c) is only
// available through ScoreWithEmbeddings, which the cascade does not call.
// It never errors, so it is always the cascade's last resort.
type Deterministic struct{}

func (Deterministic) Name() string { return "deterministic" }

func (Deterministic) Score(_ context.Context, query string, candidates []string) ([]float64, error) {
	qTokens := tokenSet(query)
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = jaccard(qTokens, tokenSet(c))
	}
	return out, nil
}

// ScoreWithEmbeddings blends Jaccard(0.7) with cosine(0.3) when embeddings
// are available for both query and candidate.
func ScoreWithEmbeddings(query string, candidates []string, queryVec []float32, vecs [][]float32) []float64 {
	qTokens := tokenSet(query)
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		j := jaccard(qTokens, tokenSet(c))
		if i < len(vecs) && len(vecs[i]) > 0 && len(queryVec) > 0 {
			cos := cosine(queryVec, vecs[i])
			out[i] = 0.7*j + 0.3*cos
		} else {
			out[i] = j
		}
	}
	return out
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
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
