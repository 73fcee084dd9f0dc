// Package promote implements Memora's promotion and autopromotion
// operations (§4.11): widening or narrowing a semantic document's scope,
// either by id or in bulk against a sorted selection.
package promote

import (
	"context"
	"sort"
	"strings"

	"memora/internal/memctx"
	"memora/internal/merrors"
	"memora/internal/model"
	"memora/internal/store"
)

// Request selects and sorts candidates for autopromotion.
type Request struct {
	ToScope model.Scope
	Limit   int // 1-100, default 20
	SortBy  string
	Reverse bool
	Filters AutoFilters
}

// AutoFilters mirrors the filterable subset accepted by autopromote.
type AutoFilters struct {
	Scopes []string
	Tags   []string
}

// Result describes the outcome of a single promotion.
type Result struct {
	MemID string
	Scope model.Scope
}

// Pipeline wires promote/autopromote's collaborators.
type Pipeline struct {
	Ctx     *memctx.Manager
	Backend store.Backend
}

const memPrefix = "mem:"

// Promote updates one semantic document's scope (§4.11).
func (p *Pipeline) Promote(ctx context.Context, memID string, toScope model.Scope) (Result, error) {
	if memID == "" {
		return Result{}, merrors.New(merrors.BadArguments, "promote requires mem_id")
	}
	if toScope == "" {
		return Result{}, merrors.New(merrors.BadArguments, "promote requires to_scope")
	}
	id := strings.TrimPrefix(memID, memPrefix)
	if err := p.Backend.UpdateByID(ctx, "semantic", id, map[string]any{"task_scope": string(toScope)}); err != nil {
		return Result{}, merrors.Wrap(merrors.StoreUnavailable, "promote update failed", err)
	}
	return Result{MemID: memID, Scope: toScope}, nil
}

// AutoPromote selects up to req.Limit semantic documents in the active
// context matching req.Filters, sorted by last_used/salience, and promotes
// each to req.ToScope.
func (p *Pipeline) AutoPromote(ctx context.Context, req Request) ([]Result, error) {
	if req.ToScope == "" {
		return nil, merrors.New(merrors.BadArguments, "autopromote requires to_scope")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = "last_used"
	}

	memCtx, err := p.Ctx.Get()
	if err != nil {
		return nil, err
	}

	scopes := req.Filters.Scopes
	if len(scopes) == 0 {
		scopes = []string{string(model.ScopeThisTask), string(model.ScopeProject), string(model.ScopeTenant)}
	}
	filter := store.Filter{
		TenantID: memCtx.TenantID, ProjectID: memCtx.ProjectID,
		ContextID: memCtx.ContextID, TaskID: memCtx.TaskID,
		Scopes: scopes, Tags: req.Filters.Tags,
	}

	q := store.Query{Filter: filter, Limit: limit * 4}
	candidates, err := p.Backend.Search(ctx, "semantic", q)
	if err != nil {
		return nil, merrors.Wrap(merrors.StoreUnavailable, "autopromote candidate search failed", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		less := compareBy(candidates[i], candidates[j], sortBy)
		if req.Reverse {
			return !less
		}
		return less
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if err := p.Backend.UpdateByID(ctx, "semantic", c.ID, map[string]any{"task_scope": string(req.ToScope)}); err != nil {
			return results, merrors.Wrap(merrors.StoreUnavailable, "autopromote update failed for "+c.ID, err)
		}
		results = append(results, Result{MemID: memPrefix + c.ID, Scope: req.ToScope})
	}
	return results, nil
}

// compareBy orders by last_used desc, salience desc (stable secondary key)
// unless sortBy == "salience", which leads with salience instead.
func compareBy(a, b store.SearchResult, sortBy string) bool {
	lastUsedA, lastUsedB := asFloat(a.Fields["last_used"]), asFloat(b.Fields["last_used"])
	salienceA, salienceB := asFloat(a.Fields["salience"]), asFloat(b.Fields["salience"])
	if sortBy == "salience" {
		if salienceA != salienceB {
			return salienceA > salienceB
		}
		return lastUsedA > lastUsedB
	}
	if lastUsedA != lastUsedB {
		return lastUsedA > lastUsedB
	}
	return salienceA > salienceB
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
