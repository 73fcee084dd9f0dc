// Package retrieve implements Memora's retrieve pipeline (§4.8): context
// resolution, shared filter building, temporal query classification,
// concurrent multi-stage candidate generation, RRF fusion, optional
// rerank, and MMR diversification.
package retrieve

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"memora/internal/config"
	"memora/internal/embedder"
	"memora/internal/memctx"
	"memora/internal/model"
	"memora/internal/rerank"
	"memora/internal/retrieve/fusion"
	"memora/internal/retrieve/mmr"
	"memora/internal/store"
)

// Request is the normalized argument object for memory.retrieve (§6).
type Request struct {
	Objective       string
	Budget          int
	Filters         RequestFilters
	ContextID       string
	TaskID          string
	ContextOverride *model.Context
}

// RequestFilters is the caller-supplied subset of the shared filter model.
type RequestFilters struct {
	Scopes     []string
	Tags       []string
	APIVersion string
	Env        string
	RecentDays int
}

// Response is returned by Retrieve.
type Response struct {
	Snippets []model.Hit
}

// Pipeline wires the retrieve pipeline's collaborators.
type Pipeline struct {
	Ctx      *memctx.Manager
	Backend  store.Backend
	Embedder embedder.Embedder
	Rerank   *rerank.Cascade
	Policy   config.Policy // retrieval policy document
	Log      zerolog.Logger

	// VectorIndex, if set, serves the semantic stage's k-NN query instead of
	// Backend.VectorSearch (§4.4b pipeline embedding mode, e.g. Qdrant).
	VectorIndex store.VectorIndex

	// DefaultTenant/DefaultProject are the "documented default tenant/project"
	// retrieve falls back to when no context is active (§4.8 step 1).
	DefaultTenant  string
	DefaultProject string
}

var tracer = otel.Tracer("memora/retrieve")

// Retrieve executes the full contract of §4.8.
func (p *Pipeline) Retrieve(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "retrieve.Retrieve")
	defer span.End()

	// 1. Resolve Context.
	var fallback *model.Context
	if p.DefaultTenant != "" && p.DefaultProject != "" {
		fallback = &model.Context{TenantID: p.DefaultTenant, ProjectID: p.DefaultProject}
	}
	override := req.ContextOverride
	if override == nil && (req.ContextID != "" || req.TaskID != "") {
		override = &model.Context{ContextID: req.ContextID, TaskID: req.TaskID}
	}
	memCtx, err := p.Ctx.Resolve(override, fallback)
	if err != nil {
		return Response{}, err
	}

	// 2. Shared filter.
	filter := p.buildFilter(memCtx, req)

	// 3/4. Temporal classification and minimum_should_match guard.
	temporal, dateRange, extraShould := classifyTemporal(req.Objective)
	if temporal {
		filter.DateRange = dateRange
	}
	minShouldMatch := p.minimumShouldMatch(req.Objective, temporal)

	budget := req.Budget
	if budget <= 0 {
		budget = p.Policy.Int("diversity.default_budget", 10)
	}

	opts := episodicOptions{minimumShouldMatch: minShouldMatch, extraShould: extraShould}
	if p.Policy.Bool("time_decay.enabled", false) {
		opts.timeDecayField = "ts"
		opts.timeDecayHalfLife = p.Policy.Number("time_decay.episodic.half_life_days", 30)
		opts.timeDecayWeight = p.Policy.Number("time_decay.episodic.weight", 0.3)
	}

	// 5/6. Concurrent candidate generation.
	episodic, semantic, facts := p.parallelCandidates(ctx, req.Objective, filter, opts)

	// 7. Fusion: z-score normalize each list, then RRF.
	rrfK := p.Policy.Int("fusion.rrf_k", fusion.DefaultK)
	fused := fusion.RRF(rrfK,
		fusion.Normalize(episodic),
		fusion.Normalize(semantic),
		fusion.Normalize(facts),
	)

	// 7.5. Optional graph-neighbor expansion (§F.3 supplement, off by default).
	if p.Policy.Bool("graph.enabled", false) {
		fused = p.graphExpand(ctx, fused)
	}

	// 8. Optional rerank.
	if p.Rerank != nil && p.Policy.Bool("rerank.enabled", false) {
		budgetMS := p.Policy.Int("rerank.budget_ms", 2000)
		fused, _ = p.Rerank.Rerank(ctx, req.Objective, fused, budgetMS)
	}

	// 9. Optional MMR diversification, else truncate.
	var out []model.Hit
	if p.Policy.Bool("diversity.enabled", true) {
		out = mmr.Select(fused, mmr.Options{
			K:           budget,
			Lambda:      p.Policy.Number("diversity.lambda", 0.7),
			MinDistance: p.Policy.Number("diversity.min_distance", 0.2),
			MaxPerTag:   p.Policy.Int("diversity.max_per_tag", 3),
		})
	} else {
		out = fused
		if len(out) > budget {
			out = out[:budget]
		}
	}

	for i := range out {
		out[i].Context = memCtx
	}
	return Response{Snippets: out}, nil
}

func (p *Pipeline) buildFilter(memCtx model.Context, req Request) store.Filter {
	scopes := req.Filters.Scopes
	if len(scopes) == 0 {
		scopes = []string{string(model.ScopeThisTask), string(model.ScopeProject)}
	}
	excludeTags := p.Policy.StringSlice("filters.exclude_tags", []string{"secret", "sensitive"})
	return store.Filter{
		TenantID: memCtx.TenantID, ProjectID: memCtx.ProjectID,
		ContextID: memCtx.ContextID, TaskID: memCtx.TaskID,
		Scopes: scopes, Tags: req.Filters.Tags, ExcludeTags: excludeTags,
		APIVersionGTE: req.Filters.APIVersion, Env: req.Filters.Env,
		RecentDays: req.Filters.RecentDays,
	}
}

var (
	temporalWordsRe = regexp.MustCompile(`(?i)\b(day|days|week|weeks|month|months|year|years|how many days|how long)\b`)
	monthRe         = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december)\b`)
	monthYearRe     = regexp.MustCompile(`(?i)(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{4})`)
	monthDayRe      = regexp.MustCompile(`(?i)(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2})\b`)
)

var monthNum = map[string]string{
	"january": "01", "february": "02", "march": "03", "april": "04", "may": "05", "june": "06",
	"july": "07", "august": "08", "september": "09", "october": "10", "november": "11", "december": "12",
}

// classifyTemporal implements §4.8 step 3: besides the isTemporal/range
// classification it also returns the date-pattern should-clause terms
// (month prefixes, padded/unpadded day numbers, slash-form month/day
// literals) for every "<month> <day>" occurrence in objective.
func classifyTemporal(objective string) (bool, *store.DateRange, []string) {
	isTemporal := temporalWordsRe.MatchString(objective) || monthRe.MatchString(objective)
	if !isTemporal {
		return false, nil, nil
	}
	extraShould := dateShouldTerms(objective)
	m := monthYearRe.FindStringSubmatch(objective)
	if m == nil {
		return true, nil, extraShould
	}
	num, ok := monthNum[strings.ToLower(m[1])]
	if !ok {
		return true, nil, extraShould
	}
	year := m[2]
	return true, &store.DateRange{GTE: year + "-" + num + "-01", LTE: year + "-" + num + "-31"}, extraShould
}

// dateShouldTerms builds the date-literal should-clause terms for each
// "<month> <day>" occurrence: a 3-letter month prefix, the day number in
// both unpadded and zero-padded form, and the numeric month/day slash form
// in both day variants.
func dateShouldTerms(objective string) []string {
	matches := monthDayRe.FindAllStringSubmatch(objective, -1)
	seen := map[string]struct{}{}
	var terms []string
	add := func(t string) {
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	for _, m := range matches {
		month := strings.ToLower(m[1])
		num, ok := monthNum[month]
		if !ok {
			continue
		}
		day := m[2]
		padded := day
		if len(day) == 1 {
			padded = "0" + day
		}
		add(month[:3])
		add(day)
		add(padded)
		add(num + "/" + day)
		add(num + "/" + padded)
	}
	return terms
}

// minimumShouldMatch implements §4.8 step 4.
func (p *Pipeline) minimumShouldMatch(objective string, temporal bool) string {
	if temporal {
		return ""
	}
	terms := strings.Fields(objective)
	pct := p.Policy.Int("lexical.min_should_match_pct", 0)
	if len(terms) >= 4 && pct > 0 {
		return intToPct(pct)
	}
	return ""
}

func intToPct(pct int) string {
	return itoa(pct) + "%"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// episodicOptions carries the temporal and recency-decay knobs threaded
// through from Retrieve's steps 3/4/5 into the episodic stage's queries.
type episodicOptions struct {
	minimumShouldMatch string
	extraShould        []string
	timeDecayField     string
	timeDecayHalfLife  float64
	timeDecayWeight    float64
}

func (p *Pipeline) parallelCandidates(ctx context.Context, objective string, filter store.Filter, opts episodicOptions) (episodic, semantic, facts []model.Hit) {
	type out struct {
		hits []model.Hit
		kind string
	}
	ch := make(chan out, 3)
	go func() {
		sctx, span := tracer.Start(ctx, "retrieve.episodicStage")
		defer span.End()
		ch <- out{p.episodicStage(sctx, objective, filter, opts), "episodic"}
	}()
	go func() {
		sctx, span := tracer.Start(ctx, "retrieve.semanticStage")
		defer span.End()
		ch <- out{p.semanticStage(sctx, objective, filter), "semantic"}
	}()
	go func() {
		sctx, span := tracer.Start(ctx, "retrieve.factsStage")
		defer span.End()
		ch <- out{p.factsStage(sctx, objective, filter), "facts"}
	}()

	for i := 0; i < 3; i++ {
		o := <-ch
		switch o.kind {
		case "episodic":
			episodic = o.hits
		case "semantic":
			semantic = o.hits
		case "facts":
			facts = o.hits
		}
	}
	return
}

// episodicStage runs step 5: primary multi-match with the F1/F2 fallback
// state machine (Primary -> F1 -> F2, stopping at the first non-empty hit).
func (p *Pipeline) episodicStage(ctx context.Context, objective string, filter store.Filter, opts episodicOptions) []model.Hit {
	if !p.Policy.Bool("stages.episodic.enabled", true) {
		return nil
	}
	topK := p.Policy.Int("stages.episodic.top_k", 20)

	primary := store.Query{
		Text:   objective,
		Fields: []string{"content^3", "content.shingles^1.2", "facts_text^2", "facts_text.shingles^1.1", "tags^2", "artifacts^1", "content.raw^0.5"},
		Type:   p.Policy.String("lexical.multi_match_type", "best_fields"),
		TieBreaker: 0.3, Lenient: true,
		MinimumShouldMatch: opts.minimumShouldMatch,
		ExtraShould:        opts.extraShould,
		TimeDecayField:     opts.timeDecayField,
		TimeDecayHalfLife:  opts.timeDecayHalfLife,
		TimeDecayWeight:    opts.timeDecayWeight,
		Filter:             filter,
		Limit:              topK,
	}
	res, err := p.Backend.Search(ctx, "episodic-*", primary)
	if err != nil {
		p.Log.Warn().Err(err).Msg("episodic primary search failed")
	}
	if len(res) == 0 {
		f1 := primary
		f1.Fields = []string{"content"}
		f1.MinimumShouldMatch = "" // OR operator, no minimum_should_match
		res, err = p.Backend.Search(ctx, "episodic-*", f1)
		if err != nil {
			p.Log.Warn().Err(err).Msg("episodic fallback F1 failed")
		}
	}
	if len(res) == 0 {
		f2 := primary
		f2.Fields = []string{"content", "content.raw", "facts_text", "tags"}
		f2.MinimumShouldMatch = ""
		res, err = p.Backend.Search(ctx, "episodic-*", f2)
		if err != nil {
			p.Log.Warn().Err(err).Msg("episodic fallback F2 failed")
		}
	}
	return toHits(res, model.SourceEpisodic, "evt:")
}

func (p *Pipeline) semanticStage(ctx context.Context, objective string, filter store.Filter) []model.Hit {
	if !p.Policy.Bool("stages.semantic.enabled", true) || p.Embedder == nil {
		return nil
	}
	topK := p.Policy.Int("stages.semantic.top_k", 20)
	vecs, err := p.Embedder.EmbedBatch(ctx, []string{objective})
	if err != nil || len(vecs) == 0 {
		p.Log.Warn().Err(err).Msg("query embedding failed, skipping semantic stage")
		return nil
	}
	var res []store.SearchResult
	if p.VectorIndex != nil {
		res, err = p.VectorIndex.SimilaritySearch(ctx, vecs[0], topK, filter)
	} else {
		res, err = p.Backend.VectorSearch(ctx, "semantic", vecs[0], filter, topK)
	}
	if err != nil {
		p.Log.Warn().Err(err).Msg("semantic search failed")
		return nil
	}
	return toHits(res, model.SourceSemantic, "mem:")
}

func (p *Pipeline) factsStage(ctx context.Context, objective string, filter store.Filter) []model.Hit {
	if !p.Policy.Bool("stages.facts.enabled", true) {
		return nil
	}
	topK := p.Policy.Int("stages.facts.top_k", 20)
	q := store.Query{Text: objective, Fields: []string{"s", "p", "o"}, Filter: filter, Limit: topK}
	res, err := p.Backend.Search(ctx, "facts", q)
	if err != nil {
		p.Log.Warn().Err(err).Msg("facts search failed")
		return nil
	}
	return toHits(res, model.SourceFacts, "fact:")
}

// graphExpand implements the graph-neighbor expansion supplement (§F.3):
// for the top graph.top_n fused semantic hits, it looks up other
// SemanticChunks derived from the same source Event(s) via
// store.NeighborLookup and appends them after the fused list (deduped,
// each scored at its seed's score plus graph.boost) so a fact only
// mentioned in one chunk of a multi-chunk Event still surfaces alongside
// its siblings. A no-op when an external VectorIndex is the semantic store
// of record, or when the configured Backend does not implement
// NeighborLookup.
func (p *Pipeline) graphExpand(ctx context.Context, fused []model.Hit) []model.Hit {
	if p.VectorIndex != nil {
		return fused
	}
	nb, ok := p.Backend.(store.NeighborLookup)
	if !ok || len(fused) == 0 {
		return fused
	}
	topN := p.Policy.Int("graph.top_n", 5)
	if topN > len(fused) {
		topN = len(fused)
	}
	maxPerSeed := p.Policy.Int("graph.max_per_seed", 3)
	boost := p.Policy.Number("graph.boost", 0.01)

	byID := make(map[string]struct{}, len(fused))
	for _, h := range fused {
		byID[h.ID] = struct{}{}
	}

	out := append([]model.Hit(nil), fused...)
	for i := 0; i < topN; i++ {
		seed := fused[i]
		if seed.Source != model.SourceSemantic {
			continue
		}
		ids, _ := seed.Meta["source_event_ids"].([]string)
		if len(ids) == 0 {
			continue
		}
		excludeID := strings.TrimPrefix(seed.ID, "mem:")
		res, err := nb.Neighbors(ctx, "semantic", ids, excludeID, maxPerSeed)
		if err != nil {
			p.Log.Warn().Err(err).Msg("graph neighbor lookup failed")
			continue
		}
		for _, n := range toHits(res, model.SourceSemantic, "mem:") {
			if _, exists := byID[n.ID]; exists {
				continue
			}
			byID[n.ID] = struct{}{}
			n.Score = seed.Score + boost
			n.Why = "graph-expanded from " + seed.ID
			out = append(out, n)
		}
	}
	return out
}

// sourceEventIDs pulls a SemanticChunk's source_event_ids back-reference out
// of a decoded fields map (a JSON array decodes to []any of strings).
func sourceEventIDs(fields map[string]any) []string {
	raw, ok := fields["source_event_ids"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toHits(res []store.SearchResult, source model.Source, prefix string) []model.Hit {
	out := make([]model.Hit, len(res))
	for i, r := range res {
		id := r.ID
		if !strings.HasPrefix(id, prefix) {
			id = prefix + id
		}
		meta := map[string]any{}
		if len(r.Embedding) > 0 {
			meta["embedding"] = r.Embedding
		}
		if ids := sourceEventIDs(r.Fields); len(ids) > 0 {
			meta["source_event_ids"] = ids
		}
		out[i] = model.Hit{ID: id, Text: r.Text, Score: r.Score, Rank: i + 1, Source: source, Tags: r.Tags, Meta: meta}
	}
	return out
}
