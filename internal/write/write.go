// Package write implements Memora's write pipeline (§4.7): context
// resolution, idempotency short-circuiting, episodic append, salience-gated
// atomization into semantic chunks and facts, and bulk upsert.
package write

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"memora/internal/config"
	"memora/internal/embedder"
	"memora/internal/events"
	"memora/internal/idempotency"
	"memora/internal/memctx"
	"memora/internal/merrors"
	"memora/internal/model"
	"memora/internal/salience"
	"memora/internal/store"
)

// MaxChunksDefault caps semantic chunks emitted per event (§4.7 step 6b, §5).
const MaxChunksDefault = 64

// Request is the normalized argument object for memory.write (§6).
type Request struct {
	Content         string
	Role            model.Role
	Tags            []string
	IdempotencyKey  string
	Scope           model.Scope
	TaskID          string
	Artifacts       []string
	Hash            string
	TS              *time.Time
	RoundID         string
	RoundIndex      int
	RoundTS         *time.Time
	RoundDate       string
	FactsText       []string
	ContextOverride *model.Context

	// MinScoreOverride is honored only by WriteIfSalient (§6 write_if_salient).
	MinScoreOverride *float64
}

// Result is returned by Write.
type Result struct {
	EventID         string
	SemanticUpserts int
	FactsUpserts    int
}

// Pipeline wires the write pipeline's collaborators.
type Pipeline struct {
	Ctx         *memctx.Manager
	Backend     store.Backend
	Embedder    embedder.Embedder
	Idempotency *idempotency.Cache
	Redactor    *salience.Redactor
	Policy      config.Policy // memory policy document
	Retry       store.RetryPolicy
	Log         zerolog.Logger
	Now         func() time.Time
	Events      *events.Publisher // optional: publishes WriteCommitted notifications

	// VectorIndex, if set, takes semantic chunk upserts instead of
	// Backend.BulkIndex (§4.4b pipeline embedding mode, e.g. Qdrant).
	VectorIndex store.VectorIndex
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

var tracer = otel.Tracer("memora/write")

// Write executes the full contract of §4.7.
func (p *Pipeline) Write(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "write.Write")
	defer span.End()

	// 1. Resolve Context.
	memCtx, err := p.Ctx.Resolve(req.ContextOverride, nil)
	if err != nil {
		return Result{}, err
	}
	if req.Scope == "" {
		req.Scope = model.ScopeThisTask
	}

	// 2. Idempotency check.
	var idemKey string
	if req.IdempotencyKey != "" {
		idemKey = idempotency.Key(memCtx.TenantID, memCtx.ProjectID, memCtx.ContextID, req.TaskID, req.IdempotencyKey)
		if rec, hit := p.Idempotency.Lookup(ctx, idemKey); hit {
			// Episodic step still executes for a fresh event_id (§4.7 step 2).
			event, err := p.buildEvent(memCtx, req)
			if err != nil {
				return Result{}, err
			}
			if err := p.appendEpisodic(ctx, event); err != nil {
				return Result{}, err
			}
			return Result{EventID: event.EventID, SemanticUpserts: rec.Result.SemanticUpserts, FactsUpserts: rec.Result.FactsUpserts}, nil
		}
	}

	// 3. Build Event.
	event, err := p.buildEvent(memCtx, req)
	if err != nil {
		return Result{}, err
	}

	// 4. Append episodic. Fatal on failure (§4.7 step 4, §7).
	if err := p.appendEpisodic(ctx, event); err != nil {
		return Result{}, err
	}

	// 5. Semantic/facts disabled entirely -> return.
	semanticEnabled := p.Policy.Bool("derivation.semantic_enabled", true)
	factsEnabled := p.Policy.Bool("derivation.facts_enabled", true)
	if !semanticEnabled && !factsEnabled {
		return Result{EventID: event.EventID}, nil
	}

	// 6. Atomize and derive.
	minScore := p.Policy.Number("salience.min_score", 0.2)
	if req.MinScoreOverride != nil {
		minScore = *req.MinScoreOverride
	}
	maxChunkTokens := p.Policy.Int("salience.max_chunk_tokens", 256)
	maxChunks := p.Policy.Int("derivation.max_chunks", MaxChunksDefault)

	chunks, facts, err := p.derive(ctx, event, minScore, maxChunkTokens, maxChunks, semanticEnabled, factsEnabled)
	if err != nil {
		return Result{}, err
	}

	// 7. Bulk upsert.
	semanticUpserts, factsUpserts, err := p.bulkUpsert(ctx, chunks, facts)
	if err != nil {
		return Result{}, err
	}

	result := Result{EventID: event.EventID, SemanticUpserts: semanticUpserts, FactsUpserts: factsUpserts}

	if err := p.Events.Publish(ctx, events.WriteCommitted{
		TenantID: memCtx.TenantID, ProjectID: memCtx.ProjectID, ContextID: memCtx.ContextID, TaskID: req.TaskID,
		EventID: result.EventID, SemanticUpserts: semanticUpserts, FactsUpserts: factsUpserts, Timestamp: p.now(),
	}); err != nil {
		p.Log.Warn().Err(err).Msg("write committed event publish failed")
	}

	// 8. Persist idempotency record best-effort.
	if idemKey != "" {
		p.Idempotency.Record(ctx, model.IdempotencyRecord{
			Key: idemKey, TenantID: memCtx.TenantID, ProjectID: memCtx.ProjectID,
			ContextID: memCtx.ContextID, TaskID: req.TaskID, TS: p.now(),
			Result: model.WriteSummary{EventID: result.EventID, SemanticUpserts: semanticUpserts, FactsUpserts: factsUpserts},
		})
	}
	return result, nil
}

// GuardResult is the outcome of WriteIfSalient.
type GuardResult struct {
	Result
	Written bool
	Reason  string
}

// WriteIfSalient runs atomicSplit and scoreSalience only; if no atom meets
// the threshold and no fact-like relation matches, it returns
// {written:false, reason:"below_threshold"} without delegating to Write
// (§4.7).
func (p *Pipeline) WriteIfSalient(ctx context.Context, req Request) (GuardResult, error) {
	minScore := p.Policy.Number("salience.min_score", 0.2)
	if req.MinScoreOverride != nil {
		minScore = *req.MinScoreOverride
	}
	atoms := salience.AtomicSplit(req.Content)
	salient := false
	for _, a := range atoms {
		if salience.ScoreSalience(a.Text, salience.SalienceOptions{Tags: req.Tags}) >= minScore {
			salient = true
			break
		}
	}
	if !salient && len(salience.ExtractFacts(req.Content)) == 0 {
		return GuardResult{Written: false, Reason: "below_threshold"}, nil
	}
	res, err := p.Write(ctx, req)
	if err != nil {
		return GuardResult{}, err
	}
	return GuardResult{Result: res, Written: true}, nil
}

func (p *Pipeline) buildEvent(memCtx model.Context, req Request) (model.Event, error) {
	ts := p.now()
	if req.TS != nil {
		ts = req.TS.UTC()
	}
	roundTS := ts
	if req.RoundTS != nil {
		roundTS = req.RoundTS.UTC()
	}
	roundDate := req.RoundDate
	if roundDate == "" {
		roundDate = roundTS.Format("2006-01-02")
	}
	content := req.Content
	if p.Redactor != nil {
		content = p.Redactor.Redact(content)
	}
	role := req.Role
	if role == "" {
		role = model.RoleUser
	}
	return model.Event{
		Context:    memCtx,
		EventID:    uuid.NewString(),
		TS:         ts,
		Role:       role,
		Content:    content,
		Tags:       req.Tags,
		Artifacts:  req.Artifacts,
		Hash:       req.Hash,
		RoundID:    req.RoundID,
		RoundIndex: req.RoundIndex,
		RoundTS:    roundTS,
		RoundDate:  roundDate,
		FactsText:  dedupe(req.FactsText),
	}, nil
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func (p *Pipeline) appendEpisodic(ctx context.Context, event model.Event) error {
	fields := eventFields(event)
	doc := store.Document{ID: event.EventID, Text: event.Content, Tags: event.Tags, Fields: fields}
	if err := p.Backend.Index(ctx, event.IndexName(), doc); err != nil {
		return merrors.Wrap(merrors.TransientBackend, "episodic append failed, episodic is the system of record", err)
	}
	return nil
}

func eventFields(e model.Event) map[string]any {
	return map[string]any{
		"tenant_id": e.TenantID, "project_id": e.ProjectID, "context_id": e.ContextID, "task_id": e.TaskID,
		"event_id": e.EventID, "ts": e.TS.Format(time.RFC3339), "role": string(e.Role),
		"round_id": e.RoundID, "round_index": e.RoundIndex, "round_ts": e.RoundTS.Format(time.RFC3339), "round_date": e.RoundDate,
		"facts_text": e.FactsText, "artifacts": e.Artifacts, "hash": e.Hash,
	}
}

// derive runs atomicSplit over the event content and, for every atom
// clearing min_score, extracts facts and/or emits a semantic chunk (§4.7
// step 6).
func (p *Pipeline) derive(ctx context.Context, event model.Event, minScore float64, maxChunkTokens, maxChunks int, semanticEnabled, factsEnabled bool) ([]model.SemanticChunk, []model.Fact, error) {
	atoms := salience.AtomicSplit(event.Content)
	boostKeywords := p.Policy.StringSlice("salience.boost_keywords", nil)

	var chunks []model.SemanticChunk
	var facts []model.Fact
	emitted := 0
	for _, atom := range atoms {
		score := salience.ScoreSalience(atom.Text, salience.SalienceOptions{Tags: event.Tags, BoostKeywords: boostKeywords})
		if score < minScore {
			continue
		}
		if factsEnabled {
			for _, f := range salience.ExtractFacts(atom.Text) {
				facts = append(facts, model.Fact{
					TenantID: event.TenantID, ProjectID: event.ProjectID,
					FactID: factID(event.TenantID, event.ProjectID, f.S, f.P, f.O),
					S: f.S, P: f.P, O: f.O,
				})
			}
		}
		if semanticEnabled && emitted < maxChunks {
			text := salience.SummarizeIfLong(atom.Text, maxChunkTokens)
			chunk := model.SemanticChunk{
				Context: event.Context, MemID: uuid.NewString(),
				Scope: model.ScopeThisTask, Text: text, Tags: event.Tags,
				Salience: score, TTLDays: p.Policy.Int("ttl.semantic_days", 90),
				SourceEventIDs: []string{event.EventID},
			}
			chunks = append(chunks, chunk)
			emitted++
		}
	}

	if semanticEnabled && len(chunks) > 0 && p.Embedder != nil {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vecs, err := p.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			p.Log.Warn().Err(err).Msg("embedding failed for semantic chunks")
		} else {
			for i := range chunks {
				if i < len(vecs) {
					chunks[i].Embedding = vecs[i]
				}
			}
		}
	}
	return chunks, facts, nil
}

func factID(tenant, project, s, pred, o string) string {
	return fmt.Sprintf("fact:%s", idempotency.Key(tenant, project, "", "", s+"|"+pred+"|"+o))
}

func (p *Pipeline) bulkUpsert(ctx context.Context, chunks []model.SemanticChunk, facts []model.Fact) (int, int, error) {
	if len(chunks) > 0 {
		if p.VectorIndex != nil {
			for _, c := range chunks {
				fields := map[string]any{
					"tenant_id": c.TenantID, "project_id": c.ProjectID, "context_id": c.ContextID, "task_id": c.TaskID,
					"task_scope": string(c.Scope), "salience": c.Salience, "ttl_days": c.TTLDays,
					"source_event_ids": c.SourceEventIDs, "env": c.Env, "api_version": c.APIVersion, "text": c.Text,
				}
				if err := p.VectorIndex.Upsert(ctx, c.MemID, c.Embedding, fields, c.Tags); err != nil {
					return 0, 0, err
				}
			}
		} else {
			docs := make([]store.Document, len(chunks))
			for i, c := range chunks {
				docs[i] = store.Document{
					ID: c.MemID, Text: c.Text, Tags: c.Tags, Embedding: c.Embedding,
					Fields: map[string]any{
						"tenant_id": c.TenantID, "project_id": c.ProjectID, "context_id": c.ContextID, "task_id": c.TaskID,
						"task_scope": string(c.Scope), "salience": c.Salience, "ttl_days": c.TTLDays,
						"source_event_ids": c.SourceEventIDs, "env": c.Env, "api_version": c.APIVersion,
					},
				}
			}
			if _, err := p.Backend.BulkIndex(ctx, "semantic", docs); err != nil {
				return 0, 0, err
			}
		}
	}
	if len(facts) > 0 {
		docs := make([]store.Document, len(facts))
		for i, f := range facts {
			docs[i] = store.Document{
				ID: f.FactID, Text: f.S + " " + f.P + " " + f.O,
				Fields: map[string]any{
					"tenant_id": f.TenantID, "project_id": f.ProjectID,
					"s": f.S, "p": f.P, "o": f.O, "version": f.Version, "confidence": f.Confidence, "evidence": f.Evidence,
				},
			}
		}
		if _, err := p.Backend.BulkIndex(ctx, "facts", docs); err != nil {
			return len(chunks), 0, err
		}
	}
	return len(chunks), len(facts), nil
}
