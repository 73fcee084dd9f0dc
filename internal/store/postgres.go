package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"memora/internal/merrors"
)

// Postgres is the default Backend: a single wide table holding all four
// logical indices (episodic-YYYY-MM-DD, semantic, facts, idempotency),
// partitioned logically by the `index_name` column, with a generated
// tsvector for lexical search and a pgvector column for k-NN search.
// Grounded on the teacher's postgres_search.go/postgres_vector.go, merged
// into one adapter because Memora's four indices share one filter model.
type Postgres struct {
	pool       *pgxpool.Pool
	dimensions int
	retry      RetryPolicy
}

// NewPostgres bootstraps the shared table/extensions and returns a Backend.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, dimensions int, retry RetryPolicy) (*Postgres, error) {
	p := &Postgres{pool: pool, dimensions: dimensions, retry: retry}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`); err != nil {
		return nil, merrors.Wrap(merrors.StoreUnavailable, "pg_trgm extension", err)
	}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, merrors.Wrap(merrors.StoreUnavailable, "pgvector extension", err)
	}
	vecType := "vector"
	if dimensions > 0 {
		vecType = fmt.Sprintf("vector(%d)", dimensions)
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memora_docs (
  index_name TEXT NOT NULL,
  id TEXT NOT NULL,
  text TEXT NOT NULL DEFAULT '',
  tags TEXT[] NOT NULL DEFAULT '{}',
  fields JSONB NOT NULL DEFAULT '{}'::jsonb,
  embedding %s,
  ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text,''))) STORED,
  PRIMARY KEY (index_name, id)
);
CREATE INDEX IF NOT EXISTS memora_docs_ts_idx ON memora_docs USING GIN (ts);
CREATE INDEX IF NOT EXISTS memora_docs_tags_idx ON memora_docs USING GIN (tags);
CREATE INDEX IF NOT EXISTS memora_docs_fields_idx ON memora_docs USING GIN (fields);
`, vecType)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, merrors.Wrap(merrors.StoreUnavailable, "bootstrap memora_docs", err)
	}
	return p, nil
}

// HealthCheck pings the pool within the retry policy's request timeout,
// surfacing StoreUnavailable if the backend does not answer in time.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	timeout := p.retry.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.pool.Ping(cctx); err != nil {
		return merrors.Wrap(merrors.StoreUnavailable, "health check failed", err)
	}
	return nil
}

// EnsureIndex is a no-op: the shared table already exists; index_name is
// just a partition value rows carry, created idempotently on first write.
func (p *Postgres) EnsureIndex(ctx context.Context, index string) error { return nil }

func (p *Postgres) Index(ctx context.Context, index string, doc Document) error {
	return withRetry(ctx, p.retry, func(ctx context.Context) error {
		return p.upsertOne(ctx, index, doc)
	})
}

func (p *Postgres) upsertOne(ctx context.Context, index string, doc Document) error {
	fieldsJSON, err := json.Marshal(doc.Fields)
	if err != nil {
		return err
	}
	var vecLit any
	if len(doc.Embedding) > 0 {
		vecLit = pgvector.NewVector(doc.Embedding)
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO memora_docs(index_name, id, text, tags, fields, embedding)
VALUES($1,$2,$3,$4,$5::jsonb,$6)
ON CONFLICT (index_name, id) DO UPDATE SET
  text=EXCLUDED.text, tags=EXCLUDED.tags, fields=EXCLUDED.fields,
  embedding=COALESCE(EXCLUDED.embedding, memora_docs.embedding)
`, index, doc.ID, doc.Text, doc.Tags, fieldsJSON, vecLit)
	return err
}

// BulkIndex upserts each document, surfacing a BulkResult with the items
// that failed rather than aborting the whole batch (§4.3, §7 BulkPartial).
func (p *Postgres) BulkIndex(ctx context.Context, index string, docs []Document) (BulkResult, error) {
	res := BulkResult{}
	var errs []error
	for _, d := range docs {
		if err := p.Index(ctx, index, d); err != nil {
			res.Errors = append(res.Errors, BulkItemError{ID: d.ID, Err: err})
			errs = append(errs, err)
			continue
		}
		res.Succeeded++
	}
	if len(res.Errors) > 0 {
		return res, merrors.BulkErr(fmt.Sprintf("bulk index into %s: %d/%d failed", index, len(res.Errors), len(docs)), errs)
	}
	return res, nil
}

func (p *Postgres) UpdateByID(ctx context.Context, index, id string, fields map[string]any) error {
	return withRetry(ctx, p.retry, func(ctx context.Context) error {
		patch, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		_, err = p.pool.Exec(ctx, `
UPDATE memora_docs SET fields = fields || $3::jsonb WHERE index_name=$1 AND id=$2
`, index, id, patch)
		return err
	})
}

func (p *Postgres) DeleteByID(ctx context.Context, index, id string) error {
	return withRetry(ctx, p.retry, func(ctx context.Context) error {
		_, err := p.pool.Exec(ctx, `DELETE FROM memora_docs WHERE index_name=$1 AND id=$2`, index, id)
		return err
	})
}

// Search runs a lexical search restricted to index (or an "episodic-*"
// prefix pattern), applying the shared filters, an optional
// minimum_should_match-equivalent AND/OR toggle via q.MinimumShouldMatch
// (set: all terms must match; empty: any term matches),
// q.ExtraShould's date-pattern should-clause, and q.TimeDecay* recency decay.
func (p *Postgres) Search(ctx context.Context, index string, q Query) ([]SearchResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	where, args := []string{}, []any{}
	args = append(args, indexPattern(index))
	where = append(where, fmt.Sprintf("index_name LIKE $%d", len(args)))

	tsText := q.Text
	tsQueryFn := "plainto_tsquery"
	if q.MinimumShouldMatch == "" && len(strings.Fields(q.Text)) > 1 {
		// websearch_to_tsquery reads "or" between words as the OR operator.
		tsText = strings.Join(strings.Fields(q.Text), " or ")
		tsQueryFn = "websearch_to_tsquery"
	}
	args = append(args, tsText)
	tsArg := len(args)
	matchClause := fmt.Sprintf("ts @@ %s('simple', $%d)", tsQueryFn, tsArg)
	if len(q.ExtraShould) > 0 {
		shouldClauses := make([]string, 0, len(q.ExtraShould))
		for _, term := range q.ExtraShould {
			args = append(args, "%"+term+"%")
			shouldClauses = append(shouldClauses, fmt.Sprintf("text ILIKE $%d", len(args)))
		}
		matchClause = "(" + matchClause + " OR " + strings.Join(shouldClauses, " OR ") + ")"
	}
	where = append(where, matchClause)

	where, args = applyFilter(where, args, q.Filter, true)

	scoreExpr := fmt.Sprintf("ts_rank(ts, %s('simple', $%d))", tsQueryFn, tsArg)
	if q.TimeDecayField != "" && q.TimeDecayHalfLife > 0 {
		args = append(args, q.TimeDecayField)
		fieldArg := len(args)
		args = append(args, q.TimeDecayHalfLife)
		halfLifeArg := len(args)
		args = append(args, q.TimeDecayWeight)
		weightArg := len(args)
		decayExpr := fmt.Sprintf(
			`((1 - $%d) + $%d * exp(-ln(2) * GREATEST(extract(epoch from (now() - (fields->>$%d)::timestamptz)), 0) / ($%d * 86400)))`,
			weightArg, weightArg, fieldArg, halfLifeArg,
		)
		scoreExpr = fmt.Sprintf("(%s * %s)", scoreExpr, decayExpr)
	}

	query := fmt.Sprintf(`
SELECT id, %s AS score, text, tags, embedding::text, fields
FROM memora_docs
WHERE %s
ORDER BY score DESC
LIMIT %d
`, scoreExpr, strings.Join(where, " AND "), limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, merrors.Wrap(merrors.TransientBackend, "lexical search", err)
	}
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var fieldsRaw []byte
		var embText *string
		if err := rows.Scan(&r.ID, &r.Score, &r.Text, &r.Tags, &embText, &fieldsRaw); err != nil {
			return nil, err
		}
		r.Fields = map[string]any{}
		_ = json.Unmarshal(fieldsRaw, &r.Fields)
		r.Embedding = parseVectorText(embText)
		out = append(out, r)
	}
	return out, rows.Err()
}

// VectorSearch runs a cosine k-NN search restricted to index, applying the
// shared filters.
func (p *Postgres) VectorSearch(ctx context.Context, index string, vector []float32, filter Filter, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	args := []any{pgvector.NewVector(vector), indexPattern(index)}
	where := []string{"index_name LIKE $2", "embedding IS NOT NULL"}
	where, args = applyFilter(where, args, filter, false)

	query := fmt.Sprintf(`
SELECT id, 1 - (embedding <=> $1::vector) AS score, text, tags, embedding::text, fields
FROM memora_docs
WHERE %s
ORDER BY embedding <=> $1::vector
LIMIT %d
`, strings.Join(where, " AND "), k)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, merrors.Wrap(merrors.TransientBackend, "vector search", err)
	}
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var fieldsRaw []byte
		var embText *string
		if err := rows.Scan(&r.ID, &r.Score, &r.Text, &r.Tags, &embText, &fieldsRaw); err != nil {
			return nil, err
		}
		r.Fields = map[string]any{}
		_ = json.Unmarshal(fieldsRaw, &r.Fields)
		r.Embedding = parseVectorText(embText)
		out = append(out, r)
	}
	return out, rows.Err()
}

// parseVectorText parses a pgvector textual representation ("[0.1,0.2,...]")
// as returned by an embedding::text cast; nil input (a NULL embedding column,
// e.g. episodic/facts rows) yields a nil slice.
func parseVectorText(raw *string) []float32 {
	if raw == nil {
		return nil
	}
	s := strings.TrimSpace(*raw)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &f); err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

// Neighbors implements NeighborLookup: docs in index whose fields.source_event_ids
// overlaps sourceEventIDs, excluding exclude, used by the graph-expand
// retrieve supplement to find SemanticChunks derived from the same Event.
func (p *Postgres) Neighbors(ctx context.Context, index string, sourceEventIDs []string, exclude string, limit int) ([]SearchResult, error) {
	if len(sourceEventIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	query := `
SELECT id, 0::float8 AS score, text, tags, embedding::text, fields
FROM memora_docs
WHERE index_name LIKE $1
  AND fields->'source_event_ids' ?| $2::text[]
  AND id <> $3
LIMIT $4
`
	rows, err := p.pool.Query(ctx, query, indexPattern(index), sourceEventIDs, exclude, limit)
	if err != nil {
		return nil, merrors.Wrap(merrors.TransientBackend, "neighbor lookup", err)
	}
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var fieldsRaw []byte
		var embText *string
		if err := rows.Scan(&r.ID, &r.Score, &r.Text, &r.Tags, &embText, &fieldsRaw); err != nil {
			return nil, err
		}
		r.Fields = map[string]any{}
		_ = json.Unmarshal(fieldsRaw, &r.Fields)
		r.Embedding = parseVectorText(embText)
		out = append(out, r)
	}
	return out, rows.Err()
}

// indexPattern turns a trailing "*" into a SQL LIKE pattern; an exact name
// is matched verbatim.
func indexPattern(index string) string {
	if strings.HasSuffix(index, "*") {
		return strings.TrimSuffix(index, "*") + "%"
	}
	return index
}

// applyFilter appends WHERE clauses for the shared Filter fields. Episodic
// callers pass episodic=true and omit scope/env/api_version,
// since episodic docs do not carry task_scope/env/api_version (§9).
func applyFilter(where []string, args []any, f Filter, episodic bool) ([]string, []any) {
	add := func(expr string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(expr, len(args)))
	}
	if f.TenantID != "" {
		add("fields->>'tenant_id' = $%d", f.TenantID)
	}
	if f.ProjectID != "" {
		add("fields->>'project_id' = $%d", f.ProjectID)
	}
	if f.ContextID != "" {
		add("fields->>'context_id' = $%d", f.ContextID)
	}
	if f.TaskID != "" {
		add("fields->>'task_id' = $%d", f.TaskID)
	}
	if !episodic {
		if len(f.Scopes) > 0 {
			add("fields->>'task_scope' = ANY($%d)", f.Scopes)
		}
		if f.Env != "" {
			add("fields->>'env' = $%d", f.Env)
		}
		if v, ok := strings.CutPrefix(f.APIVersionGTE, ">="); ok {
			add("fields->>'api_version' >= $%d", v)
		}
	}
	if len(f.Tags) > 0 {
		add("tags && $%d", f.Tags)
	}
	if len(f.ExcludeTags) > 0 {
		add("NOT (tags && $%d)", f.ExcludeTags)
	}
	if episodic && f.RecentDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -f.RecentDays).Format(time.RFC3339)
		add("fields->>'ts' >= $%d", cutoff)
	}
	if f.DateRange != nil {
		add("fields->>'round_date' >= $%d", f.DateRange.GTE)
		add("fields->>'round_date' <= $%d", f.DateRange.LTE)
	}
	return where, args
}
