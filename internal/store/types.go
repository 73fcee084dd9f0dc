// Package store is Memora's backend adapter (§4.3): a thin abstraction over
// a remote search/vector store offering health checks, idempotent index
// bootstrap, single/bulk document indexing with retries, lexical and k-NN
// search, update-by-id, and delete-by-id.
package store

import "context"

// Document is a single row indexed into one of Memora's four logical
// indices (episodic-YYYY-MM-DD, semantic, facts, idempotency).
type Document struct {
	ID        string
	Text      string
	Tags      []string
	Fields    map[string]any
	Embedding []float32
}

// SearchResult is one row returned by a lexical or vector search.
type SearchResult struct {
	ID        string
	Score     float64
	Text      string
	Tags      []string
	Embedding []float32
	Fields    map[string]any
}

// DateRange filters documents whose round_date field falls in [GTE, LTE].
type DateRange struct {
	GTE string
	LTE string
}

// Filter carries the shared scalar/tag filters built from a retrieve call
// (§4.8 step 2). Not every field applies to every index; episodic drops
// scope/env/api_version per the open question in §9.
type Filter struct {
	TenantID      string
	ProjectID     string
	ContextID     string
	TaskID        string
	Scopes        []string
	Tags          []string
	ExcludeTags   []string
	APIVersionGTE string
	Env           string
	RecentDays    int
	DateRange     *DateRange
}

// Query is a lexical (multi-field) search request.
type Query struct {
	Text               string
	Fields             []string // field^boost, e.g. "content^3"
	Type               string   // best_fields, most_fields, ...
	TieBreaker         float64
	Lenient            bool
	MinimumShouldMatch string // empty to omit

	// ExtraShould are additional ILIKE patterns OR'd into the match clause
	// alongside the tsquery match (§4.8 step 3's date-pattern should-clause):
	// a temporal query matches episodic text containing the literal pattern
	// even when the tsquery itself doesn't.
	ExtraShould []string

	Filter Filter
	Limit  int

	// TimeDecayField/HalfLife/Weight apply an exponential recency decay to
	// the lexical score (time_decay.episodic.* config, §4.8 step 5): score
	// is multiplied by (1-Weight) + Weight*exp(-ln2*age/HalfLife), where age
	// is computed from the named fields[] key (an RFC3339 timestamp).
	// TimeDecayField empty disables decay.
	TimeDecayField    string
	TimeDecayHalfLife float64
	TimeDecayWeight   float64
}

// BulkItemError is one failed item from a BulkIndex call.
type BulkItemError struct {
	ID  string
	Err error
}

// BulkResult reports per-item outcomes of a bulk index.
type BulkResult struct {
	Succeeded int
	Errors    []BulkItemError
}

// VectorIndex is a narrower adapter for an external k-NN-only store (§4.4b
// pipeline embedding mode), used as a drop-in replacement for the semantic
// index's put/query path while episodic and facts stay on Backend.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, fields map[string]any, tags []string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter Filter) ([]SearchResult, error)
}

// NeighborLookup is an optional Backend capability exercising the
// graph-neighbor expansion supplement: a backend that can find other docs
// sharing a source_event_id back-reference implements it. Postgres does;
// the retrieve pipeline skips the graph stage whenever an external
// VectorIndex is configured, since semantic chunks then live there.
type NeighborLookup interface {
	Neighbors(ctx context.Context, index string, sourceEventIDs []string, exclude string, limit int) ([]SearchResult, error)
}

// Backend is Memora's store-agnostic adapter.
type Backend interface {
	HealthCheck(ctx context.Context) error
	EnsureIndex(ctx context.Context, index string) error

	Index(ctx context.Context, index string, doc Document) error
	BulkIndex(ctx context.Context, index string, docs []Document) (BulkResult, error)

	Search(ctx context.Context, index string, q Query) ([]SearchResult, error)
	VectorSearch(ctx context.Context, index string, vector []float32, filter Filter, k int) ([]SearchResult, error)

	UpdateByID(ctx context.Context, index, id string, fields map[string]any) error
	DeleteByID(ctx context.Context, index, id string) error
}
