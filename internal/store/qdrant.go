package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"memora/internal/merrors"
)

// originalIDField stores the caller's original id in the payload, since
// Qdrant point ids must be UUIDs or unsigned integers.
const originalIDField = "_original_id"

// QdrantVectorStore is an optional k-NN-only backend used when the semantic
// stage is configured for "pipeline" embedding mode (§4.4b): the store
// embeds documents on ingest and Memora only needs to push/query vectors.
// Grounded on the teacher's qdrant_vector.go.
type QdrantVectorStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string
}

// NewQdrantVectorStore dials Qdrant's gRPC API (default port 6334) and
// idempotently bootstraps the collection.
func NewQdrantVectorStore(ctx context.Context, dsn, collection string, dimension int, metric string) (*QdrantVectorStore, error) {
	if collection == "" {
		return nil, merrors.New(merrors.ConfigInvalid, "qdrant collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, merrors.Wrap(merrors.ConfigInvalid, "parse qdrant dsn", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, merrors.Wrap(merrors.ConfigInvalid, "invalid qdrant port", err)
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, merrors.Wrap(merrors.StoreUnavailable, "create qdrant client", err)
	}
	qv := &QdrantVectorStore{client: client, collection: collection, dimension: dimension, metric: strings.ToLower(strings.TrimSpace(metric))}
	if err := qv.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return qv, nil
}

func (q *QdrantVectorStore) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return merrors.Wrap(merrors.StoreUnavailable, "check collection exists", err)
	}
	if exists {
		return nil
	}
	if q.dimension <= 0 {
		return merrors.New(merrors.VectorDimMismatch, "qdrant requires dimensions > 0")
	}
	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default:
		distance = qdrant.Distance_Cosine
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: distance,
		}),
	})
	if err != nil {
		return merrors.Wrap(merrors.StoreUnavailable, "create collection", err)
	}
	return nil
}

func pointIDFor(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

// Upsert writes one vector and its scalar/tag payload.
func (q *QdrantVectorStore) Upsert(ctx context.Context, id string, vector []float32, fields map[string]any, tags []string) error {
	uuidStr := pointIDFor(id)
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	if len(tags) > 0 {
		payload["tags"] = tags
	}
	if uuidStr != id {
		payload[originalIDField] = id
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return merrors.Wrap(merrors.TransientBackend, "qdrant upsert", err)
	}
	return nil
}

func (q *QdrantVectorStore) Delete(ctx context.Context, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(pointIDFor(id))),
	})
	if err != nil {
		return merrors.Wrap(merrors.TransientBackend, "qdrant delete", err)
	}
	return nil
}

// SimilaritySearch runs k-NN, restricting results to the tenant/project/scope
// filters that applyFilter would otherwise express in SQL.
func (q *QdrantVectorStore) SimilaritySearch(ctx context.Context, vector []float32, k int, filter Filter) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	var must []*qdrant.Condition
	addEq := func(field, val string) {
		if val != "" {
			must = append(must, qdrant.NewMatch(field, val))
		}
	}
	addEq("tenant_id", filter.TenantID)
	addEq("project_id", filter.ProjectID)
	addEq("context_id", filter.ContextID)
	addEq("task_id", filter.TaskID)
	addEq("env", filter.Env)
	// Any one of the requested scopes matches, as in applyFilter.
	var should []*qdrant.Condition
	for _, s := range filter.Scopes {
		should = append(should, qdrant.NewMatch("task_scope", s))
	}
	var qf *qdrant.Filter
	if len(must) > 0 || len(should) > 0 {
		qf = &qdrant.Filter{Must: must, Should: should}
	}
	limit := uint64(k)
	res, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, merrors.Wrap(merrors.TransientBackend, "qdrant query", err)
	}
	out := make([]SearchResult, 0, len(res))
	for _, hit := range res {
		id := hit.Id.GetUuid()
		fields := map[string]any{}
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				if k == originalIDField {
					id = v.GetStringValue()
					continue
				}
				fields[k] = v.GetStringValue()
			}
		}
		out = append(out, SearchResult{ID: id, Score: float64(hit.Score), Fields: fields})
	}
	return out, nil
}

func (q *QdrantVectorStore) Dimension() int { return q.dimension }

func (q *QdrantVectorStore) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close qdrant client: %w", err)
	}
	return nil
}
