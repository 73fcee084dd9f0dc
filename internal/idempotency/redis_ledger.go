package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"memora/internal/merrors"
	"memora/internal/model"
)

const keyPrefix = "memora:idempotency:"

// RedisLedger is the persistent, cross-restart-authoritative Ledger
// implementation, chosen because it is the pack's natural fit for a small
// key->summary mapping with optional TTL (idempotency records do not need
// to outlive the store's own retention policy).
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLedger wraps an existing client. ttl<=0 means records never expire.
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

func (r *RedisLedger) Get(ctx context.Context, key string) (model.IdempotencyRecord, bool, error) {
	raw, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return model.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return model.IdempotencyRecord{}, false, merrors.Wrap(merrors.TransientBackend, "idempotency ledger get", err)
	}
	var rec model.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.IdempotencyRecord{}, false, merrors.Wrap(merrors.Downstream, "decode idempotency record", err)
	}
	return rec, true, nil
}

func (r *RedisLedger) Put(ctx context.Context, rec model.IdempotencyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, keyPrefix+rec.Key, raw, r.ttl).Err(); err != nil {
		return merrors.Wrap(merrors.TransientBackend, "idempotency ledger put", err)
	}
	return nil
}
