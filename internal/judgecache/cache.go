// Package judgecache keeps deterministic judge results in Redis so an
// identical job is never executed twice.
package judgecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/klauspost/compress/zstd"

	"github.com/gsarma/batchjudge/internal/domain"
)

const keyPrefix = "batchjudge:job:"

// KV is the subset of *redis.Client the cache uses.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cache stores zstd-compressed JSON job results with a TTL.
type Cache struct {
	kv  KV
	ttl time.Duration
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func New(kv KV, ttl time.Duration) (*Cache, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Cache{kv: kv, ttl: ttl, enc: enc, dec: dec}, nil
}

// NewRedis connects to the Redis server at addr.
func NewRedis(addr, password string, db int, ttl time.Duration) (*Cache, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	c, err := New(client, ttl)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return c, client, nil
}

func (c *Cache) Get(ctx context.Context, key string) (domain.JobResult, bool, error) {
	raw, err := c.kv.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.JobResult{}, false, nil
		}
		return domain.JobResult{}, false, fmt.Errorf("failed to get cached result: %w", err)
	}

	plain, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return domain.JobResult{}, false, fmt.Errorf("failed to decompress cached result: %w", err)
	}
	var res domain.JobResult
	if err := json.Unmarshal(plain, &res); err != nil {
		return domain.JobResult{}, false, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}
	return res, true, nil
}

func (c *Cache) Put(ctx context.Context, key string, res domain.JobResult) error {
	// Tokens belong to the judge run that produced them.
	res.Token = ""
	plain, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := c.kv.Set(ctx, keyPrefix+key, c.enc.EncodeAll(plain, nil), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}
