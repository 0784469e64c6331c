package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseCacheImpl keeps each form's shared response in a Redis hash,
// one hash field per form field.
type ResponseCacheImpl struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewResponseCache stores responses in rdb. A positive ttl expires a
// form's values that long after its last save.
func NewResponseCache(rdb *redis.Client, ttl time.Duration) *ResponseCacheImpl {
	return &ResponseCacheImpl{rdb: rdb, ttl: ttl}
}

func responseKey(formID string) string {
	return "form:" + formID + ":values"
}

func (c *ResponseCacheImpl) SaveValues(ctx context.Context, formID string, values map[string]json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}

	fields := make(map[string]any, len(values))
	for field, value := range values {
		fields[field] = string(value)
	}

	key := responseKey(formID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cache response for form %s: %w", formID, err)
	}
	return nil
}

func (c *ResponseCacheImpl) GetValues(ctx context.Context, formID string) (map[string]json.RawMessage, error) {
	fields, err := c.rdb.HGetAll(ctx, responseKey(formID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached response for form %s: %w", formID, err)
	}
	if len(fields) == 0 {
		return nil, ErrResponseNotFound
	}

	values := make(map[string]json.RawMessage, len(fields))
	for field, value := range fields {
		values[field] = json.RawMessage(value)
	}
	return values, nil
}

func (c *ResponseCacheImpl) Delete(ctx context.Context, formID string) error {
	n, err := c.rdb.Del(ctx, responseKey(formID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete cached response for form %s: %w", formID, err)
	}
	if n == 0 {
		return ErrResponseNotFound
	}
	return nil
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}
