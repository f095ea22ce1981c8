package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// decrScript decrements a counter with an underflow guard: a counter that
// is already at or below zero is clamped to zero instead of going negative.
var decrScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 0 then
	redis.call('SET', KEYS[1], 0)
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// selectLeastActiveScript implements the reference least-active algorithm
// (spec §4.5) as a single shared-state transaction: scan the candidate
// counters, increment the minimum, ties broken by input order.
var selectLeastActiveScript = redis.NewScript(`
local min_count = nil
local min_idx = 1
for i = 1, #KEYS do
	local c = tonumber(redis.call('GET', KEYS[i]) or '0')
	if min_count == nil or c < min_count then
		min_count = c
		min_idx = i
	end
end
local new = redis.call('INCR', KEYS[min_idx])
return {min_idx, new}
`)

// RedisState is the Redis-backed State implementation.
type RedisState struct {
	rdb *redis.Client
}

// NewRedisState wraps an existing Redis client as a State.
func NewRedisState(rdb *redis.Client) *RedisState {
	return &RedisState{rdb: rdb}
}

func (s *RedisState) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state: get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *RedisState) Put(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("state: put %s: %w", key, err)
	}
	return nil
}

func (s *RedisState) NXSet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("state: nx_set %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisState) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("state: expire %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisState) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("state: delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisState) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("state: incr %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisState) Decr(ctx context.Context, key string) (int64, error) {
	v, err := decrScript.Run(ctx, s.rdb, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("state: decr %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisState) SelectLeastActive(ctx context.Context, keys []string) (int, int64, error) {
	res, err := selectLeastActiveScript.Run(ctx, s.rdb, keys).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("state: select_least_active: %w", err)
	}
	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("state: select_least_active: unexpected script result %v", res)
	}
	idx1, ok := pair[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("state: select_least_active: unexpected index type %T", pair[0])
	}
	newCount, ok := pair[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("state: select_least_active: unexpected count type %T", pair[1])
	}
	return int(idx1 - 1), newCount, nil
}

func (s *RedisState) Publish(ctx context.Context, channel, payload string) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("state: publish %s: %w", channel, err)
	}
	return nil
}

// ScanKeys enumerates all keys matching pattern using a cursor-based SCAN,
// avoiding the O(N) blocking behavior of KEYS on a large keyspace.
func (s *RedisState) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("state: scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisState) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	pubsub := s.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("state: subscribe %s: %w", channel, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}
