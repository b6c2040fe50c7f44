package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua recipes. Each runs atomically on the server; the bound 9007199254740991
// is 2^53-1, past which a value cannot survive a JSON number round trip.
var (
	fenceCASScript = redis.NewScript(`
local stored = redis.call('GET', KEYS[1])
if stored == false then
  redis.call('SET', KEYS[1], ARGV[1])
  return 'OK'
end
local n = tonumber(stored)
if n == nil or n < 0 or n > 9007199254740991 then
  return 'CORRUPT'
end
if tonumber(ARGV[1]) > n then
  redis.call('SET', KEYS[1], ARGV[1])
  return 'OK'
end
return 'STALE'
`)

	slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return redis.call('ZCARD', KEYS[1])
`)

	tieredAllowScript = redis.NewScript(`
local cost = tonumber(redis.call('GET', KEYS[1]) or '0')
if cost >= tonumber(ARGV[1]) then
  return {'COST_CEILING_EXCEEDED', 0, 0}
end
local ident = tonumber(redis.call('GET', KEYS[2]) or '0')
if ident >= tonumber(ARGV[2]) then
  return {'IDENTITY_LIMIT_EXCEEDED', 0, 0}
end
local glob = tonumber(redis.call('GET', KEYS[3]) or '0')
if glob >= tonumber(ARGV[3]) then
  return {'GLOBAL_CAP_EXCEEDED', 0, 0}
end
local i = redis.call('INCR', KEYS[2])
if i == 1 then redis.call('PEXPIRE', KEYS[2], ARGV[4]) end
local g = redis.call('INCR', KEYS[3])
if g == 1 then redis.call('PEXPIRE', KEYS[3], ARGV[4]) end
return {'ALLOWED', i, g}
`)

	conditionalIncrScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
if current + delta > tonumber(ARGV[2]) then
  return {'COST_CEILING_EXCEEDED', current}
end
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if v == delta then redis.call('PEXPIRE', KEYS[1], ARGV[3]) end
return {'OK', v}
`)

	addCappedScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current + tonumber(ARGV[1]) > tonumber(ARGV[2]) then
  return {'CAP_EXCEEDED', current}
end
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {'OK', v}
`)

	drawDownScript = redis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local required = tonumber(ARGV[1])
local used = balance
if required < used then used = required end
if used > 0 then
  redis.call('DECRBY', KEYS[1], used)
end
return {used, balance - used}
`)

	compareAndSetScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (current == false and ARGV[1] == '') or current == ARGV[1] then
  if tonumber(ARGV[3]) > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
  else
    redis.call('SET', KEYS[1], ARGV[2])
  end
  return 1
end
return 0
`)

	compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

	compareAndExpireScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)
)

// RedisStore implements Store over a Redis connection.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client. The caller owns connection
// parameters; Close releases the client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr(err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	return ok, wrapErr(err)
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return wrapErr(s.client.Del(ctx, key).Err())
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Incr(ctx, key).Result()
	return v, wrapErr(err)
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, key, delta).Result()
	return v, wrapErr(err)
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error) {
	v, err := compareAndSetScript.Run(ctx, s.client, []string{key}, expected, next, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, wrapErr(err)
	}
	return v == 1, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	v, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, wrapErr(err)
	}
	return v == 1, nil
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	v, err := compareAndExpireScript.Run(ctx, s.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, wrapErr(err)
	}
	return v == 1, nil
}

func (s *RedisStore) FenceCAS(ctx context.Context, key string, token int64) (Status, error) {
	v, err := fenceCASScript.Run(ctx, s.client, []string{key}, token).Text()
	if err != nil {
		return "", wrapErr(err)
	}
	return Status(v), nil
}

func (s *RedisStore) SlidingWindowCount(ctx context.Context, key, member string, window time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-window).UnixMilli()
	v, err := slidingWindowScript.Run(ctx, s.client, []string{key},
		cutoff, now.UnixMilli(), member, window.Milliseconds()).Int64()
	return v, wrapErr(err)
}

func (s *RedisStore) TieredAllow(ctx context.Context, req TieredRequest) (TieredResult, error) {
	raw, err := tieredAllowScript.Run(ctx, s.client,
		[]string{req.CostKey, req.IdentityKey, req.GlobalKey},
		req.CostCeiling, req.IdentityCap, req.GlobalCap, req.TTL.Milliseconds()).Slice()
	if err != nil {
		return TieredResult{}, wrapErr(err)
	}
	if len(raw) != 3 {
		return TieredResult{}, fmt.Errorf("kv: tiered recipe returned %d values", len(raw))
	}
	status, _ := raw[0].(string)
	ident, _ := raw[1].(int64)
	global, _ := raw[2].(int64)
	return TieredResult{Status: Status(status), IdentityCount: ident, GlobalCount: global}, nil
}

func (s *RedisStore) ConditionalIncrBy(ctx context.Context, key string, delta, ceiling int64, ttl time.Duration) (Status, int64, error) {
	raw, err := conditionalIncrScript.Run(ctx, s.client, []string{key}, delta, ceiling, ttl.Milliseconds()).Slice()
	if err != nil {
		return "", 0, wrapErr(err)
	}
	return scriptStatusValue(raw)
}

func (s *RedisStore) AddCapped(ctx context.Context, key string, delta, cap int64, ttl time.Duration) (Status, int64, error) {
	raw, err := addCappedScript.Run(ctx, s.client, []string{key}, delta, cap, ttl.Milliseconds()).Slice()
	if err != nil {
		return "", 0, wrapErr(err)
	}
	return scriptStatusValue(raw)
}

func scriptStatusValue(raw []interface{}) (Status, int64, error) {
	if len(raw) != 2 {
		return "", 0, fmt.Errorf("kv: recipe returned %d values", len(raw))
	}
	status, _ := raw[0].(string)
	value, _ := raw[1].(int64)
	return Status(status), value, nil
}

func (s *RedisStore) DrawDown(ctx context.Context, key string, required int64) (int64, int64, error) {
	raw, err := drawDownScript.Run(ctx, s.client, []string{key}, required).Slice()
	if err != nil {
		return 0, 0, wrapErr(err)
	}
	if len(raw) != 2 {
		return 0, 0, fmt.Errorf("kv: drawdown recipe returned %d values", len(raw))
	}
	used, _ := raw[0].(int64)
	remaining, _ := raw[1].(int64)
	return used, remaining, nil
}

func (s *RedisStore) Publish(ctx context.Context, topic, payload string) error {
	return wrapErr(s.client.Publish(ctx, topic, payload).Err())
}

func (s *RedisStore) Subscribe(ctx context.Context, topic string) (<-chan string, func(), error) {
	pubsub := s.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, wrapErr(err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- msg.Payload
		}
	}()
	return out, func() { pubsub.Close() }, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapErr(s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
