// Package redisstore implements kv.Store on Redis. Compare-and-swap runs as a
// Lua script so the read-compare-write is atomic on the server across every
// service instance sharing the database.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/authgate/kv"
	"github.com/redis/go-redis/v9"
)

const casScript = `
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "0" then
  if cur then
    return 0
  end
else
  if not cur or cur ~= ARGV[2] then
    return 0
  end
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call("SET", KEYS[1], ARGV[3], "PX", ttl)
else
  redis.call("SET", KEYS[1], ARGV[3])
end
return 1
`

var casLua = redis.NewScript(casScript)

// Store is a kv.Store backed by a Redis client.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// New returns a Store that namespaces every key under prefix.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	mode := "1"
	if prev == nil {
		mode = "0"
		prev = []byte{}
	}
	res, err := casLua.Run(ctx, s.redis, []string{s.key(key)}, mode, prev, next, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, unavailable(err)
	}
	return res == 1, nil
}

// Ping reports whether Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", kv.ErrUnavailable, err)
}
