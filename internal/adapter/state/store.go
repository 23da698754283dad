// Package state is the strongly-consistent key/value adapter over the shared
// broker. It wraps plain commands and atomic Lua script execution; script
// handles are registered once per process and cached.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScannerSlotLua increments the inflight gauge and rolls back in the
// same atomic step when the cap is exceeded, so the counter never permanently
// overshoots max_inflight under contention.
const acquireScannerSlotLua = `
local key = KEYS[1]
local max_inflight = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local inflight = redis.call("INCR", key)
if inflight == 1 then
    redis.call("EXPIRE", key, ttl)
end

if inflight > max_inflight then
    redis.call("DECR", key)
    return {0, inflight - 1}
end

return {1, inflight}
`

// InflightTTL bounds gauge drift when a worker dies between acquire and
// release. Refreshed on first acquisition only.
const InflightTTL = 10 * time.Minute

// Store is the broker state adapter.
type Store struct {
	rdb *redis.Client

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

// New wraps an existing client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, scripts: make(map[string]*redis.Script)}
}

// FromURL connects to the broker at url.
func FromURL(url string) (*Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=state.FromURL: %w", err)
	}
	return New(redis.NewClient(opt)), nil
}

// Client exposes the underlying connection for collaborators sharing the
// broker (notifier, DLQ store).
func (s *Store) Client() *redis.Client { return s.rdb }

// Ping verifies broker connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.rdb.HSet(ctx, key, args...).Err()
}

func (s *Store) HMGet(ctx context.Context, key string, fields ...string) ([]any, error) {
	return s.rdb.HMGet(ctx, key, fields...).Result()
}

func (s *Store) HSetNX(ctx context.Context, key, field string, value any) error {
	return s.rdb.HSetNX(ctx, key, field, value).Err()
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Decr(ctx, key).Result()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// RegisterScript returns the cached handle for source, registering it on
// first use so subsequent calls bypass re-registration.
func (s *Store) RegisterScript(source string) *redis.Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scripts[source]; ok {
		return sc
	}
	sc := redis.NewScript(source)
	s.scripts[source] = sc
	return sc
}

// AcquireScannerSlot runs the atomic acquire script against key. It returns
// whether a slot was taken and the inflight count observed by the script.
func (s *Store) AcquireScannerSlot(ctx context.Context, key string, maxInflight int64, ttl time.Duration) (bool, int64, error) {
	sc := s.RegisterScript(acquireScannerSlotLua)
	res, err := sc.Run(ctx, s.rdb, []string{key}, maxInflight, int64(ttl.Seconds())).Result()
	if err != nil {
		return false, 0, fmt.Errorf("op=state.AcquireScannerSlot: %w", err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) < 2 {
		return false, 0, fmt.Errorf("op=state.AcquireScannerSlot: unexpected script result %v", res)
	}
	acquired, _ := vals[0].(int64)
	observed, _ := vals[1].(int64)
	return acquired == 1, observed, nil
}

// ReleaseScannerSlot decrements the inflight gauge. Callers treat failures
// as best-effort; the TTL eventually bounds drift.
func (s *Store) ReleaseScannerSlot(ctx context.Context, key string) error {
	return s.rdb.Decr(ctx, key).Err()
}
