package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript checks every window before incrementing any of them, so a
// denial leaves all counters and their expiry untouched. The last key is the
// denied-attempts counter.
var takeScript = redis.NewScript(`
local cost = tonumber(ARGV[1])
local n = #KEYS - 1
local wait = -1
local worst = 0
for i = 1, n do
  local limit = tonumber(ARGV[2 * i])
  local period = tonumber(ARGV[2 * i + 1])
  local current = tonumber(redis.call('GET', KEYS[i]) or '0')
  if current + cost > limit then
    local ttl = redis.call('PTTL', KEYS[i])
    if ttl < 0 then ttl = period end
    if ttl > wait then
      wait = ttl
      worst = i
    end
  end
end
if worst > 0 then
  local denied = redis.call('INCR', KEYS[n + 1])
  if denied == 1 then
    redis.call('PEXPIRE', KEYS[n + 1], ARGV[#ARGV])
  end
  return {0, wait, worst}
end
for i = 1, n do
  local v = redis.call('INCRBY', KEYS[i], cost)
  if v == cost then
    redis.call('PEXPIRE', KEYS[i], ARGV[2 * i + 1])
  end
end
return {1, 0, 0}
`)

// RedisStore shares counters between gateway replicas. Windows expire
// through Redis key TTLs, so the clock passed to Take is not used.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default is "speechgw:rl".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "speechgw:rl"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Take(ctx context.Context, key string, windows []Window, cost int64, _ time.Time) (Decision, error) {
	keys := make([]string, 0, len(windows)+1)
	args := make([]any, 0, 2*len(windows)+2)
	args = append(args, cost)
	var longest time.Duration
	for _, w := range windows {
		keys = append(keys, s.windowKey(key, w))
		args = append(args, w.Limit, w.Period.Milliseconds())
		if w.Period > longest {
			longest = w.Period
		}
	}
	keys = append(keys, s.prefix+":"+key+":denied")
	args = append(args, longest.Milliseconds())

	res, err := takeScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis take: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis take: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	d := Decision{Allowed: false, RetryAfter: time.Duration(res[1]) * time.Millisecond}
	if idx := int(res[2]) - 1; idx >= 0 && idx < len(windows) {
		d.Window = windows[idx]
	}
	return d, nil
}

// Denied reports the number of rejected attempts recorded for key.
func (s *RedisStore) Denied(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.prefix+":"+key+":denied").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) windowKey(key string, w Window) string {
	return s.prefix + ":" + key + ":" + strconv.FormatInt(w.Limit, 10) + "/" + strconv.FormatInt(w.Period.Milliseconds(), 10)
}

// NewStoreFromURI builds a store from "memory://" (or empty) and
// "redis://" / "rediss://" URIs.
func NewStoreFromURI(uri string) (Store, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case uri == "", strings.HasPrefix(uri, "memory://"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		opts, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("parse rate limit storage uri: %w", err)
		}
		return NewRedisStore(redis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit storage uri %q", uri)
	}
}
