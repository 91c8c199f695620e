package watermark

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// advanceScript sets KEYS[1] to ARGV[1] only when it is greater than the
// stored value. Values are Unix nanoseconds.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// RedisStore keeps watermarks in Redis so they survive restarts and are
// shared between replicas.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

func NewRedisStore(opt *redis.Options, prefix string) *RedisStore {
	return &RedisStore{Client: redis.NewClient(opt), Prefix: prefix}
}

func (s *RedisStore) Advance(ctx context.Context, key string, t time.Time) (bool, error) {
	n, err := advanceScript.Run(ctx, s.Client, []string{s.Prefix + key}, t.UnixNano()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	n, err := s.Client.Get(ctx, s.Prefix+key).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, n).UTC(), true, nil
}

// Ping checks connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}
