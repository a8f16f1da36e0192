package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	keyPrefix     = "fightsync:"
	runResultTTL  = 7 * 24 * time.Hour
	runHistoryKey = keyPrefix + "run:history"
	runHistoryLen = 50
)

// ErrLockNotHeld is returned when releasing a lock whose token no longer
// matches, typically because its TTL ran out and another run took it
var ErrLockNotHeld = errors.New("lock not held")

// Config holds Redis connection settings
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RedisCache holds the run lock, the last run summaries and the read cache
// that downstream consumers populate
type RedisCache struct {
	client *redis.Client
}

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisCache connects and pings Redis
func NewRedisCache(cfg Config) (*RedisCache, error) {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 1,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	log.Info().Str("addr", addr).Int("db", cfg.DB).Msg("Connected to Redis")
	return &RedisCache{client: client}, nil
}

// Close closes the connection pool
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Health pings Redis
func (c *RedisCache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// AcquireLock takes key for ttl. ok is false when someone else holds it.
// The returned token must be passed to ReleaseLock.
func (c *RedisCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	log.Debug().Str("key", key).Dur("ttl", ttl).Msg("Lock acquired")
	return token, true, nil
}

// ReleaseLock releases key if it is still held with token
func (c *RedisCache) ReleaseLock(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, c.client, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func lastRunKey(mode string) string {
	return keyPrefix + "run:last:" + mode
}

// StoreRunResult saves result as the latest run of mode and prepends it to
// the bounded run history
func (c *RedisCache) StoreRunResult(ctx context.Context, mode string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, lastRunKey(mode), data, runResultTTL)
	pipe.LPush(ctx, runHistoryKey, data)
	pipe.LTrim(ctx, runHistoryKey, 0, runHistoryLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store run result: %w", err)
	}
	return nil
}

// LastRunResult decodes the latest stored run of mode into dst. found is
// false when no run was stored.
func (c *RedisCache) LastRunResult(ctx context.Context, mode string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, lastRunKey(mode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load run result: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode run result: %w", err)
	}
	return true, nil
}

// RunHistory returns up to n raw run summaries, newest first
func (c *RedisCache) RunHistory(ctx context.Context, n int64) ([]json.RawMessage, error) {
	items, err := c.client.LRange(ctx, runHistoryKey, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("load run history: %w", err)
	}
	out := make([]json.RawMessage, len(items))
	for i, s := range items {
		out[i] = json.RawMessage(s)
	}
	return out, nil
}

// ReadKey is the key read consumers cache a view of scope under
func ReadKey(scope, name string) string {
	return keyPrefix + "read:" + scope + ":" + name
}

// Invalidate drops every read-cache key of the given scopes
func (c *RedisCache) Invalidate(ctx context.Context, scopes ...string) error {
	var deleted int64
	for _, scope := range scopes {
		iter := c.client.Scan(ctx, 0, ReadKey(scope, "*"), 100).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", scope, err)
		}
		if len(keys) == 0 {
			continue
		}
		n, err := c.client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("invalidate %s: %w", scope, err)
		}
		deleted += n
	}
	log.Debug().Strs("scopes", scopes).Int64("deleted", deleted).Msg("Read cache invalidated")
	return nil
}
