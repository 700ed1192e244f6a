package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps entries in Redis so a restarted worker process finds its
// previous extractions. Keys are namespaced per worker; workers never read
// each other's entries.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger

	warnedUnavailable atomic.Bool
}

type RedisOptions struct {
	Addr     string
	Password string
	WorkerID int
}

// NewRedisStore pings Redis once. When it is unreachable the store degrades
// to always-miss instead of failing the pipeline.
func NewRedisStore(opts RedisOptions, log zerolog.Logger) *RedisStore {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       0,
	})

	s := &RedisStore{
		prefix: fmt.Sprintf("roster:cache:w%d:", opts.WorkerID),
		log:    log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("redis unavailable, bypassing cache")
		_ = client.Close()
		return s
	}
	s.client = client
	return s
}

func (r *RedisStore) isUnavailable() bool {
	return r == nil || r.client == nil
}

func (r *RedisStore) warnUnavailableOnce(err error) {
	if r.warnedUnavailable.CompareAndSwap(false, true) {
		r.log.Warn().Err(err).Msg("redis unavailable, bypassing cache")
	}
}

func (r *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if r.isUnavailable() {
		return Entry{}, false, nil
	}
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		r.warnUnavailableOnce(err)
		return Entry{}, false, err
	}
	if len(b) == 0 {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Set also gives the key a Redis expiry so abandoned days do not pile up.
func (r *RedisStore) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	if r.isUnavailable() {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, b, ttl).Err(); err != nil {
		r.warnUnavailableOnce(err)
		return err
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if r.isUnavailable() {
		return nil
	}
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.warnUnavailableOnce(err)
		return err
	}
	return nil
}

func (r *RedisStore) Close() error {
	if r.isUnavailable() {
		return nil
	}
	return r.client.Close()
}
