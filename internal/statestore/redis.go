package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps all records in one Redis hash, field = task id, value =
// JSON record. Shared state lets CI workers reuse each other's results.
type RedisStore struct {
	client *redis.Client
	key    string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Prefix for all keys (default: "forge")
	Prefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = &RedisConfig{}
	}
	url := cfg.URL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = orDefault(cfg.DialTimeout, 5*time.Second)
	opts.ReadTimeout = orDefault(cfg.ReadTimeout, 3*time.Second)
	opts.WriteTimeout = orDefault(cfg.WriteTimeout, 3*time.Second)

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "forge"
	}
	return &RedisStore{client: client, key: prefix + ":records"}, nil
}

func (s *RedisStore) Load(ctx context.Context) (map[string]*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	out := make(map[string]*Record, len(fields))
	for task, raw := range fields {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", task, err)
		}
		out[task] = &rec
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, task string) (*Record, error) {
	raw, err := s.client.HGet(ctx, s.key, task).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", task, err)
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	stored := cloneRecord(rec)
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = time.Now().UTC()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, rec.Task, string(data)).Err(); err != nil {
		return fmt.Errorf("put record %s: %w", rec.Task, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, tasks ...string) error {
	var err error
	if len(tasks) == 0 {
		err = s.client.Del(ctx, s.key).Err()
	} else {
		err = s.client.HDel(ctx, s.key, tasks...).Err()
	}
	if err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

func (s *RedisStore) Kind() string { return KindRedis }

func (s *RedisStore) Close() error { return s.client.Close() }

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

var _ Store = (*RedisStore)(nil)
