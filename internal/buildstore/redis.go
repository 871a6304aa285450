package buildstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/forge/pkg/types"
)

// RedisStore implements BuildStore backed by Redis.
// Uses Redis Streams for event streaming and hashes for build metadata, so a
// "forge serve" process can follow builds run by other processes.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxEvents int64
	mu        sync.Mutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Prefix for all keys (default: "forge:builds")
	Prefix string

	// TTL for build data (default: 7 days)
	TTL time.Duration

	EventMaxLen int64

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "forge:builds",
		TTL:          7 * 24 * time.Hour,
		EventMaxLen:  5000,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed BuildStore.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "forge:builds"
	}
	maxEvents := cfg.EventMaxLen
	if maxEvents <= 0 {
		maxEvents = 5000
	}

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.TTL,
		maxEvents: maxEvents,
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(id string) string    { return fmt.Sprintf("%s:%s:meta", s.prefix, id) }
func (s *RedisStore) keyResults(id string) string { return fmt.Sprintf("%s:%s:results", s.prefix, id) }
func (s *RedisStore) keyEvents(id string) string  { return fmt.Sprintf("%s:%s:events", s.prefix, id) }
func (s *RedisStore) keySeq(id string) string     { return fmt.Sprintf("%s:%s:seq", s.prefix, id) }

// setTTL refreshes TTL on all keys for a build.
func (s *RedisStore) setTTL(ctx context.Context, id string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(id), s.ttl)
	pipe.Expire(ctx, s.keyResults(id), s.ttl)
	pipe.Expire(ctx, s.keyEvents(id), s.ttl)
	pipe.Expire(ctx, s.keySeq(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("failed to set TTL for build", slog.String("build_id", id), slog.Any("error", err))
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func (s *RedisStore) CreateBuild(ctx context.Context, build *types.Build) (string, error) {
	id := build.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	status := build.Status
	if status == "" {
		status = types.BuildStatusQueued
	}
	targets, _ := json.Marshal(build.Targets)
	tasks, _ := json.Marshal(build.Tasks)

	created, err := s.client.HSetNX(ctx, s.keyMeta(id), "id", id).Result()
	if err != nil {
		return "", fmt.Errorf("create build: %w", err)
	}
	if !created {
		return "", fmt.Errorf("build %s already exists", id)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(id), map[string]interface{}{
		"status":     string(status),
		"targets":    string(targets),
		"tasks":      string(tasks),
		"failFast":   strconv.FormatBool(build.FailFast),
		"startedAt":  formatTime(build.StartedAt),
		"finishedAt": formatTime(build.FinishedAt),
		"createdAt":  now.Format(time.RFC3339Nano),
		"updatedAt":  now.Format(time.RFC3339Nano),
	})
	pipe.Set(ctx, s.keySeq(id), "0", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create build: %w", err)
	}

	s.setTTL(ctx, id)
	return id, nil
}

func (s *RedisStore) GetBuild(ctx context.Context, buildID string) (*types.Build, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, s.keyMeta(buildID))
	resultsCmd := pipe.HGetAll(ctx, s.keyResults(buildID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get build: %w", err)
	}

	meta, err := metaCmd.Result()
	if err != nil || len(meta) == 0 {
		return nil, ErrBuildNotFound
	}

	b := &types.Build{
		ID:         buildID,
		Status:     types.BuildStatus(meta["status"]),
		FailFast:   meta["failFast"] == "true",
		StartedAt:  parseTime(meta["startedAt"]),
		FinishedAt: parseTime(meta["finishedAt"]),
	}
	json.Unmarshal([]byte(meta["targets"]), &b.Targets)
	json.Unmarshal([]byte(meta["tasks"]), &b.Tasks)
	if t := parseTime(meta["createdAt"]); t != nil {
		b.CreatedAt = *t
	}
	if t := parseTime(meta["updatedAt"]); t != nil {
		b.UpdatedAt = *t
	}

	results, _ := resultsCmd.Result()
	for _, raw := range results {
		var r types.ExecutionResult
		if err := json.Unmarshal([]byte(raw), &r); err == nil {
			b.Results = append(b.Results, r)
		}
	}
	sort.Slice(b.Results, func(i, j int) bool { return b.Results[i].Task < b.Results[j].Task })

	return b, nil
}

func (s *RedisStore) ListBuilds(ctx context.Context) ([]*types.Build, error) {
	pattern := fmt.Sprintf("%s:*:meta", s.prefix)
	var ids []string
	var cursor uint64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan builds: %w", err)
		}
		for _, key := range keys {
			// prefix:buildID:meta
			id := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix+":"), ":meta")
			ids = append(ids, id)
		}
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	builds := make([]*types.Build, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBuild(ctx, id)
		if err != nil {
			continue
		}
		builds = append(builds, b)
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].CreatedAt.After(builds[j].CreatedAt) })
	return builds, nil
}

func (s *RedisStore) UpdateBuildStatus(ctx context.Context, buildID string, status types.BuildStatus, startedAt, finishedAt *time.Time) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(buildID)).Result()
	if err != nil {
		return fmt.Errorf("check build exists: %w", err)
	}
	if exists == 0 {
		return ErrBuildNotFound
	}

	fields := map[string]interface{}{
		"status":    string(status),
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if startedAt != nil {
		fields["startedAt"] = formatTime(startedAt)
	}
	if finishedAt != nil {
		fields["finishedAt"] = formatTime(finishedAt)
	}
	if err := s.client.HSet(ctx, s.keyMeta(buildID), fields).Err(); err != nil {
		return fmt.Errorf("update build status: %w", err)
	}

	s.setTTL(ctx, buildID)
	return nil
}

func (s *RedisStore) RecordResult(ctx context.Context, buildID string, result types.ExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.client.HSet(ctx, s.keyResults(buildID), result.Task, string(data)).Err(); err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, buildID string, input *types.EventInput) (*types.Event, error) {
	// Increment sequence atomically
	seq, err := s.client.Incr(ctx, s.keySeq(buildID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)
	dataBytes, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		BuildID:   buildID,
		Type:      input.Type,
		TaskID:    input.TaskID,
		Timestamp: now,
		Data:      dataBytes,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(buildID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]interface{}{
			"seq":    eventID,
			"ts":     now.Format(time.RFC3339Nano),
			"type":   string(input.Type),
			"data":   string(dataBytes),
			"taskId": input.TaskID,
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	return event, nil
}

func (s *RedisStore) decodeEntry(buildID string, entry redis.XMessage) *types.Event {
	seqStr, _ := entry.Values["seq"].(string)
	ts, _ := entry.Values["ts"].(string)
	eventType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)
	taskID, _ := entry.Values["taskId"].(string)

	evt := &types.Event{
		ID:      seqStr,
		BuildID: buildID,
		Type:    types.EventType(eventType),
		TaskID:  taskID,
		Data:    json.RawMessage(data),
	}
	if t := parseTime(ts); t != nil {
		evt.Timestamp = *t
	}
	return evt
}

func (s *RedisStore) GetEventsSince(ctx context.Context, buildID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(buildID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	var events []*types.Event
	for _, entry := range entries {
		evt := s.decodeEntry(buildID, entry)
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if lastSeq > 0 && seq <= lastSeq {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// Subscribe follows the build's Redis stream. The channel is closed when the
// build finishes, ctx is done, or cleanup is called.
func (s *RedisStore) Subscribe(ctx context.Context, buildID string) (<-chan *types.Event, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyMeta(buildID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check build exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrBuildNotFound
	}

	ch := make(chan *types.Event, 100)
	readerCtx, cancel := context.WithCancel(ctx)
	go s.streamReader(readerCtx, buildID, ch)

	return ch, cancel, nil
}

// streamReader reads from the Redis stream and pushes to ch until the build
// finishes. It owns ch and closes it on exit.
func (s *RedisStore) streamReader(ctx context.Context, buildID string, ch chan *types.Event) {
	defer close(ch)
	lastID := "$" // Start from latest

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(buildID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				// On error, wait briefly then retry
				time.Sleep(100 * time.Millisecond)
			}
			if s.finished(ctx, buildID) {
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				select {
				case ch <- s.decodeEntry(buildID, entry):
				case <-ctx.Done():
					return
				default:
					// Channel full, skip event
				}
			}
		}
	}
}

func (s *RedisStore) finished(ctx context.Context, buildID string) bool {
	status, err := s.client.HGet(ctx, s.keyMeta(buildID), "status").Result()
	if err != nil {
		return errors.Is(err, redis.Nil)
	}
	return types.BuildStatus(status).IsFinished()
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)
	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl_hours":    s.ttl.Hours(),
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Ensure RedisStore implements BuildStore
var _ BuildStore = (*RedisStore)(nil)
