// Package statestore persists the fingerprints recorded for each task after it
// succeeds, so that later builds can decide what is up-to-date.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flexinfer/forge/internal/fingerprint"
)

// Common errors returned by Store implementations.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrClosed         = errors.New("store closed")
)

// Record is the persisted snapshot of one task.
type Record struct {
	Task       string               `json:"task"`
	Snapshot   fingerprint.Snapshot `json:"snapshot"`
	RecordedAt time.Time            `json:"recorded_at"`
}

// Store defines the interface for fingerprint persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns every record keyed by task id. It is read once at the
	// start of a build.
	Load(ctx context.Context) (map[string]*Record, error)

	// Get returns the record for a task, or ErrRecordNotFound.
	Get(ctx context.Context, task string) (*Record, error)

	// Put inserts or replaces the record for rec.Task.
	Put(ctx context.Context, rec *Record) error

	// Delete forgets the given tasks. With no tasks it forgets everything.
	Delete(ctx context.Context, tasks ...string) error

	// Kind names the backend for diagnostics.
	Kind() string

	Close() error
}

// Backend names accepted by Open.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindRedis    = "redis"
	KindPostgres = "postgres"
	KindS3       = "s3"
)

// Config selects and configures a backend.
type Config struct {
	Kind string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	RedisURL    string
	RedisPrefix string

	PostgresURL string

	S3 *S3Config
}

// Open creates the store selected by cfg.Kind.
func Open(ctx context.Context, cfg *Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Kind {
	case KindMemory:
		return NewMemoryStore(), nil
	case "", KindSQLite:
		store, err = OpenSQLite(cfg.SQLitePath)
	case KindRedis:
		store, err = NewRedisStore(ctx, &RedisConfig{URL: cfg.RedisURL, Prefix: cfg.RedisPrefix})
	case KindPostgres:
		store, err = NewPostgresStore(ctx, cfg.PostgresURL)
	case KindS3:
		if cfg.S3 == nil || cfg.S3.Bucket == "" {
			return nil, errors.New("s3 state store requires a bucket")
		}
		store, err = NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown state store %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s state store: %w", cfg.Kind, err)
	}
	return store, nil
}

func cloneRecord(rec *Record) *Record {
	out := *rec
	out.Snapshot.Inputs = append([]fingerprint.Fingerprint(nil), rec.Snapshot.Inputs...)
	out.Snapshot.Outputs = append([]fingerprint.Fingerprint(nil), rec.Snapshot.Outputs...)
	return &out
}

func validate(rec *Record) error {
	if rec == nil || rec.Task == "" {
		return errors.New("record task is required")
	}
	return nil
}
