package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS forge_task_records (
    task        TEXT PRIMARY KEY,
    snapshot    JSONB NOT NULL DEFAULT '{}',
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresStore keeps records in a PostgreSQL table via a pgx pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to url and creates the schema if needed.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	if url == "" {
		return nil, errors.New("postgres url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &PostgresStore{db: pool}
	if err := s.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool. The schema is not created.
func NewPostgresStoreFromPool(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateSchema creates the records table if it doesn't exist.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Load(ctx context.Context) (map[string]*Record, error) {
	rows, err := s.db.Query(ctx, `SELECT task, snapshot, recorded_at FROM forge_task_records`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Record)
	for rows.Next() {
		var (
			rec  Record
			snap []byte
		)
		if err := rows.Scan(&rec.Task, &snap, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal(snap, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", rec.Task, err)
		}
		out[rec.Task] = &rec
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, task string) (*Record, error) {
	var (
		rec  Record
		snap []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT task, snapshot, recorded_at FROM forge_task_records WHERE task = $1`, task,
	).Scan(&rec.Task, &snap, &rec.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	if err := json.Unmarshal(snap, &rec.Snapshot); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", task, err)
	}
	return &rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	snap, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO forge_task_records (task, snapshot, recorded_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task) DO UPDATE SET snapshot = EXCLUDED.snapshot, recorded_at = EXCLUDED.recorded_at`,
		rec.Task, snap, recordedAt)
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.Task, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, tasks ...string) error {
	var err error
	if len(tasks) == 0 {
		_, err = s.db.Exec(ctx, `DELETE FROM forge_task_records`)
	} else {
		_, err = s.db.Exec(ctx, `DELETE FROM forge_task_records WHERE task = ANY($1)`, tasks)
	}
	if err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

func (s *PostgresStore) Kind() string { return KindPostgres }

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
