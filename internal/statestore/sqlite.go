package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/flexinfer/forge/internal/fingerprint"
)

// DefaultSQLitePath is used when no path is configured.
const DefaultSQLitePath = ".forge/state.db"

// SQLiteStore keeps records in a local SQLite database.
// Uses WAL mode so that a crashed build never corrupts earlier records.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate runs idempotent schema migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_records (
			task        TEXT PRIMARY KEY,
			signature   TEXT NOT NULL DEFAULT '',
			inputs      TEXT NOT NULL DEFAULT '[]',
			outputs     TEXT NOT NULL DEFAULT '[]',
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_records_recorded ON task_records(recorded_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (map[string]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task, signature, inputs, outputs, recorded_at FROM task_records`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Record)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.Task] = rec
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, task string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task, signature, inputs, outputs, recorded_at FROM task_records WHERE task = ?`, task)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	inputs, err := json.Marshal(nonNil(rec.Snapshot.Inputs))
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	outputs, err := json.Marshal(nonNil(rec.Snapshot.Outputs))
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_records (task, signature, inputs, outputs, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task) DO UPDATE SET
			signature = excluded.signature,
			inputs = excluded.inputs,
			outputs = excluded.outputs,
			recorded_at = excluded.recorded_at`,
		rec.Task, rec.Snapshot.Signature, string(inputs), string(outputs), recordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.Task, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, tasks ...string) error {
	if len(tasks) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM task_records`)
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_records WHERE task = ?`, t); err != nil {
			return fmt.Errorf("delete record %s: %w", t, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Kind() string { return KindSQLite }

// Close cleanly shuts down the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec             Record
		inputs, outputs string
		recordedAt      int64
	)
	if err := row.Scan(&rec.Task, &rec.Snapshot.Signature, &inputs, &outputs, &recordedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputs), &rec.Snapshot.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs of %s: %w", rec.Task, err)
	}
	if err := json.Unmarshal([]byte(outputs), &rec.Snapshot.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs of %s: %w", rec.Task, err)
	}
	rec.RecordedAt = time.Unix(0, recordedAt).UTC()
	return &rec, nil
}

func nonNil(fps []fingerprint.Fingerprint) []fingerprint.Fingerprint {
	if fps == nil {
		return []fingerprint.Fingerprint{}
	}
	return fps
}

var _ Store = (*SQLiteStore)(nil)
