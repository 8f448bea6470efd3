//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"edgebrain/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error {
	if err := validateRunID(checkpoint.RunID); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	summary := Summarize(checkpoint)

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, schema_version, codec_version, step, nodes, edges, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			step = excluded.step,
			nodes = excluded.nodes,
			edges = excluded.edges,
			updated_at = excluded.updated_at,
			payload = excluded.payload
	`, checkpoint.RunID, checkpoint.SchemaVersion, checkpoint.CodecVersion,
		summary.Step, summary.Nodes, summary.Edges, summary.UpdatedAt.UnixNano(), payload)
	return err
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.Checkpoint{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Checkpoint{}, false, nil
		}
		return model.Checkpoint{}, false, err
	}

	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return checkpoint, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]model.RunSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id, step, nodes, edges, updated_at
		FROM checkpoints
		ORDER BY updated_at DESC, run_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []model.RunSummary
	for rows.Next() {
		var run model.RunSummary
		var updated int64
		if err := rows.Scan(&run.RunID, &run.Step, &run.Nodes, &run.Edges, &updated); err != nil {
			return nil, err
		}
		run.UpdatedAt = time.Unix(0, updated).UTC()
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, runID string, history ...model.StepMetrics) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range history {
		payload, err := EncodeStepMetrics(row)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history (run_id, step, payload)
			VALUES (?, ?, ?)
			ON CONFLICT(run_id, step) DO UPDATE SET
				payload = excluded.payload
		`, runID, row.Step, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetHistory(ctx context.Context, runID string) ([]model.StepMetrics, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}

	rows, err := db.QueryContext(ctx, `SELECT payload FROM history WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var history []model.StepMetrics
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, false, err
		}
		row, err := DecodeStepMetrics(payload)
		if err != nil {
			return nil, false, fmt.Errorf("decode history %s: %w", runID, err)
		}
		history = append(history, row)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return history, len(history) > 0, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT PRIMARY KEY,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			step INTEGER NOT NULL,
			nodes INTEGER NOT NULL,
			edges INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS history (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (run_id, step)
		);
	`)
	return err
}
