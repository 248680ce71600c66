package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	seed       INTEGER NOT NULL,
	policy     TEXT NOT NULL,
	started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS readings (
	run_id              TEXT NOT NULL REFERENCES runs(id),
	ts_us               INTEGER NOT NULL,
	stage               TEXT NOT NULL,
	melt_temp           REAL NOT NULL,
	injection_pressure  REAL NOT NULL,
	vibration_amplitude REAL NOT NULL,
	vibration_frequency REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_run_ts ON readings(run_id, ts_us);
`

type SQLiteRepository struct {
	db     *sql.DB
	batch  *batcher
	logger *zap.Logger
}

func NewSQLiteRepository(path string, batchSize int, flushInterval time.Duration, logger *zap.Logger) (*SQLiteRepository, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_auto_vacuum=2&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps WAL writes serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	repo := &SQLiteRepository{db: db, logger: logger}
	repo.batch = newBatcher(batchSize, flushInterval, logger, repo.insert)

	logger.Info("SQLite reading archive opened",
		zap.String("path", path),
		zap.Int("batch_size", batchSize),
		zap.Duration("flush_interval", flushInterval))

	return repo, nil
}

func (s *SQLiteRepository) StartRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, machine_id, seed, policy, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID.String(), run.MachineID, int64(run.Seed), run.Policy, run.StartedAt.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) SaveReading(ctx context.Context, runID uuid.UUID, r machine.Reading) error {
	return s.batch.add(ctx, row{runID: runID, reading: r})
}

func (s *SQLiteRepository) Flush(ctx context.Context) error {
	return s.batch.flush(ctx)
}

func (s *SQLiteRepository) insert(ctx context.Context, rows []row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO readings
		(run_id, ts_us, stage, melt_temp, injection_pressure, vibration_amplitude, vibration_frequency)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, item := range rows {
		r := item.reading
		if _, err := stmt.ExecContext(ctx, item.runID.String(), r.Timestamp.UnixMicro(), string(r.Stage),
			r.MeltTemp, r.InjectionPressure, r.VibrationAmplitude, r.VibrationFrequency); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
			}
			return fmt.Errorf("failed to insert reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReadingsBetween returns flushed readings of runID with from <= ts <= to,
// ordered by timestamp.
func (s *SQLiteRepository) ReadingsBetween(ctx context.Context, runID uuid.UUID, from, to time.Time) ([]machine.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts_us, stage, melt_temp, injection_pressure, vibration_amplitude, vibration_frequency
		FROM readings WHERE run_id = ? AND ts_us BETWEEN ? AND ? ORDER BY ts_us, rowid`,
		runID.String(), from.UnixMicro(), to.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []machine.Reading
	for rows.Next() {
		var (
			tsUS  int64
			stage string
			r     machine.Reading
		)
		if err := rows.Scan(&tsUS, &stage, &r.MeltTemp, &r.InjectionPressure, &r.VibrationAmplitude, &r.VibrationFrequency); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.Timestamp = time.UnixMicro(tsUS)
		r.Stage = machine.Stage(stage)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	flushErr := s.batch.close(ctx)

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("WAL checkpoint failed", zap.Error(err))
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	if flushErr != nil {
		return flushErr
	}

	s.logger.Info("SQLite reading archive closed")
	return nil
}
