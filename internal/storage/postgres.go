package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/moldsim/internal/config"
	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	return NewPostgresClientDSN(ctx, cfg.DSN(), cfg.MaxConnections)
}

func NewPostgresClientDSN(ctx context.Context, dsn string, maxConns int) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id         UUID PRIMARY KEY,
	machine_id TEXT NOT NULL,
	seed       BIGINT NOT NULL,
	policy     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS readings (
	run_id              UUID NOT NULL REFERENCES runs(id),
	ts                  TIMESTAMPTZ NOT NULL,
	stage               TEXT NOT NULL,
	melt_temp           DOUBLE PRECISION NOT NULL,
	injection_pressure  DOUBLE PRECISION NOT NULL,
	vibration_amplitude DOUBLE PRECISION NOT NULL,
	vibration_frequency DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_run_ts ON readings(run_id, ts);
`

var readingColumns = []string{
	"run_id", "ts", "stage",
	"melt_temp", "injection_pressure", "vibration_amplitude", "vibration_frequency",
}

// PostgresRepository batches readings and writes them with COPY.
type PostgresRepository struct {
	client *PostgresClient
	batch  *batcher
	logger *zap.Logger
}

func NewPostgresRepository(ctx context.Context, client *PostgresClient, batchSize int, flushInterval time.Duration, logger *zap.Logger) (*PostgresRepository, error) {
	if _, err := client.pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	repo := &PostgresRepository{client: client, logger: logger}
	repo.batch = newBatcher(batchSize, flushInterval, logger, repo.copyRows)

	logger.Info("PostgreSQL reading archive opened",
		zap.Int("batch_size", batchSize),
		zap.Duration("flush_interval", flushInterval))

	return repo, nil
}

func (p *PostgresRepository) StartRun(ctx context.Context, run Run) error {
	_, err := p.client.pool.Exec(ctx,
		`INSERT INTO runs (id, machine_id, seed, policy, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.MachineID, int64(run.Seed), run.Policy, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (p *PostgresRepository) SaveReading(ctx context.Context, runID uuid.UUID, r machine.Reading) error {
	return p.batch.add(ctx, row{runID: runID, reading: r})
}

func (p *PostgresRepository) Flush(ctx context.Context) error {
	return p.batch.flush(ctx)
}

func (p *PostgresRepository) copyRows(ctx context.Context, rows []row) error {
	n, err := p.client.pool.CopyFrom(ctx, pgx.Identifier{"readings"}, readingColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i].reading
			return []any{rows[i].runID, r.Timestamp, string(r.Stage),
				r.MeltTemp, r.InjectionPressure, r.VibrationAmplitude, r.VibrationFrequency}, nil
		}))
	if err != nil {
		return fmt.Errorf("failed to copy readings: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copied %d of %d readings", n, len(rows))
	}
	return nil
}

func (p *PostgresRepository) ReadingsBetween(ctx context.Context, runID uuid.UUID, from, to time.Time) ([]machine.Reading, error) {
	rows, err := p.client.pool.Query(ctx, `SELECT ts, stage, melt_temp, injection_pressure, vibration_amplitude, vibration_frequency
		FROM readings WHERE run_id = $1 AND ts BETWEEN $2 AND $3 ORDER BY ts`,
		runID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []machine.Reading
	for rows.Next() {
		var (
			stage string
			r     machine.Reading
		)
		if err := rows.Scan(&r.Timestamp, &stage, &r.MeltTemp, &r.InjectionPressure, &r.VibrationAmplitude, &r.VibrationFrequency); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.Stage = machine.Stage(stage)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}

// Close flushes pending readings and closes the pool.
func (p *PostgresRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.batch.close(ctx)
	p.client.Close()
	if err == nil {
		p.logger.Info("PostgreSQL reading archive closed")
	}
	return err
}
