package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/moldsim/internal/config"
	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readingsAt(start time.Time, n int) []machine.Reading {
	out := make([]machine.Reading, n)
	for i := range out {
		out[i] = machine.Reading{
			Timestamp:          start.Add(time.Duration(i) * 10 * time.Millisecond),
			Stage:              machine.StagePreInjection,
			MeltTemp:           50 + float64(i),
			InjectionPressure:  50,
			VibrationAmplitude: 0.25,
			VibrationFrequency: 10,
		}
	}
	return out
}

func exerciseRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()

	run := Run{
		ID:        uuid.New(),
		MachineID: "imm-01",
		Seed:      7,
		Policy:    "scheduled",
		StartedAt: time.UnixMicro(1_700_000_000_000_000),
	}
	require.NoError(t, repo.StartRun(ctx, run))

	readings := readingsAt(run.StartedAt, 10)
	for _, r := range readings {
		require.NoError(t, repo.SaveReading(ctx, run.ID, r))
	}

	// batch size 4: the flusher writes two full batches, two readings stay buffered
	require.Eventually(t, func() bool {
		got, err := repo.ReadingsBetween(ctx, run.ID, run.StartedAt, run.StartedAt.Add(time.Second))
		return err == nil && len(got) == 8
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, repo.Flush(ctx))

	got, err := repo.ReadingsBetween(ctx, run.ID, readings[2].Timestamp, readings[5].Timestamp)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, r := range got {
		want := readings[2+i]
		assert.True(t, want.Timestamp.Equal(r.Timestamp))
		assert.Equal(t, want.Stage, r.Stage)
		assert.Equal(t, want.MeltTemp, r.MeltTemp)
	}

	other, err := repo.ReadingsBetween(ctx, uuid.New(), run.StartedAt, run.StartedAt.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestSQLiteRepository(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "readings.db")

	repo, err := NewSQLiteRepository(path, 4, 0, zap.NewNop())
	require.NoError(t, err)

	exerciseRepository(t, repo)
	require.NoError(t, repo.Close())

	assert.ErrorIs(t, repo.SaveReading(context.Background(), uuid.New(), machine.Reading{}), ErrClosed)
}

func TestSQLiteCloseFlushesBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.db")
	ctx := context.Background()

	repo, err := NewSQLiteRepository(path, 100, time.Hour, zap.NewNop())
	require.NoError(t, err)

	run := Run{ID: uuid.New(), MachineID: "imm-01", Policy: "none", StartedAt: time.Now()}
	require.NoError(t, repo.StartRun(ctx, run))
	for _, r := range readingsAt(run.StartedAt, 3) {
		require.NoError(t, repo.SaveReading(ctx, run.ID, r))
	}
	require.NoError(t, repo.Close())

	reopened, err := NewSQLiteRepository(path, 100, 0, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ReadingsBetween(ctx, run.ID, run.StartedAt, run.StartedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestNewNoneDriver(t *testing.T) {
	repo, err := New(context.Background(), config.StorageConfig{Driver: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, repo)

	_, err = New(context.Background(), config.StorageConfig{Driver: "mysql"}, zap.NewNop())
	assert.Error(t, err)
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("MOLDSIM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MOLDSIM_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	client, err := NewPostgresClientDSN(ctx, dsn, 2)
	require.NoError(t, err)

	repo, err := NewPostgresRepository(ctx, client, 4, 0, zap.NewNop())
	require.NoError(t, err)
	defer repo.Close()

	exerciseRepository(t, repo)
}
