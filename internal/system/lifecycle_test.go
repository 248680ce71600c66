package system

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/moldsim/internal/config"
	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/KevinKickass/moldsim/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.Simulator.MachineID = "press-test"
	cfg.Server.HTTPPort = 0
	cfg.Server.GRPCPort = 0
	cfg.Server.ModbusPort = 0
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(dir, "readings.db")
	cfg.Storage.BatchSize = 16
	cfg.Collector.CaptureFile = filepath.Join(dir, "capture")
	return cfg
}

func TestOrchestratorOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Simulator.Seed = 99
	cfg.Simulator.TickRateHz = 20
	cfg.Failure.Policy = "scheduled"
	cfg.Failure.DriftPercent = 0.3

	opts := OrchestratorOptions(cfg)
	assert.Equal(t, uint64(99), opts.Seed)
	assert.Equal(t, 20.0, opts.TickRate)
	assert.Equal(t, machine.PolicyScheduled, opts.Failure.Policy)
	assert.Equal(t, 0.3, opts.Failure.DriftPercent)
	assert.Equal(t, 30*time.Second, opts.Failure.RecoveryPause)
	require.NoError(t, opts.Validate())
}

func TestLoadProfileDefaultsToBuiltIn(t *testing.T) {
	cfg := testConfig(t)
	profile, err := LoadProfile(cfg)
	require.NoError(t, err)
	assert.Equal(t, machine.DefaultProfile(), profile)

	cfg.Simulator.ProfilePath = filepath.Join(t.TempDir(), "missing.json")
	_, err = LoadProfile(cfg)
	assert.Error(t, err)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StateInitializing, StateRunning))
	assert.NoError(t, ValidateTransition(StateRunning, StateStopping))
	assert.ErrorIs(t, ValidateTransition(StateStopped, StateRunning), ErrInvalidTransition)
	assert.ErrorIs(t, ValidateTransition(StateStopped, StateInitializing), ErrInvalidTransition)
	assert.Error(t, ValidateTransition(SystemState(42), StateRunning))
}

func TestLifecycleRunsAndArchives(t *testing.T) {
	cfg := testConfig(t)
	cfg.Simulator.Autostart = true

	lm, err := NewLifecycleManager(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"nodes", "websocket", "grpc", "archive", "alerting"}, lm.GetCurrentStatus().Sinks)

	require.NoError(t, lm.Start())
	assert.Equal(t, "RUNNING", lm.GetCurrentStatus().State)

	require.Eventually(t, func() bool { return lm.Nodes().Updates() >= 20 }, 5*time.Second, 10*time.Millisecond)

	status := lm.MachineController().GetStatus()
	assert.Equal(t, machine.StateRunning, status.State)
	runID, err := uuid.Parse(status.RunID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, lm.Shutdown(ctx))
	assert.Equal(t, "STOPPED", lm.GetCurrentStatus().State)

	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	repo, err := storage.NewSQLiteRepository(cfg.Storage.SQLitePath, 16, 0, zap.NewNop())
	require.NoError(t, err)
	defer repo.Close()

	readings, err := repo.ReadingsBetween(context.Background(), runID, time.Unix(0, 0), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(readings), 20)
	assert.Equal(t, machine.StagePreInjection, readings[0].Stage)
}

func TestLifecycleRejectsBrokenProfile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "none"
	cfg.Simulator.ProfilePath = "does-not-exist.json"

	_, err := NewLifecycleManager(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
