package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/moldsim/internal/alerting"
	"github.com/KevinKickass/moldsim/internal/api/rest"
	"github.com/KevinKickass/moldsim/internal/api/websocket"
	"github.com/KevinKickass/moldsim/internal/auth"
	"github.com/KevinKickass/moldsim/internal/collector"
	"github.com/KevinKickass/moldsim/internal/config"
	"github.com/KevinKickass/moldsim/internal/devices"
	"github.com/KevinKickass/moldsim/internal/interfaces"
	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/KevinKickass/moldsim/internal/modbus"
	"github.com/KevinKickass/moldsim/internal/publish"
	"github.com/KevinKickass/moldsim/internal/storage"
	"github.com/KevinKickass/moldsim/internal/streaming"
	"github.com/KevinKickass/moldsim/internal/telemetry"
	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// LifecycleManager builds the simulator and all of its transports from the
// configuration and starts and stops them together.
type LifecycleManager struct {
	config            *config.Config
	logger            *zap.Logger
	machineController *machine.Controller
	orchestrator      *machine.Orchestrator

	nodes       *publish.NodeRegistry
	fanout      *publish.Fanout
	streamer    *streaming.ReadingStreamer
	wsHub       *websocket.Hub
	authService *auth.AuthService
	repository  storage.Repository
	archiveSink *publish.ArchiveSink
	capture     collector.CaptureSwitch
	meters      *sdkmetric.MeterProvider

	restServer   *rest.Server
	grpcServer   *grpc.Server
	modbusServer *modbus.Server
	hubCancel    context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string
	startedAt    time.Time

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// OrchestratorOptions maps the configuration onto the simulation engine options.
func OrchestratorOptions(cfg *config.Config) machine.Options {
	opts := machine.DefaultOptions()
	s := cfg.Simulator
	opts.Seed = s.Seed
	opts.TickRate = s.TickRateHz
	opts.AnomalyProbability = s.AnomalyProbability
	opts.NoiseFraction = s.NoiseFraction
	opts.PeriodicPeriod = s.PeriodicPeriod
	opts.JitterFraction = s.JitterFraction
	opts.StallFactor = s.StallFactor

	f := cfg.Failure
	opts.Failure = machine.FailureOptions{
		Policy:              machine.PolicyKind(f.Policy),
		ToleranceFraction:   f.ToleranceFraction,
		RecoveryPause:       f.RecoveryPause,
		ImminentProbability: f.ImminentProbability,
		MinCyclesToFailure:  f.MinCyclesToFailure,
		MaxCyclesToFailure:  f.MaxCyclesToFailure,
		DriftPercent:        f.DriftPercent,
		ReplacementPause:    f.ReplacementPause,
	}
	return opts
}

// LoadProfile returns the configured machine profile, or the built-in one
// when no profile path is set.
func LoadProfile(cfg *config.Config) (machine.Profile, error) {
	if cfg.Simulator.ProfilePath == "" {
		return machine.DefaultProfile(), nil
	}

	loader, err := devices.NewProfileLoader([]string{"configs/profiles"})
	if err != nil {
		return machine.Profile{}, err
	}
	return loader.Load(cfg.Simulator.ProfilePath)
}

// NewLifecycleManager wires every component. Extra options are handed to
// the orchestrator, e.g. a manual clock in tests.
func NewLifecycleManager(ctx context.Context, cfg *config.Config, logger *zap.Logger, options ...machine.Option) (*LifecycleManager, error) {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		nodes:        publish.NewNodeRegistry(),
		fanout:       publish.NewFanout(),
		streamer:     streaming.NewReadingStreamer(),
		authService:  auth.NewAuthService(cfg.Auth, logger),
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}

	profile, err := LoadProfile(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load machine profile: %w", err)
	}

	var validator websocket.TokenValidator
	if cfg.Auth.Enabled {
		validator = lm.authService
	}
	lm.wsHub = websocket.NewHub(logger, validator)

	if cfg.Collector.CaptureFile != "" {
		lm.capture = collector.NewCaptureFile(cfg.Collector.CaptureFile)
	}

	lm.fanout.Add("nodes", lm.nodes)
	lm.fanout.Add("websocket", publish.NewHubSink(lm.wsHub))
	lm.fanout.Add("grpc", lm.streamer)

	if cfg.Publish.Kafka.Enabled {
		writer := publish.NewKafkaWriter(cfg.Publish.Kafka.Brokers, cfg.Publish.Kafka.Topic, logger)
		lm.fanout.Add("kafka", publish.NewKafkaSink(writer, cfg.Simulator.MachineID))
	}

	lm.repository, err = storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if lm.repository != nil {
		lm.archiveSink = publish.NewArchiveSink(lm.repository, uuid.Nil)
		lm.fanout.Add("archive", lm.archiveSink)
	}

	alerter := alerting.NewAlerter(
		alerting.NewScorer(profile, alerting.DefaultWindow, alerting.DefaultReference),
		alerting.NewGate(cfg.Alerting.Threshold, cfg.Alerting.Cooldown),
		lm.wsHub, logger)
	lm.fanout.Add("alerting", alerter)

	lm.meters, err = telemetry.NewMeterProvider(ctx, cfg.Metrics, cfg.Simulator.MachineID, logger)
	if err != nil {
		lm.closeStorage()
		return nil, err
	}
	metricsObserver, err := telemetry.NewObserver(lm.meters)
	if err != nil {
		lm.closeStorage()
		return nil, err
	}

	lm.machineController = machine.NewController(logger, lm.wsHub)
	lm.machineController.SetRunHook(lm.startRun)

	observers := machine.Observers{lm.machineController, metricsObserver}
	options = append([]machine.Option{machine.WithObserver(observers)}, options...)
	lm.orchestrator, err = machine.NewOrchestrator(logger, OrchestratorOptions(cfg), profile, lm.fanout, options...)
	if err != nil {
		lm.closeStorage()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	lm.machineController.SetOrchestrator(lm.orchestrator)

	logger.Info("System assembled",
		zap.String("machine_id", cfg.Simulator.MachineID),
		zap.String("failure_policy", cfg.Failure.Policy),
		zap.Strings("sinks", lm.fanout.Names()))

	return lm, nil
}

func (lm *LifecycleManager) startRun(ctx context.Context, runID uuid.UUID) error {
	if lm.repository == nil {
		return nil
	}

	run := storage.Run{
		ID:        runID,
		MachineID: lm.config.Simulator.MachineID,
		Seed:      lm.config.Simulator.Seed,
		Policy:    lm.config.Failure.Policy,
		StartedAt: time.Now().UTC(),
	}
	if err := lm.repository.StartRun(ctx, run); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	lm.archiveSink.SetRun(runID)

	lm.logger.Info("Run started", zap.String("run_id", runID.String()))
	return nil
}

// MachineController returns the machine controller
func (lm *LifecycleManager) MachineController() *machine.Controller {
	return lm.machineController
}

// Orchestrator returns the simulation engine driven by the controller.
func (lm *LifecycleManager) Orchestrator() *machine.Orchestrator {
	return lm.orchestrator
}

func (lm *LifecycleManager) Nodes() *publish.NodeRegistry {
	return lm.nodes
}

func (lm *LifecycleManager) Capture() collector.CaptureSwitch {
	return lm.capture
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// Done is closed once Shutdown completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Start starts the entire system
func (lm *LifecycleManager) Start() error {
	lm.logger.Info("Starting moldsim")

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	go lm.wsHub.Run(hubCtx)

	if err := lm.startModbusServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start Modbus server: %w", err))
		return err
	}

	if err := lm.startGRPCServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start gRPC: %w", err))
		return err
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	if lm.config.Simulator.Autostart {
		if err := lm.machineController.Start(); err != nil {
			lm.setError(fmt.Errorf("failed to start simulation: %w", err))
			return err
		}
	}

	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.stateMu.Unlock()
	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("grpc_port", lm.config.Server.GRPCPort),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("modbus_port", lm.config.Server.ModbusPort),
		zap.Bool("autostart", lm.config.Simulator.Autostart))

	return nil
}

func (lm *LifecycleManager) startModbusServer() error {
	addr := fmt.Sprintf(":%d", lm.config.Server.ModbusPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	lm.modbusServer = modbus.NewServer(lm.nodes, lm.logger)
	go func() {
		lm.logger.Info("Modbus server listening", zap.String("address", lis.Addr().String()))
		if err := lm.modbusServer.Serve(lis); err != nil {
			lm.logger.Error("Modbus server failed", zap.Error(err))
		}
	}()
	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	streaming.RegisterTelemetryServer(lm.grpcServer, streaming.NewTelemetryService(lm.streamer, lm.nodes, lm.logger))

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", streaming.TelemetryServiceName))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	// the simulation flushes the sinks on its way out
	if lm.machineController.GetStatus().State == machine.StateRunning {
		if err := lm.machineController.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("simulation stop failed: %w", err))
		}
	}

	// closing the sinks ends the open telemetry streams
	if err := lm.fanout.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sink close failed: %w", err))
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 3)

	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	if lm.modbusServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lm.modbusServer.Close(); err != nil {
				errChan <- fmt.Errorf("modbus shutdown failed: %w", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}
	close(errChan)
	for err := range errChan {
		errs = append(errs, err)
	}

	if lm.hubCancel != nil {
		lm.hubCancel()
	}

	if err := lm.closeStorage(); err != nil {
		errs = append(errs, err)
	}

	if err := lm.meters.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("metrics shutdown failed: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) closeStorage() error {
	if lm.repository == nil {
		return nil
	}
	if err := lm.repository.Close(); err != nil {
		return fmt.Errorf("storage close failed: %w", err)
	}
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))

	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err.Error()
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{
		State:             lm.currentState.String(),
		MachineID:         lm.config.Simulator.MachineID,
		FailurePolicy:     string(lm.orchestrator.Policy().Kind()),
		Sinks:             lm.fanout.Names(),
		NodeUpdates:       lm.nodes.Updates(),
		LiveClients:       lm.wsHub.GetClientCount(),
		StreamSubscribers: lm.streamer.SubscriberCount(),
		Error:             lm.lastError,
	}
	if !lm.startedAt.IsZero() {
		status.UptimeSeconds = time.Since(lm.startedAt).Seconds()
	}
	return status
}
