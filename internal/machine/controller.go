package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/moldsim/internal/api/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Controller starts and stops the orchestrator on operator commands and keeps
// a status snapshot for the APIs. It observes the run but never mutates
// orchestrator state.
type Controller struct {
	logger       *zap.Logger
	orchestrator *Orchestrator
	wsHub        *websocket.Hub

	mu           sync.RWMutex
	currentState State
	runID        uuid.UUID
	errorMessage string
	cancel       context.CancelFunc
	done         chan struct{}
	status       MachineStatus
	runHook      RunHook
}

// RunHook is called with the id of every run before it starts. An error
// keeps the run from starting.
type RunHook func(ctx context.Context, runID uuid.UUID) error

func NewController(logger *zap.Logger, wsHub *websocket.Hub) *Controller {
	return &Controller{
		logger:       logger,
		wsHub:        wsHub,
		currentState: StateStopped,
		status:       MachineStatus{LastStateChange: time.Now()},
	}
}

// SetOrchestrator configures the orchestrator driven by Start.
func (c *Controller) SetOrchestrator(o *Orchestrator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orchestrator = o
}

func (c *Controller) SetRunHook(hook RunHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runHook = hook
}

// ExecuteCommand handles operator commands
func (c *Controller) ExecuteCommand(ctx context.Context, cmd Command) error {
	c.mu.RLock()
	currentState := c.currentState
	c.mu.RUnlock()

	c.logger.Info("Machine command received",
		zap.String("command", string(cmd)),
		zap.String("current_state", string(currentState)))

	switch cmd {
	case CommandStart:
		return c.Start()
	case CommandStop:
		return c.Stop(ctx)
	case CommandReset:
		return c.Reset()
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// Start runs the orchestrator in the background until Stop is called.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.orchestrator == nil {
		c.mu.Unlock()
		return fmt.Errorf("cannot start: no orchestrator configured")
	}
	if c.currentState == StateRunning {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if c.currentState != StateStopped {
		c.mu.Unlock()
		return fmt.Errorf("cannot start: machine must be stopped (current: %s)", c.currentState)
	}

	runID := uuid.New()
	if c.runHook != nil {
		if err := c.runHook(context.Background(), runID); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("cannot start run %s: %w", runID, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.runID = runID
	orchestrator := c.orchestrator
	done := c.done
	c.mu.Unlock()

	c.setState(StateRunning, "")
	go c.run(ctx, orchestrator, done)
	return nil
}

func (c *Controller) run(ctx context.Context, o *Orchestrator, done chan struct{}) {
	defer close(done)

	err := o.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		c.setState(StateStopped, "")
		return
	}

	c.logger.Error("Simulation failed", zap.Error(err))
	c.setState(StateError, err.Error())
}

// Stop cancels the running simulation and waits until it flushed its
// publisher or ctx expires.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.currentState != StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("cannot stop: machine not running (current: %s)", c.currentState)
	}
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	c.setState(StateStopping, "")
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop simulation: %w", ctx.Err())
	}
}

func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.currentState != StateError {
		c.mu.Unlock()
		return fmt.Errorf("cannot reset: no error state (current: %s)", c.currentState)
	}
	c.mu.Unlock()

	c.setState(StateStopped, "")
	c.logger.Info("Machine reset to stopped state")
	return nil
}

// Done is closed when the current run has returned.
func (c *Controller) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

func (c *Controller) setState(state State, errorMsg string) {
	c.mu.Lock()
	previousState := c.currentState
	c.currentState = state
	c.errorMessage = errorMsg
	c.status.LastStateChange = time.Now()
	c.mu.Unlock()

	c.logger.Info("Machine state changed",
		zap.String("state", string(state)),
		zap.String("previous_state", string(previousState)),
		zap.String("error", errorMsg))

	if c.wsHub != nil {
		c.wsHub.Broadcast(websocket.NewMachineStateMessage(
			string(state),
			string(previousState),
		))
	}
}

func (c *Controller) StageEntered(state MachineState, duration time.Duration, anomaly Sensor) {
	c.mu.Lock()
	c.status.Stage = state.Stage
	c.status.StageEnteredAt = state.StageEnteredAt
	c.status.Cycle = state.Cycle
	c.status.Anomaly = anomaly
	if state.Stage == StagePartReplacement {
		c.status.PartReplacements++
	}
	c.mu.Unlock()

	if c.wsHub != nil {
		c.wsHub.Broadcast(websocket.NewStageMessage(
			string(state.Stage),
			state.Cycle,
			duration,
		))
	}
}

func (c *Controller) ReadingPublished(r Reading, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := r
	c.status.LastReading = &last
	if err != nil {
		c.status.PublishErrors++
	}
}

func (c *Controller) CycleFinished(cycle int, outcome CycleOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch outcome {
	case CycleCompleted:
		c.status.CompletedCycles++
	case CycleAborted:
		c.status.AbortedCycles++
	}
}

func (c *Controller) GetStatus() MachineStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := c.status
	status.State = c.currentState
	status.ErrorMessage = c.errorMessage
	if c.runID != uuid.Nil {
		status.RunID = c.runID.String()
	}
	if c.status.LastReading != nil {
		last := *c.status.LastReading
		status.LastReading = &last
	}
	return status
}
