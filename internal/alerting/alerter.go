package alerting

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/moldsim/internal/api/websocket"
	"github.com/KevinKickass/moldsim/internal/machine"
	"go.uber.org/zap"
)

// Broadcaster receives alert messages, usually the websocket hub.
type Broadcaster interface {
	Broadcast(msg websocket.Message) bool
}

// Alerter is a reading sink that scores every reading and broadcasts the
// alerts the gate lets through.
type Alerter struct {
	gate   *Gate
	hub    Broadcaster
	logger *zap.Logger

	mu     sync.Mutex
	scorer *Scorer

	alerts atomic.Int64
}

func NewAlerter(scorer *Scorer, gate *Gate, hub Broadcaster, logger *zap.Logger) *Alerter {
	return &Alerter{
		scorer: scorer,
		gate:   gate,
		hub:    hub,
		logger: logger,
	}
}

func (a *Alerter) Publish(_ context.Context, r machine.Reading) error {
	a.mu.Lock()
	probability := a.scorer.Observe(r)
	a.mu.Unlock()

	if !a.gate.Allow(probability, r.Timestamp) {
		return nil
	}

	a.alerts.Add(1)
	a.logger.Warn("Part failure predicted",
		zap.Float64("probability", probability),
		zap.Float64("threshold", a.gate.Threshold()),
		zap.String("stage", string(r.Stage)),
		zap.Time("reading_time", r.Timestamp))

	if a.hub != nil && !a.hub.Broadcast(websocket.NewAlertMessage(probability, a.gate.Threshold(), string(r.Stage))) {
		a.logger.Warn("Alert broadcast dropped")
	}
	return nil
}

// Alerts is the number of alerts raised so far.
func (a *Alerter) Alerts() int64 {
	return a.alerts.Load()
}

func (a *Alerter) Flush(context.Context) error { return nil }
func (a *Alerter) Close() error                { return nil }
