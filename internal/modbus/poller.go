package modbus

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"go.uber.org/zap"
)

// ReadingHandler receives every new polled reading.
type ReadingHandler func(machine.Reading)

// PollerStats counts poll outcomes since Start.
type PollerStats struct {
	Polls    uint64
	Failures uint64
	// Stale polls returned the reading already delivered.
	Stale uint64
}

// Poller reads the simulator's registers at a fixed interval. The server only
// holds the latest tick, so a reading whose timestamp has not advanced is
// skipped rather than handed on twice.
type Poller struct {
	device   *Device
	interval time.Duration
	handler  ReadingHandler
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
	stats   PollerStats
	last    time.Time
	failing bool
}

func NewPoller(device *Device, interval time.Duration, handler ReadingHandler, logger *zap.Logger) *Poller {
	return &Poller{
		device:   device,
		interval: interval,
		handler:  handler,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins cyclic polling. A stopped poller cannot be restarted.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.running = true
	p.wg.Add(1)
	go p.pollLoop()

	p.logger.Info("Poller started",
		zap.String("device", p.device.Name),
		zap.Duration("interval", p.interval))
	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	stats := p.stats
	p.mu.Unlock()

	p.device.Disconnect()
	p.logger.Info("Poller stopped",
		zap.String("device", p.device.Name),
		zap.Uint64("polls", stats.Polls),
		zap.Uint64("failures", stats.Failures),
		zap.Uint64("stale", stats.Stale))
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval/2)
	defer cancel()

	r, err := p.device.ReadReading(ctx)

	p.mu.Lock()
	p.stats.Polls++
	if err != nil {
		p.stats.Failures++
		first := !p.failing
		p.failing = true
		p.mu.Unlock()

		// One line per outage, not one per tick.
		if first {
			p.logger.Error("Poll failed",
				zap.String("device", p.device.Name),
				zap.Error(err))
		}
		return
	}

	recovered := p.failing
	p.failing = false
	stale := !r.Timestamp.After(p.last)
	if stale {
		p.stats.Stale++
	} else {
		p.last = r.Timestamp
	}
	p.mu.Unlock()

	if recovered {
		p.logger.Info("Poll recovered", zap.String("device", p.device.Name))
	}
	if !stale {
		p.handler(r)
	}
}

func (p *Poller) Stats() PollerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
