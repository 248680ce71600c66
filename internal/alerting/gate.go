// Package alerting scores live readings for an upcoming part failure and
// raises rate limited alerts.
package alerting

import (
	"sync"
	"time"
)

const (
	DefaultThreshold = 0.5
	DefaultCooldown  = 5 * time.Minute
)

// Gate lets an alert through when the probability is strictly above the
// threshold and the previous alert is at least cooldown old.
type Gate struct {
	threshold float64
	cooldown  time.Duration

	mu   sync.Mutex
	last time.Time
	sent bool
}

func NewGate(threshold float64, cooldown time.Duration) *Gate {
	return &Gate{threshold: threshold, cooldown: cooldown}
}

func (g *Gate) Threshold() float64 {
	return g.threshold
}

// Allow reports whether an alert for probability at time now may be sent and
// records it if so.
func (g *Gate) Allow(probability float64, now time.Time) bool {
	if probability <= g.threshold {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sent && now.Sub(g.last) < g.cooldown {
		return false
	}
	g.last = now
	g.sent = true
	return true
}
