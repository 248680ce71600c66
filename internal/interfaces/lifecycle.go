package interfaces

import (
	"context"

	"github.com/KevinKickass/moldsim/internal/collector"
	"github.com/KevinKickass/moldsim/internal/config"
	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/KevinKickass/moldsim/internal/publish"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State             string   `json:"state"`
	MachineID         string   `json:"machine_id"`
	FailurePolicy     string   `json:"failure_policy"`
	Sinks             []string `json:"sinks"`
	NodeUpdates       uint64   `json:"node_updates"`
	LiveClients       int      `json:"live_clients"`
	StreamSubscribers int      `json:"stream_subscribers"`
	UptimeSeconds     float64  `json:"uptime_seconds"`
	Error             string   `json:"error,omitempty"`
}

type LifecycleManager interface {
	Config() *config.Config
	MachineController() *machine.Controller
	Nodes() *publish.NodeRegistry
	Capture() collector.CaptureSwitch
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
