package publish

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
)

// ObjectNode is the parent node of the six telemetry variables.
const ObjectNode = "InjectionMouldingMachine"

const (
	NodeMeltTemp           = "MeltTemp"
	NodeInjectionPressure  = "InjectionPressure"
	NodeVibrationAmplitude = "VibrationAmplitude"
	NodeVibrationFrequency = "VibrationFrequency"
	NodeStage              = "Stage"
	NodeTimestamp          = "Timestamp"
)

// NodeNames lists the telemetry variables in register order.
var NodeNames = []string{
	NodeMeltTemp,
	NodeInjectionPressure,
	NodeVibrationAmplitude,
	NodeVibrationFrequency,
	NodeStage,
	NodeTimestamp,
}

type Node struct {
	Path  string `json:"path"`
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// NodeRegistry holds the latest value of every telemetry variable. Each
// publish overwrites the previous reading; there is no queue.
type NodeRegistry struct {
	mu      sync.RWMutex
	latest  machine.Reading
	has     bool
	updates uint64
}

func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{}
}

func (n *NodeRegistry) Publish(_ context.Context, r machine.Reading) error {
	n.mu.Lock()
	n.latest = r
	n.has = true
	n.updates++
	n.mu.Unlock()
	return nil
}

func (n *NodeRegistry) Flush(context.Context) error { return nil }
func (n *NodeRegistry) Close() error                { return nil }

// Latest returns the most recent reading, if any was published.
func (n *NodeRegistry) Latest() (machine.Reading, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.latest, n.has
}

// Updates returns how many readings were written.
func (n *NodeRegistry) Updates() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.updates
}

// Nodes returns the six variables of the latest reading. Timestamp is unix
// seconds with fractional part.
func (n *NodeRegistry) Nodes() []Node {
	r, _ := n.Latest()
	values := map[string]any{
		NodeMeltTemp:           r.MeltTemp,
		NodeInjectionPressure:  r.InjectionPressure,
		NodeVibrationAmplitude: r.VibrationAmplitude,
		NodeVibrationFrequency: r.VibrationFrequency,
		NodeStage:              string(r.Stage),
		NodeTimestamp:          unixSeconds(r.Timestamp),
	}

	nodes := make([]Node, 0, len(NodeNames))
	for _, name := range NodeNames {
		nodes = append(nodes, Node{
			Path:  ObjectNode + "." + name,
			Name:  name,
			Value: values[name],
		})
	}
	return nodes
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
