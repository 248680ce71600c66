package publish

import (
	"context"

	"github.com/KevinKickass/moldsim/internal/api/websocket"
	"github.com/KevinKickass/moldsim/internal/machine"
)

// Broadcaster is the non-blocking side of the websocket hub.
type Broadcaster interface {
	Broadcast(msg websocket.Message) bool
}

// HubSink pushes every reading to the websocket hub as a "reading" message.
type HubSink struct {
	hub Broadcaster
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (h *HubSink) Publish(_ context.Context, r machine.Reading) error {
	if !h.hub.Broadcast(websocket.NewReadingMessage(r.Timestamp, r)) {
		return ErrDropped
	}
	return nil
}

func (h *HubSink) Flush(context.Context) error { return nil }
func (h *HubSink) Close() error                { return nil }
