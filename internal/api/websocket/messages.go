package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Telemetry messages
	MessageTypeReading MessageType = "reading"
	MessageTypeStage   MessageType = "stage"
	MessageTypeAlert   MessageType = "alert"

	// Machine state messages
	MessageTypeMachineState MessageType = "machine_state"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// KnownMessageType reports whether t can be subscribed to.
func KnownMessageType(t MessageType) bool {
	switch t {
	case MessageTypeReading, MessageTypeStage, MessageTypeAlert,
		MessageTypeMachineState, MessageTypeSystemStatus:
		return true
	}
	return false
}

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// MachineStateData represents machine state change data
type MachineStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

// StageData is sent whenever the simulator enters a stage.
type StageData struct {
	Stage    string  `json:"stage"`
	Cycle    int     `json:"cycle"`
	Duration float64 `json:"duration_seconds"`
}

type AlertData struct {
	Probability float64 `json:"probability"`
	Threshold   float64 `json:"threshold"`
	Stage       string  `json:"stage"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewReadingMessage wraps a reading. The message timestamp is the reading's
// simulated time rather than the send time.
func NewReadingMessage(ts time.Time, reading interface{}) Message {
	return Message{
		Type:      MessageTypeReading,
		Timestamp: ts,
		Data:      reading,
	}
}

func NewMachineStateMessage(newState, previousState string) Message {
	return NewMessage(MessageTypeMachineState, MachineStateData{
		State:    newState,
		Previous: previousState,
	})
}

func NewStageMessage(stage string, cycle int, duration time.Duration) Message {
	return NewMessage(MessageTypeStage, StageData{
		Stage:    stage,
		Cycle:    cycle,
		Duration: duration.Seconds(),
	})
}

func NewAlertMessage(probability, threshold float64, stage string) Message {
	return NewMessage(MessageTypeAlert, AlertData{
		Probability: probability,
		Threshold:   threshold,
		Stage:       stage,
	})
}
