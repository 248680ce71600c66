package machine

import "time"

// State is the run state of the simulator as seen by operators.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

type Command string

const (
	CommandStart Command = "start"
	CommandStop  Command = "stop"
	CommandReset Command = "reset"
)

// Stage is one phase of the molding cycle.
type Stage string

const (
	StagePreInjection    Stage = "PreInjection"
	StageInjection       Stage = "Injection"
	StageHolding         Stage = "Holding"
	StageCooling         Stage = "Cooling"
	StageWaiting         Stage = "Waiting"
	StagePartReplacement Stage = "PartReplacement"
)

// CycleStages is the fixed order of one production cycle.
var CycleStages = []Stage{
	StagePreInjection,
	StageInjection,
	StageHolding,
	StageCooling,
	StageWaiting,
}

var stageCodes = map[Stage]uint16{
	StagePreInjection:    1,
	StageInjection:       2,
	StageHolding:         3,
	StageCooling:         4,
	StageWaiting:         5,
	StagePartReplacement: 6,
}

// Code returns the numeric stage code used on register based transports.
// Unknown stages map to 0.
func (s Stage) Code() uint16 {
	return stageCodes[s]
}

// StageFromCode is the inverse of Stage.Code.
func StageFromCode(code uint16) (Stage, bool) {
	for stage, c := range stageCodes {
		if c == code {
			return stage, true
		}
	}
	return "", false
}

// MachineState is owned by the Orchestrator and changes only at stage transitions.
type MachineState struct {
	Stage          Stage     `json:"stage"`
	StageEnteredAt time.Time `json:"stage_entered_at"`
	Cycle          int       `json:"cycle"`
}

type MachineStatus struct {
	State            State     `json:"state"`
	RunID            string    `json:"run_id,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	Stage            Stage     `json:"stage,omitempty"`
	StageEnteredAt   time.Time `json:"stage_entered_at"`
	Anomaly          Sensor    `json:"anomaly,omitempty"`
	Cycle            int       `json:"cycle"`
	CompletedCycles  int       `json:"completed_cycles"`
	AbortedCycles    int       `json:"aborted_cycles"`
	PartReplacements int       `json:"part_replacements"`
	PublishErrors    int64     `json:"publish_errors"`
	LastReading      *Reading  `json:"last_reading,omitempty"`
	LastStateChange  time.Time `json:"last_state_change"`
}
