package types

// MachineProfileDefinition is the on-disk form of a simulated machine.
type MachineProfileDefinition struct {
	SchemaVersion string                            `json:"schema_version"`
	Name          string                            `json:"name"`
	Description   string                            `json:"description,omitempty"`
	Stages        map[string]StageProfileDefinition `json:"stages"`
}

type StageProfileDefinition struct {
	DurationSeconds float64                    `json:"duration_seconds"`
	Driven          *DrivenSensorDefinition    `json:"driven,omitempty"`
	Jitter          bool                       `json:"jitter,omitempty"`
	AnomalySensor   string                     `json:"anomaly_sensor,omitempty"`
	Ranges          map[string]RangeDefinition `json:"ranges"`
}

type DrivenSensorDefinition struct {
	Sensor    string `json:"sensor"`
	Direction string `json:"direction"`
}

type RangeDefinition struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}
