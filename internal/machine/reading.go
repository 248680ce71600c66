package machine

import "time"

// Sensor names one of the four synthesized channels.
type Sensor string

const (
	SensorMeltTemp           Sensor = "melt_temp"
	SensorInjectionPressure  Sensor = "injection_pressure"
	SensorVibrationAmplitude Sensor = "vibration_amplitude"
	SensorVibrationFrequency Sensor = "vibration_frequency"
)

var Sensors = []Sensor{
	SensorMeltTemp,
	SensorInjectionPressure,
	SensorVibrationAmplitude,
	SensorVibrationFrequency,
}

// Reading is one tick of telemetry. Readings are passed by value and never
// modified after they are published.
type Reading struct {
	Timestamp          time.Time `json:"timestamp"`
	Stage              Stage     `json:"stage"`
	MeltTemp           float64   `json:"melt_temp"`
	InjectionPressure  float64   `json:"injection_pressure"`
	VibrationAmplitude float64   `json:"vibration_amplitude"`
	VibrationFrequency float64   `json:"vibration_frequency"`
}

// Value returns the reading's value for sensor s.
func (r Reading) Value(s Sensor) float64 {
	switch s {
	case SensorMeltTemp:
		return r.MeltTemp
	case SensorInjectionPressure:
		return r.InjectionPressure
	case SensorVibrationAmplitude:
		return r.VibrationAmplitude
	case SensorVibrationFrequency:
		return r.VibrationFrequency
	}
	return 0
}

func (r *Reading) set(s Sensor, v float64) {
	switch s {
	case SensorMeltTemp:
		r.MeltTemp = v
	case SensorInjectionPressure:
		r.InjectionPressure = v
	case SensorVibrationAmplitude:
		r.VibrationAmplitude = v
	case SensorVibrationFrequency:
		r.VibrationFrequency = v
	}
}

// IsZero reports whether all four sensor values are 0.0.
func (r Reading) IsZero() bool {
	return r.MeltTemp == 0 && r.InjectionPressure == 0 &&
		r.VibrationAmplitude == 0 && r.VibrationFrequency == 0
}
