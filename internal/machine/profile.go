package machine

import (
	"fmt"
	"math"
	"time"
)

// Direction selects the ramp mode of a sensor within a stage.
type Direction string

const (
	DirectionUp       Direction = "up"
	DirectionDown     Direction = "down"
	DirectionConstant Direction = "constant"
)

// SensorRange is the nominal (Low, High) band of a sensor in one stage.
type SensorRange struct {
	Low  float64
	High float64
}

func (r SensorRange) Span() float64 {
	return r.High - r.Low
}

func (r SensorRange) Mid() float64 {
	return (r.Low + r.High) / 2
}

// StageProfile describes how one stage synthesizes its readings and when it ends.
//
// A stage with a Driven sensor ramps that sensor in Direction and ends when the
// sensor reaches the far end of its range. A stage without one ends once
// Duration has elapsed.
type StageProfile struct {
	Ranges        map[Sensor]SensorRange
	Duration      time.Duration
	Driven        Sensor
	Direction     Direction
	Jitter        bool
	AnomalySensor Sensor
}

// Fixed reports whether the stage ends on elapsed time rather than a sensor guard.
func (sp StageProfile) Fixed() bool {
	return sp.Driven == ""
}

// Profile is the full per-stage configuration of a simulated machine.
type Profile struct {
	Name   string
	Stages map[Stage]StageProfile
}

// Stage returns the profile of stage s.
func (p Profile) Stage(s Stage) (StageProfile, bool) {
	sp, ok := p.Stages[s]
	return sp, ok
}

// Range returns the nominal range of sensor in stage.
func (p Profile) Range(stage Stage, sensor Sensor) (SensorRange, bool) {
	sp, ok := p.Stages[stage]
	if !ok {
		return SensorRange{}, false
	}
	r, ok := sp.Ranges[sensor]
	return r, ok
}

// DefaultProfile returns the stock injection-moulding machine.
func DefaultProfile() Profile {
	return Profile{
		Name: "injection-moulding",
		Stages: map[Stage]StageProfile{
			StagePreInjection: {
				Ranges: map[Sensor]SensorRange{
					SensorMeltTemp:           {50, 250},
					SensorInjectionPressure:  {0, 100},
					SensorVibrationAmplitude: {0.0, 0.5},
					SensorVibrationFrequency: {5, 15},
				},
				Duration:      5 * time.Second,
				Driven:        SensorMeltTemp,
				Direction:     DirectionUp,
				Jitter:        true,
				AnomalySensor: SensorVibrationAmplitude,
			},
			StageInjection: {
				Ranges: map[Sensor]SensorRange{
					SensorMeltTemp:           {220, 280},
					SensorInjectionPressure:  {500, 2000},
					SensorVibrationAmplitude: {0.5, 2.0},
					SensorVibrationFrequency: {40, 60},
				},
				Duration:      2 * time.Second,
				Driven:        SensorInjectionPressure,
				Direction:     DirectionUp,
				Jitter:        true,
				AnomalySensor: SensorInjectionPressure,
			},
			StageHolding: {
				Ranges: map[Sensor]SensorRange{
					SensorMeltTemp:           {220, 280},
					SensorInjectionPressure:  {300, 1000},
					SensorVibrationAmplitude: {0.2, 1.0},
					SensorVibrationFrequency: {20, 40},
				},
				Duration:      3 * time.Second,
				Direction:     DirectionConstant,
				AnomalySensor: SensorVibrationAmplitude,
			},
			StageCooling: {
				Ranges: map[Sensor]SensorRange{
					SensorMeltTemp:           {50, 100},
					SensorInjectionPressure:  {0, 100},
					SensorVibrationAmplitude: {0.0, 0.5},
					SensorVibrationFrequency: {5, 15},
				},
				Duration:      5 * time.Second,
				Driven:        SensorMeltTemp,
				Direction:     DirectionDown,
				Jitter:        true,
				AnomalySensor: SensorMeltTemp,
			},
			StageWaiting: {
				Ranges: map[Sensor]SensorRange{
					SensorMeltTemp:           {30, 40},
					SensorInjectionPressure:  {0, 50},
					SensorVibrationAmplitude: {0.0, 0.2},
					SensorVibrationFrequency: {5, 10},
				},
				Duration:  30 * time.Second,
				Direction: DirectionConstant,
			},
		},
	}
}

// Validate rejects profiles that would produce degenerate readings at runtime.
func (p Profile) Validate() error {
	for _, stage := range CycleStages {
		sp, ok := p.Stages[stage]
		if !ok {
			return fmt.Errorf("%w: stage %s is missing", ErrInvalidProfile, stage)
		}
		if sp.Duration <= 0 {
			return fmt.Errorf("%w: stage %s: duration must be positive, got %s", ErrInvalidProfile, stage, sp.Duration)
		}
		for _, sensor := range Sensors {
			r, ok := sp.Ranges[sensor]
			if !ok {
				return fmt.Errorf("%w: stage %s: missing range for %s", ErrInvalidProfile, stage, sensor)
			}
			if !isFinite(r.Low) || !isFinite(r.High) {
				return fmt.Errorf("%w: stage %s: range for %s is not finite", ErrInvalidProfile, stage, sensor)
			}
			if r.Low > r.High {
				return fmt.Errorf("%w: stage %s: range for %s has low %g > high %g", ErrInvalidProfile, stage, sensor, r.Low, r.High)
			}
		}
		if err := validateDriven(stage, sp); err != nil {
			return err
		}
		if sp.AnomalySensor != "" && !knownSensor(sp.AnomalySensor) {
			return fmt.Errorf("%w: stage %s: unknown anomaly sensor %q", ErrInvalidProfile, stage, sp.AnomalySensor)
		}
	}
	return nil
}

func validateDriven(stage Stage, sp StageProfile) error {
	if sp.Fixed() {
		if sp.Jitter {
			return fmt.Errorf("%w: stage %s: jitter requires a driven sensor", ErrInvalidProfile, stage)
		}
		return nil
	}
	if !knownSensor(sp.Driven) {
		return fmt.Errorf("%w: stage %s: unknown driven sensor %q", ErrInvalidProfile, stage, sp.Driven)
	}
	if sp.Driven == SensorVibrationFrequency {
		return fmt.Errorf("%w: stage %s: %s is periodic and cannot be driven", ErrInvalidProfile, stage, sp.Driven)
	}
	if sp.Direction != DirectionUp && sp.Direction != DirectionDown {
		return fmt.Errorf("%w: stage %s: driven sensor needs direction up or down, got %q", ErrInvalidProfile, stage, sp.Direction)
	}
	return nil
}

func knownSensor(s Sensor) bool {
	for _, known := range Sensors {
		if s == known {
			return true
		}
	}
	return false
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
