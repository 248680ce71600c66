// Package devices loads simulated machine profiles from JSON files.
package devices

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/KevinKickass/moldsim/internal/types"
)

const SchemaVersion = "1.0"

type ProfileLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewProfileLoader(searchPaths []string) (*ProfileLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &ProfileLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load resolves profilePath either as a file path ending in .json or as a
// profile name looked up in the search paths. Results are cached by key.
func (l *ProfileLoader) Load(profilePath string) (machine.Profile, error) {
	if cached, ok := l.cache.Load(profilePath); ok {
		return cached.(machine.Profile), nil
	}

	data, foundPath, err := l.read(profilePath)
	if err != nil {
		return machine.Profile{}, err
	}

	profile, err := l.Parse(data)
	if err != nil {
		return machine.Profile{}, fmt.Errorf("invalid profile %s: %w", foundPath, err)
	}

	l.cache.Store(profilePath, profile)

	return profile, nil
}

func (l *ProfileLoader) read(profilePath string) ([]byte, string, error) {
	if strings.HasSuffix(profilePath, ".json") {
		data, err := os.ReadFile(profilePath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read profile: %w", err)
		}
		return data, profilePath, nil
	}

	for _, searchPath := range l.searchPaths {
		fullPath := filepath.Join(searchPath, profilePath+".json")
		data, err := os.ReadFile(fullPath)
		if err == nil {
			return data, fullPath, nil
		}
	}

	return nil, "", fmt.Errorf("profile not found: %s (searched in: %v)", profilePath, l.searchPaths)
}

// Parse validates data against the profile schema and the simulator's own
// consistency rules.
func (l *ProfileLoader) Parse(data []byte) (machine.Profile, error) {
	if err := l.validator.ValidateProfile(data); err != nil {
		return machine.Profile{}, err
	}

	var def types.MachineProfileDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return machine.Profile{}, fmt.Errorf("failed to unmarshal profile: %w", err)
	}

	profile := ToMachineProfile(&def)
	if err := profile.Validate(); err != nil {
		return machine.Profile{}, err
	}
	return profile, nil
}

func (l *ProfileLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}

func ToMachineProfile(def *types.MachineProfileDefinition) machine.Profile {
	profile := machine.Profile{
		Name:   def.Name,
		Stages: make(map[machine.Stage]machine.StageProfile, len(def.Stages)),
	}

	for name, sd := range def.Stages {
		sp := machine.StageProfile{
			Ranges:        make(map[machine.Sensor]machine.SensorRange, len(sd.Ranges)),
			Duration:      time.Duration(sd.DurationSeconds * float64(time.Second)),
			Direction:     machine.DirectionConstant,
			Jitter:        sd.Jitter,
			AnomalySensor: machine.Sensor(sd.AnomalySensor),
		}
		if sd.Driven != nil {
			sp.Driven = machine.Sensor(sd.Driven.Sensor)
			sp.Direction = machine.Direction(sd.Driven.Direction)
		}
		for sensor, r := range sd.Ranges {
			sp.Ranges[machine.Sensor(sensor)] = machine.SensorRange{Low: r.Low, High: r.High}
		}
		profile.Stages[machine.Stage(name)] = sp
	}

	return profile
}

func FromMachineProfile(p machine.Profile) *types.MachineProfileDefinition {
	def := &types.MachineProfileDefinition{
		SchemaVersion: SchemaVersion,
		Name:          p.Name,
		Stages:        make(map[string]types.StageProfileDefinition, len(p.Stages)),
	}

	for stage, sp := range p.Stages {
		sd := types.StageProfileDefinition{
			DurationSeconds: sp.Duration.Seconds(),
			Jitter:          sp.Jitter,
			AnomalySensor:   string(sp.AnomalySensor),
			Ranges:          make(map[string]types.RangeDefinition, len(sp.Ranges)),
		}
		if !sp.Fixed() {
			sd.Driven = &types.DrivenSensorDefinition{
				Sensor:    string(sp.Driven),
				Direction: string(sp.Direction),
			}
		}
		for sensor, r := range sp.Ranges {
			sd.Ranges[string(sensor)] = types.RangeDefinition{Low: r.Low, High: r.High}
		}
		def.Stages[string(stage)] = sd
	}

	return def
}
