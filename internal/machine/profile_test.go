package machine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfileIsValid(t *testing.T) {
	p := DefaultProfile()
	require.NoError(t, p.Validate())

	r, ok := p.Range(StageInjection, SensorInjectionPressure)
	require.True(t, ok)
	assert.Equal(t, SensorRange{Low: 500, High: 2000}, r)

	_, ok = p.Range(StagePartReplacement, SensorMeltTemp)
	assert.False(t, ok)

	holding, _ := p.Stage(StageHolding)
	assert.True(t, holding.Fixed())
}

func TestProfileValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Profile)
	}{
		{"missing stage", func(p *Profile) { delete(p.Stages, StageCooling) }},
		{"zero duration", func(p *Profile) { editStage(p, StageWaiting, func(sp *StageProfile) { sp.Duration = 0 }) }},
		{"missing range", func(p *Profile) {
			editStage(p, StageHolding, func(sp *StageProfile) { delete(sp.Ranges, SensorVibrationFrequency) })
		}},
		{"inverted range", func(p *Profile) {
			editStage(p, StageHolding, func(sp *StageProfile) { sp.Ranges[SensorMeltTemp] = SensorRange{Low: 280, High: 220} })
		}},
		{"non-finite range", func(p *Profile) {
			editStage(p, StageHolding, func(sp *StageProfile) { sp.Ranges[SensorMeltTemp] = SensorRange{Low: 0, High: math.Inf(1)} })
		}},
		{"jitter without driven sensor", func(p *Profile) { editStage(p, StageWaiting, func(sp *StageProfile) { sp.Jitter = true }) }},
		{"periodic driven sensor", func(p *Profile) {
			editStage(p, StageInjection, func(sp *StageProfile) { sp.Driven = SensorVibrationFrequency })
		}},
		{"driven without direction", func(p *Profile) {
			editStage(p, StageInjection, func(sp *StageProfile) { sp.Direction = DirectionConstant })
		}},
		{"unknown anomaly sensor", func(p *Profile) {
			editStage(p, StageHolding, func(sp *StageProfile) { sp.AnomalySensor = "humidity" })
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProfile()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidProfile)
		})
	}
}

func editStage(p *Profile, stage Stage, edit func(sp *StageProfile)) {
	sp := p.Stages[stage]
	edit(&sp)
	p.Stages[stage] = sp
}

func TestStageCodes(t *testing.T) {
	for i, stage := range append(append([]Stage{}, CycleStages...), StagePartReplacement) {
		assert.Equal(t, uint16(i+1), stage.Code())
		decoded, ok := StageFromCode(stage.Code())
		require.True(t, ok)
		assert.Equal(t, stage, decoded)
	}

	_, ok := StageFromCode(0)
	assert.False(t, ok)
	assert.Equal(t, uint16(0), Stage("Ejection").Code())
}
