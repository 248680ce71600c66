package labeler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/moldsim/internal/collector"
	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func at(sec float64, stage machine.Stage) machine.Reading {
	return machine.Reading{
		Timestamp: t0.Add(time.Duration(sec * float64(time.Second))),
		Stage:     stage,
	}
}

func TestLabelLookbackWindow(t *testing.T) {
	readings := []machine.Reading{
		at(0, machine.StageWaiting),          // 20s before, outside
		at(9.999, machine.StageWaiting),      // 10.001s before, outside
		at(10, machine.StageWaiting),         // exactly lookback, inside
		at(15, machine.StageCooling),         // inside
		at(20, machine.StagePartReplacement), // the replacement itself
		at(21, machine.StagePartReplacement), // second replacement reading
		at(22, machine.StagePreInjection),    // after the last replacement
		at(40, machine.StagePreInjection),    // after
	}

	labels, err := Label(readings, DefaultLookback)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 1, 1, 1, 0, 0}, labels)
}

func TestLabelMultipleReplacements(t *testing.T) {
	readings := []machine.Reading{
		at(0, machine.StageHolding),
		at(5, machine.StagePartReplacement),
		at(30, machine.StageHolding),
		at(50, machine.StageCooling),
		at(55, machine.StagePartReplacement),
	}

	labels, err := Label(readings, DefaultLookback)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 0, 1, 1}, labels)
}

func TestLabelWithoutReplacement(t *testing.T) {
	labels, err := Label([]machine.Reading{at(0, machine.StageWaiting), at(1, machine.StageWaiting)}, DefaultLookback)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, labels)

	labels, err = Label(nil, DefaultLookback)
	require.NoError(t, err)
	assert.Empty(t, labels)
}

func TestLabelRejectsUnsortedInput(t *testing.T) {
	_, err := Label([]machine.Reading{at(5, machine.StageWaiting), at(1, machine.StageWaiting)}, DefaultLookback)
	assert.ErrorIs(t, err, ErrUnsorted)
}

func TestLabelFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "train_1.csv")

	rows := []collector.Row{
		{Reading: at(0, machine.StageCooling)},
		{Reading: at(12, machine.StageWaiting)},
		{Reading: at(20, machine.StagePartReplacement), FailureLabel: 1},
	}
	f, err := os.Create(in)
	require.NoError(t, err)
	require.NoError(t, collector.WriteRows(f, rows))
	require.NoError(t, f.Close())

	result, err := LabelFile(in, filepath.Join(dir, "labeled"), DefaultLookback)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Rows)
	assert.Equal(t, 2, result.Positives)
	assert.Equal(t, filepath.Join(dir, "labeled", "train_1.csv"), result.Output)

	out, err := os.Open(result.Output)
	require.NoError(t, err)
	defer out.Close()
	labeled, err := collector.ReadRows(out)
	require.NoError(t, err)
	require.Len(t, labeled, 3)
	assert.Equal(t, 0, labeled[0].FailureLabel)
	assert.Equal(t, 1, labeled[1].FailureLabel)
	assert.Equal(t, 1, labeled[2].FailureLabel)
}
