// Package labeler marks the readings that precede a part replacement as
// positive failure examples.
package labeler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/KevinKickass/moldsim/internal/collector"
	"github.com/KevinKickass/moldsim/internal/machine"
)

// DefaultLookback is the window before a part replacement that counts as
// failing.
const DefaultLookback = 10 * time.Second

var ErrUnsorted = errors.New("labeler: readings are not sorted by timestamp")

// Label returns one label per reading: 1 when the reading time lies in
// [t - lookback, t] for some PartReplacement reading time t, otherwise 0.
func Label(readings []machine.Reading, lookback time.Duration) ([]int, error) {
	var replacements []time.Time
	for i, r := range readings {
		if i > 0 && r.Timestamp.Before(readings[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: index %d", ErrUnsorted, i)
		}
		if r.Stage == machine.StagePartReplacement {
			replacements = append(replacements, r.Timestamp)
		}
	}

	labels := make([]int, len(readings))
	next := 0
	for i, r := range readings {
		// first replacement at or after this reading
		for next < len(replacements) && replacements[next].Before(r.Timestamp) {
			next++
		}
		if next == len(replacements) {
			break
		}
		if replacements[next].Sub(r.Timestamp) <= lookback {
			labels[i] = 1
		}
	}
	return labels, nil
}

// LabelRows overwrites the failure label of every row and returns the
// number of positive rows.
func LabelRows(rows []collector.Row, lookback time.Duration) (int, error) {
	readings := make([]machine.Reading, len(rows))
	for i, row := range rows {
		readings[i] = row.Reading
	}

	labels, err := Label(readings, lookback)
	if err != nil {
		return 0, err
	}

	positives := 0
	for i := range rows {
		rows[i].FailureLabel = labels[i]
		positives += labels[i]
	}
	return positives, nil
}

type FileResult struct {
	Input     string
	Output    string
	Rows      int
	Positives int
}

// LabelFile reads a collector CSV, labels it and writes the result to
// outDir under the same base name.
func LabelFile(path, outDir string, lookback time.Duration) (FileResult, error) {
	result := FileResult{Input: path}

	in, err := os.Open(path)
	if err != nil {
		return result, fmt.Errorf("failed to open %s: %w", path, err)
	}
	rows, err := collector.ReadRows(in)
	in.Close()
	if err != nil {
		return result, fmt.Errorf("failed to read %s: %w", path, err)
	}

	positives, err := LabelRows(rows, lookback)
	if err != nil {
		return result, fmt.Errorf("failed to label %s: %w", path, err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return result, fmt.Errorf("failed to create %s: %w", outDir, err)
	}
	result.Output = filepath.Join(outDir, filepath.Base(path))

	out, err := os.Create(result.Output)
	if err != nil {
		return result, fmt.Errorf("failed to create %s: %w", result.Output, err)
	}
	if err := collector.WriteRows(out, rows); err != nil {
		out.Close()
		return result, fmt.Errorf("failed to write %s: %w", result.Output, err)
	}
	if err := out.Close(); err != nil {
		return result, fmt.Errorf("failed to close %s: %w", result.Output, err)
	}

	result.Rows = len(rows)
	result.Positives = positives
	return result, nil
}
