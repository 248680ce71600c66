// Package collector samples a running simulator over Modbus and writes the
// decimated log and the full-rate training capture as rotating CSV files.
package collector

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
)

// Row is one CSV line: ts_us, melt, press, amp, freq, stage, failure_label.
type Row struct {
	Reading      machine.Reading
	FailureLabel int
}

const rowFields = 7

// TimestampUS is the reading time in unix microseconds.
func (r Row) TimestampUS() int64 {
	return r.Reading.Timestamp.UnixMicro()
}

func (r Row) Record() []string {
	return []string{
		strconv.FormatInt(r.TimestampUS(), 10),
		strconv.FormatFloat(r.Reading.MeltTemp, 'f', 2, 64),
		strconv.FormatFloat(r.Reading.InjectionPressure, 'f', 2, 64),
		strconv.FormatFloat(r.Reading.VibrationAmplitude, 'f', 2, 64),
		strconv.FormatFloat(r.Reading.VibrationFrequency, 'f', 2, 64),
		string(r.Reading.Stage),
		strconv.Itoa(r.FailureLabel),
	}
}

func ParseRecord(record []string) (Row, error) {
	if len(record) != rowFields {
		return Row{}, fmt.Errorf("expected %d fields, got %d", rowFields, len(record))
	}

	ts, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("invalid ts_us %q: %w", record[0], err)
	}

	var values [4]float64
	for i := range values {
		if values[i], err = strconv.ParseFloat(record[1+i], 64); err != nil {
			return Row{}, fmt.Errorf("invalid value %q: %w", record[1+i], err)
		}
	}

	label, err := strconv.Atoi(record[6])
	if err != nil {
		return Row{}, fmt.Errorf("invalid failure_label %q: %w", record[6], err)
	}

	return Row{
		Reading: machine.Reading{
			Timestamp:          time.UnixMicro(ts),
			Stage:              machine.Stage(record[5]),
			MeltTemp:           values[0],
			InjectionPressure:  values[1],
			VibrationAmplitude: values[2],
			VibrationFrequency: values[3],
		},
		FailureLabel: label,
	}, nil
}

// ReadRows parses a headerless collector CSV.
func ReadRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = rowFields

	var rows []Row
	for line := 1; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row, err := ParseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}

func WriteRows(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	for _, row := range rows {
		if err := cw.Write(row.Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
