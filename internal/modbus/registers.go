package modbus

import (
	"fmt"
	"math"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/KevinKickass/moldsim/internal/publish"
	"github.com/KevinKickass/moldsim/internal/types"
)

// DefaultRegisterMap lays the six telemetry nodes out as one contiguous
// block starting at address 0. Values are big-endian, high word first.
var DefaultRegisterMap = []types.RegisterDefinition{
	{Name: publish.NodeMeltTemp, Address: 0, Type: types.RegisterTypeHoldingRegister, DataType: types.DataTypeFloat32, Unit: "°C", Access: types.AccessTypeReadOnly},
	{Name: publish.NodeInjectionPressure, Address: 2, Type: types.RegisterTypeHoldingRegister, DataType: types.DataTypeFloat32, Unit: "bar", Access: types.AccessTypeReadOnly},
	{Name: publish.NodeVibrationAmplitude, Address: 4, Type: types.RegisterTypeHoldingRegister, DataType: types.DataTypeFloat32, Unit: "mm", Access: types.AccessTypeReadOnly},
	{Name: publish.NodeVibrationFrequency, Address: 6, Type: types.RegisterTypeHoldingRegister, DataType: types.DataTypeFloat32, Unit: "Hz", Access: types.AccessTypeReadOnly},
	{Name: publish.NodeStage, Address: 8, Type: types.RegisterTypeHoldingRegister, DataType: types.DataTypeUint16, Access: types.AccessTypeReadOnly,
		Description: "1 PreInjection, 2 Injection, 3 Holding, 4 Cooling, 5 Waiting, 6 PartReplacement"},
	{Name: publish.NodeTimestamp, Address: 9, Type: types.RegisterTypeHoldingRegister, DataType: types.DataTypeUint64, Unit: "ms", Access: types.AccessTypeReadOnly,
		Description: "unix milliseconds"},
}

// RegisterCount is the size of the telemetry block.
const RegisterCount = 13

// EncodeReading renders r into the telemetry register block.
func EncodeReading(r machine.Reading) []uint16 {
	regs := make([]uint16, RegisterCount)
	for _, def := range DefaultRegisterMap {
		var raw uint64
		switch def.Name {
		case publish.NodeStage:
			raw = uint64(r.Stage.Code())
		case publish.NodeTimestamp:
			if !r.Timestamp.IsZero() {
				raw = uint64(r.Timestamp.UnixMilli())
			}
		default:
			raw = uint64(math.Float32bits(float32(sensorValue(r, def.Name))))
		}
		putRaw(regs[def.Address:def.Address+def.Quantity()], raw)
	}
	return regs
}

// DecodeReading parses a register block produced by EncodeReading. Sensor
// values come back with float32 precision.
func DecodeReading(regs []uint16) (machine.Reading, error) {
	if len(regs) < RegisterCount {
		return machine.Reading{}, fmt.Errorf("register block too short: %d registers", len(regs))
	}

	var r machine.Reading
	for _, def := range DefaultRegisterMap {
		block := regs[def.Address : def.Address+def.Quantity()]
		switch def.Name {
		case publish.NodeStage:
			if block[0] == 0 {
				// nothing published yet
				continue
			}
			stage, ok := machine.StageFromCode(block[0])
			if !ok {
				return machine.Reading{}, fmt.Errorf("unknown stage code %d", block[0])
			}
			r.Stage = stage
		case publish.NodeTimestamp:
			if ms := rawValue(block); ms != 0 {
				r.Timestamp = time.UnixMilli(int64(ms))
			}
		default:
			setSensor(&r, def.Name, convertRegisterValue(block, def.DataType, def.ScaleFactor))
		}
	}
	return r, nil
}

func putRaw(dst []uint16, raw uint64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = uint16(raw)
		raw >>= 16
	}
}

func rawValue(registers []uint16) uint64 {
	var v uint64
	for _, r := range registers {
		v = v<<16 | uint64(r)
	}
	return v
}

// convertRegisterValue turns raw registers into an engineering value.
func convertRegisterValue(registers []uint16, dataType types.DataType, scaleFactor float64) float64 {
	if scaleFactor == 0 {
		scaleFactor = 1.0
	}

	switch dataType {
	case types.DataTypeUint16:
		return float64(registers[0]) * scaleFactor
	case types.DataTypeInt16:
		return float64(int16(registers[0])) * scaleFactor
	case types.DataTypeUint32:
		return float64(uint32(rawValue(registers[:2]))) * scaleFactor
	case types.DataTypeInt32:
		return float64(int32(uint32(rawValue(registers[:2])))) * scaleFactor
	case types.DataTypeUint64:
		return float64(rawValue(registers[:4])) * scaleFactor
	case types.DataTypeFloat32:
		return float64(math.Float32frombits(uint32(rawValue(registers[:2])))) * scaleFactor
	case types.DataTypeFloat64:
		return math.Float64frombits(rawValue(registers[:4])) * scaleFactor
	}

	return float64(registers[0])
}

var nodeSensors = map[string]machine.Sensor{
	publish.NodeMeltTemp:           machine.SensorMeltTemp,
	publish.NodeInjectionPressure:  machine.SensorInjectionPressure,
	publish.NodeVibrationAmplitude: machine.SensorVibrationAmplitude,
	publish.NodeVibrationFrequency: machine.SensorVibrationFrequency,
}

func sensorValue(r machine.Reading, node string) float64 {
	return r.Value(nodeSensors[node])
}

func setSensor(r *machine.Reading, node string, v float64) {
	switch nodeSensors[node] {
	case machine.SensorMeltTemp:
		r.MeltTemp = v
	case machine.SensorInjectionPressure:
		r.InjectionPressure = v
	case machine.SensorVibrationAmplitude:
		r.VibrationAmplitude = v
	case machine.SensorVibrationFrequency:
		r.VibrationFrequency = v
	}
}
