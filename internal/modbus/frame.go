package modbus

import (
	"encoding/binary"
	"fmt"
)

// ModbusFrame is an MBAP header (7 bytes) followed by function code and data.
type ModbusFrame struct {
	TransactionID uint16
	ProtocolID    uint16 // always 0x0000
	Length        uint16 // bytes following the length field
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04

	// exceptionFlag is OR-ed into the function code of an exception response.
	exceptionFlag = 0x80
)

// Exception codes returned by the server.
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
)

const (
	mbapHeaderSize = 7
	maxFrameSize   = 260
	// maxReadQuantity is the protocol limit for a single register read.
	maxReadQuantity = 125
)

// Encode builds the complete TCP frame.
func (f *ModbusFrame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // unit id + function code

	frame := make([]byte, mbapHeaderSize+1+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

func DecodeFrame(data []byte) (*ModbusFrame, error) {
	if len(data) < mbapHeaderSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &ModbusFrame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}

	if len(data) > mbapHeaderSize+1 {
		frame.Data = append([]byte(nil), data[8:]...)
	}

	return frame, nil
}

func ReadHoldingRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	return readRequest(FuncCodeReadHoldingRegisters, transactionID, unitID, startAddr, quantity)
}

func ReadInputRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	return readRequest(FuncCodeReadInputRegisters, transactionID, unitID, startAddr, quantity)
}

func readRequest(code uint8, transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &ModbusFrame{
		TransactionID: transactionID,
		UnitID:        unitID,
		FunctionCode:  code,
		Data:          data,
	}
}

// ParseReadRequest returns start address and quantity of a 0x03/0x04 request.
func (f *ModbusFrame) ParseReadRequest() (uint16, uint16, error) {
	if len(f.Data) < 4 {
		return 0, 0, fmt.Errorf("read request too short: %d bytes", len(f.Data))
	}
	return binary.BigEndian.Uint16(f.Data[0:2]), binary.BigEndian.Uint16(f.Data[2:4]), nil
}

// RegisterResponse answers request with the given register values.
func RegisterResponse(request *ModbusFrame, registers []uint16) *ModbusFrame {
	data := make([]byte, 1+2*len(registers))
	data[0] = byte(2 * len(registers))
	for i, r := range registers {
		binary.BigEndian.PutUint16(data[1+2*i:], r)
	}

	return &ModbusFrame{
		TransactionID: request.TransactionID,
		UnitID:        request.UnitID,
		FunctionCode:  request.FunctionCode,
		Data:          data,
	}
}

func ExceptionResponse(request *ModbusFrame, code uint8) *ModbusFrame {
	return &ModbusFrame{
		TransactionID: request.TransactionID,
		UnitID:        request.UnitID,
		FunctionCode:  request.FunctionCode | exceptionFlag,
		Data:          []byte{code},
	}
}

// ExceptionError is returned by the client for an exception response.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X for function 0x%02X", e.Code, e.FunctionCode)
}

// ParseRegisterResponse parses a holding/input register response.
func (f *ModbusFrame) ParseRegisterResponse() ([]uint16, error) {
	if f.FunctionCode&exceptionFlag != 0 {
		e := &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionFlag}
		if len(f.Data) > 0 {
			e.Code = f.Data[0]
		}
		return nil, e
	}

	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(f.Data[0])
	if len(f.Data) < byteCount+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	registers := make([]uint16, byteCount/2)
	for i := range registers {
		offset := 1 + i*2
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}
