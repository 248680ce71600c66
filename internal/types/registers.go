package types

// RegisterDefinition describes one value in a Modbus register block.
type RegisterDefinition struct {
	Name        string       `json:"name"`
	Address     uint16       `json:"address"`
	Type        RegisterType `json:"type"`
	DataType    DataType     `json:"data_type"`
	ScaleFactor float64      `json:"scale_factor,omitempty"`
	Unit        string       `json:"unit,omitempty"`
	Access      AccessType   `json:"access"`
	Description string       `json:"description,omitempty"`
}

// Quantity returns how many 16-bit registers the value occupies.
func (r RegisterDefinition) Quantity() uint16 {
	switch r.DataType {
	case DataTypeInt32, DataTypeUint32, DataTypeFloat32:
		return 2
	case DataTypeFloat64, DataTypeUint64:
		return 4
	default:
		return 1
	}
}

type RegisterType string

const (
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

type DataType string

const (
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeUint64  DataType = "uint64"
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat64 DataType = "float64"
)

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
)
