package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/KevinKickass/moldsim/internal/types"
)

// Device is a remote simulator read over Modbus-TCP.
type Device struct {
	Name        string
	UnitID      uint8
	Client      *Client
	RegisterMap map[string]types.RegisterDefinition

	mu      sync.RWMutex
	last    machine.Reading
	hasLast bool
}

func NewDevice(name, address string, unitID uint8, timeout time.Duration) *Device {
	registerMap := make(map[string]types.RegisterDefinition, len(DefaultRegisterMap))
	for _, reg := range DefaultRegisterMap {
		registerMap[reg.Name] = reg
	}

	return &Device{
		Name:        name,
		UnitID:      unitID,
		Client:      NewClient(address, timeout),
		RegisterMap: registerMap,
	}
}

func (d *Device) Connect() error {
	if err := d.Client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.Name, err)
	}
	return nil
}

func (d *Device) Disconnect() error {
	return d.Client.Close()
}

// ReadReading fetches the whole telemetry block in one request, reconnecting
// first if the previous request dropped the connection.
func (d *Device) ReadReading(ctx context.Context) (machine.Reading, error) {
	if !d.Client.IsConnected() {
		if err := d.Connect(); err != nil {
			return machine.Reading{}, err
		}
	}

	regs, err := d.Client.ReadHoldingRegisters(ctx, d.UnitID, 0, RegisterCount)
	if err != nil {
		return machine.Reading{}, fmt.Errorf("failed to read telemetry block from %s: %w", d.Name, err)
	}

	r, err := DecodeReading(regs)
	if err != nil {
		return machine.Reading{}, err
	}

	d.mu.Lock()
	d.last = r
	d.hasLast = true
	d.mu.Unlock()

	return r, nil
}

// ReadRegister reads a single named value.
func (d *Device) ReadRegister(ctx context.Context, registerName string) (float64, error) {
	reg, exists := d.RegisterMap[registerName]
	if !exists {
		return 0, fmt.Errorf("register not found: %s", registerName)
	}

	if reg.Type != types.RegisterTypeHoldingRegister && reg.Type != types.RegisterTypeInputRegister {
		return 0, fmt.Errorf("unsupported register type: %s", reg.Type)
	}

	values, err := d.Client.ReadHoldingRegisters(ctx, d.UnitID, reg.Address, reg.Quantity())
	if err != nil {
		return 0, fmt.Errorf("failed to read register %s: %w", registerName, err)
	}

	return convertRegisterValue(values, reg.DataType, reg.ScaleFactor), nil
}

func (d *Device) LastReading() (machine.Reading, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last, d.hasLast
}
