package modbus

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSource struct {
	mu sync.Mutex
	r  machine.Reading
	ok bool
}

func (s *staticSource) Latest() (machine.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r, s.ok
}

func (s *staticSource) set(r machine.Reading) {
	s.mu.Lock()
	s.r, s.ok = r, true
	s.mu.Unlock()
}

func startServer(t *testing.T, source LatestSource) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(source, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-done)
	})
	return ln.Addr().String()
}

func sampleReading() machine.Reading {
	return machine.Reading{
		Timestamp:          time.UnixMilli(1_700_000_000_123),
		Stage:              machine.StageInjection,
		MeltTemp:           251.5,
		InjectionPressure:  1234.25,
		VibrationAmplitude: 0.75,
		VibrationFrequency: 48.5,
	}
}

func TestEncodeDecodeReading(t *testing.T) {
	r := sampleReading()

	regs := EncodeReading(r)
	require.Len(t, regs, RegisterCount)
	assert.Equal(t, machine.StageInjection.Code(), regs[8])

	got, err := DecodeReading(regs)
	require.NoError(t, err)
	assert.Equal(t, r.Stage, got.Stage)
	assert.True(t, r.Timestamp.Equal(got.Timestamp))
	assert.InDelta(t, r.MeltTemp, got.MeltTemp, 1e-4)
	assert.InDelta(t, r.InjectionPressure, got.InjectionPressure, 1e-3)
	assert.InDelta(t, r.VibrationAmplitude, got.VibrationAmplitude, 1e-6)
	assert.InDelta(t, r.VibrationFrequency, got.VibrationFrequency, 1e-4)
}

func TestDecodeEmptyBlock(t *testing.T) {
	got, err := DecodeReading(make([]uint16, RegisterCount))
	require.NoError(t, err)
	assert.Equal(t, machine.Reading{}, got)

	_, err = DecodeReading(make([]uint16, 4))
	assert.Error(t, err)
}

func TestFrameEncodeDecode(t *testing.T) {
	req := ReadHoldingRegistersRequest(7, 1, 2, 3)
	raw := req.Encode()
	assert.Len(t, raw, 12)

	decoded, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), decoded.TransactionID)
	assert.Equal(t, uint16(6), decoded.Length)

	start, quantity, err := decoded.ParseReadRequest()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), start)
	assert.Equal(t, uint16(3), quantity)

	_, err = DecodeFrame([]byte{0, 1, 0, 9, 0, 2, 1, 3})
	assert.ErrorContains(t, err, "invalid protocol ID")
}

func TestDeviceReadsServedReading(t *testing.T) {
	source := &staticSource{}
	source.set(sampleReading())
	addr := startServer(t, source)

	dev := NewDevice("imm-01", addr, 1, time.Second)
	defer dev.Disconnect()

	got, err := dev.ReadReading(context.Background())
	require.NoError(t, err)
	assert.Equal(t, machine.StageInjection, got.Stage)
	assert.InDelta(t, 251.5, got.MeltTemp, 1e-4)

	last, ok := dev.LastReading()
	require.True(t, ok)
	assert.Equal(t, got, last)

	pressure, err := dev.ReadRegister(context.Background(), "InjectionPressure")
	require.NoError(t, err)
	assert.InDelta(t, 1234.25, pressure, 1e-3)

	_, err = dev.ReadRegister(context.Background(), "Nope")
	assert.ErrorContains(t, err, "register not found")
}

func TestServerExceptions(t *testing.T) {
	addr := startServer(t, &staticSource{})

	client := NewClient(addr, time.Second)
	require.NoError(t, client.Connect())
	defer client.Close()

	ctx := context.Background()

	_, err := client.ReadHoldingRegisters(ctx, 1, 10, 10)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, uint8(ExceptionIllegalDataAddress), exc.Code)

	_, err = client.ReadHoldingRegisters(ctx, 1, 0, 0)
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, uint8(ExceptionIllegalDataValue), exc.Code)

	resp, err := client.SendFrame(ctx, &ModbusFrame{UnitID: 1, FunctionCode: 0x06, Data: []byte{0, 0, 0, 1}})
	require.NoError(t, err)
	_, err = resp.ParseRegisterResponse()
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, uint8(ExceptionIllegalFunction), exc.Code)

	// input registers expose the same, still empty, block
	regs, err := client.ReadInputRegisters(ctx, 1, 0, RegisterCount)
	require.NoError(t, err)
	assert.Equal(t, make([]uint16, RegisterCount), regs)
}

func TestPollerDeliversReadings(t *testing.T) {
	source := &staticSource{}
	source.set(sampleReading())
	addr := startServer(t, source)

	got := make(chan machine.Reading, 16)
	poller := NewPoller(NewDevice("imm-01", addr, 1, time.Second), 50*time.Millisecond,
		func(r machine.Reading) {
			select {
			case got <- r:
			default:
			}
		}, zap.NewNop())

	require.NoError(t, poller.Start())
	assert.True(t, poller.IsRunning())

	select {
	case r := <-got:
		assert.Equal(t, machine.StageInjection, r.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("no reading polled")
	}

	poller.Stop()
	assert.False(t, poller.IsRunning())
}

func TestPollerSkipsStaleReadings(t *testing.T) {
	source := &staticSource{}
	first := sampleReading()
	source.set(first)
	addr := startServer(t, source)

	var mu sync.Mutex
	var delivered []machine.Reading
	poller := NewPoller(NewDevice("imm-01", addr, 1, time.Second), 10*time.Millisecond,
		func(r machine.Reading) {
			mu.Lock()
			delivered = append(delivered, r)
			mu.Unlock()
		}, zap.NewNop())
	require.NoError(t, poller.Start())
	defer poller.Stop()

	require.Eventually(t, func() bool { return poller.Stats().Stale >= 3 }, 5*time.Second, 5*time.Millisecond)

	next := first
	next.Timestamp = first.Timestamp.Add(10 * time.Millisecond)
	next.Stage = machine.StageHolding
	source.set(next)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, machine.StageInjection, delivered[0].Stage)
	assert.Equal(t, machine.StageHolding, delivered[1].Stage)
	assert.Zero(t, poller.Stats().Failures)
}
