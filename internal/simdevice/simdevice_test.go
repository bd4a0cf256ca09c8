package simdevice_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"

	"scentsmart/internal/codec"
	"scentsmart/internal/device"
	"scentsmart/internal/serialcomm"
	"scentsmart/internal/simdevice"
)

func connect(t *testing.T, sim *simdevice.Sim) *device.Device {
	t.Helper()
	tr := serialcomm.NewTransport(serialcomm.WithOpener(sim.Open))
	d := device.New(device.Settings{ScentPower: 40, CleaningPower: 40, ScentRunTime: 1, CleaningRunTime: 1}, tr)
	cfg := serialcomm.DefaultSerialConfig()
	cfg.PortName = "sim"
	require.NoError(t, d.Connect(cfg))
	t.Cleanup(d.Disconnect)
	return d
}

func next(t *testing.T, d *device.Device) codec.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := d.NextResponse(ctx)
	require.NoError(t, err)
	return f
}

func TestRoundTripThroughTransport(t *testing.T) {
	sim := simdevice.New(simdevice.WithSensors(0, 228, 1009), simdevice.WithChunk(3))
	d := connect(t, sim)

	require.NoError(t, d.SetFrequency(400))
	f := next(t, d)
	assert.Equal(t, codec.FuncWriteSingleRegister, f.Function)
	assert.Equal(t, uint16(400), f.Value)
	assert.Equal(t, uint16(400), sim.Frequency())

	require.NoError(t, d.EmitAndClean(5))
	f = next(t, d)
	assert.Equal(t, codec.FuncWriteMultipleRegisters, f.Function)
	assert.Equal(t, uint16(codec.BlockRegisters), f.Count)
	b, stopped := sim.LastBlock()
	assert.Equal(t, uint16(5), b.ScentNo)
	assert.Equal(t, codec.CmdEmitClean, b.Command)
	assert.False(t, stopped)

	require.NoError(t, d.ReadTemperaturePressure())
	f = next(t, d)
	assert.Equal(t, []uint16{0, 228, 1009}, f.Registers)

	require.NoError(t, d.ReadPressure())
	assert.Equal(t, []uint16{1009}, next(t, d).Registers)

	require.NoError(t, d.Stop())
	next(t, d)
	_, stopped = sim.LastBlock()
	assert.True(t, stopped)

	assert.Len(t, sim.Requests(), 5)
}

func TestWrongUnitIsIgnored(t *testing.T) {
	sim := simdevice.New(simdevice.WithUnit(2))
	d := connect(t, sim)

	require.NoError(t, d.Stop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.NextResponse(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, sim.Requests())
}

func TestReconnect(t *testing.T) {
	sim := simdevice.New()
	d := connect(t, sim)
	d.Disconnect()
	assert.ErrorIs(t, d.Stop(), device.ErrNotConnected)

	cfg := serialcomm.DefaultSerialConfig()
	cfg.PortName = "sim"
	require.NoError(t, d.Connect(cfg))
	require.NoError(t, d.ReadTemperature())
	assert.Equal(t, []uint16{0, 235}, next(t, d).Registers)
}

type brokenPort struct{}

func (brokenPort) Read([]byte) (int, error)    { return 0, errors.New("cable pulled") }
func (brokenPort) Write(b []byte) (int, error) { return len(b), nil }
func (brokenPort) Close() error                { return nil }

func TestReconnectAfterLinkFailure(t *testing.T) {
	sim := simdevice.New(simdevice.WithSensors(0, 228, 1009))
	opened := 0
	tr := serialcomm.NewTransport(serialcomm.WithOpener(func(cfg *serial.Config) (serialcomm.Port, error) {
		opened++
		if opened == 1 {
			return brokenPort{}, nil
		}
		return sim.Open(cfg)
	}))
	d := device.New(device.Settings{}, tr)
	cfg := serialcomm.DefaultSerialConfig()
	cfg.PortName = "sim"

	require.NoError(t, d.Connect(cfg))
	require.Eventually(t, func() bool { return !d.Connected() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, d.Connect(cfg))
	t.Cleanup(d.Disconnect)
	require.NoError(t, d.ReadPressure())
	f := next(t, d)
	assert.Equal(t, codec.FuncReadInputRegisters, f.Function)
	assert.Equal(t, []uint16{1009}, f.Registers)
}
