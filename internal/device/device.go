// Package device is the command API of the scent dispenser. It owns the serial
// session and is its only writer.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"scentsmart/internal/codec"
	"scentsmart/internal/serialcomm"
)

var (
	ErrNotConnected = errors.New("device: not connected")
	ErrLinkLost     = errors.New("device: link lost")
)

// Link is the transport the device drives; *serialcomm.Transport implements it.
type Link interface {
	Connect(cfg serialcomm.SerialConfig) error
	Disconnect()
	Connected() bool
	Send(data []byte) error
	Events() *serialcomm.Queue
}

// Stats receives frame counters. monitor.Metrics implements it.
type Stats interface {
	FrameSent(function uint8)
	FrameReceived(function uint8)
	CodecError()
}

type nopStats struct{}

func (nopStats) FrameSent(uint8)     {}
func (nopStats) FrameReceived(uint8) {}
func (nopStats) CodecError()         {}

// Settings are the pump parameters used when a command does not give its own.
type Settings struct {
	UnitID            uint8
	ScentPower        uint16
	CleaningPower     uint16
	ScentRunTime      uint16
	CleaningRunTime   uint16
	ScentPostDelay    uint16
	CleaningPostDelay uint16
	TryScent          uint16
}

// Block fills an emit/clean block for scent from the settings.
func (s Settings) Block(cmd codec.Command, scent uint16) codec.EmitClean {
	return codec.EmitClean{
		Command:        cmd,
		ScentNo:        scent,
		ScentPumpPower: s.ScentPower,
		CleanPumpPower: s.CleaningPower,
		ScentPeriod:    s.ScentRunTime,
		CleanPeriod:    s.CleaningRunTime,
		ScentDelay:     s.ScentPostDelay,
		CleanupDelay:   s.CleaningPostDelay,
	}
}

type Device struct {
	link     Link
	settings Settings
	stats    Stats
	rx       codec.Buffer
}

type Option func(*Device)

func WithStats(s Stats) Option {
	return func(d *Device) { d.stats = s }
}

// New creates a device over its own serial transport.
func New(s Settings, t *serialcomm.Transport, opts ...Option) *Device {
	return NewWithLink(t, s, opts...)
}

func NewWithLink(link Link, s Settings, opts ...Option) *Device {
	if s.UnitID == 0 {
		s.UnitID = codec.DefaultUnitID
	}
	d := &Device{link: link, settings: s, stats: nopStats{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Settings() Settings { return d.settings }

func (d *Device) Connect(cfg serialcomm.SerialConfig) error {
	if err := d.link.Connect(cfg); err != nil {
		return err
	}
	d.rx.Reset()
	return nil
}

func (d *Device) Disconnect() { d.link.Disconnect() }

func (d *Device) Connected() bool { return d.link.Connected() }

// SetFrequency writes the pump PWM frequency register.
func (d *Device) SetFrequency(hz uint16) error {
	frame, err := codec.EncodeWriteSingle(d.settings.UnitID, codec.RegFrequency, hz)
	if err != nil {
		return err
	}
	return d.send(frame, "frequency")
}

// EmitClean sends a fully specified emit/clean block.
func (d *Device) EmitClean(b codec.EmitClean) error {
	frame, err := codec.EncodeWriteBlock(d.settings.UnitID, codec.RegCommand, b)
	if err != nil {
		return err
	}
	log.Debug().
		Str("command", b.Command.String()).
		Uint16("scent", b.ScentNo).
		Uint16("scent_period", b.ScentPeriod).
		Uint16("clean_period", b.CleanPeriod).
		Msg("emit/clean")
	return d.send(frame, b.Command.String())
}

func (d *Device) Emit(scent uint16) error {
	return d.EmitClean(d.settings.Block(codec.CmdEmit, scent))
}

func (d *Device) Clean(scent uint16) error {
	return d.EmitClean(d.settings.Block(codec.CmdClean, scent))
}

func (d *Device) EmitAndClean(scent uint16) error {
	return d.EmitClean(d.settings.Block(codec.CmdEmitClean, scent))
}

// TryScent emits the familiarization scent shown before a threshold test.
func (d *Device) TryScent() error {
	return d.Emit(d.settings.TryScent)
}

// Stop writes the stop command into the command register.
func (d *Device) Stop() error {
	frame, err := codec.EncodeWriteSingle(d.settings.UnitID, codec.RegCommand, uint16(codec.CmdStop))
	if err != nil {
		return err
	}
	return d.send(frame, "stop")
}

func (d *Device) ReadTemperature() error {
	return d.read(codec.RegTemperature, 2, "temperature")
}

func (d *Device) ReadPressure() error {
	return d.read(codec.RegPressure, 1, "pressure")
}

// ReadTemperaturePressure reads both sensors in one request.
func (d *Device) ReadTemperaturePressure() error {
	return d.read(codec.RegTemperature, 3, "temperature+pressure")
}

func (d *Device) read(address, count uint16, what string) error {
	frame, err := codec.EncodeRead(d.settings.UnitID, address, count)
	if err != nil {
		return err
	}
	return d.send(frame, what)
}

func (d *Device) send(frame []byte, what string) error {
	if !d.link.Connected() {
		log.Warn().Str("command", what).Msg("command dropped, device not connected")
		return ErrNotConnected
	}
	if err := d.link.Send(frame); err != nil {
		if errors.Is(err, serialcomm.ErrNotConnected) {
			return ErrNotConnected
		}
		return fmt.Errorf("device %s: %w", what, err)
	}
	d.stats.FrameSent(frame[1])
	return nil
}

// NextResponse returns the next whole frame received from the device.
// Malformed bytes are logged and skipped. Only one goroutine may call it.
func (d *Device) NextResponse(ctx context.Context) (codec.Frame, error) {
	for {
		raw, f, err := d.rx.Next()
		switch {
		case err == nil:
			d.stats.FrameReceived(f.Function)
			if f.IsException() {
				log.Warn().Uint8("function", f.Function).Uint8("code", f.Exception).Msg("device exception")
			}
			return f, nil
		case !errors.Is(err, codec.ErrTruncated):
			d.stats.CodecError()
			log.Warn().Err(err).Hex("data", raw).Msg("dropping malformed frame")
			continue
		}

		ev, err := d.link.Events().Next(ctx)
		if err != nil {
			return codec.Frame{}, err
		}
		if ev.Err != nil {
			d.rx.Reset()
			return codec.Frame{}, fmt.Errorf("%w: %v", ErrLinkLost, ev.Err)
		}
		d.rx.Write(ev.Data)
	}
}
