// Package simdevice emulates the scent dispenser behind a serial port so the
// CLI and tests can run without hardware.
package simdevice

import (
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"

	"scentsmart/internal/codec"
	"scentsmart/internal/serialcomm"
)

// Sim holds the emulated device state shared by every port it opens.
type Sim struct {
	mu        sync.Mutex
	unit      uint8
	sensors   [3]uint16
	frequency uint16
	last      codec.EmitClean
	stopped   bool
	requests  []codec.Frame
	chunk     int
}

type Option func(*Sim)

// WithSensors sets the registers at 4043, 4044 and 4045.
func WithSensors(temperatureHi, temperatureLo, pressure uint16) Option {
	return func(s *Sim) { s.sensors = [3]uint16{temperatureHi, temperatureLo, pressure} }
}

// WithChunk splits every response into reads of at most n bytes.
func WithChunk(n int) Option {
	return func(s *Sim) { s.chunk = n }
}

func WithUnit(unit uint8) Option {
	return func(s *Sim) { s.unit = unit }
}

func New(opts ...Option) *Sim {
	s := &Sim{unit: codec.DefaultUnitID, sensors: [3]uint16{0, 235, 1013}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open satisfies serialcomm.Opener.
func (s *Sim) Open(cfg *serial.Config) (serialcomm.Port, error) {
	log.Info().Str("port", cfg.Name).Msg("simulated device attached")
	return &port{sim: s, ready: make(chan struct{}, 1), closed: make(chan struct{})}, nil
}

// Requests returns every request frame the device accepted, in order.
func (s *Sim) Requests() []codec.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]codec.Frame(nil), s.requests...)
}

func (s *Sim) Frequency() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frequency
}

// LastBlock is the most recent emit/clean block and whether a stop followed it.
func (s *Sim) LastBlock() (codec.EmitClean, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.stopped
}

// handle answers one request frame.
func (s *Sim) handle(req []byte) []byte {
	f, err := codec.Decode(req)
	if err != nil {
		log.Warn().Err(err).Hex("data", req).Msg("sim: ignoring frame")
		return nil
	}
	if f.UnitID != s.unit {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, f)

	var out []byte
	switch f.Function {
	case codec.FuncWriteSingleRegister:
		switch f.Address {
		case codec.RegFrequency:
			s.frequency = f.Value
		case codec.RegCommand:
			if codec.Command(f.Value) != codec.CmdStop {
				return s.exception(f.Function, codec.ExIllegalValue)
			}
			s.stopped = true
		default:
			return s.exception(f.Function, codec.ExIllegalAddress)
		}
		out, err = codec.EncodeWriteResponse(s.unit, f.Function, f.Address, f.Value)
	case codec.FuncWriteMultipleRegisters:
		b, ok := f.Block()
		if !ok || f.Address != codec.RegCommand {
			return s.exception(f.Function, codec.ExIllegalAddress)
		}
		if !b.Command.Valid() {
			return s.exception(f.Function, codec.ExIllegalValue)
		}
		s.last = b
		s.stopped = b.Command == codec.CmdStop
		out, err = codec.EncodeWriteResponse(s.unit, f.Function, f.Address, f.Count)
	case codec.FuncReadInputRegisters:
		first := int(f.Address) - int(codec.RegTemperature)
		if first < 0 || f.Count == 0 || first+int(f.Count) > len(s.sensors) {
			return s.exception(f.Function, codec.ExIllegalAddress)
		}
		out, err = codec.EncodeReadResponse(s.unit, s.sensors[first:first+int(f.Count)])
	}
	if err != nil {
		log.Error().Err(err).Msg("sim: encode response")
		return nil
	}
	return out
}

func (s *Sim) exception(function, code uint8) []byte {
	b, _ := codec.EncodeException(s.unit, function, code)
	return b
}

// port is one open session on the simulated device.
type port struct {
	sim *Sim

	mu      sync.Mutex
	pending [][]byte
	ready   chan struct{}
	once    sync.Once
	closed  chan struct{}
}

func (p *port) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	resp := p.sim.handle(append([]byte(nil), b...))
	if resp != nil {
		p.mu.Lock()
		n := p.sim.chunk
		if n <= 0 {
			n = len(resp)
		}
		for len(resp) > 0 {
			k := min(n, len(resp))
			p.pending = append(p.pending, resp[:k])
			resp = resp[k:]
		}
		p.mu.Unlock()
		select {
		case p.ready <- struct{}{}:
		default:
		}
	}
	return len(b), nil
}

// Read returns one pending chunk, blocking until there is one or the port
// is closed.
func (p *port) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if len(p.pending) > 0 {
			c := p.pending[0]
			n := copy(b, c)
			if n < len(c) {
				p.pending[0] = c[n:]
			} else {
				p.pending = p.pending[1:]
			}
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.ready:
		case <-p.closed:
			return 0, io.ErrClosedPipe
		}
	}
}

func (p *port) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
