// serialcomm/sender.go
package serialcomm

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Transport owns at most one open serial session. Connect, Disconnect and
// Send are mutually exclusive; the receive loop runs on its own goroutine.
type Transport struct {
	mu       sync.Mutex
	open     Opener
	observer Observer
	events   *Queue

	port   Port
	name   string
	stopCh chan struct{}
	done   chan struct{}
}

type TransportOption func(*Transport)

func WithOpener(o Opener) TransportOption {
	return func(t *Transport) { t.open = o }
}

func WithObserver(o Observer) TransportOption {
	return func(t *Transport) { t.observer = o }
}

func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		open:   openTarm,
		events: NewQueue(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Events is the inbound queue fed by the receive loop.
func (t *Transport) Events() *Queue { return t.events }

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

func (t *Transport) Connect(cfg SerialConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, t.name)
	}
	pc, err := cfg.portConfig()
	if err != nil {
		return err
	}
	port, err := t.open(pc)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPortUnavailable, cfg.PortName, err)
	}

	t.port = port
	t.name = cfg.PortName
	t.stopCh = make(chan struct{})
	t.done = make(chan struct{})
	t.events.Reset()
	go t.receive(port, t.stopCh, t.done)

	log.Info().
		Str("port", cfg.PortName).
		Int("baud", cfg.BaudRate).
		Int("data_bits", cfg.DataBits).
		Str("parity", cfg.Parity).
		Str("stop_bits", cfg.StopBits).
		Msg("serial connected")
	return nil
}

// Disconnect closes the session and waits for the receive loop to exit.
// Calling it while closed is a no-op.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return
	}
	done := t.done
	t.closeLocked()
	t.mu.Unlock()

	<-done
	log.Info().Msg("serial disconnected")
}

func (t *Transport) closeLocked() {
	close(t.stopCh)
	if err := t.port.Close(); err != nil {
		log.Warn().Err(err).Str("port", t.name).Msg("serial close")
	}
	t.port = nil
}

// Send writes one frame. It never retries.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return ErrNotConnected
	}
	n, err := t.port.Write(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short write %d/%d", ErrWriteFailed, n, len(data))
	}

	ev := Event{Dir: DirTX, Data: cloneBytes(data), At: time.Now()}
	log.Debug().Int("len", len(data)).Hex("data", data).Msg("TX")
	if t.observer != nil {
		t.observer(ev)
	}
	return nil
}
