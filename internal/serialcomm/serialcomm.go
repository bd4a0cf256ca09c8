// serialcomm/serialcomm.go
package serialcomm

import (
	"errors"
	"io"
	"time"

	"github.com/tarm/serial"
)

var (
	ErrPortUnavailable   = errors.New("serial: port unavailable")
	ErrAlreadyOpen       = errors.New("serial: already connected")
	ErrNotConnected      = errors.New("serial: not connected")
	ErrWriteFailed       = errors.New("serial: write failed")
	ErrUnsupportedOption = errors.New("serial: unsupported option")
)

// SerialConfig selects one entry from each of the option lists below.
type SerialConfig struct {
	PortName    string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	DataBits    int           `yaml:"data_bits"`
	Parity      string        `yaml:"parity"`
	StopBits    string        `yaml:"stop_bits"`
	FlowControl string        `yaml:"flow_control"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Option lists offered to the operator.
var (
	BaudRates    = []int{115200, 57600, 38400, 19200, 9600, 230400, 460800, 921600}
	DataBits     = []int{5, 6, 7, 8}
	Parities     = []string{"none", "odd", "even", "mark", "space"}
	StopBits     = []string{"1", "1.5", "2"}
	FlowControls = []string{"none"}
)

func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:    BaudRates[0],
		DataBits:    DataBits[3],
		Parity:      Parities[0],
		StopBits:    StopBits[0],
		FlowControl: FlowControls[0],
		ReadTimeout: 300 * time.Millisecond,
	}
}

type Direction int

const (
	DirTX Direction = iota
	DirRX
)

func (d Direction) String() string {
	if d == DirTX {
		return "TX"
	}
	return "RX"
}

// Event is one chunk of bytes crossing the link. At carries a monotonic
// reading. Err is set only on the final event of a failed session.
type Event struct {
	Dir  Direction
	Data []byte
	At   time.Time
	Err  error
}

// Observer sees every TX and RX event. It is called from both the sending
// goroutine and the receive loop and must be safe for concurrent use.
type Observer func(Event)

// Port is the byte stream behind a session.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the platform port described by cfg.
type Opener func(cfg *serial.Config) (Port, error)

func openTarm(cfg *serial.Config) (Port, error) {
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}
