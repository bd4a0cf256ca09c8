// serialcomm/utils.go
package serialcomm

import (
	"fmt"
	"slices"

	"github.com/tarm/serial"
)

var parityCodes = map[string]serial.Parity{
	"none":  serial.ParityNone,
	"odd":   serial.ParityOdd,
	"even":  serial.ParityEven,
	"mark":  serial.ParityMark,
	"space": serial.ParitySpace,
}

var stopBitCodes = map[string]serial.StopBits{
	"1":   serial.Stop1,
	"1.5": serial.Stop1Half,
	"2":   serial.Stop2,
}

// Validate checks every field against its option list.
func (c SerialConfig) Validate() error {
	if c.PortName == "" {
		return fmt.Errorf("%w: empty port name", ErrUnsupportedOption)
	}
	if !slices.Contains(BaudRates, c.BaudRate) {
		return fmt.Errorf("%w: baud rate %d", ErrUnsupportedOption, c.BaudRate)
	}
	if !slices.Contains(DataBits, c.DataBits) {
		return fmt.Errorf("%w: data bits %d", ErrUnsupportedOption, c.DataBits)
	}
	if _, ok := parityCodes[c.Parity]; !ok {
		return fmt.Errorf("%w: parity %q", ErrUnsupportedOption, c.Parity)
	}
	if _, ok := stopBitCodes[c.StopBits]; !ok {
		return fmt.Errorf("%w: stop bits %q", ErrUnsupportedOption, c.StopBits)
	}
	if !slices.Contains(FlowControls, c.FlowControl) {
		return fmt.Errorf("%w: flow control %q", ErrUnsupportedOption, c.FlowControl)
	}
	// without a timeout a read blocks until a byte arrives and Disconnect waits on it
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read timeout %s", ErrUnsupportedOption, c.ReadTimeout)
	}
	return nil
}

func (c SerialConfig) portConfig() (*serial.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &serial.Config{
		Name:        c.PortName,
		Baud:        c.BaudRate,
		ReadTimeout: c.ReadTimeout,
		Size:        byte(c.DataBits),
		Parity:      parityCodes[c.Parity],
		StopBits:    stopBitCodes[c.StopBits],
	}, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
