// codec/frame.go
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrTruncated   = errors.New("codec: truncated frame")
	ErrBadHeader   = errors.New("codec: bad frame header")
	ErrBadChecksum = errors.New("codec: checksum mismatch")
	ErrOutOfRange  = errors.New("codec: field out of range")
)

// Function codes understood by the dispenser.
const (
	FuncReadInputRegisters     uint8 = 4
	FuncWriteSingleRegister    uint8 = 6
	FuncWriteMultipleRegisters uint8 = 16

	exceptionFlag uint8 = 0x80
)

// Register map.
const (
	DefaultUnitID uint8 = 1

	RegCommand     uint16 = 4200
	RegFrequency   uint16 = 4212
	RegTemperature uint16 = 4043
	RegPressure    uint16 = 4045

	BlockRegisters = 8
	blockBytes     = 2 * BlockRegisters
	sensorFirst    = RegTemperature
	sensorLast     = RegPressure

	maxUnitID = 247
	crcLen    = 2
)

// Command is the first register of the emit/clean block.
type Command uint16

const (
	CmdEmit      Command = 1
	CmdClean     Command = 2
	CmdStop      Command = 3
	CmdEmitClean Command = 4
)

func (c Command) Valid() bool { return c >= CmdEmit && c <= CmdEmitClean }

func (c Command) String() string {
	switch c {
	case CmdEmit:
		return "emit"
	case CmdClean:
		return "clean"
	case CmdStop:
		return "stop"
	case CmdEmitClean:
		return "emit+clean"
	}
	return fmt.Sprintf("command(%d)", uint16(c))
}

// EmitClean is the register block written to RegCommand. Field order is the
// wire order.
type EmitClean struct {
	Command        Command `json:"command"`
	ScentNo        uint16  `json:"scent_no"`
	ScentPumpPower uint16  `json:"scent_pump_power"`
	CleanPumpPower uint16  `json:"clean_pump_power"`
	ScentPeriod    uint16  `json:"scent_period"`
	CleanPeriod    uint16  `json:"clean_period"`
	ScentDelay     uint16  `json:"scent_delay"`
	CleanupDelay   uint16  `json:"cleanup_delay"`
}

func (b EmitClean) registers() []uint16 {
	return []uint16{
		uint16(b.Command),
		b.ScentNo,
		b.ScentPumpPower,
		b.CleanPumpPower,
		b.ScentPeriod,
		b.CleanPeriod,
		b.ScentDelay,
		b.CleanupDelay,
	}
}

func blockFromRegisters(r []uint16) EmitClean {
	return EmitClean{
		Command:        Command(r[0]),
		ScentNo:        r[1],
		ScentPumpPower: r[2],
		CleanPumpPower: r[3],
		ScentPeriod:    r[4],
		CleanPeriod:    r[5],
		ScentDelay:     r[6],
		CleanupDelay:   r[7],
	}
}

// Frame is a decoded request or response.
type Frame struct {
	UnitID    uint8    `json:"unit_id"`
	Function  uint8    `json:"function"`
	Address   uint16   `json:"address"`
	Count     uint16   `json:"count,omitempty"`
	Value     uint16   `json:"value,omitempty"`
	Registers []uint16 `json:"registers,omitempty"`
	Exception uint8    `json:"exception,omitempty"`
}

// Block returns the emit/clean block carried by a multi-register write.
func (f Frame) Block() (EmitClean, bool) {
	if f.Function != FuncWriteMultipleRegisters || len(f.Registers) != BlockRegisters {
		return EmitClean{}, false
	}
	return blockFromRegisters(f.Registers), true
}

func (f Frame) IsException() bool { return f.Function&exceptionFlag != 0 }

func checkUnit(unit uint8) error {
	if unit == 0 || unit > maxUnitID {
		return fmt.Errorf("%w: unit id %d", ErrOutOfRange, unit)
	}
	return nil
}

// EncodeWriteSingle builds a function 6 request.
func EncodeWriteSingle(unit uint8, address, value uint16) ([]byte, error) {
	if err := checkUnit(unit); err != nil {
		return nil, err
	}
	if address != RegCommand && address != RegFrequency {
		return nil, fmt.Errorf("%w: single write to register %d", ErrOutOfRange, address)
	}
	b := make([]byte, 6, 6+crcLen)
	b[0] = unit
	b[1] = FuncWriteSingleRegister
	binary.BigEndian.PutUint16(b[2:], address)
	binary.BigEndian.PutUint16(b[4:], value)
	return appendCRC(b), nil
}

// EncodeWriteBlock builds a function 16 request carrying the emit/clean block.
// Register count and byte count are derived from the block.
func EncodeWriteBlock(unit uint8, address uint16, block EmitClean) ([]byte, error) {
	if err := checkUnit(unit); err != nil {
		return nil, err
	}
	if address != RegCommand {
		return nil, fmt.Errorf("%w: block write to register %d", ErrOutOfRange, address)
	}
	if !block.Command.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrOutOfRange, block.Command)
	}
	b := make([]byte, 7, 7+blockBytes+crcLen)
	b[0] = unit
	b[1] = FuncWriteMultipleRegisters
	binary.BigEndian.PutUint16(b[2:], address)
	binary.BigEndian.PutUint16(b[4:], BlockRegisters)
	b[6] = blockBytes
	for _, r := range block.registers() {
		b = binary.BigEndian.AppendUint16(b, r)
	}
	return appendCRC(b), nil
}

// EncodeRead builds a function 4 request inside the sensor block.
func EncodeRead(unit uint8, address, count uint16) ([]byte, error) {
	if err := checkUnit(unit); err != nil {
		return nil, err
	}
	if address < sensorFirst || address > sensorLast {
		return nil, fmt.Errorf("%w: read from register %d", ErrOutOfRange, address)
	}
	if count == 0 || uint32(address)+uint32(count)-1 > uint32(sensorLast) {
		return nil, fmt.Errorf("%w: read of %d registers at %d", ErrOutOfRange, count, address)
	}
	b := make([]byte, 6, 6+crcLen)
	b[0] = unit
	b[1] = FuncReadInputRegisters
	binary.BigEndian.PutUint16(b[2:], address)
	binary.BigEndian.PutUint16(b[4:], count)
	return appendCRC(b), nil
}

// Decode parses a request frame as produced by the Encode functions.
func Decode(b []byte) (Frame, error) {
	if len(b) < 2 {
		return Frame{}, ErrTruncated
	}
	var want int
	switch b[1] {
	case FuncReadInputRegisters, FuncWriteSingleRegister:
		want = 6 + crcLen
	case FuncWriteMultipleRegisters:
		if len(b) < 7 {
			return Frame{}, ErrTruncated
		}
		want = 7 + int(b[6]) + crcLen
	default:
		return Frame{}, fmt.Errorf("%w: function %d", ErrBadHeader, b[1])
	}
	body, err := checkFrame(b, want)
	if err != nil {
		return Frame{}, err
	}

	f := Frame{
		UnitID:   body[0],
		Function: body[1],
		Address:  binary.BigEndian.Uint16(body[2:]),
	}
	switch f.Function {
	case FuncReadInputRegisters:
		f.Count = binary.BigEndian.Uint16(body[4:])
	case FuncWriteSingleRegister:
		f.Value = binary.BigEndian.Uint16(body[4:])
	case FuncWriteMultipleRegisters:
		f.Count = binary.BigEndian.Uint16(body[4:])
		n := int(body[6])
		if n != 2*int(f.Count) {
			return Frame{}, fmt.Errorf("%w: %d bytes for %d registers", ErrBadHeader, n, f.Count)
		}
		f.Registers = registers(body[7 : 7+n])
	}
	return f, nil
}

// DecodeResponse parses a frame sent back by the device.
func DecodeResponse(b []byte) (Frame, error) {
	want, err := ResponseLen(b)
	if err != nil {
		return Frame{}, err
	}
	body, err := checkFrame(b, want)
	if err != nil {
		return Frame{}, err
	}

	f := Frame{UnitID: body[0], Function: body[1]}
	switch {
	case f.IsException():
		f.Exception = body[2]
	case f.Function == FuncReadInputRegisters:
		n := int(body[2])
		if n%2 != 0 {
			return Frame{}, fmt.Errorf("%w: odd byte count %d", ErrBadHeader, n)
		}
		f.Registers = registers(body[3 : 3+n])
		f.Count = uint16(n / 2)
	case f.Function == FuncWriteSingleRegister:
		f.Address = binary.BigEndian.Uint16(body[2:])
		f.Value = binary.BigEndian.Uint16(body[4:])
	case f.Function == FuncWriteMultipleRegisters:
		f.Address = binary.BigEndian.Uint16(body[2:])
		f.Count = binary.BigEndian.Uint16(body[4:])
	}
	return f, nil
}

// ResponseLen reports the full length of the response frame starting at b[0],
// or ErrTruncated if more bytes are needed to tell.
func ResponseLen(b []byte) (int, error) {
	if len(b) < 2 {
		return 0, ErrTruncated
	}
	fc := b[1]
	switch {
	case fc&exceptionFlag != 0:
		return 3 + crcLen, nil
	case fc == FuncWriteSingleRegister, fc == FuncWriteMultipleRegisters:
		return 6 + crcLen, nil
	case fc == FuncReadInputRegisters:
		if len(b) < 3 {
			return 0, ErrTruncated
		}
		return 3 + int(b[2]) + crcLen, nil
	}
	return 0, fmt.Errorf("%w: function %d", ErrBadHeader, fc)
}

func checkFrame(b []byte, want int) ([]byte, error) {
	if len(b) < want {
		return nil, ErrTruncated
	}
	if len(b) > want {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadHeader, len(b)-want)
	}
	if b[0] == 0 || b[0] > maxUnitID {
		return nil, fmt.Errorf("%w: unit id %d", ErrBadHeader, b[0])
	}
	body := b[:want-crcLen]
	if !validCRC(b) {
		return nil, ErrBadChecksum
	}
	return body, nil
}

func registers(b []byte) []uint16 {
	r := make([]uint16, len(b)/2)
	for i := range r {
		r[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return r
}
