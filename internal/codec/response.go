// codec/response.go
package codec

import (
	"encoding/binary"
	"fmt"
)

// Exception codes a device may answer with.
const (
	ExIllegalFunction uint8 = 1
	ExIllegalAddress  uint8 = 2
	ExIllegalValue    uint8 = 3
)

// EncodeReadResponse builds the device answer to a function 4 request.
func EncodeReadResponse(unit uint8, regs []uint16) ([]byte, error) {
	if err := checkUnit(unit); err != nil {
		return nil, err
	}
	if len(regs) == 0 || 2*len(regs) > 0xff {
		return nil, fmt.Errorf("%w: %d registers", ErrOutOfRange, len(regs))
	}
	b := make([]byte, 3, 3+2*len(regs)+crcLen)
	b[0] = unit
	b[1] = FuncReadInputRegisters
	b[2] = byte(2 * len(regs))
	for _, r := range regs {
		b = binary.BigEndian.AppendUint16(b, r)
	}
	return appendCRC(b), nil
}

// EncodeWriteResponse builds the acknowledgement of a function 6 or 16
// request. For 6 the last field is the written value, for 16 the count.
func EncodeWriteResponse(unit, function uint8, address, valueOrCount uint16) ([]byte, error) {
	if err := checkUnit(unit); err != nil {
		return nil, err
	}
	if function != FuncWriteSingleRegister && function != FuncWriteMultipleRegisters {
		return nil, fmt.Errorf("%w: function %d", ErrOutOfRange, function)
	}
	b := make([]byte, 6, 6+crcLen)
	b[0] = unit
	b[1] = function
	binary.BigEndian.PutUint16(b[2:], address)
	binary.BigEndian.PutUint16(b[4:], valueOrCount)
	return appendCRC(b), nil
}

func EncodeException(unit, function, code uint8) ([]byte, error) {
	if err := checkUnit(unit); err != nil {
		return nil, err
	}
	return appendCRC([]byte{unit, function | exceptionFlag, code}), nil
}
