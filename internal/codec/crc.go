// codec/crc.go
package codec

import (
	"github.com/sigurn/crc16"
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

func checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// appendCRC adds the trailer low byte first, as RTU framing requires.
func appendCRC(b []byte) []byte {
	crc := checksum(b)
	return append(b, byte(crc), byte(crc>>8))
}

func validCRC(frame []byte) bool {
	n := len(frame)
	if n < crcLen {
		return false
	}
	got := uint16(frame[n-2]) | uint16(frame[n-1])<<8
	return checksum(frame[:n-2]) == got
}
