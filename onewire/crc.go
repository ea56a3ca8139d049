package onewire

import "github.com/sigurn/crc8"

var crcTable = crc8.MakeTable(crc8.CRC8_MAXIM)

// CRC8 computes the Dallas/Maxim CRC-8 (x^8 + x^5 + x^4 + 1, reflected) used
// for ROM codes and scratchpads.
func CRC8(data []byte) byte {
	return crc8.Checksum(data, crcTable)
}

// CheckCRC reports whether the last byte of buf is the CRC of the bytes before it.
func CheckCRC(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	return CRC8(buf[:len(buf)-1]) == buf[len(buf)-1]
}
