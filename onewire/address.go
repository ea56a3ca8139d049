package onewire

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Address is the 64-bit ROM code of a 1-Wire device: byte 0 is the family
// code, bytes 1-6 the serial number (least significant byte first) and byte 7
// the CRC-8 of bytes 0-6.
type Address [8]byte

// NewAddress builds an address from a family code and a 48-bit serial number
// and appends a matching CRC.
func NewAddress(family byte, serial uint64) (addr Address) {
	addr[0] = family
	for i := 1; i < 7; i++ {
		addr[i] = byte(serial)
		serial >>= 8
	}
	addr[7] = CRC8(addr[:7])
	return
}

func (a Address) Family() byte {
	return a[0]
}

func (a Address) Serial() (serial uint64) {
	for i := 6; i > 0; i-- {
		serial = serial<<8 | uint64(a[i])
	}
	return
}

func (a Address) CRC() byte {
	return a[7]
}

// Valid reports whether the CRC byte matches the first seven bytes.
func (a Address) Valid() bool {
	return CRC8(a[:7]) == a[7]
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns 16 upper case hex characters, byte 0 first.
func (a Address) String() string {
	return strings.ToUpper(hex.EncodeToString(a[:]))
}

// SysfsName returns the name the Linux w1 subsystem uses for the device
// directory, e.g. 28-0316a279b6ff.
func (a Address) SysfsName() string {
	return fmt.Sprintf("%02x-%012x", a.Family(), a.Serial())
}

// ParseAddress accepts the 16 hex character form produced by String and the
// sysfs form "ff-ssssssssssss". Addresses in sysfs form get their CRC
// computed, the kernel validates it before listing a device.
func ParseAddress(s string) (addr Address, err error) {
	s = strings.TrimSpace(s)
	if family, serial, isSysfs := strings.Cut(s, "-"); isSysfs {
		var f, sn uint64
		_, err = fmt.Sscanf(family+" "+serial, "%x %x", &f, &sn)
		if err != nil || len(family) != 2 || len(serial) != 12 {
			err = errors.Errorf("invalid sysfs device name: %s", s)
			return
		}
		addr = NewAddress(byte(f), sn)
		return
	}

	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 16 {
		err = errors.Errorf("address %s must have 16 hex characters", s)
		return
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		err = errors.Wrapf(err, "failed to decode address %s", s)
		return
	}
	copy(addr[:], raw)
	return
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) (err error) {
	*a, err = ParseAddress(string(text))
	return
}
