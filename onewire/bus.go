// Package onewire implements the 1-Wire link layer on top of a bit level
// transport: byte transfers, ROM commands and the ROM search.
package onewire

import (
	"github.com/pkg/errors"
)

type RomCommand byte

const (
	RomSearch      RomCommand = 0xF0
	RomRead        RomCommand = 0x33
	RomMatch       RomCommand = 0x55
	RomSkip        RomCommand = 0xCC
	RomAlarmSearch RomCommand = 0xEC
)

var ErrNoPresence = errors.New("no presence pulse on the bus")

// Bus is a bit level 1-Wire master. Every call is synchronous and owns the line
// until it returns.
type Bus interface {
	// Reset sends a reset pulse and reports whether any device answered with
	// a presence pulse.
	Reset() (presence bool, err error)
	WriteBit(bit bool) error
	ReadBit() (bool, error)
	String() string
}

// Pullup is implemented by buses that can drive the line high to power
// parasite devices during a conversion.
type Pullup interface {
	StrongPullup(on bool) error
}

func WriteByte(bus Bus, b byte) error {
	for i := 0; i < 8; i++ {
		if err := bus.WriteBit(b&(1<<i) != 0); err != nil {
			return errors.Wrapf(err, "failed writing bit %d of 0x%02X", i, b)
		}
	}
	return nil
}

func ReadByte(bus Bus) (b byte, err error) {
	for i := 0; i < 8; i++ {
		var bit bool
		bit, err = bus.ReadBit()
		if err != nil {
			err = errors.Wrapf(err, "failed reading bit %d", i)
			return
		}
		if bit {
			b |= 1 << i
		}
	}
	return
}

func WriteBytes(bus Bus, data []byte) error {
	for _, b := range data {
		if err := WriteByte(bus, b); err != nil {
			return err
		}
	}
	return nil
}

func ReadBytes(bus Bus, n int) ([]byte, error) {
	data := make([]byte, n)
	for i := range data {
		b, err := ReadByte(bus)
		if err != nil {
			return nil, err
		}
		data[i] = b
	}
	return data, nil
}

func reset(bus Bus) error {
	presence, err := bus.Reset()
	if err != nil {
		return errors.Wrapf(err, "reset on %s failed", bus)
	}
	if !presence {
		return ErrNoPresence
	}
	return nil
}

// Select resets the bus and addresses a single device with Match ROM. The
// following function command goes to that device only.
func Select(bus Bus, addr Address) error {
	if err := reset(bus); err != nil {
		return err
	}
	if err := WriteByte(bus, byte(RomMatch)); err != nil {
		return err
	}
	return WriteBytes(bus, addr[:])
}

// Skip resets the bus and issues Skip ROM, so the following function command
// is a broadcast to every device.
func Skip(bus Bus) error {
	if err := reset(bus); err != nil {
		return err
	}
	return WriteByte(bus, byte(RomSkip))
}

// Broadcast sends a function command to all devices on the bus.
func Broadcast(bus Bus, cmd byte) error {
	if err := Skip(bus); err != nil {
		return err
	}
	return WriteByte(bus, cmd)
}
