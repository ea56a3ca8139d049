package drivers

import (
	"context"
	"time"

	"github.com/hubertat/wiretemp/onewire"
	"github.com/pkg/errors"
)

// Family codes of the supported 1-Wire thermometers.
const (
	FamilyDS18S20  byte = 0x10
	FamilyDS1822   byte = 0x22
	FamilyDS18B20  byte = 0x28
	FamilyDS1825   byte = 0x3B
	FamilyDS28EA00 byte = 0x42
)

type Command byte

const (
	CmdConvertT        Command = 0x44
	CmdWriteScratchpad Command = 0x4E
	CmdReadScratchpad  Command = 0xBE
	CmdCopyScratchpad  Command = 0x48
	CmdRecallEEPROM    Command = 0xB8
	CmdReadPowerSupply Command = 0xB4
)

const (
	MinResolution = 9
	MaxResolution = 12
)

var (
	ErrInvalidResolution = errors.New("resolution must be between 9 and 12 bits")
	ErrInvalidScratchpad = errors.New("scratchpad crc mismatch")
	ErrParasitePolling   = errors.New("conversion state cannot be polled in parasite power mode")
	ErrDriverNotReady    = errors.New("sensor driver not ready")
)

// SensorDriver speaks the thermometer command set on one bus. Calls are
// synchronous; a driver is owned by a single goroutine.
type SensorDriver interface {
	Setup(ctx context.Context) error
	Close() error
	IsReady() bool
	Name() string

	// Presence resets the bus and reports whether any device answered.
	Presence() (bool, error)
	// NewSearch starts a fresh pass over the device addresses on the bus.
	NewSearch() Searcher
	// Verify reports whether the device is still reachable.
	Verify(addr onewire.Address) (bool, error)
	ParasitePower() (bool, error)

	SetResolution(addr onewire.Address, bits int) error
	Resolution(addr onewire.Address) (int, error)
	// SaveScratchpad copies the configuration to the device EEPROM.
	SaveScratchpad(addr onewire.Address) error

	// RequestConversions broadcasts Convert T to every device.
	RequestConversions() error
	ConversionComplete() (bool, error)
	ReadScratchpad(addr onewire.Address) (Scratchpad, error)
}

// Searcher yields one address per call and onewire.ErrSearchDone at the end.
type Searcher interface {
	Next() (onewire.Address, error)
}

// DeviceCounter is implemented by drivers whose bus master keeps its own
// count of attached devices.
type DeviceCounter interface {
	DeviceCount() (int, error)
}

func IsThermometer(family byte) bool {
	switch family {
	case FamilyDS18S20, FamilyDS1822, FamilyDS18B20, FamilyDS1825, FamilyDS28EA00:
		return true
	}
	return false
}

func ValidResolution(bits int) bool {
	return bits >= MinResolution && bits <= MaxResolution
}

func ClampResolution(bits int) int {
	if bits < MinResolution {
		return MinResolution
	}
	if bits > MaxResolution {
		return MaxResolution
	}
	return bits
}

// ConversionTime is the worst case Convert T duration at a resolution.
func ConversionTime(bits int) time.Duration {
	switch ClampResolution(bits) {
	case 9:
		return 94 * time.Millisecond
	case 10:
		return 188 * time.Millisecond
	case 11:
		return 375 * time.Millisecond
	}
	return 750 * time.Millisecond
}

func configByte(bits int) byte {
	return byte(bits-MinResolution)<<5 | 0x1F
}
