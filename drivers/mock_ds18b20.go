package drivers

import (
	"math"
	"sync"
	"time"

	"github.com/hubertat/wiretemp/onewire"
)

// MockDS18B20 emulates the function layer of a DS18B20 (or DS18S20, by
// family code) attached to an onewire.MockBus.
type MockDS18B20 struct {
	Addr           onewire.Address
	Parasite       bool
	ConversionTime time.Duration
	// LockedConfig makes the device ignore resolution changes.
	LockedConfig bool
	// CorruptReads flips a bit in every scratchpad sent on the bus.
	CorruptReads bool

	mu          sync.Mutex
	celsius     float64
	scratchpad  Scratchpad
	eeprom      [3]byte
	writeIdx    int
	writeCount  int
	out         []bool
	statusMode  bool
	convertDone time.Time
	conversions int
}

func NewMockDS18B20(addr onewire.Address, celsius float64) *MockDS18B20 {
	md := &MockDS18B20{Addr: addr, celsius: celsius}
	md.scratchpad = Scratchpad{0x50, 0x05, 0x4B, 0x46, configByte(MaxResolution), 0xFF, 0x0C, 0x10}
	if addr.Family() == FamilyDS18S20 {
		md.scratchpad = Scratchpad{0xAA, 0x00, 0x4B, 0x46, 0xFF, 0xFF, 0x0C, 0x10}
	}
	md.updateCRC()
	copy(md.eeprom[:], md.scratchpad[spHighAlarm:spConfig+1])
	return md
}

func (md *MockDS18B20) SetCelsius(celsius float64) {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.celsius = celsius
}

func (md *MockDS18B20) Conversions() int {
	md.mu.Lock()
	defer md.mu.Unlock()

	return md.conversions
}

// Scratchpad returns the device memory as it is, without bus corruption.
func (md *MockDS18B20) Scratchpad() Scratchpad {
	md.mu.Lock()
	defer md.mu.Unlock()

	return md.scratchpad
}

func (md *MockDS18B20) Address() onewire.Address {
	return md.Addr
}

func (md *MockDS18B20) Reset() {
	md.mu.Lock()
	defer md.mu.Unlock()

	md.out = nil
	md.statusMode = false
	md.writeCount = 0
}

func (md *MockDS18B20) updateCRC() {
	md.scratchpad[spCRC] = onewire.CRC8(md.scratchpad[:spCRC])
}

func (md *MockDS18B20) convert() {
	md.conversions++
	if md.Addr.Family() == FamilyDS18S20 {
		whole := math.Floor(md.celsius + 0.25)
		countRemain := 16 - int(math.Round((md.celsius-whole+0.25)*16))
		raw := int16(whole) * 2
		md.scratchpad[spTempLSB] = byte(raw)
		md.scratchpad[spTempMSB] = byte(uint16(raw) >> 8)
		md.scratchpad[spCountRemain] = byte(countRemain)
		md.updateCRC()
		return
	}

	undefined := int16(1)<<(MaxResolution-md.scratchpad.Resolution()) - 1
	raw := int16(math.Round(md.celsius*16)) &^ undefined
	md.scratchpad[spTempLSB] = byte(raw)
	md.scratchpad[spTempMSB] = byte(uint16(raw) >> 8)
	md.updateCRC()
}

func (md *MockDS18B20) WriteByte(b byte) {
	md.mu.Lock()
	defer md.mu.Unlock()

	if md.writeCount > 0 {
		md.writeScratchpad(b)
		return
	}

	switch Command(b) {
	case CmdConvertT:
		md.convert()
		md.statusMode = true
		md.convertDone = time.Now().Add(md.ConversionTime)
	case CmdReadScratchpad:
		sp := md.scratchpad
		if md.CorruptReads {
			sp[spTempLSB] ^= 0x01
		}
		md.out = bitsOf(sp[:])
	case CmdWriteScratchpad:
		md.writeIdx = spHighAlarm
		md.writeCount = 3
		if md.Addr.Family() == FamilyDS18S20 {
			md.writeCount = 2
		}
	case CmdCopyScratchpad:
		copy(md.eeprom[:], md.scratchpad[spHighAlarm:spConfig+1])
	case CmdRecallEEPROM:
		copy(md.scratchpad[spHighAlarm:spConfig+1], md.eeprom[:])
		md.updateCRC()
	case CmdReadPowerSupply:
		md.out = []bool{!md.Parasite}
	}
}

func (md *MockDS18B20) writeScratchpad(b byte) {
	if md.writeIdx == spConfig {
		if !md.LockedConfig {
			md.scratchpad[spConfig] = b&0x60 | 0x1F
		}
	} else {
		md.scratchpad[md.writeIdx] = b
	}
	md.writeIdx++
	md.writeCount--
	md.updateCRC()
}

func (md *MockDS18B20) ReadBit() bool {
	md.mu.Lock()
	defer md.mu.Unlock()

	if md.statusMode {
		return !time.Now().Before(md.convertDone)
	}
	if len(md.out) == 0 {
		return true
	}
	bit := md.out[0]
	md.out = md.out[1:]
	return bit
}

func bitsOf(data []byte) []bool {
	bits := make([]bool, 0, len(data)*8)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			bits = append(bits, b&(1<<i) != 0)
		}
	}
	return bits
}
