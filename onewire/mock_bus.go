package onewire

import (
	"sync"

	"github.com/pkg/errors"
)

// MockDevice is a device attached to a MockBus. The bus handles the ROM layer
// (search, match, skip, read ROM); devices only see function command bytes.
type MockDevice interface {
	Address() Address
	// Reset is called on every reset pulse.
	Reset()
	// WriteByte receives each byte written after the device got selected.
	WriteByte(b byte)
	// ReadBit returns the bit the device drives in a read slot. A device with
	// nothing to say leaves the line high.
	ReadBit() bool
}

// Alarmer is implemented by mock devices that can answer an alarm search.
type Alarmer interface {
	Alarm() bool
}

type mockPhase int

const (
	phaseIdle mockPhase = iota
	phaseRomCommand
	phaseMatch
	phaseSearch
	phaseReadRom
	phaseFunction
)

// MockBus simulates an open drain 1-Wire line with any number of devices.
// Reads are the wired AND of what every selected device drives.
type MockBus struct {
	// Fault, when set, is returned by every bus operation.
	Fault error

	mu       sync.Mutex
	devices  []MockDevice
	detached map[Address]bool
	active   []MockDevice

	phase    mockPhase
	acc      byte
	accBits  int
	matchBuf []byte
	romBit   int
	romStep  int

	resets   int
	pullupOn bool
}

func NewMockBus(devices ...MockDevice) *MockBus {
	return &MockBus{
		devices:  devices,
		detached: make(map[Address]bool),
	}
}

func (mb *MockBus) String() string {
	return "mock 1-wire bus"
}

func (mb *MockBus) Attach(dev MockDevice) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.devices = append(mb.devices, dev)
}

// Detach disconnects the device with the given address; it stops answering
// until Reconnect is called.
func (mb *MockBus) Detach(addr Address) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.detached[addr] = true
}

func (mb *MockBus) Reconnect(addr Address) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.detached, addr)
}

// Resets returns how many reset pulses were sent so far.
func (mb *MockBus) Resets() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.resets
}

func (mb *MockBus) PullupOn() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.pullupOn
}

func (mb *MockBus) StrongPullup(on bool) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.Fault != nil {
		return mb.Fault
	}
	mb.pullupOn = on
	return nil
}

func (mb *MockBus) Reset() (bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.Fault != nil {
		return false, mb.Fault
	}
	mb.resets++
	mb.phase = phaseRomCommand
	mb.acc, mb.accBits = 0, 0
	mb.matchBuf = mb.matchBuf[:0]
	mb.romBit, mb.romStep = 0, 0

	mb.active = mb.active[:0]
	for _, dev := range mb.devices {
		if mb.detached[dev.Address()] {
			continue
		}
		dev.Reset()
		mb.active = append(mb.active, dev)
	}

	return len(mb.active) > 0, nil
}

func (mb *MockBus) WriteBit(bit bool) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.Fault != nil {
		return mb.Fault
	}

	if mb.phase == phaseSearch {
		if mb.romStep != 2 {
			return errors.Errorf("mock bus: direction written before id bits (bit %d)", mb.romBit)
		}
		mb.keepActive(func(dev MockDevice) bool { return romBit(dev.Address(), mb.romBit) == bit })
		mb.romBit++
		mb.romStep = 0
		if mb.romBit == 64 {
			mb.phase = phaseFunction
		}
		return nil
	}

	if bit {
		mb.acc |= 1 << mb.accBits
	}
	mb.accBits++
	if mb.accBits < 8 {
		return nil
	}
	b := mb.acc
	mb.acc, mb.accBits = 0, 0
	mb.writeByte(b)
	return nil
}

func (mb *MockBus) writeByte(b byte) {
	switch mb.phase {
	case phaseRomCommand:
		switch RomCommand(b) {
		case RomSearch:
			mb.phase = phaseSearch
		case RomAlarmSearch:
			mb.keepActive(func(dev MockDevice) bool {
				alarmer, ok := dev.(Alarmer)
				return ok && alarmer.Alarm()
			})
			mb.phase = phaseSearch
		case RomSkip:
			mb.phase = phaseFunction
		case RomMatch:
			mb.phase = phaseMatch
		case RomRead:
			mb.phase = phaseReadRom
		default:
			mb.phase = phaseIdle
		}
	case phaseMatch:
		mb.matchBuf = append(mb.matchBuf, b)
		if len(mb.matchBuf) == 8 {
			var addr Address
			copy(addr[:], mb.matchBuf)
			mb.keepActive(func(dev MockDevice) bool { return dev.Address() == addr })
			mb.phase = phaseFunction
		}
	case phaseReadRom:
		mb.phase = phaseFunction
		fallthrough
	case phaseFunction:
		for _, dev := range mb.active {
			dev.WriteByte(b)
		}
	}
}

func (mb *MockBus) ReadBit() (bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.Fault != nil {
		return false, mb.Fault
	}

	line := true
	switch mb.phase {
	case phaseSearch:
		switch mb.romStep {
		case 0:
			for _, dev := range mb.active {
				line = line && romBit(dev.Address(), mb.romBit)
			}
		case 1:
			for _, dev := range mb.active {
				line = line && !romBit(dev.Address(), mb.romBit)
			}
		default:
			return false, errors.Errorf("mock bus: third read at search bit %d", mb.romBit)
		}
		mb.romStep++
	case phaseReadRom:
		for _, dev := range mb.active {
			line = line && romBit(dev.Address(), mb.romBit)
		}
		mb.romBit++
		if mb.romBit == 64 {
			mb.phase = phaseFunction
		}
	case phaseFunction:
		for _, dev := range mb.active {
			// every device drives the slot, even when another one already pulled it low
			bit := dev.ReadBit()
			line = line && bit
		}
	}

	return line, nil
}

func (mb *MockBus) keepActive(keep func(MockDevice) bool) {
	kept := mb.active[:0]
	for _, dev := range mb.active {
		if keep(dev) {
			kept = append(kept, dev)
		}
	}
	mb.active = kept
}

func romBit(addr Address, n int) bool {
	return addr[n/8]&(1<<(n%8)) != 0
}
