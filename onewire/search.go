package onewire

import (
	"github.com/pkg/errors"
)

var (
	// ErrSearchDone is returned by Search.Next once every device was reported.
	ErrSearchDone = errors.New("end of search")
	// ErrSearchAnomaly means no device drove either bit of a position, i.e.
	// every participant dropped off in the middle of a search pass.
	ErrSearchAnomaly = errors.New("search anomaly: no device answered")
)

// Search walks the ROM code tree depth first, one device per Next call,
// resolving bit conflicts with the id/complement pairs every device
// drives. Addresses are returned as read; CRC validation is left to the caller.
type Search struct {
	bus       Bus
	alarmOnly bool

	rom             Address
	lastDiscrepancy int
	lastDevice      bool
}

func NewSearch(bus Bus, alarmOnly bool) *Search {
	return &Search{bus: bus, alarmOnly: alarmOnly}
}

func (s *Search) restart() {
	s.rom = Address{}
	s.lastDiscrepancy = 0
	s.lastDevice = false
}

// Next returns the next device address. It returns ErrSearchDone after the
// last device and ErrNoPresence when nothing answers the reset pulse.
func (s *Search) Next() (Address, error) {
	if s.lastDevice {
		return Address{}, ErrSearchDone
	}

	presence, err := s.bus.Reset()
	if err != nil {
		s.restart()
		return Address{}, errors.Wrapf(err, "search reset on %s failed", s.bus)
	}
	if !presence {
		s.restart()
		return Address{}, ErrNoPresence
	}

	cmd := RomSearch
	if s.alarmOnly {
		cmd = RomAlarmSearch
	}
	if err = WriteByte(s.bus, byte(cmd)); err != nil {
		s.restart()
		return Address{}, err
	}

	lastZero := 0
	for bitNo := 1; bitNo <= 64; bitNo++ {
		idBit, err := s.bus.ReadBit()
		if err != nil {
			s.restart()
			return Address{}, errors.Wrapf(err, "search failed reading id bit %d", bitNo)
		}
		cmpBit, err := s.bus.ReadBit()
		if err != nil {
			s.restart()
			return Address{}, errors.Wrapf(err, "search failed reading complement bit %d", bitNo)
		}
		if idBit && cmpBit {
			s.restart()
			if s.alarmOnly && bitNo == 1 {
				return Address{}, ErrSearchDone
			}
			return Address{}, errors.Wrapf(ErrSearchAnomaly, "at bit %d", bitNo)
		}

		byteNo, mask := (bitNo-1)/8, byte(1)<<((bitNo-1)%8)
		direction := idBit
		if idBit == cmpBit {
			// both 0: devices disagree on this bit
			switch {
			case bitNo < s.lastDiscrepancy:
				direction = s.rom[byteNo]&mask != 0
			default:
				direction = bitNo == s.lastDiscrepancy
			}
			if !direction {
				lastZero = bitNo
			}
		}

		if direction {
			s.rom[byteNo] |= mask
		} else {
			s.rom[byteNo] &^= mask
		}
		if err = s.bus.WriteBit(direction); err != nil {
			s.restart()
			return Address{}, errors.Wrapf(err, "search failed writing direction bit %d", bitNo)
		}
	}

	s.lastDiscrepancy = lastZero
	s.lastDevice = lastZero == 0
	return s.rom, nil
}

// All runs a complete search and returns every address found.
func (s *Search) All() (found []Address, err error) {
	s.restart()
	for {
		addr, err := s.Next()
		if errors.Is(err, ErrSearchDone) {
			return found, nil
		}
		if err != nil {
			return found, err
		}
		found = append(found, addr)
	}
}

// Verify reports whether the device with the given address still takes part
// in a search, i.e. it is present and reachable on the bus.
func Verify(bus Bus, addr Address) (bool, error) {
	s := &Search{bus: bus, rom: addr, lastDiscrepancy: 64}
	got, err := s.Next()
	if errors.Is(err, ErrNoPresence) || errors.Is(err, ErrSearchAnomaly) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got == addr, nil
}
