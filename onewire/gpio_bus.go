package onewire

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

// Standard speed slot timings.
const (
	resetLow        = 480 * time.Microsecond
	presenceSample  = 70 * time.Microsecond
	resetRecovery   = 410 * time.Microsecond
	writeOneLow     = 6 * time.Microsecond
	writeOneRelease = 64 * time.Microsecond
	writeZeroLow    = 60 * time.Microsecond
	writeZeroRecov  = 10 * time.Microsecond
	readLow         = 6 * time.Microsecond
	readSample      = 9 * time.Microsecond
	readRecovery    = 55 * time.Microsecond
)

// GpioBus bit-bangs the 1-Wire protocol on a Raspberry Pi GPIO pin with an
// external 4.7k pull-up. Slots are timed by busy waiting on a locked OS
// thread; a preempted slot shows up as a CRC error one layer up.
type GpioBus struct {
	pin rpio.Pin
	mu  sync.Mutex
}

// OpenGpioBus maps the GPIO registers and releases the data pin. The caller
// closes the rpio mapping with Close.
func OpenGpioBus(pin uint8) (*GpioBus, error) {
	if err := rpio.Open(); err != nil {
		return nil, errors.Wrapf(err, "failed to open gpio for 1-wire bus on pin %d", pin)
	}
	gb := &GpioBus{pin: rpio.Pin(pin)}
	gb.release()
	return gb, nil
}

func (gb *GpioBus) Close() error {
	gb.release()
	return rpio.Close()
}

func (gb *GpioBus) String() string {
	return fmt.Sprintf("gpio 1-wire bus (pin %d)", gb.pin)
}

func (gb *GpioBus) release() {
	gb.pin.Input()
	gb.pin.PullUp()
}

func (gb *GpioBus) pullLow() {
	gb.pin.Output()
	gb.pin.Low()
}

func (gb *GpioBus) lineHigh() bool {
	return gb.pin.Read() == rpio.High
}

func spin(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}

func (gb *GpioBus) Reset() (bool, error) {
	gb.mu.Lock()
	defer gb.mu.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	gb.release()
	if !gb.lineHigh() {
		return false, errors.Errorf("%s: line held low, bus shorted or missing pull-up", gb)
	}

	gb.pullLow()
	spin(resetLow)
	gb.release()
	spin(presenceSample)
	presence := !gb.lineHigh()
	spin(resetRecovery)

	return presence, nil
}

func (gb *GpioBus) WriteBit(bit bool) error {
	gb.mu.Lock()
	defer gb.mu.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	gb.pullLow()
	if bit {
		spin(writeOneLow)
		gb.release()
		spin(writeOneRelease)
	} else {
		spin(writeZeroLow)
		gb.release()
		spin(writeZeroRecov)
	}
	return nil
}

func (gb *GpioBus) ReadBit() (bool, error) {
	gb.mu.Lock()
	defer gb.mu.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	gb.pullLow()
	spin(readLow)
	gb.release()
	spin(readSample)
	bit := gb.lineHigh()
	spin(readRecovery)
	return bit, nil
}

// StrongPullup drives the line high to feed parasite powered devices while
// they convert.
func (gb *GpioBus) StrongPullup(on bool) error {
	gb.mu.Lock()
	defer gb.mu.Unlock()

	if on {
		gb.pin.Output()
		gb.pin.High()
	} else {
		gb.release()
	}
	return nil
}
