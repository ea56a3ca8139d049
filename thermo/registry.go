package thermo

import (
	"sync"

	"github.com/hubertat/wiretemp/onewire"
)

// Device is the record kept for every thermometer found during discovery.
// Index follows the search order and is only stable within one session.
type Device struct {
	Index      uint8
	Address    onewire.Address
	Resolution int
	Present    bool
}

// Registry is the ordered list of discovered devices. Discovery builds it;
// afterwards only presence flags change.
type Registry struct {
	Parasite bool

	mu      sync.RWMutex
	devices []Device
}

// NewRegistry builds a registry from known records, re-indexed in the given
// order. Discovery is the usual way to get one.
func NewRegistry(parasite bool, devices ...Device) *Registry {
	r := &Registry{Parasite: parasite}
	for _, dev := range devices {
		index := r.add(dev.Address, dev.Resolution)
		r.devices[index].Present = dev.Present
	}
	return r
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.devices)
}

// Devices returns a copy of the records.
func (r *Registry) Devices() []Device {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]Device, len(r.devices))
	copy(devices, r.devices)
	return devices
}

func (r *Registry) Device(index int) (Device, bool) {
	if r == nil {
		return Device{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if index < 0 || index >= len(r.devices) {
		return Device{}, false
	}
	return r.devices[index], true
}

func (r *Registry) Find(addr onewire.Address) (Device, bool) {
	if r == nil {
		return Device{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, dev := range r.devices {
		if dev.Address == addr {
			return dev, true
		}
	}
	return Device{}, false
}

// MaxResolution is the highest resolution configured on any device; it sizes
// the conversion wait.
func (r *Registry) MaxResolution() (bits int) {
	for _, dev := range r.Devices() {
		if dev.Resolution > bits {
			bits = dev.Resolution
		}
	}
	return
}

func (r *Registry) SetPresent(index int, present bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if index >= 0 && index < len(r.devices) {
		r.devices[index].Present = present
	}
}

func (r *Registry) add(addr onewire.Address, resolution int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices = append(r.devices, Device{
		Index:      uint8(len(r.devices)),
		Address:    addr,
		Resolution: resolution,
		Present:    true,
	})
	return len(r.devices) - 1
}

func (r *Registry) setResolution(index int, bits int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.devices[index].Resolution = bits
}
