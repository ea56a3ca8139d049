// Package thermo discovers 1-Wire thermometers and runs read cycles over them.
package thermo

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"

	"github.com/hubertat/wiretemp/drivers"
	"github.com/hubertat/wiretemp/onewire"
)

// maxDevices is the size of the uint8 index space of a registry.
const maxDevices = 256

// maxConsecutiveGhosts ends a search that keeps returning CRC-invalid
// addresses, as a line held low does.
const maxConsecutiveGhosts = 8

type Discoverer struct {
	Driver drivers.SensorDriver
	// Resolution requested for every device, clamped to 9..12 bits.
	Resolution int
	// ExpectedDevices, when above zero, is compared with the number found.
	ExpectedDevices   int
	PersistResolution bool

	OnEvent EventHandler
	Logger  *log.Logger
}

func (d *Discoverer) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

func (d *Discoverer) emit(ev Event) {
	d.logger().Warn("discovery event", ev.KeyVals()...)
	if d.OnEvent != nil {
		d.OnEvent(ev)
	}
}

// Discover enumerates the bus and configures every thermometer found. Bus
// problems are reported as events and yield a partial or empty registry;
// only a cancelled context or an unusable driver return an error.
func (d *Discoverer) Discover(ctx context.Context) (*Registry, error) {
	if d.Driver == nil || !d.Driver.IsReady() {
		return nil, drivers.ErrDriverNotReady
	}

	reg := &Registry{}

	present, err := d.Driver.Presence()
	if err != nil || !present {
		if err == nil {
			err = onewire.ErrNoPresence
		}
		d.emit(Event{Kind: EventBusFault, Index: -1, Err: err})
		return reg, nil
	}

	reg.Parasite, err = d.Driver.ParasitePower()
	if err != nil {
		d.emit(Event{Kind: EventBusFault, Index: -1, Err: errors.Wrap(err, "parasite power check failed")})
	}

	returned, err := d.search(ctx, reg)
	if err != nil {
		return reg, err
	}

	bits := drivers.ClampResolution(d.Resolution)
	for _, dev := range reg.Devices() {
		if err = ctx.Err(); err != nil {
			return reg, err
		}
		d.configure(reg, dev, bits)
	}

	d.checkCount(reg, returned)

	d.logger().Info("discovery finished", "devices", reg.Len(), "parasite", reg.Parasite)
	return reg, nil
}

// search runs the bus search to its end and returns how many addresses the
// search primitive produced, valid or not.
func (d *Discoverer) search(ctx context.Context, reg *Registry) (slot int, err error) {
	search := d.Driver.NewSearch()
	seen := make(map[onewire.Address]bool)
	ghosts := 0

	for ; ; slot++ {
		if err = ctx.Err(); err != nil {
			return
		}
		if slot == maxDevices {
			d.emit(Event{Kind: EventSearchAnomaly, Slot: slot, Index: -1, Err: errors.Errorf("search did not end after %d addresses", maxDevices)})
			return
		}

		var addr onewire.Address
		addr, err = search.Next()
		switch {
		case errors.Is(err, onewire.ErrSearchDone):
			return slot, nil
		case errors.Is(err, onewire.ErrNoPresence):
			// devices left the bus mid-scan
			d.emit(Event{Kind: EventBusFault, Slot: slot, Index: -1, Err: err})
			return slot, nil
		case errors.Is(err, onewire.ErrSearchAnomaly):
			d.emit(Event{Kind: EventSearchAnomaly, Slot: slot, Index: -1, Err: err})
			return slot, nil
		case err != nil:
			d.emit(Event{Kind: EventBusFault, Slot: slot, Index: -1, Err: err})
			return slot, nil
		}

		if !addr.Valid() {
			d.emit(Event{Kind: EventGhostDevice, Slot: slot, Index: -1, Address: addr})
			if ghosts++; ghosts == maxConsecutiveGhosts {
				d.emit(Event{Kind: EventSearchAnomaly, Slot: slot, Index: -1, Err: errors.Errorf("%d invalid addresses in a row", ghosts)})
				return slot + 1, nil
			}
			continue
		}
		ghosts = 0
		if seen[addr] {
			d.emit(Event{Kind: EventSearchAnomaly, Slot: slot, Index: -1, Address: addr, Err: errors.New("address reported twice")})
			return slot, nil
		}
		seen[addr] = true

		if !drivers.IsThermometer(addr.Family()) {
			d.emit(Event{Kind: EventUnsupportedDevice, Slot: slot, Index: -1, Address: addr, Err: errors.Errorf("family 0x%02X", addr.Family())})
			continue
		}

		index := reg.add(addr, drivers.MaxResolution)
		d.logger().Debug("found device", "index", index, "address", addr.String(), "slot", slot)
	}
}

func (d *Discoverer) configure(reg *Registry, dev Device, bits int) {
	mismatch := Event{Kind: EventResolutionMismatch, Index: int(dev.Index), Address: dev.Address, Requested: bits}

	if err := d.Driver.SetResolution(dev.Address, bits); err != nil {
		mismatch.Err = errors.Wrap(err, "set resolution failed")
	}

	actual, err := d.Driver.Resolution(dev.Address)
	if err != nil {
		// keep the requested value, nothing better is known
		reg.setResolution(int(dev.Index), bits)
		mismatch.Actual = bits
		mismatch.Err = errors.Wrap(err, "get resolution failed")
		d.emit(mismatch)
		return
	}

	reg.setResolution(int(dev.Index), actual)
	mismatch.Actual = actual
	if actual != bits || mismatch.Err != nil {
		d.emit(mismatch)
		return
	}

	if d.PersistResolution {
		if err = d.Driver.SaveScratchpad(dev.Address); err != nil {
			d.logger().Warn("failed to persist resolution", "address", dev.Address.String(), "err", err)
		}
	}
}

func (d *Discoverer) checkCount(reg *Registry, returned int) {
	found := reg.Len()
	if d.ExpectedDevices > 0 && d.ExpectedDevices != found {
		d.emit(Event{Kind: EventCountMismatch, Index: -1, Requested: d.ExpectedDevices, Actual: found})
	}

	counter, ok := d.Driver.(drivers.DeviceCounter)
	if !ok {
		return
	}
	reported, err := counter.DeviceCount()
	if err != nil {
		d.logger().Warn("failed to read device count from bus master", "err", err)
		return
	}
	if reported != returned {
		d.emit(Event{Kind: EventCountMismatch, Index: -1, Requested: reported, Actual: returned, Err: errors.New("bus master count differs from search")})
	}
}
