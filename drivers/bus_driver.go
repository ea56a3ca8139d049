package drivers

import (
	"context"
	"io"
	"time"

	"github.com/hubertat/wiretemp/onewire"
	"github.com/pkg/errors"
)

const eepromWriteTime = 10 * time.Millisecond

// BusDriver implements the DS18B20 family command set on any bit level
// 1-Wire bus.
type BusDriver struct {
	bus  onewire.Bus
	name string

	parasite bool
	pullup   bool
	ready    bool
}

func NewBusDriver(name string, bus onewire.Bus) *BusDriver {
	return &BusDriver{name: name, bus: bus}
}

func (bd *BusDriver) Setup(ctx context.Context) error {
	if bd.bus == nil {
		return errors.Errorf("failed to setup %s driver: no bus", bd.name)
	}
	bd.ready = true
	return nil
}

func (bd *BusDriver) Close() error {
	bd.ready = false
	bd.releasePullup()
	if closer, ok := bd.bus.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (bd *BusDriver) IsReady() bool {
	return bd.ready
}

func (bd *BusDriver) Name() string {
	return bd.name
}

func (bd *BusDriver) releasePullup() error {
	if !bd.pullup {
		return nil
	}
	bd.pullup = false
	if pu, ok := bd.bus.(onewire.Pullup); ok {
		return errors.Wrap(pu.StrongPullup(false), "failed to release strong pull-up")
	}
	return nil
}

func (bd *BusDriver) feedParasite(d time.Duration) error {
	pu, ok := bd.bus.(onewire.Pullup)
	if !bd.parasite || !ok {
		return nil
	}
	if err := pu.StrongPullup(true); err != nil {
		return errors.Wrap(err, "failed to enable strong pull-up")
	}
	bd.pullup = true
	if d > 0 {
		time.Sleep(d)
		return bd.releasePullup()
	}
	return nil
}

func (bd *BusDriver) Presence() (bool, error) {
	if err := bd.releasePullup(); err != nil {
		return false, err
	}
	return bd.bus.Reset()
}

func (bd *BusDriver) NewSearch() Searcher {
	bd.releasePullup()
	return onewire.NewSearch(bd.bus, false)
}

func (bd *BusDriver) Verify(addr onewire.Address) (bool, error) {
	if err := bd.releasePullup(); err != nil {
		return false, err
	}
	return onewire.Verify(bd.bus, addr)
}

// ParasitePower broadcasts Read Power Supply; any parasite powered device
// pulls the following read slot low.
func (bd *BusDriver) ParasitePower() (bool, error) {
	if err := bd.releasePullup(); err != nil {
		return false, err
	}
	if err := onewire.Broadcast(bd.bus, byte(CmdReadPowerSupply)); err != nil {
		return false, errors.Wrap(err, "read power supply failed")
	}
	externalOnly, err := bd.bus.ReadBit()
	if err != nil {
		return false, errors.Wrap(err, "read power supply failed")
	}
	bd.parasite = !externalOnly
	return bd.parasite, nil
}

func (bd *BusDriver) command(addr onewire.Address, cmd Command) error {
	if err := bd.releasePullup(); err != nil {
		return err
	}
	if err := onewire.Select(bd.bus, addr); err != nil {
		return errors.Wrapf(err, "failed to select %s", addr)
	}
	return onewire.WriteByte(bd.bus, byte(cmd))
}

func (bd *BusDriver) ReadScratchpad(addr onewire.Address) (sp Scratchpad, err error) {
	if err = bd.command(addr, CmdReadScratchpad); err != nil {
		return
	}
	data, err := onewire.ReadBytes(bd.bus, len(sp))
	if err != nil {
		err = errors.Wrapf(err, "failed reading scratchpad of %s", addr)
		return
	}
	copy(sp[:], data)
	return
}

func (bd *BusDriver) SetResolution(addr onewire.Address, bits int) error {
	if !ValidResolution(bits) {
		return errors.Wrapf(ErrInvalidResolution, "got %d", bits)
	}
	if addr.Family() == FamilyDS18S20 {
		return nil
	}

	sp, err := bd.ReadScratchpad(addr)
	if err != nil {
		return err
	}
	if !sp.Valid() {
		return errors.Wrapf(ErrInvalidScratchpad, "before setting resolution of %s", addr)
	}
	if sp.Resolution() == bits {
		return nil
	}

	if err = bd.command(addr, CmdWriteScratchpad); err != nil {
		return err
	}
	err = onewire.WriteBytes(bd.bus, []byte{sp[spHighAlarm], sp[spLowAlarm], configByte(bits)})
	return errors.Wrapf(err, "failed writing scratchpad of %s", addr)
}

func (bd *BusDriver) Resolution(addr onewire.Address) (int, error) {
	if addr.Family() == FamilyDS18S20 {
		return MaxResolution, nil
	}
	sp, err := bd.ReadScratchpad(addr)
	if err != nil {
		return 0, err
	}
	if !sp.Valid() {
		return 0, errors.Wrapf(ErrInvalidScratchpad, "reading resolution of %s", addr)
	}
	return sp.Resolution(), nil
}

func (bd *BusDriver) SaveScratchpad(addr onewire.Address) error {
	if err := bd.command(addr, CmdCopyScratchpad); err != nil {
		return err
	}
	if bd.parasite {
		return bd.feedParasite(eepromWriteTime)
	}
	time.Sleep(eepromWriteTime)
	return nil
}

// RequestConversions starts Convert T on every device at once. In parasite
// mode the line is held high until the next bus operation.
func (bd *BusDriver) RequestConversions() error {
	if err := bd.releasePullup(); err != nil {
		return err
	}
	if err := onewire.Broadcast(bd.bus, byte(CmdConvertT)); err != nil {
		return errors.Wrap(err, "convert broadcast failed")
	}
	return bd.feedParasite(0)
}

// ConversionComplete samples the busy line: devices keep read slots low while
// converting.
func (bd *BusDriver) ConversionComplete() (bool, error) {
	if bd.parasite {
		return false, ErrParasitePolling
	}
	return bd.bus.ReadBit()
}
