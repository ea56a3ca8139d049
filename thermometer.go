package wiretemp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/pkg/errors"

	"github.com/hubertat/wiretemp/drivers"
	"github.com/hubertat/wiretemp/thermo"
)

const oldDataDuration = 10 * time.Minute

const (
	thermometerMinimumTemperature = float64(-55)
	thermometerMaximumTemperature = float64(125)
)

// Thermometer exposes one discovered device as a HomeKit temperature sensor.
type Thermometer struct {
	Device thermo.Device

	value         float64
	lastSync      time.Time
	lastErr       error
	hkA           *accessory.Thermometer
	hkStatusFault *characteristic.StatusFault
}

func NewThermometer(dev thermo.Device, bridgeName string) *Thermometer {
	th := &Thermometer{Device: dev}

	info := accessory.Info{
		Name:         fmt.Sprintf("%s %d", bridgeName, dev.Index),
		SerialNumber: dev.Address.String(),
		Model:        familyModel(dev.Address.Family()),
	}
	th.hkA = accessory.NewTemperatureSensor(info)
	th.hkA.TempSensor.CurrentTemperature.SetMinValue(thermometerMinimumTemperature)
	th.hkA.TempSensor.CurrentTemperature.SetMaxValue(thermometerMaximumTemperature)
	th.hkStatusFault = characteristic.NewStatusFault()
	th.hkStatusFault.SetValue(characteristic.StatusFaultGeneralFault)
	th.hkA.TempSensor.AddC(th.hkStatusFault.C)

	return th
}

func familyModel(family byte) string {
	switch family {
	case drivers.FamilyDS18S20:
		return "DS18S20"
	case drivers.FamilyDS1822:
		return "DS1822"
	case drivers.FamilyDS18B20:
		return "DS18B20"
	case drivers.FamilyDS1825:
		return "DS1825"
	case drivers.FamilyDS28EA00:
		return "DS28EA00"
	}
	return fmt.Sprintf("family %02X", family)
}

// Update stores the outcome of the last cycle and pushes it to HomeKit.
func (th *Thermometer) Update(res thermo.Result) error {
	if res.Reading != nil {
		th.value = res.Reading.Celsius()
		th.lastSync = res.Reading.At
		th.lastErr = nil
	} else {
		th.lastErr = res.Err
	}
	return th.Sync()
}

func (th *Thermometer) Sync() error {
	val, err := th.GetValue()
	if err == nil {
		th.hkStatusFault.SetValue(characteristic.StatusFaultNoFault)
		th.hkA.TempSensor.CurrentTemperature.SetValue(val)
		return nil
	}

	th.hkStatusFault.SetValue(characteristic.StatusFaultGeneralFault)
	return errors.Wrapf(err, "failed to sync thermometer %s", th.Device.Address)
}

func (th *Thermometer) GetHk() *accessory.A {
	return th.hkA.A
}

// GetUniqueId derives the accessory id from the device address, so pairings
// survive a changed search order.
func (th *Thermometer) GetUniqueId() uint64 {
	return binary.BigEndian.Uint64(th.Device.Address[:])
}

func (th *Thermometer) GetValue() (value float64, err error) {
	if th.lastErr != nil {
		err = th.lastErr
		return
	}

	if th.lastSync.IsZero() {
		err = errors.Errorf("cannot get thermometer %s value, never read", th.Device.Address)
		return
	}

	if time.Since(th.lastSync) > oldDataDuration {
		err = errors.Errorf("cannot get value of thermometer %s, data is too old (%v old)", th.Device.Address, time.Since(th.lastSync))
		return
	}

	value = th.value
	return
}
