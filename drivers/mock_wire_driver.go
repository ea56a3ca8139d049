package drivers

import (
	"context"
	"time"

	"github.com/hubertat/wiretemp/onewire"
	"github.com/pkg/errors"
)

const mockWireDriverName = "mock_wire"

type MockSensor struct {
	Address        string
	Celsius        float64
	Parasite       bool
	ConversionTime string
	// Ghost replaces the CRC byte with a wrong one.
	Ghost bool
}

// MockWire runs the thermometer driver against a simulated bus, configured
// from the same file as the real drivers.
type MockWire struct {
	Sensors []MockSensor

	*BusDriver `json:"-" yaml:"-"`

	Bus     *onewire.MockBus `json:"-" yaml:"-"`
	Devices []*MockDS18B20   `json:"-" yaml:"-"`
}

func (mw *MockWire) Setup(ctx context.Context) error {
	mw.Bus = onewire.NewMockBus()
	mw.Devices = nil

	for i, sensor := range mw.Sensors {
		addr, err := onewire.ParseAddress(sensor.Address)
		if err != nil {
			return errors.Wrapf(err, "failed to setup %s driver, sensor %d", mockWireDriverName, i)
		}
		if sensor.Ghost {
			addr[7] = ^onewire.CRC8(addr[:7])
		}
		dev := NewMockDS18B20(addr, sensor.Celsius)
		dev.Parasite = sensor.Parasite
		if len(sensor.ConversionTime) > 0 {
			dev.ConversionTime, err = time.ParseDuration(sensor.ConversionTime)
			if err != nil {
				return errors.Wrapf(err, "failed to parse conversion time of mock sensor %s", sensor.Address)
			}
		}
		mw.Devices = append(mw.Devices, dev)
		mw.Bus.Attach(dev)
	}

	mw.BusDriver = NewBusDriver(mockWireDriverName, mw.Bus)
	return mw.BusDriver.Setup(ctx)
}

func (mw *MockWire) IsReady() bool {
	return mw.BusDriver != nil && mw.BusDriver.IsReady()
}

func (mw *MockWire) Close() error {
	if mw.BusDriver == nil {
		return nil
	}
	return mw.BusDriver.Close()
}

func (mw *MockWire) Name() string {
	return mockWireDriverName
}
