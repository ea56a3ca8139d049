package drivers

import (
	"context"

	"github.com/hubertat/wiretemp/onewire"
	"github.com/pkg/errors"
)

const gpioWireDriverName = "gpio_wire"

// GpioWire drives the bus from a Raspberry Pi GPIO pin without kernel support.
type GpioWire struct {
	Pin uint8

	*BusDriver `json:"-" yaml:"-"`
}

func (gw *GpioWire) Setup(ctx context.Context) error {
	bus, err := onewire.OpenGpioBus(gw.Pin)
	if err != nil {
		return errors.Wrapf(err, "failed to setup %s driver", gpioWireDriverName)
	}
	gw.BusDriver = NewBusDriver(gpioWireDriverName, bus)
	return gw.BusDriver.Setup(ctx)
}

func (gw *GpioWire) IsReady() bool {
	return gw.BusDriver != nil && gw.BusDriver.IsReady()
}

func (gw *GpioWire) Close() error {
	if gw.BusDriver == nil {
		return nil
	}
	return gw.BusDriver.Close()
}

func (gw *GpioWire) Name() string {
	return gpioWireDriverName
}
