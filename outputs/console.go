package outputs

import (
	"context"
	"fmt"
	"io"

	"github.com/hubertat/wiretemp/thermo"
)

const consoleOutputName = "console"

// Console prints human readable progress lines.
type Console struct {
	Writer io.Writer
	// Resolution is the requested resolution, printed next to the one each
	// device accepted.
	Resolution int
}

func (co *Console) Name() string {
	return consoleOutputName
}

func (co *Console) Discovered(reg *thermo.Registry) error {
	fmt.Fprintf(co.Writer, "Found %d devices.\n", reg.Len())

	parasite := "OFF"
	if reg.Parasite {
		parasite = "ON"
	}
	fmt.Fprintf(co.Writer, "Parasite power is: %s\n", parasite)

	for _, dev := range reg.Devices() {
		fmt.Fprintf(co.Writer, "Found device %d with address: %s\n", dev.Index, dev.Address)
		fmt.Fprintf(co.Writer, "Setting resolution to %d\n", co.Resolution)
		fmt.Fprintf(co.Writer, "Resolution actually set to: %d\n", dev.Resolution)
	}
	return nil
}

func (co *Console) Event(ev thermo.Event) {
	switch ev.Kind {
	case thermo.EventGhostDevice:
		fmt.Fprintf(co.Writer, "Found ghost device at %d but could not detect address. Check power and cabling\n", ev.Slot)
	case thermo.EventReadFailure:
		// printed with the report
	default:
		fmt.Fprintf(co.Writer, "Warning: %v\n", ev)
	}
}

func (co *Console) Report(ctx context.Context, reg *thermo.Registry, report thermo.CycleReport) error {
	fmt.Fprint(co.Writer, "Requesting temperatures...")
	if report.Err != nil {
		fmt.Fprintf(co.Writer, "FAILED (%v)\n", report.Err)
		return nil
	}
	fmt.Fprintln(co.Writer, "DONE")

	for _, res := range report.Results {
		fmt.Fprintf(co.Writer, "Temperature for device: %d\n", res.Index)
		if res.Reading == nil {
			fmt.Fprintf(co.Writer, "Read failed: %v\n", res.Err)
			continue
		}
		fmt.Fprintf(co.Writer, "Temp C: %.2f\n", res.Reading.Celsius())
		fmt.Fprintf(co.Writer, "Temp F: %.2f\n", res.Reading.Fahrenheit())
	}
	return nil
}

func (co *Console) Close() error {
	return nil
}
