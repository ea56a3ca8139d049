package thermo

import (
	"time"

	"github.com/google/uuid"

	"github.com/hubertat/wiretemp/onewire"
)

func CelsiusToFahrenheit(celsius float64) float64 {
	return celsius*9/5 + 32
}

func FahrenheitToCelsius(fahrenheit float64) float64 {
	return (fahrenheit - 32) * 5 / 9
}

// Reading is one converted temperature. Raw is fixed point in 1/16 °C with
// the bits below Resolution cleared.
type Reading struct {
	Address    onewire.Address
	Raw        int16
	Resolution int
	At         time.Time
}

func (r Reading) Celsius() float64 {
	return float64(r.Raw) / 16
}

// Fahrenheit is derived from the same raw value as Celsius.
func (r Reading) Fahrenheit() float64 {
	return CelsiusToFahrenheit(r.Celsius())
}

// Result is the outcome of one device in a cycle: either Reading or Err.
type Result struct {
	Index   uint8
	Address onewire.Address
	Reading *Reading
	Err     error
}

type CycleReport struct {
	ID       uuid.UUID
	Started  time.Time
	Finished time.Time
	Results  []Result
	// Err is set when the whole cycle failed before reading devices.
	Err error
}

func (cr CycleReport) Readings() (readings []Reading) {
	for _, res := range cr.Results {
		if res.Reading != nil {
			readings = append(readings, *res.Reading)
		}
	}
	return
}

func (cr CycleReport) Failures() (failed int) {
	for _, res := range cr.Results {
		if res.Err != nil {
			failed++
		}
	}
	return
}
