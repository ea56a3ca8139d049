// Package outputs delivers discovery results and read cycle reports to the
// console, an MQTT broker or InfluxDB.
package outputs

import (
	"context"
	"time"

	"github.com/hubertat/wiretemp/thermo"
)

// Output is one destination for readings. Implementations are called from
// the goroutine running the read cycles.
type Output interface {
	Name() string
	Discovered(reg *thermo.Registry) error
	Event(ev thermo.Event)
	Report(ctx context.Context, reg *thermo.Registry, report thermo.CycleReport) error
	Close() error
}

// Sample is the flat form of one reading, shared by the MQTT and HTTP
// encoders.
type Sample struct {
	Address    string    `json:"address"`
	Index      uint8     `json:"index"`
	Celsius    float64   `json:"celsius"`
	Fahrenheit float64   `json:"fahrenheit"`
	Resolution int       `json:"resolution"`
	Cycle      string    `json:"cycle"`
	Time       time.Time `json:"time"`
}

func NewSample(res thermo.Result, cycle string) Sample {
	return Sample{
		Address:    res.Address.String(),
		Index:      res.Index,
		Celsius:    res.Reading.Celsius(),
		Fahrenheit: res.Reading.Fahrenheit(),
		Resolution: res.Reading.Resolution,
		Cycle:      cycle,
		Time:       res.Reading.At,
	}
}

// Samples converts the successful results of a report.
func Samples(report thermo.CycleReport) (samples []Sample) {
	for _, res := range report.Results {
		if res.Reading == nil {
			continue
		}
		samples = append(samples, NewSample(res, report.ID.String()))
	}
	return
}
