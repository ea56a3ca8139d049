package outputs

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"

	"github.com/hubertat/wiretemp/thermo"
)

const influxOutputName = "influx"
const defaultInfluxMeasurement = "temperature"
const influxSetupTimeout = 5 * time.Second

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxOutput writes every reading as a point tagged with the device
// address and the instance name.
type InfluxOutput struct {
	Host         string
	Organization string
	Bucket       string
	Measurement  string
	Token        string
	// Tags are added to every point.
	Tags map[string]string

	client influxdb2.Client
	writer pointWriter
	name   string
}

func (ifx *InfluxOutput) Setup(ctx context.Context, instanceName string) error {
	ifx.name = instanceName
	ifx.client = influxdb2.NewClient(ifx.Host, ifx.Token)

	ctx, cancel := context.WithTimeout(ctx, influxSetupTimeout)
	defer cancel()

	_, err := ifx.client.Health(ctx)
	if err != nil {
		ifx.client.Close()
		return errors.Wrapf(err, "failed to reach influx at %s", ifx.Host)
	}

	ifx.writer = ifx.client.WriteAPIBlocking(ifx.Organization, ifx.Bucket)
	return nil
}

func (ifx *InfluxOutput) Name() string {
	return influxOutputName
}

func (ifx *InfluxOutput) measurement() string {
	if len(ifx.Measurement) > 0 {
		return ifx.Measurement
	}
	return defaultInfluxMeasurement
}

func (ifx *InfluxOutput) Points(report thermo.CycleReport) (points []*write.Point) {
	for _, sample := range Samples(report) {
		tags := map[string]string{"address": sample.Address}
		if len(ifx.name) > 0 {
			tags["name"] = ifx.name
		}
		for key, value := range ifx.Tags {
			tags[key] = value
		}

		points = append(points, influxdb2.NewPoint(ifx.measurement(), tags, map[string]interface{}{
			"celsius":    sample.Celsius,
			"fahrenheit": sample.Fahrenheit,
			"resolution": sample.Resolution,
		}, sample.Time))
	}
	return
}

func (ifx *InfluxOutput) Discovered(reg *thermo.Registry) error {
	return nil
}

func (ifx *InfluxOutput) Event(ev thermo.Event) {}

func (ifx *InfluxOutput) Report(ctx context.Context, reg *thermo.Registry, report thermo.CycleReport) error {
	if ifx.writer == nil {
		return errors.New("influx output not set up")
	}
	points := ifx.Points(report)
	if len(points) == 0 {
		return nil
	}
	return errors.Wrap(ifx.writer.WritePoint(ctx, points...), "failed to write points to influx")
}

func (ifx *InfluxOutput) Close() error {
	if ifx.client != nil {
		ifx.client.Close()
	}
	return nil
}
