package outputs

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubertat/wiretemp/drivers"
	"github.com/hubertat/wiretemp/onewire"
	"github.com/hubertat/wiretemp/thermo"
)

var (
	hotAddr  = onewire.NewAddress(drivers.FamilyDS18B20, 0x0102)
	coldAddr = onewire.NewAddress(drivers.FamilyDS18B20, 0x0304)
	readAt   = time.Unix(1700000000, 0)
)

func testRegistry() *thermo.Registry {
	return thermo.NewRegistry(true,
		thermo.Device{Address: hotAddr, Resolution: 12, Present: true},
		thermo.Device{Address: coldAddr, Resolution: 11, Present: true},
	)
}

func testReport() thermo.CycleReport {
	return thermo.CycleReport{
		ID:      uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Started: readAt,
		Results: []thermo.Result{
			{Index: 0, Address: hotAddr, Reading: &thermo.Reading{Address: hotAddr, Raw: 1940, Resolution: 12, At: readAt}},
			{Index: 1, Address: coldAddr, Err: thermo.Event{Kind: thermo.EventReadFailure, Index: 1, Address: coldAddr, Err: thermo.ErrDeviceMissing}},
		},
	}
}

type fakePublisher struct {
	fail     map[string]bool
	topics   []string
	payloads [][]byte
}

func (fp *fakePublisher) Publish(topic string, payload []byte) error {
	fp.topics = append(fp.topics, topic)
	fp.payloads = append(fp.payloads, payload)
	if fp.fail[topic] {
		return errors.Errorf("broker refused %s", topic)
	}
	return nil
}

type fakeWriter struct {
	points []*write.Point
}

func (fw *fakeWriter) WritePoint(ctx context.Context, point ...*write.Point) error {
	fw.points = append(fw.points, point...)
	return nil
}

func TestConsoleDiscovered(t *testing.T) {
	buf := &bytes.Buffer{}
	co := &Console{Writer: buf, Resolution: 12}

	require.NoError(t, co.Discovered(testRegistry()))
	out := buf.String()
	assert.Contains(t, out, "Found 2 devices.\n")
	assert.Contains(t, out, "Parasite power is: ON\n")
	assert.Contains(t, out, "Found device 1 with address: "+coldAddr.String()+"\n")
	assert.Contains(t, out, "Setting resolution to 12\n")
	assert.Contains(t, out, "Resolution actually set to: 11\n")
}

func TestConsoleReport(t *testing.T) {
	buf := &bytes.Buffer{}
	co := &Console{Writer: buf}

	require.NoError(t, co.Report(context.Background(), testRegistry(), testReport()))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "Requesting temperatures...DONE", lines[0])
	assert.Equal(t, "Temperature for device: 0", lines[1])
	assert.Equal(t, "Temp C: 121.25", lines[2])
	assert.Equal(t, "Temp F: 250.25", lines[3])
	assert.Equal(t, "Temperature for device: 1", lines[4])
	assert.True(t, strings.HasPrefix(lines[5], "Read failed: read failure on device 1"))

	buf.Reset()
	require.NoError(t, co.Report(context.Background(), testRegistry(), thermo.CycleReport{Err: thermo.ErrConversionTimeout}))
	assert.Equal(t, "Requesting temperatures...FAILED (temperature conversion timed out)\n", buf.String())
}

func TestConsoleGhostEvent(t *testing.T) {
	buf := &bytes.Buffer{}
	co := &Console{Writer: buf}

	co.Event(thermo.Event{Kind: thermo.EventGhostDevice, Slot: 3})
	assert.Equal(t, "Found ghost device at 3 but could not detect address. Check power and cabling\n", buf.String())
}

func TestMqttOutputJSON(t *testing.T) {
	pub := &fakePublisher{}
	mo, err := NewMqttOutput(pub, "/garage/", "")
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, mo.Encoding)

	require.NoError(t, mo.Report(context.Background(), testRegistry(), testReport()))
	require.Equal(t, []string{"garage/" + hotAddr.String() + "/temperature"}, pub.topics)

	var sample Sample
	require.NoError(t, json.Unmarshal(pub.payloads[0], &sample))
	assert.Equal(t, hotAddr.String(), sample.Address)
	assert.Equal(t, 121.25, sample.Celsius)
	assert.Equal(t, 250.25, sample.Fahrenheit)
	assert.Equal(t, 12, sample.Resolution)
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", sample.Cycle)
	assert.True(t, sample.Time.Equal(readAt))
}

func TestMqttOutputCBOR(t *testing.T) {
	pub := &fakePublisher{}
	mo, err := NewMqttOutput(pub, "garage", "CBOR")
	require.NoError(t, err)

	require.NoError(t, mo.Report(context.Background(), testRegistry(), testReport()))
	require.Len(t, pub.payloads, 1)

	var sample Sample
	require.NoError(t, cbor.Unmarshal(pub.payloads[0], &sample))
	assert.Equal(t, hotAddr.String(), sample.Address)
	assert.Equal(t, 121.25, sample.Celsius)
	assert.True(t, sample.Time.Equal(readAt))
}

func TestMqttOutputKeepsPublishing(t *testing.T) {
	report := testReport()
	report.Results[1] = thermo.Result{Index: 1, Address: coldAddr, Reading: &thermo.Reading{Address: coldAddr, Raw: -8, Resolution: 11, At: readAt}}

	pub := &fakePublisher{fail: map[string]bool{"garage/" + hotAddr.String() + "/temperature": true}}
	mo, err := NewMqttOutput(pub, "garage", "json")
	require.NoError(t, err)

	err = mo.Report(context.Background(), testRegistry(), report)
	assert.Error(t, err)
	assert.Len(t, pub.topics, 2)
}

func TestMqttOutputUnknownEncoding(t *testing.T) {
	_, err := NewMqttOutput(&fakePublisher{}, "garage", "xml")
	assert.Error(t, err)
}

func TestInfluxPoints(t *testing.T) {
	fw := &fakeWriter{}
	ifx := &InfluxOutput{Tags: map[string]string{"room": "garage"}, writer: fw, name: "probe"}

	require.NoError(t, ifx.Report(context.Background(), testRegistry(), testReport()))
	require.Len(t, fw.points, 1)

	point := fw.points[0]
	assert.Equal(t, "temperature", point.Name())
	assert.True(t, point.Time().Equal(readAt))

	tags := map[string]string{}
	for _, tag := range point.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"address": hotAddr.String(), "name": "probe", "room": "garage"}, tags)

	fields := map[string]interface{}{}
	for _, field := range point.FieldList() {
		fields[field.Key] = field.Value
	}
	assert.Equal(t, 121.25, fields["celsius"])
	assert.Equal(t, 250.25, fields["fahrenheit"])
	assert.EqualValues(t, 12, fields["resolution"])
}

func TestInfluxNotSetUp(t *testing.T) {
	ifx := &InfluxOutput{Measurement: "temps"}
	assert.Error(t, ifx.Report(context.Background(), testRegistry(), testReport()))
	assert.Equal(t, "temps", ifx.measurement())
	assert.NoError(t, ifx.Close())
}
