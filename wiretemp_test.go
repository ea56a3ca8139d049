package wiretemp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brutella/hap/characteristic"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubertat/wiretemp/drivers"
	"github.com/hubertat/wiretemp/onewire"
	"github.com/hubertat/wiretemp/thermo"
)

var (
	warmSensor  = drivers.MockSensor{Address: "28-000000000a01", Celsius: 21.5}
	coldSensor  = drivers.MockSensor{Address: "28-000000000a02", Celsius: -10.25}
	ghostSensor = drivers.MockSensor{Address: "28-000000000a03", Celsius: 30, Ghost: true}
)

func newMockWireTemp(t *testing.T, runMode string, sensors ...drivers.MockSensor) (*WireTemp, *bytes.Buffer) {
	t.Helper()

	buf := &bytes.Buffer{}
	wt := &WireTemp{
		Name:         "test",
		RunMode:      runMode,
		ReadInterval: "1h",
		PollInterval: "1ms",
		LogLevel:     "fatal",
		Mock:         &drivers.MockWire{Sensors: sensors},
		stdout:       buf,
	}
	require.NoError(t, wt.InitDriver(context.Background()))
	require.NoError(t, wt.InitOutputs(context.Background()))
	t.Cleanup(func() { wt.Close() })

	return wt, buf
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"Name": "garage",
		"Resolution": 10,
		"RunMode": "once",
		"MqttBroker": "mqtt://broker:1883",
		"Influx": {"Host": "http://influx:8086", "Bucket": "home", "Tags": {"floor": "0"}},
		"Mock": {"Sensors": [{"Address": "28-000000000a01", "Celsius": 21.5}]}
	}`)

	wt, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "garage", wt.Name)
	assert.Equal(t, 10, wt.Resolution)
	assert.Equal(t, "mqtt://broker:1883", wt.MqttBroker)
	require.NotNil(t, wt.Influx)
	assert.Equal(t, "home", wt.Influx.Bucket)
	assert.Equal(t, "0", wt.Influx.Tags["floor"])
	require.NotNil(t, wt.Mock)
	assert.Equal(t, []drivers.MockSensor{warmSensor}, wt.Mock.Sensors)
	assert.Nil(t, wt.Wire)
	assert.NoError(t, wt.Validate())
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
name: attic
resolution: 9
readinterval: 5s
wire:
  master: w1_bus_master2
`)

	wt, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "attic", wt.Name)
	assert.Equal(t, 9, wt.Resolution)
	require.NotNil(t, wt.Wire)
	assert.Equal(t, "w1_bus_master2", wt.Wire.Master)

	require.NoError(t, wt.Validate())
	assert.Equal(t, RunModeLoop, wt.RunMode)
	assert.Equal(t, 5*time.Second, wt.readInterval)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "broken.json", `{"Name": `))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "broken.yml", "name: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	mock := func() *drivers.MockWire { return &drivers.MockWire{} }

	wt := &WireTemp{Mock: mock()}
	require.NoError(t, wt.Validate())
	assert.Equal(t, 12, wt.Resolution)
	assert.Equal(t, RunModeLoop, wt.RunMode)
	assert.Equal(t, 30*time.Second, wt.readInterval)
	assert.Zero(t, wt.conversionTimeout)

	invalid := map[string]*WireTemp{
		"no driver":                {},
		"two drivers":              {Mock: mock(), Wire: &drivers.Wire{}},
		"resolution too low":       {Mock: mock(), Resolution: 8},
		"resolution too big":       {Mock: mock(), Resolution: 13},
		"unknown run mode":         {Mock: mock(), RunMode: "sometimes"},
		"bad interval":             {Mock: mock(), ReadInterval: "often"},
		"zero interval":            {Mock: mock(), ReadInterval: "0s"},
		"negative timeout":         {Mock: mock(), ConversionTimeout: "-1s"},
		"short pin":                {Mock: mock(), HkPin: "1234"},
		"bad log level":            {Mock: mock(), LogLevel: "loud"},
		"negative expected":        {Mock: mock(), ExpectedDevices: -1},
		"timeout below conversion": {Mock: mock(), FixedDelay: true, ConversionTimeout: "500ms"},
		"timeout at conversion":    {Mock: mock(), Resolution: 9, ConversionTimeout: "94ms"},
	}
	for name, wt := range invalid {
		assert.Error(t, wt.Validate(), name)
	}

	fast := &WireTemp{Mock: mock(), Resolution: 9, ConversionTimeout: "500ms"}
	require.NoError(t, fast.Validate())
	assert.Equal(t, 500*time.Millisecond, fast.conversionTimeout)

	once := &WireTemp{Mock: mock(), RunMode: "ONCE", ReadInterval: "0s"}
	assert.NoError(t, once.Validate())
	assert.Equal(t, RunModeOnce, once.RunMode)
}

func TestRunOnce(t *testing.T) {
	wt, buf := newMockWireTemp(t, RunModeOnce, warmSensor, coldSensor, ghostSensor)

	require.NoError(t, wt.Run(context.Background()))

	out := buf.String()
	assert.Contains(t, out, "Found 2 devices.\n")
	assert.Contains(t, out, "Parasite power is: OFF\n")
	assert.Contains(t, out, "Found ghost device at ")
	assert.Contains(t, out, "Requesting temperatures...DONE\n")
	assert.Contains(t, out, "Temp C: 21.50\n")
	assert.Contains(t, out, "Temp F: 70.70\n")
	assert.Contains(t, out, "Temp C: -10.25\n")

	devices, report := wt.Snapshot()
	assert.Len(t, devices, 2)
	assert.Len(t, report.Readings(), 2)
	assert.Zero(t, report.Failures())

	status := &bytes.Buffer{}
	wt.PrintStatus(status)
	assert.Contains(t, status.String(), "| driver: mock_wire")
	assert.Contains(t, status.String(), "2 readings, 0 failures")
}

func TestRunCycleBeforeDiscovery(t *testing.T) {
	wt, _ := newMockWireTemp(t, RunModeOnce, warmSensor)

	_, err := wt.RunCycle(context.Background())
	assert.Error(t, err)
}

func TestPresenceFollowsVerify(t *testing.T) {
	wt, _ := newMockWireTemp(t, RunModeOnce, warmSensor, coldSensor)
	require.NoError(t, wt.Run(context.Background()))

	coldAddr, err := onewire.ParseAddress(coldSensor.Address)
	require.NoError(t, err)

	presence := func() map[onewire.Address]bool {
		devices, _ := wt.Snapshot()
		present := map[onewire.Address]bool{}
		for _, dev := range devices {
			present[dev.Address] = dev.Present
		}
		return present
	}

	wt.Mock.Bus.Detach(coldAddr)
	report, err := wt.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failures())
	assert.False(t, presence()[coldAddr])

	wt.Mock.Bus.Reconnect(coldAddr)
	report, err = wt.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Failures())
	assert.True(t, presence()[coldAddr])
}

func TestRunLoop(t *testing.T) {
	wt, _ := newMockWireTemp(t, RunModeLoop, warmSensor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- wt.Run(ctx)
	}()

	lastCycle := func() uuid.UUID {
		_, report := wt.Snapshot()
		return report.ID
	}

	require.Eventually(t, func() bool { return lastCycle() != uuid.Nil }, time.Second, time.Millisecond)
	first := lastCycle()

	// the interval is an hour, only the request can start another cycle
	wt.MqttHandle(&paho.Publish{Topic: wt.MqttSubscribeTopic()})
	require.Eventually(t, func() bool { return lastCycle() != first }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestStatusServer(t *testing.T) {
	wt, _ := newMockWireTemp(t, RunModeOnce, warmSensor, coldSensor)
	handler := wt.statusHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readings", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, wt.Run(context.Background()))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var devices []deviceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	require.Len(t, devices, 2)
	assert.Equal(t, 12, devices[0].Resolution)
	assert.True(t, devices[1].Present)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readings", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var readings readingsStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &readings))
	assert.Len(t, readings.Readings, 2)
	assert.Empty(t, readings.Failures)
	assert.NotEmpty(t, readings.Cycle)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/read", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestThermometer(t *testing.T) {
	addr := onewire.NewAddress(drivers.FamilyDS18B20, 0x0A01)
	dev := thermo.Device{Index: 0, Address: addr, Resolution: 12, Present: true}
	th := NewThermometer(dev, "test")

	assert.Error(t, th.Sync(), "never read thermometer must report a fault")
	assert.Equal(t, characteristic.StatusFaultGeneralFault, th.hkStatusFault.Value())

	reading := &thermo.Reading{Address: addr, Raw: -162, Resolution: 12, At: time.Now()}
	require.NoError(t, th.Update(thermo.Result{Address: addr, Reading: reading}))
	assert.Equal(t, -10.125, th.hkA.TempSensor.CurrentTemperature.Value())
	assert.Equal(t, characteristic.StatusFaultNoFault, th.hkStatusFault.Value())

	assert.Error(t, th.Update(thermo.Result{Address: addr, Err: thermo.ErrDeviceMissing}))
	assert.Equal(t, characteristic.StatusFaultGeneralFault, th.hkStatusFault.Value())

	assert.Equal(t, uint64(0x28010A0000000000)|uint64(addr[7]), th.GetUniqueId())
	assert.Equal(t, "DS18B20", familyModel(addr.Family()))
}

func TestHkAccessories(t *testing.T) {
	wt, _ := newMockWireTemp(t, RunModeOnce, warmSensor, coldSensor)
	require.NoError(t, wt.Run(context.Background()))

	acc := wt.GetHkAccessories("1.0.0")
	require.Len(t, acc, 2)
	assert.NotEqual(t, acc[0].Id, acc[1].Id)
}
