package wiretemp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/wiretemp/drivers"
	"github.com/hubertat/wiretemp/mqtt"
	"github.com/hubertat/wiretemp/outputs"
	"github.com/hubertat/wiretemp/thermo"
)

const mqttReadTopic = "read"
const mqttDisconnectTimeout = 3 * time.Second

// WireTemp discovers the thermometers on one bus and reads them, once or on
// an interval. Exported fields come from the config file; exactly one of the
// driver pointers must be set.
type WireTemp struct {
	Name string

	Resolution        int
	ExpectedDevices   int
	PersistResolution bool
	RunMode           string
	ReadInterval      string
	ConversionTimeout string
	// FixedDelay waits the worst case conversion time instead of polling
	// the bus.
	FixedDelay   bool
	PollInterval string
	LogLevel     string
	Quiet        bool

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker   string
	MqttEncoding string

	Influx   *outputs.InfluxOutput
	HttpAddr string

	Wire *drivers.Wire
	Gpio *drivers.GpioWire
	Mock *drivers.MockWire

	readInterval      time.Duration
	conversionTimeout time.Duration
	pollInterval      time.Duration
	logLevel          log.Level

	logger     *log.Logger
	stdout     io.Writer
	driver     drivers.SensorDriver
	outputs    []outputs.Output
	mqttClient *mqtt.MqttClient
	reader     *thermo.Reader
	server     *http.Server
	trigger    chan struct{}

	lock         sync.RWMutex
	registry     *thermo.Registry
	latest       thermo.CycleReport
	thermometers map[uint8]*Thermometer
}

func (wt *WireTemp) configuredDrivers() (configured []drivers.SensorDriver) {
	if wt.Wire != nil {
		configured = append(configured, wt.Wire)
	}
	if wt.Gpio != nil {
		configured = append(configured, wt.Gpio)
	}
	if wt.Mock != nil {
		configured = append(configured, wt.Mock)
	}
	return
}

func (wt *WireTemp) instanceName() string {
	if len(wt.Name) > 0 {
		return wt.Name
	}
	return defaultInstanceName
}

func (wt *WireTemp) getLogger() *log.Logger {
	if wt.logger == nil {
		wt.logger = log.NewWithOptions(os.Stderr, log.Options{
			Prefix:          wt.instanceName(),
			Level:           wt.logLevel,
			ReportTimestamp: true,
		})
	}
	return wt.logger
}

// InitDriver validates the configuration and sets up the configured driver.
func (wt *WireTemp) InitDriver(ctx context.Context) error {
	if err := wt.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	wt.driver = wt.configuredDrivers()[0]
	if err := wt.driver.Setup(ctx); err != nil {
		return errors.Wrapf(err, "failed to setup %s driver", wt.driver.Name())
	}

	wt.reader = &thermo.Reader{
		Driver:       wt.driver,
		Poll:         !wt.FixedDelay,
		PollInterval: wt.pollInterval,
		Timeout:      wt.conversionTimeout,
		OnEvent:      wt.handleEvent,
		Logger:       wt.getLogger().WithPrefix("reader"),
	}
	wt.trigger = make(chan struct{}, 1)

	wt.getLogger().Info("driver ready", "driver", wt.driver.Name())
	return nil
}

// InitOutputs prepares the console and every configured remote output.
func (wt *WireTemp) InitOutputs(ctx context.Context) error {
	if !wt.Quiet {
		stdout := wt.stdout
		if stdout == nil {
			stdout = os.Stdout
		}
		wt.outputs = append(wt.outputs, &outputs.Console{Writer: stdout, Resolution: wt.Resolution})
	}

	if len(wt.MqttBroker) > 0 {
		if err := wt.initMqtt(); err != nil {
			return err
		}
	}

	if wt.Influx != nil {
		if err := wt.Influx.Setup(ctx, wt.instanceName()); err != nil {
			return errors.Wrap(err, "failed to setup influx output")
		}
		wt.outputs = append(wt.outputs, wt.Influx)
	}

	return nil
}

func (wt *WireTemp) initMqtt() (err error) {
	mc, err := mqtt.NewMqttClient(wt.MqttBroker, wt.instanceName())
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt client")
	}

	mo, err := outputs.NewMqttOutput(mc, wt.instanceName(), wt.MqttEncoding)
	if err != nil {
		return errors.Wrap(err, "failed to create mqtt output")
	}

	err = mc.Connect([]mqtt.MqttHandler{wt})
	if err != nil {
		return errors.Wrap(err, "failed to connect to mqtt broker")
	}

	wt.mqttClient = mc
	wt.outputs = append(wt.outputs, mo)
	return nil
}

// MqttSubscribeTopic is where a message asks for an immediate read cycle.
func (wt *WireTemp) MqttSubscribeTopic() string {
	return fmt.Sprintf("%s/%s", wt.instanceName(), mqttReadTopic)
}

func (wt *WireTemp) MqttHandle(pub *paho.Publish) {
	wt.getLogger().Debug("read requested over mqtt", "topic", pub.Topic)
	wt.RequestCycle()
}

// RequestCycle asks a running loop for an extra cycle. Requests made while
// one is already pending are merged.
func (wt *WireTemp) RequestCycle() {
	select {
	case wt.trigger <- struct{}{}:
	default:
	}
}

func (wt *WireTemp) handleEvent(ev thermo.Event) {
	for _, out := range wt.outputs {
		out.Event(ev)
	}
}

// Discover builds the device registry; it replaces any earlier one.
func (wt *WireTemp) Discover(ctx context.Context) (*thermo.Registry, error) {
	if wt.driver == nil {
		return nil, drivers.ErrDriverNotReady
	}

	disc := &thermo.Discoverer{
		Driver:            wt.driver,
		Resolution:        wt.Resolution,
		ExpectedDevices:   wt.ExpectedDevices,
		PersistResolution: wt.PersistResolution,
		OnEvent:           wt.handleEvent,
		Logger:            wt.getLogger().WithPrefix("discovery"),
	}
	reg, err := disc.Discover(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "discovery failed")
	}

	thermometers := make(map[uint8]*Thermometer)
	for _, dev := range reg.Devices() {
		thermometers[dev.Index] = NewThermometer(dev, wt.instanceName())
	}

	wt.lock.Lock()
	wt.registry = reg
	wt.thermometers = thermometers
	wt.latest = thermo.CycleReport{}
	wt.lock.Unlock()

	for _, out := range wt.outputs {
		if err = out.Discovered(reg); err != nil {
			wt.getLogger().Error("output failed to take discovery results", "output", out.Name(), "err", err)
		}
	}
	return reg, nil
}

// RunCycle reads every discovered device once and hands the report to the
// outputs. Presence flags follow the verify step of each device.
func (wt *WireTemp) RunCycle(ctx context.Context) (thermo.CycleReport, error) {
	wt.lock.RLock()
	reg := wt.registry
	wt.lock.RUnlock()
	if reg == nil || wt.reader == nil {
		return thermo.CycleReport{}, errors.New("devices not discovered yet")
	}

	report, err := wt.reader.ReadAll(ctx, reg)
	if errors.Is(err, thermo.ErrCycleInProgress) {
		return report, err
	}

	for _, res := range report.Results {
		reg.SetPresent(int(res.Index), !errors.Is(res.Err, thermo.ErrDeviceMissing))
	}

	wt.lock.Lock()
	wt.latest = report
	for _, res := range report.Results {
		if th, found := wt.thermometers[res.Index]; found {
			th.Update(res)
		}
	}
	wt.lock.Unlock()

	for _, out := range wt.outputs {
		if outErr := out.Report(ctx, reg, report); outErr != nil {
			wt.getLogger().Error("output failed", "output", out.Name(), "cycle", report.ID, "err", outErr)
		}
	}

	return report, err
}

// Run reads the devices according to RunMode until ctx is done, discovering
// them first unless Discover already ran. A failed cycle is logged and the
// loop goes on.
func (wt *WireTemp) Run(ctx context.Context) error {
	wt.lock.RLock()
	discovered := wt.registry != nil
	wt.lock.RUnlock()

	if !discovered {
		if _, err := wt.Discover(ctx); err != nil {
			return err
		}
	}

	if wt.RunMode == RunModeOnce {
		_, err := wt.RunCycle(ctx)
		return err
	}

	ticker := time.NewTicker(wt.readInterval)
	defer ticker.Stop()

	for {
		_, err := wt.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			wt.getLogger().Warn("read cycle failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wt.trigger:
		}
	}
}

// Snapshot returns the registry records and the last cycle report.
func (wt *WireTemp) Snapshot() ([]thermo.Device, thermo.CycleReport) {
	wt.lock.RLock()
	defer wt.lock.RUnlock()

	return wt.registry.Devices(), wt.latest
}

func (wt *WireTemp) Close() (err error) {
	for _, out := range wt.outputs {
		if closeErr := out.Close(); closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close output")
		}
	}

	if wt.mqttClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mqttDisconnectTimeout)
		defer cancel()
		if closeErr := wt.mqttClient.Disconnect(ctx); closeErr != nil {
			err = errors.Wrap(closeErr, "failed to disconnect mqtt")
		}
	}

	if wt.server != nil {
		if closeErr := wt.server.Close(); closeErr != nil {
			err = errors.Wrap(closeErr, "failed to close status server")
		}
	}

	if wt.driver != nil {
		if closeErr := wt.driver.Close(); closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %s driver", wt.driver.Name())
		}
	}

	return
}

func (wt *WireTemp) PrintStatus(writer io.Writer) {
	devices, latest := wt.Snapshot()

	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== wiretemp status ===")
	if wt.driver != nil {
		fmt.Fprintf(writer, "| driver: %s\n", wt.driver.Name())
	}
	fmt.Fprintf(writer, "| run mode: %s, interval: %v\n", wt.RunMode, wt.readInterval)
	for _, dev := range devices {
		fmt.Fprintln(writer, "________")
		fmt.Fprintf(writer, "| device %d: %s\n", dev.Index, dev.Address)
		fmt.Fprintf(writer, "| resolution: %d bits, present: %t\n", dev.Resolution, dev.Present)
	}
	if !latest.Started.IsZero() {
		fmt.Fprintln(writer, "--------")
		fmt.Fprintf(writer, "| last cycle %s at %s: %d readings, %d failures\n", latest.ID, latest.Started.Format(time.RFC3339), len(latest.Readings()), latest.Failures())
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}
