package wiretemp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hubertat/wiretemp/drivers"
)

const (
	RunModeLoop = "loop"
	RunModeOnce = "once"
)

const defaultReadInterval = "30s"

// LoadConfig decodes a WireTemp from a JSON file, or YAML when the file
// ends in .yaml or .yml. YAML keys are the lowercased field names.
func LoadConfig(path string) (*WireTemp, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read config file %s", path)
	}

	wt := &WireTemp{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, wt)
		if err != nil {
			return nil, errors.Wrap(err, "failed unmarshalling yaml config")
		}
	default:
		err = json.Unmarshal(content, wt)
		if err != nil {
			return nil, errors.Wrap(err, "failed unmarshalling json config")
		}
	}

	return wt, nil
}

func parseDuration(name, value, fallback string) (time.Duration, error) {
	if len(value) == 0 {
		value = fallback
	}
	if len(value) == 0 {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	if d < 0 {
		return 0, errors.Errorf("%s must not be negative", name)
	}
	return d, nil
}

// Validate fills defaults and rejects configurations that cannot run.
func (wt *WireTemp) Validate() (err error) {
	if wt.Resolution == 0 {
		wt.Resolution = drivers.MaxResolution
	}
	if !drivers.ValidResolution(wt.Resolution) {
		return errors.Wrapf(drivers.ErrInvalidResolution, "got %d", wt.Resolution)
	}
	if wt.ExpectedDevices < 0 {
		return errors.New("ExpectedDevices must not be negative")
	}

	switch strings.ToLower(wt.RunMode) {
	case "", RunModeLoop:
		wt.RunMode = RunModeLoop
	case RunModeOnce:
		wt.RunMode = RunModeOnce
	default:
		return errors.Errorf("unknown RunMode %s, expected %s or %s", wt.RunMode, RunModeLoop, RunModeOnce)
	}

	if wt.readInterval, err = parseDuration("ReadInterval", wt.ReadInterval, defaultReadInterval); err != nil {
		return
	}
	if wt.RunMode == RunModeLoop && wt.readInterval == 0 {
		return errors.New("ReadInterval must be above zero in loop mode")
	}
	if wt.conversionTimeout, err = parseDuration("ConversionTimeout", wt.ConversionTimeout, ""); err != nil {
		return
	}
	if conversion := drivers.ConversionTime(wt.Resolution); wt.conversionTimeout > 0 && wt.conversionTimeout <= conversion {
		return errors.Errorf("ConversionTimeout %v must exceed the %v conversion time of %d bit resolution", wt.conversionTimeout, conversion, wt.Resolution)
	}
	if wt.pollInterval, err = parseDuration("PollInterval", wt.PollInterval, ""); err != nil {
		return
	}

	wt.logLevel = log.InfoLevel
	if len(wt.LogLevel) > 0 {
		if wt.logLevel, err = log.ParseLevel(wt.LogLevel); err != nil {
			return errors.Wrapf(err, "invalid LogLevel")
		}
	}

	if len(wt.HkPin) > 0 && len(wt.HkPin) != 8 {
		return errors.New("HkPin must have 8 digits")
	}

	if configured := len(wt.configuredDrivers()); configured != 1 {
		return errors.Errorf("exactly one of Wire, Gpio or Mock driver must be configured, got %d", configured)
	}

	return nil
}
