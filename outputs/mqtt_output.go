package outputs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/hubertat/wiretemp/mqtt"
	"github.com/hubertat/wiretemp/thermo"
)

const mqttOutputName = "mqtt"

const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// MqttOutput publishes one message per reading on
// <Prefix>/<address>/temperature.
type MqttOutput struct {
	Publisher mqtt.Publisher
	Prefix    string
	Encoding  string

	cborMode cbor.EncMode
}

func NewMqttOutput(publisher mqtt.Publisher, prefix string, encoding string) (*MqttOutput, error) {
	mo := &MqttOutput{Publisher: publisher, Prefix: strings.Trim(prefix, "/"), Encoding: strings.ToLower(encoding)}

	switch mo.Encoding {
	case "", EncodingJSON:
		mo.Encoding = EncodingJSON
	case EncodingCBOR:
		mode, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create cbor encoder")
		}
		mo.cborMode = mode
	default:
		return nil, errors.Errorf("unknown mqtt payload encoding %s", encoding)
	}

	return mo, nil
}

func (mo *MqttOutput) Name() string {
	return mqttOutputName
}

func (mo *MqttOutput) Topic(address string) string {
	return fmt.Sprintf("%s/%s/temperature", mo.Prefix, address)
}

func (mo *MqttOutput) encode(sample Sample) ([]byte, error) {
	if mo.Encoding == EncodingCBOR {
		return mo.cborMode.Marshal(sample)
	}
	return json.Marshal(sample)
}

func (mo *MqttOutput) Discovered(reg *thermo.Registry) error {
	return nil
}

func (mo *MqttOutput) Event(ev thermo.Event) {}

func (mo *MqttOutput) Report(ctx context.Context, reg *thermo.Registry, report thermo.CycleReport) (err error) {
	for _, sample := range Samples(report) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		payload, encErr := mo.encode(sample)
		if encErr != nil {
			return errors.Wrapf(encErr, "failed to encode reading of %s", sample.Address)
		}

		pubErr := mo.Publisher.Publish(mo.Topic(sample.Address), payload)
		if pubErr != nil {
			// keep publishing the remaining devices
			if err == nil {
				err = pubErr
			} else {
				err = errors.Wrap(err, pubErr.Error())
			}
		}
	}
	return
}

func (mo *MqttOutput) Close() error {
	return nil
}
