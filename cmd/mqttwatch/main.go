package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/fxamacker/cbor/v2"

	"github.com/hubertat/wiretemp/mqtt"
	"github.com/hubertat/wiretemp/outputs"
)

var (
	broker   = flag.String("broker", "mqtt://localhost:1883", "mqtt broker url")
	name     = flag.String("name", "wiretemp", "instance name used as topic prefix")
	encoding = flag.String("encoding", outputs.EncodingJSON, "payload encoding, json or cbor")
	request  = flag.Bool("read", false, "ask the instance for a read cycle right after connecting")
)

// Handler prints the readings published by a wiretemp instance.
type Handler struct {
	topic string
	cbor  bool
}

func (h *Handler) MqttSubscribeTopic() string {
	return h.topic
}

func (h *Handler) MqttHandle(pub *paho.Publish) {
	var sample outputs.Sample
	var err error
	if h.cbor {
		err = cbor.Unmarshal(pub.Payload, &sample)
	} else {
		err = json.Unmarshal(pub.Payload, &sample)
	}
	if err != nil {
		log.Error("failed to decode reading", "topic", pub.Topic, "err", err)
		return
	}

	log.Info("reading", "address", sample.Address, "index", sample.Index, "celsius", sample.Celsius, "fahrenheit", sample.Fahrenheit, "resolution", sample.Resolution, "cycle", sample.Cycle)
}

func main() {
	flag.Parse()
	log.SetLevel(log.DebugLevel)

	mc, err := mqtt.NewMqttClient(*broker, *name+"-watch")
	if err != nil {
		log.Fatal("failed to create mqtt client", "error", err)
	}

	mqttHandlers := []mqtt.MqttHandler{
		&Handler{topic: *name + "/+/temperature", cbor: *encoding == outputs.EncodingCBOR},
	}

	err = mc.Connect(mqttHandlers)
	if err != nil {
		log.Fatal("failed to connect to mqtt broker", "error", err)
	}
	log.Info("mqtt client connected, waiting for readings")

	if *request {
		err = mc.Publish(*name+"/read", []byte("now"))
		if err != nil {
			log.Error("failed to request read cycle", "error", err)
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
