package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/hubertat/wiretemp"
	"github.com/hubertat/wiretemp/drivers"
)

var (
	Version string
	Build   string
)

func main() {
	log.Info("wiretemp started")
	log.Info("mock instance for testing purposes, runs on a simulated bus")

	wt := &wiretemp.WireTemp{
		Name:         "wiretemp-mock",
		Resolution:   11,
		RunMode:      wiretemp.RunModeLoop,
		ReadInterval: "5s",
		HttpAddr:     "localhost:8088",
		HkPin:        "88008800",
		HkDirectory:  "./mock_homekit",
		Mock: &drivers.MockWire{Sensors: []drivers.MockSensor{
			{Address: "28-000000000a01", Celsius: 21.5, ConversionTime: "375ms"},
			{Address: "28-000000000a02", Celsius: -7.25, ConversionTime: "375ms"},
			{Address: "10-000000000b01", Celsius: 85},
			{Address: "28-000000000a03", Celsius: 0, Ghost: true},
		}},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("will init wiretemp driver...")
	err := wt.InitDriver(ctx)
	defer wt.Close()
	if err != nil {
		log.Fatal("driver init failed", "err", err)
	}
	err = wt.InitOutputs(ctx)
	if err != nil {
		log.Fatal("outputs init failed", "err", err)
	}

	_, err = wt.Discover(ctx)
	if err != nil {
		log.Fatal("discovery failed", "err", err)
	}
	wt.PrintStatus(os.Stdout)

	wt.StartStatusServer()

	log.Info("starting mock with HomeKit service")
	go func() {
		err := wt.StartHomeKit(ctx, "mock: "+Version)
		if err != nil && ctx.Err() == nil {
			log.Error("HomeKit server stopped", "err", err)
		}
	}()

	err = wt.Run(ctx)
	if err != nil {
		log.Error("mock stopped", "err", err)
	}
}
