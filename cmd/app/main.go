package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/wiretemp"
)

var (
	Version string
	Build   string

	config      = flag.String("config", "config.json", "path of the configuration file (json or yaml)")
	flagInstall = flag.Bool("install", false, "Install service in os")
	flagOnce    = flag.Bool("once", false, "discover, read all devices once and exit")
	logLevel    = flag.String("log-level", "", "log level, overrides the config file")

	wtService = servicemaker.ServiceMaker{
		User:               "wiretemp",
		UserGroups:         []string{"gpio"},
		ServicePath:        "/etc/systemd/system/wiretemp.service",
		ServiceDescription: "WireTemp service: 1-Wire DS18B20 thermometer reader. github.com/hubertat/wiretemp",
		ExecDir:            "/srv/wiretemp",
		ExecName:           "wiretemp",
	}
)

func main() {
	flag.Parse()
	log.Info("wiretemp started", "version", Version, "build", Build)

	if *flagInstall {
		err := wtService.InstallService()
		if err != nil {
			log.Fatal("failed to install service", "err", err)
		}
		log.Info("service installed!")
		return
	}

	wt, err := wiretemp.LoadConfig(*config)
	if err != nil {
		log.Fatal("can't load config file, will terminate", "path", *config, "err", err)
	}
	if *flagOnce {
		wt.RunMode = wiretemp.RunModeOnce
	}
	if len(*logLevel) > 0 {
		wt.LogLevel = *logLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("will init wiretemp driver...")
	err = wt.InitDriver(ctx)
	defer wt.Close()
	if err != nil {
		log.Fatal("driver init failed", "err", err)
	}

	log.Info("will init outputs...")
	err = wt.InitOutputs(ctx)
	if err != nil {
		log.Fatal("outputs init failed", "err", err)
	}

	if wt.RunMode == wiretemp.RunModeOnce {
		err = wt.Run(ctx)
		if err != nil {
			log.Error("read cycle failed", "err", err)
		}
		return
	}

	if len(wt.HttpAddr) > 0 {
		log.Info("starting status server", "addr", wt.HttpAddr)
		wt.StartStatusServer()
	}

	if len(wt.HkPin) == 8 {
		if _, err = wt.Discover(ctx); err != nil {
			log.Fatal("discovery failed", "err", err)
		}
		log.Info("Starting with HomeKit server")
		go func() {
			err := wt.StartHomeKit(ctx, Version)
			if err != nil && ctx.Err() == nil {
				log.Error("HomeKit server stopped", "err", err)
			}
		}()
	} else {
		log.Info("HomeKit not configured, disabled")
	}

	err = wt.Run(ctx)
	if err != nil {
		log.Error("wiretemp stopped", "err", err)
	}
	wt.PrintStatus(os.Stdout)
}
