// Command icumon runs the ICU monitoring controller: it polls the fluid,
// cardiac and oximeter peripherals, classifies the patient state, drives the
// pump, oxygen valve and alarm, and publishes every cycle to the configured
// telemetry sinks and the collaborator API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/itohio/icumon/pkg/bus"
	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	var (
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		mockFlag   = flag.Bool("mock", false, "Use simulated peripherals on a local bus instead of the serial bridge")
		listenFlag = flag.String("listen", "", "API listen address override (e.g., :8080)")
		portsFlag  = flag.Bool("ports", false, "List serial ports and exit")
		saveFlag   = flag.Bool("save", false, "Write the effective configuration back to the config file and exit")
	)
	flag.Parse()

	if *portsFlag {
		ports, err := bus.Ports()
		if err != nil {
			log.Fatalf("Failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p.Name)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command line overrides
	if *portFlag != "" {
		cfg.Bus.Port = *portFlag
		cfg.Bus.Transport = transportSerial
	}
	if *mockFlag {
		cfg.Bus.Transport = transportLocal
	}
	if *listenFlag != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Listen = *listenFlag
	}

	if *saveFlag {
		if err := cfg.Save(*configFlag); err != nil {
			log.Fatalf("Failed to save configuration: %v", err)
		}
		return
	}

	l, err := logger.New(cfg.Log.Level, cfg.Log.Format, "icumon")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer l.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Error("icumon stopped", zap.Error(err))
		l.Sync()
		os.Exit(1)
	}
	l.Info("icumon stopped")
}
