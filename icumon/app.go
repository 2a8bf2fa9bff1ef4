package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/itohio/icumon/pkg/api"
	"github.com/itohio/icumon/pkg/bus"
	"github.com/itohio/icumon/pkg/classifier"
	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/controller"
	"github.com/itohio/icumon/pkg/sim"
	"github.com/itohio/icumon/pkg/telemetry"
	"go.uber.org/zap"
	"tinygo.org/x/drivers"
)

const (
	transportLocal  = "local"
	transportSerial = "serial"

	classifierNetwork = "network"
	classifierRules   = "rules"
)

// transport is the bus the controller talks over plus whatever must run or
// be closed alongside it.
type transport struct {
	bus   drivers.I2C
	lines controller.Lines
	run   func(ctx context.Context) error
	close func() error
}

func newTransport(cfg *config.Config, log *zap.Logger) (*transport, error) {
	switch cfg.Bus.Transport {
	case transportLocal:
		rig, err := sim.NewRig(cfg, log)
		if err != nil {
			return nil, err
		}
		return &transport{
			bus: rig.Bus(),
			lines: controller.Lines{
				Pump:   sim.NewLine("controller-pump", log),
				Oxygen: sim.NewLine("controller-oxygen", log),
				Alarm:  sim.NewLine("controller-alarm", log),
			},
			run: rig.Run,
		}, nil

	case transportSerial:
		s := bus.NewSerial(cfg.Bus.Port, cfg.Bus.BaudRate, cfg.Bus.Timeout)
		if err := s.Connect(); err != nil {
			return nil, err
		}
		log.Info("connected to bus bridge", zap.String("port", cfg.Bus.Port), zap.Int("baud_rate", cfg.Bus.BaudRate))
		return &transport{
			bus: s,
			lines: controller.Lines{
				Pump:   bus.NewSerialLine(s, bus.LinePump, log),
				Oxygen: bus.NewSerialLine(s, bus.LineOxygen, log),
				Alarm:  bus.NewSerialLine(s, bus.LineAlarm, log),
			},
			close: s.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown bus transport %q", cfg.Bus.Transport)
	}
}

func newClassifier(cfg config.ClassifierConfig) (classifier.Classifier, error) {
	switch cfg.Kind {
	case classifierRules:
		return classifier.Rules{}, nil
	case classifierNetwork, "":
		model := classifier.DefaultModel()
		if cfg.ModelPath != "" {
			m, err := classifier.LoadModel(cfg.ModelPath)
			if err != nil {
				return nil, err
			}
			model = m
		}
		n, err := classifier.NewNetwork(model, cfg.Means, cfg.Stds)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown classifier %q", cfg.Kind)
	}
}

// run wires the controller to its transport, classifier, publishers and API
// and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	t, err := newTransport(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to set up bus: %w", err)
	}
	if t.close != nil {
		defer t.close()
	}

	c, err := newClassifier(cfg.Classifier)
	if err != nil {
		return fmt.Errorf("failed to set up classifier: %w", err)
	}

	ctrl := controller.New(cfg, t.bus, c, t.lines, log)
	ctrl.AddPublisher(telemetry.Metrics{})
	ctrl.AddPublisher(telemetry.NewLogDump(log))

	var history api.History
	if cfg.Redis.Enabled {
		r, err := telemetry.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer r.Close()
		ctrl.AddPublisher(telemetry.Timed("redis", r))
		history = r
		log.Info("publishing to redis", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.MQTT.Enabled {
		m, err := telemetry.NewMQTT(cfg.MQTT, log)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := m.Subscribe(ctrl); err != nil {
			return err
		}
		ctrl.AddPublisher(telemetry.Timed("mqtt", m))
		log.Info("publishing to mqtt", zap.String("broker", cfg.MQTT.Broker), zap.String("prefix", cfg.MQTT.TopicPrefix))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	components := []func(context.Context) error{ctrl.Run}
	if t.run != nil {
		components = append(components, t.run)
	}
	if cfg.HTTP.Enabled {
		components = append(components, api.NewServer(cfg.HTTP.Listen, api.NewHandler(ctrl, history, log), log).Run)
	}

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, fn := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				once.Do(func() { firstErr = err })
			}
			// One component stopping stops the rest.
			cancel()
		}()
	}
	wg.Wait()

	if errors.Is(firstErr, context.Canceled) {
		return nil
	}
	return firstErr
}
