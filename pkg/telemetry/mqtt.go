package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/itohio/icumon/pkg/config"
	"github.com/itohio/icumon/pkg/controller"
	"go.uber.org/zap"
)

// MQTT publishes snapshots to a broker and accepts remote toggle commands.
//
// Topics, relative to the configured prefix:
//
//	status                retained JSON snapshot
//	state                 retained overall state label
//	cmd/oxygen/toggle     any payload toggles oxygen; result on cmd/oxygen/state
//	cmd/fluid/toggle      any payload toggles the fluid inlet; result on cmd/fluid/state
//
// Toggle commands run on a worker goroutine in arrival order, so the client's
// message handlers never block on the bus or on a publish.
type MQTT struct {
	client mqtt.Client
	prefix string
	qos    byte
	log    *zap.Logger

	cmds      chan toggleCmd
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type toggleCmd struct {
	topic  string
	toggle func() bool
	result string
}

const toggleQueue = 16

var _ controller.Publisher = (*MQTT)(nil)

// NewMQTT connects to the broker described by cfg.
func NewMQTT(cfg config.MQTTConfig, log *zap.Logger) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "icumon-" + uuid.NewString()
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newMQTT(client, cfg.TopicPrefix, cfg.QoS, log), nil
}

func newMQTT(client mqtt.Client, prefix string, qos byte, log *zap.Logger) *MQTT {
	if log == nil {
		log = zap.NewNop()
	}
	return &MQTT{
		client: client,
		prefix: prefix,
		qos:    qos,
		log:    log.Named("mqtt"),
		cmds:   make(chan toggleCmd, toggleQueue),
		done:   make(chan struct{}),
	}
}

func (m *MQTT) topic(suffix string) string {
	return m.prefix + "/" + suffix
}

// Publish sends s as the retained status message.
func (m *MQTT) Publish(_ context.Context, s controller.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := m.publish(m.topic("status"), true, data); err != nil {
		return err
	}
	return m.publish(m.topic("state"), true, []byte(s.State.String()))
}

func (m *MQTT) publish(topic string, retained bool, payload []byte) error {
	token := m.client.Publish(topic, m.qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Subscribe routes the remote toggle commands to mon.
func (m *MQTT) Subscribe(mon controller.Monitor) error {
	routes := map[string]struct {
		toggle func() bool
		result string
	}{
		"cmd/oxygen/toggle": {toggle: mon.ToggleOxygen, result: "cmd/oxygen/state"},
		"cmd/fluid/toggle":  {toggle: mon.ToggleFluidInlet, result: "cmd/fluid/state"},
	}

	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.runToggles()
	})

	for suffix, r := range routes {
		topic := m.topic(suffix)
		if token := m.client.Subscribe(topic, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
			m.enqueue(toggleCmd{topic: msg.Topic(), toggle: r.toggle, result: r.result})
		}); token.Wait() && token.Error() != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
		}
	}
	return nil
}

func (m *MQTT) enqueue(cmd toggleCmd) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.cmds <- cmd:
	default:
		m.log.Warn("toggle queue full, dropping command", zap.String("topic", cmd.topic))
	}
}

func (m *MQTT) runToggles() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case cmd := <-m.cmds:
			on := cmd.toggle()
			m.log.Info("remote toggle", zap.String("topic", cmd.topic), zap.Bool("on", on))
			if err := m.publish(m.topic(cmd.result), false, []byte(strconv.FormatBool(on))); err != nil {
				m.log.Warn("failed to publish toggle result", zap.Error(err))
			}
		}
	}
}

// Close disconnects from the broker and stops the toggle worker.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}
