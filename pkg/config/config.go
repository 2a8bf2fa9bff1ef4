package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Bus        BusConfig        `yaml:"bus"`
	Controller ControllerConfig `yaml:"controller"`
	Fluid      FluidConfig      `yaml:"fluid"`
	Cardiac    CardiacConfig    `yaml:"cardiac"`
	Oximeter   OximeterConfig   `yaml:"oximeter"`
	Classifier ClassifierConfig `yaml:"classifier"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Redis      RedisConfig      `yaml:"redis"`
	HTTP       HTTPConfig       `yaml:"http"`
	Mock       MockConfig       `yaml:"mock"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// BusConfig contains shared-bus transport configuration.
type BusConfig struct {
	Transport       string        `yaml:"transport"` // "local" (simulated peripherals) or "serial" (USB bridge)
	Port            string        `yaml:"port"`
	BaudRate        int           `yaml:"baud_rate"`
	SettleDelay     time.Duration `yaml:"settle_delay"`     // wait between command write and report read
	Timeout         time.Duration `yaml:"timeout"`          // per-transaction bridge timeout
	FluidAddress    uint16        `yaml:"fluid_address"`
	CardiacAddress  uint16        `yaml:"cardiac_address"`
	OximeterAddress uint16        `yaml:"oximeter_address"`
}

// ControllerConfig contains the poll/classify/actuate cycle parameters.
type ControllerConfig struct {
	CyclePeriod time.Duration `yaml:"cycle_period"`
}

// FluidConfig contains the flow meter parameters.
type FluidConfig struct {
	PulsesPerLiter float64       `yaml:"pulses_per_liter"` // flow sensor calibration constant
	Window         time.Duration `yaml:"window"`           // rate measurement window
}

// CardiacConfig contains ECG front-end and detector parameters.
type CardiacConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	Threshold      uint16        `yaml:"threshold"`   // peak detection threshold (raw ADC)
	BufferSize     int           `yaml:"buffer_size"` // SampleBuffer capacity
	Refractory     time.Duration `yaml:"refractory"`  // minimum RR interval
	VRef           float64       `yaml:"vref"`        // ADC reference voltage (V)
	Gain           float64       `yaml:"gain"`        // analog front-end gain
}

// OximeterConfig contains PPG sensor and temperature probe parameters.
type OximeterConfig struct {
	SampleInterval    time.Duration `yaml:"sample_interval"`
	FingerThreshold   uint32        `yaml:"finger_threshold"` // raw IR level that means a finger is present
	SlopeThreshold    float64       `yaml:"slope_threshold"`  // IR rise per sample that starts a beat
	AmplitudeFloor    uint32        `yaml:"amplitude_floor"`
	Window            int           `yaml:"window"` // samples used for the SpO2 ratio
	TemperaturePeriod time.Duration `yaml:"temperature_period"`
}

// ClassifierConfig contains the model file and normalization table.
type ClassifierConfig struct {
	Kind      string    `yaml:"kind"`       // "network" or "rules"
	ModelPath string    `yaml:"model_path"` // empty = built-in network
	Means     []float64 `yaml:"means"`
	Stds      []float64 `yaml:"stds"`
}

// MQTTConfig contains broker settings for status publishing and remote toggles.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// RedisConfig contains snapshot cache settings.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	History  int64         `yaml:"history"` // snapshots kept in the history list
}

// HTTPConfig contains the collaborator API settings.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MockConfig describes the simulated patient used with the local transport.
type MockConfig struct {
	HeartRate       float64       `yaml:"heart_rate"`  // bpm
	SpO2            float64       `yaml:"spo2"`        // %
	InletRate       float64       `yaml:"inlet_rate"`  // ml/min
	OutletRate      float64       `yaml:"outlet_rate"` // ml/min
	Temperature     float64       `yaml:"temperature"` // °C
	NoiseLevel      float64       `yaml:"noise_level"` // relative waveform noise
	LeadsOff        bool          `yaml:"leads_off"`
	NoFinger        bool          `yaml:"no_finger"`
	OxygenAvailable bool          `yaml:"oxygen_available"`
	ProbeFailEvery  int           `yaml:"probe_fail_every"` // every Nth probe read fails, 0 = never
	TickInterval    time.Duration `yaml:"tick_interval"`    // fluid module loop interval
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Bus: BusConfig{
			Transport:       "local",
			Port:            "/dev/ttyACM0",
			BaudRate:        115200,
			SettleDelay:     50 * time.Millisecond,
			Timeout:         200 * time.Millisecond,
			FluidAddress:    0x08,
			CardiacAddress:  0x09,
			OximeterAddress: 0x0A,
		},
		Controller: ControllerConfig{
			CyclePeriod: 10 * time.Second,
		},
		Fluid: FluidConfig{
			PulsesPerLiter: 450,
			Window:         time.Second,
		},
		Cardiac: CardiacConfig{
			SampleInterval: 4 * time.Millisecond, // 250 Hz
			Threshold:      2600,
			BufferSize:     500,
			Refractory:     200 * time.Millisecond,
			VRef:           3.3,
			Gain:           1100,
		},
		Oximeter: OximeterConfig{
			SampleInterval:    10 * time.Millisecond, // 100 Hz
			FingerThreshold:   50000,
			SlopeThreshold:    40,
			AmplitudeFloor:    50000,
			Window:            100,
			TemperaturePeriod: 2 * time.Second,
		},
		Classifier: ClassifierConfig{
			Kind:  "network",
			Means: []float64{100, 80, 20, 80, 1.0, 50, 90, 96, 80, 37.0},
			Stds:  []float64{40, 35, 30, 15, 0.3, 20, 10, 3, 15, 0.6},
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "icumon",
			QoS:         1,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     time.Hour,
			History: 360,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Mock: MockConfig{
			HeartRate:       75,
			SpO2:            97,
			InletRate:       100,
			OutletRate:      90,
			Temperature:     36.8,
			NoiseLevel:      0.01,
			OxygenAvailable: true,
			TickInterval:    10 * time.Millisecond,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}

	if c.Bus.Transport == "" {
		c.Bus.Transport = def.Bus.Transport
	}
	if c.Bus.BaudRate == 0 {
		c.Bus.BaudRate = def.Bus.BaudRate
	}
	if c.Bus.Timeout == 0 {
		c.Bus.Timeout = def.Bus.Timeout
	}
	if c.Bus.FluidAddress == 0 {
		c.Bus.FluidAddress = def.Bus.FluidAddress
	}
	if c.Bus.CardiacAddress == 0 {
		c.Bus.CardiacAddress = def.Bus.CardiacAddress
	}
	if c.Bus.OximeterAddress == 0 {
		c.Bus.OximeterAddress = def.Bus.OximeterAddress
	}

	if c.Controller.CyclePeriod == 0 {
		c.Controller.CyclePeriod = def.Controller.CyclePeriod
	}

	if c.Fluid.PulsesPerLiter == 0 {
		c.Fluid.PulsesPerLiter = def.Fluid.PulsesPerLiter
	}
	if c.Fluid.Window == 0 {
		c.Fluid.Window = def.Fluid.Window
	}

	if c.Cardiac.SampleInterval == 0 {
		c.Cardiac.SampleInterval = def.Cardiac.SampleInterval
	}
	if c.Cardiac.Threshold == 0 {
		c.Cardiac.Threshold = def.Cardiac.Threshold
	}
	if c.Cardiac.BufferSize == 0 {
		c.Cardiac.BufferSize = def.Cardiac.BufferSize
	}
	if c.Cardiac.Refractory == 0 {
		c.Cardiac.Refractory = def.Cardiac.Refractory
	}
	if c.Cardiac.VRef == 0 {
		c.Cardiac.VRef = def.Cardiac.VRef
	}
	if c.Cardiac.Gain == 0 {
		c.Cardiac.Gain = def.Cardiac.Gain
	}

	if c.Oximeter.SampleInterval == 0 {
		c.Oximeter.SampleInterval = def.Oximeter.SampleInterval
	}
	if c.Oximeter.FingerThreshold == 0 {
		c.Oximeter.FingerThreshold = def.Oximeter.FingerThreshold
	}
	if c.Oximeter.SlopeThreshold == 0 {
		c.Oximeter.SlopeThreshold = def.Oximeter.SlopeThreshold
	}
	if c.Oximeter.AmplitudeFloor == 0 {
		c.Oximeter.AmplitudeFloor = def.Oximeter.AmplitudeFloor
	}
	if c.Oximeter.Window == 0 {
		c.Oximeter.Window = def.Oximeter.Window
	}
	if c.Oximeter.TemperaturePeriod == 0 {
		c.Oximeter.TemperaturePeriod = def.Oximeter.TemperaturePeriod
	}

	if c.Classifier.Kind == "" {
		c.Classifier.Kind = def.Classifier.Kind
	}
	if len(c.Classifier.Means) == 0 {
		c.Classifier.Means = def.Classifier.Means
	}
	if len(c.Classifier.Stds) == 0 {
		c.Classifier.Stds = def.Classifier.Stds
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = def.MQTT.Broker
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = def.MQTT.TopicPrefix
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = def.Redis.Addr
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = def.Redis.TTL
	}
	if c.Redis.History == 0 {
		c.Redis.History = def.Redis.History
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = def.HTTP.Listen
	}

	if c.Mock.TickInterval == 0 {
		c.Mock.TickInterval = def.Mock.TickInterval
	}
}
