package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/thatsimonsguy/hvac-director/internal/controller"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/failsafecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/recirculationcontroller"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/unitcontroller"
	"github.com/thatsimonsguy/hvac-director/internal/device"
	"github.com/thatsimonsguy/hvac-director/internal/gpio"
	"github.com/thatsimonsguy/hvac-director/internal/modbusswitch"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/notifications"
	"github.com/thatsimonsguy/hvac-director/internal/sensor"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
	"github.com/thatsimonsguy/hvac-director/system/startup"
)

const EnvPrefix = "HVAC_DIRECTOR"

type Log struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

type Datadog struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addr      string   `mapstructure:"addr"`
	Namespace string   `mapstructure:"namespace"`
	Tags      []string `mapstructure:"tags"`
}

type MQTT struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	// Prefix of the topics device status is published under. Empty disables
	// the status connector; sensors may still use the broker.
	Prefix string `mapstructure:"prefix"`
	QoS    byte   `mapstructure:"qos"`
	Retain bool   `mapstructure:"retain"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	Buffer  int      `mapstructure:"buffer"`
}

type Schedule struct {
	File         string        `mapstructure:"file"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Interval between scheduler re-evaluations of the active period.
	Interval time.Duration `mapstructure:"interval"`
}

type Board struct {
	Name                string `mapstructure:"name"`
	modbusswitch.Config `mapstructure:",squash"`
}

type GPIOPin struct {
	Pin        int  `mapstructure:"pin"`
	ActiveHigh bool `mapstructure:"active_high"`
}

// Switch is either a GPIO pin or a coil on a relay board.
type Switch struct {
	GPIO  *GPIOPin `mapstructure:"gpio"`
	Board string   `mapstructure:"board"`
	Coil  uint16   `mapstructure:"coil"`
}

type Sensor struct {
	Type    string               `mapstructure:"type"`
	Device  string               `mapstructure:"device"`
	Root    string               `mapstructure:"root"`
	Topic   string               `mapstructure:"topic"`
	Retries int                  `mapstructure:"retries"`
	Anomaly sensor.AnomalyConfig `mapstructure:"anomaly"`
}

const (
	SensorW1   = "w1"
	SensorMQTT = "mqtt"
)

type Damper struct {
	Switch string  `mapstructure:"switch"`
	Park   float64 `mapstructure:"park"`
}

type Zone struct {
	Name       string             `mapstructure:"name"`
	Settings   zone.Settings      `mapstructure:"settings"`
	Limits     zone.SetpointRange `mapstructure:"limits"`
	Controller controller.Config  `mapstructure:"controller"`
	Sensor     Sensor             `mapstructure:"sensor"`
	Damper     *Damper            `mapstructure:"damper"`
}

type Device struct {
	Fan                       string `mapstructure:"fan"`
	Heat                      string `mapstructure:"heat"`
	Cool                      string `mapstructure:"cool"`
	device.SwitchDeviceConfig `mapstructure:",squash"`
}

type Unit struct {
	Name            string                         `mapstructure:"name"`
	Mode            model.SystemMode               `mapstructure:"mode"`
	Capacity        int                            `mapstructure:"capacity"`
	Controller      unitcontroller.Config          `mapstructure:"controller"`
	Recirculation   recirculationcontroller.Config `mapstructure:"recirculation"`
	Device          Device                         `mapstructure:"device"`
	ShutdownTimeout time.Duration                  `mapstructure:"shutdown_timeout"`
	Zones           []Zone                         `mapstructure:"zones"`
}

type Config struct {
	Log Log `mapstructure:"log"`

	// SafeMode replaces every switch with an in-memory one.
	SafeMode bool `mapstructure:"safe_mode"`
	// Fahrenheit reports temperatures from 1-Wire sensors in °F.
	Fahrenheit     bool          `mapstructure:"fahrenheit"`
	SensorInterval time.Duration `mapstructure:"sensor_interval"`
	Database       string        `mapstructure:"database"`
	HTTPAddr       string        `mapstructure:"http_addr"`

	Datadog       Datadog                   `mapstructure:"datadog"`
	Notifications notifications.Config      `mapstructure:"notifications"`
	Failsafe      failsafecontroller.Config `mapstructure:"failsafe"`
	MQTT          MQTT                      `mapstructure:"mqtt"`
	Kafka         Kafka                     `mapstructure:"kafka"`
	Schedule      Schedule                  `mapstructure:"schedule"`
	System        startup.Paths             `mapstructure:"system"`

	Boards   []Board           `mapstructure:"boards"`
	Switches map[string]Switch `mapstructure:"switches"`
	Units    []Unit            `mapstructure:"units"`
}

// SetDefaults registers the defaults for every optional key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("safe_mode", false)
	v.SetDefault("sensor_interval", 30*time.Second)
	v.SetDefault("database", "data/hvac-director.db")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("datadog.addr", "127.0.0.1:8125")
	v.SetDefault("datadog.namespace", "hvac.")
	v.SetDefault("notifications.server", notifications.DefaultServer)
	v.SetDefault("failsafe.grace", failsafecontroller.DefaultGrace)
	v.SetDefault("mqtt.prefix", "")
	v.SetDefault("mqtt.client_id", "hvac-director")
	v.SetDefault("kafka.buffer", 256)
	v.SetDefault("schedule.poll_interval", time.Minute)
	v.SetDefault("schedule.interval", 10*time.Second)
	v.SetDefault("system.boot_script", startup.DefaultBootScript)
	v.SetDefault("system.gpio_service", startup.DefaultGPIOService)
	v.SetDefault("system.main_service", startup.DefaultMainService)
}

// Load reads the configuration from v, which must already point at a config
// file, and validates it.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate returns every problem found, joined.
func (cfg *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	boards := map[string]bool{}
	for i, b := range cfg.Boards {
		if b.Name == "" {
			add("boards[%d]: name is required", i)
		}
		if b.Address == "" {
			add("board %s: address is required", b.Name)
		}
		if boards[b.Name] {
			add("board %s: duplicate name", b.Name)
		}
		boards[b.Name] = true
	}

	pins := map[int]string{}
	coils := map[string]string{}
	for _, name := range sortedKeys(cfg.Switches) {
		sw := cfg.Switches[name]
		switch {
		case sw.GPIO != nil && sw.Board != "":
			add("switch %s: gpio and board are exclusive", name)
		case sw.GPIO != nil:
			if other, ok := pins[sw.GPIO.Pin]; ok {
				add("switches %s and %s both use pin %d", other, name, sw.GPIO.Pin)
			}
			pins[sw.GPIO.Pin] = name
		case sw.Board != "":
			if !boards[sw.Board] {
				add("switch %s: unknown board %q", name, sw.Board)
			}
			key := fmt.Sprintf("%s/%d", sw.Board, sw.Coil)
			if other, ok := coils[key]; ok {
				add("switches %s and %s both use coil %d on board %s", other, name, sw.Coil, sw.Board)
			}
			coils[key] = name
		default:
			add("switch %s: one of gpio or board is required", name)
		}
	}

	usedSwitch := map[string]string{}
	useSwitch := func(owner, name string) {
		if name == "" {
			add("%s: switch is required", owner)
			return
		}
		if _, ok := cfg.Switches[name]; !ok {
			add("%s: unknown switch %q", owner, name)
			return
		}
		if other, ok := usedSwitch[name]; ok {
			add("switch %s used by both %s and %s", name, other, owner)
		}
		usedSwitch[name] = owner
	}

	if len(cfg.Units) == 0 {
		add("at least one unit is required")
	}
	units := map[string]bool{}
	zones := map[string]string{}
	for i, u := range cfg.Units {
		if u.Name == "" {
			add("units[%d]: name is required", i)
		}
		if units[u.Name] {
			add("unit %s: duplicate name", u.Name)
		}
		units[u.Name] = true
		if _, err := model.ParseSystemMode(string(u.Mode)); err != nil {
			add("unit %s: %v", u.Name, err)
		}
		if u.Capacity < 0 {
			add("unit %s: capacity must not be negative", u.Name)
		}
		if err := u.Controller.Validate(); err != nil {
			add("unit %s: %v", u.Name, err)
		}
		useSwitch("unit "+u.Name+" fan", u.Device.Fan)
		useSwitch("unit "+u.Name+" heat", u.Device.Heat)
		useSwitch("unit "+u.Name+" cool", u.Device.Cool)

		if len(u.Zones) == 0 {
			add("unit %s: at least one zone is required", u.Name)
		}
		for j, z := range u.Zones {
			if z.Name == "" {
				add("unit %s zones[%d]: name is required", u.Name, j)
				continue
			}
			if other, ok := zones[z.Name]; ok {
				add("zone %s: declared in units %s and %s", z.Name, other, u.Name)
			}
			zones[z.Name] = u.Name
			if err := z.Settings.Validate(z.Limits); err != nil {
				add("zone %s: %v", z.Name, err)
			}
			if err := z.Controller.Validate(); err != nil {
				add("zone %s: %v", z.Name, err)
			}
			switch z.Sensor.Type {
			case SensorW1:
				if z.Sensor.Device == "" {
					add("zone %s: w1 sensor device is required", z.Name)
				}
			case SensorMQTT:
				if z.Sensor.Topic == "" {
					add("zone %s: mqtt sensor topic is required", z.Name)
				}
				if cfg.MQTT.Broker == "" {
					add("zone %s: mqtt sensor needs mqtt.broker", z.Name)
				}
			default:
				add("zone %s: unknown sensor type %q", z.Name, z.Sensor.Type)
			}
			if z.Damper != nil {
				useSwitch("zone "+z.Name+" damper", z.Damper.Switch)
				if z.Damper.Park != 0 && z.Damper.Park != 1 {
					add("zone %s: damper park position must be 0 or 1", z.Name)
				}
			}
		}
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic == "" {
		add("kafka: topic is required when brokers are set")
	}
	if cfg.MQTT.Prefix != "" && cfg.MQTT.Broker == "" {
		add("mqtt: broker is required when prefix is set")
	}
	return errors.Join(errs...)
}

// GPIOPins returns every GPIO-backed switch by name.
func (cfg *Config) GPIOPins() map[string]GPIOPin {
	out := map[string]GPIOPin{}
	for name, sw := range cfg.Switches {
		if sw.GPIO != nil {
			out[name] = *sw.GPIO
		}
	}
	return out
}

// NamedPins returns the GPIO relay pins sorted by switch name.
func (cfg *Config) NamedPins() []gpio.NamedPin {
	pins := cfg.GPIOPins()
	out := make([]gpio.NamedPin, 0, len(pins))
	for _, name := range sortedKeys(pins) {
		p := pins[name]
		out = append(out, gpio.NamedPin{Name: name, Pin: gpio.Pin{Number: p.Pin, ActiveHigh: p.ActiveHigh}})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
