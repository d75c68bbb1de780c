package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thatsimonsguy/hvac-director/db"
	"github.com/thatsimonsguy/hvac-director/internal/api"
	"github.com/thatsimonsguy/hvac-director/internal/calendar"
	"github.com/thatsimonsguy/hvac-director/internal/config"
	"github.com/thatsimonsguy/hvac-director/internal/connector"
	"github.com/thatsimonsguy/hvac-director/internal/controller"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/failsafecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/recirculationcontroller"
	"github.com/thatsimonsguy/hvac-director/internal/controllers/unitcontroller"
	"github.com/thatsimonsguy/hvac-director/internal/datadog"
	"github.com/thatsimonsguy/hvac-director/internal/device"
	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/gpio"
	"github.com/thatsimonsguy/hvac-director/internal/metrics"
	"github.com/thatsimonsguy/hvac-director/internal/modbusswitch"
	"github.com/thatsimonsguy/hvac-director/internal/notifications"
	"github.com/thatsimonsguy/hvac-director/internal/pinctrl"
	"github.com/thatsimonsguy/hvac-director/internal/sensor"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
	"github.com/thatsimonsguy/hvac-director/system/shutdown"
	"github.com/thatsimonsguy/hvac-director/system/startup"
)

const (
	statusRetention    = 30 * 24 * time.Hour
	processStopTimeout = 2 * time.Minute
)

// controllerHost holds everything built from the configuration.
type controllerHost struct {
	db        *sql.DB
	pins      gpio.Controller
	mqtt      mqtt.Client
	schedule  *calendar.FileSource
	registry  *prometheus.Registry
	datadog   *datadog.Collector
	directors []*director.Director
	sensors   []sensor.Source
	// Sensor channels per zone, filled when the sensors start.
	streams map[string]chan controller.Sample
}

// switchFactory builds the named switches. Safe mode replaces every relay
// with a NullSwitch.
type switchFactory struct {
	cfg    config.Config
	pins   gpio.Controller
	boards map[string]*modbusswitch.Board
	dial   func(modbusswitch.Config) (*modbusswitch.Board, error)
}

func (f *switchFactory) get(name string) (device.Switch, error) {
	sc, ok := f.cfg.Switches[name]
	if !ok {
		return nil, fmt.Errorf("unknown switch %q", name)
	}
	if f.cfg.SafeMode {
		return device.NewNullSwitch(name), nil
	}
	if sc.GPIO != nil {
		return gpio.NewSwitch(name, gpio.Pin{Number: sc.GPIO.Pin, ActiveHigh: sc.GPIO.ActiveHigh}, f.pins), nil
	}
	board, ok := f.boards[sc.Board]
	if !ok {
		for _, b := range f.cfg.Boards {
			if b.Name != sc.Board {
				continue
			}
			var err error
			board, err = f.dial(b.Config)
			if err != nil {
				return nil, fmt.Errorf("switch %s: %w", name, err)
			}
			f.boards[sc.Board] = board
		}
		if board == nil {
			return nil, fmt.Errorf("switch %s: unknown board %q", name, sc.Board)
		}
	}
	return board.Switch(name, sc.Coil), nil
}

func newSource(cfg config.Config, z config.Zone, client mqtt.Client) (sensor.Source, error) {
	switch z.Sensor.Type {
	case config.SensorW1:
		return sensor.NewW1Source(sensor.W1Config{
			Address:    z.Name,
			Device:     z.Sensor.Device,
			Root:       z.Sensor.Root,
			Interval:   cfg.SensorInterval,
			Retries:    z.Sensor.Retries,
			Fahrenheit: cfg.Fahrenheit,
		})
	case config.SensorMQTT:
		if client == nil {
			return nil, fmt.Errorf("zone %s: mqtt sensor without a broker", z.Name)
		}
		return sensor.NewMQTTSource(client, z.Name, z.Sensor.Topic)
	default:
		return nil, fmt.Errorf("zone %s: unknown sensor type %q", z.Name, z.Sensor.Type)
	}
}

// build wires every unit. Resources acquired before a failure are released
// by the caller through close.
func build(cfg config.Config, h *controllerHost, dial func(modbusswitch.Config) (*modbusswitch.Board, error)) error {
	notifier := notifications.New(cfg.Notifications)
	failsafe := failsafecontroller.New(cfg.Failsafe, notifier)
	switches := &switchFactory{cfg: cfg, pins: h.pins, boards: map[string]*modbusswitch.Board{}, dial: dial}

	h.registry = prometheus.NewRegistry()
	promCollector := metrics.New()
	h.registry.MustRegister(promCollector)

	var mqttSink *connector.MQTT
	if h.mqtt != nil && cfg.MQTT.Prefix != "" {
		mqttSink = connector.NewMQTT(h.mqtt, connector.MQTTConfig{Prefix: cfg.MQTT.Prefix, QoS: cfg.MQTT.QoS, Retain: cfg.MQTT.Retain})
	}

	h.streams = map[string]chan controller.Sample{}
	var holdables []db.Holdable
	for _, u := range cfg.Units {
		var bindings []director.ZoneBinding
		for _, zc := range u.Zones {
			c, err := controller.New(zc.Settings.Setpoint, zc.Controller)
			if err != nil {
				return fmt.Errorf("zone %s: %w", zc.Name, err)
			}
			z, err := zone.New(zc.Name, zc.Settings, zc.Limits, c, u.Mode)
			if err != nil {
				return fmt.Errorf("zone %s: %w", zc.Name, err)
			}
			src, err := newSource(cfg, zc, h.mqtt)
			if err != nil {
				return err
			}
			h.sensors = append(h.sensors, sensor.Filtered{
				Source: src,
				Filter: sensor.NewAnomalyFilter(zc.Name, zc.Sensor.Anomaly, notifier),
			})
			stream := make(chan controller.Sample, 1)
			h.streams[zc.Name] = stream

			b := director.ZoneBinding{Zone: z, Sensor: stream}
			if zc.Damper != nil {
				sw, err := switches.get(zc.Damper.Switch)
				if err != nil {
					return err
				}
				if b.Damper, err = device.NewSwitchDamper(zc.Name, sw, zc.Damper.Park); err != nil {
					return err
				}
			}
			bindings = append(bindings, b)
			holdables = append(holdables, z)
		}

		fan, err := switches.get(u.Device.Fan)
		if err != nil {
			return err
		}
		heat, err := switches.get(u.Device.Heat)
		if err != nil {
			return err
		}
		cool, err := switches.get(u.Device.Cool)
		if err != nil {
			return err
		}
		dev, err := device.NewSwitchDevice(u.Name, fan, heat, cool, u.Device.SwitchDeviceConfig)
		if err != nil {
			return err
		}
		uc, err := unitcontroller.New(u.Name, u.Controller)
		if err != nil {
			return err
		}
		var commands director.UnitController = uc
		if u.Recirculation.Enabled {
			commands = recirculationcontroller.New(uc, u.Recirculation)
		}

		sinks := []director.Sink{promCollector, failsafe}
		if h.db != nil {
			sinks = append(sinks, db.NewStatusRecorder(h.db))
		}
		if h.datadog != nil {
			sinks = append(sinks, h.datadog)
		}
		if mqttSink != nil {
			sinks = append(sinks, mqttSink)
		}
		if len(cfg.Kafka.Brokers) > 0 {
			w := connector.NewKafkaWriter(connector.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
			sinks = append(sinks, connector.NewKafka(w, cfg.Kafka.Buffer))
		}

		dc := director.Config{
			Unit:             u.Name,
			Mode:             u.Mode,
			Capacity:         u.Capacity,
			Zones:            bindings,
			ScheduleInterval: cfg.Schedule.Interval,
			UnitController:   commands,
			Device:           dev,
			Sinks:            sinks,
			ShutdownTimeout:  u.ShutdownTimeout,
		}
		if h.schedule != nil {
			dc.Schedule = h.schedule
		}
		d, err := director.New(dc)
		if err != nil {
			return err
		}
		h.directors = append(h.directors, d)
	}

	if h.db != nil {
		n, err := db.RestoreHolds(h.db, holdables)
		if err != nil {
			log.Error().Err(err).Msg("Failed to restore holds")
		} else if n > 0 {
			log.Info().Int("zones", n).Msg("Holds restored")
		}
	}
	return nil
}

// startSensors runs every sensor and forwards its samples to the zone stream.
func (h *controllerHost) startSensors(ctx context.Context, g *errgroup.Group) {
	for _, src := range h.sensors {
		in := src.Run(ctx)
		out := h.streams[src.Address()]
		g.Go(func() error {
			defer close(out)
			for {
				select {
				case s, ok := <-in:
					if !ok {
						return nil
					}
					select {
					case out <- s:
					case <-ctx.Done():
						return nil
					}
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
}

func (h *controllerHost) close() {
	if h.datadog != nil {
		if err := h.datadog.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close datadog client")
		}
	}
	if h.mqtt != nil {
		h.mqtt.Disconnect(250)
	}
	if h.db != nil {
		h.db.Close()
	}
}

func run(ctx context.Context, cfg config.Config) error {
	h := &controllerHost{}
	defer h.close()

	if !cfg.SafeMode {
		pc := pinctrl.New()
		h.pins = pc
		pins := cfg.NamedPins()
		if err := gpio.ValidateInactive(ctx, pc, pins); err != nil {
			return fmt.Errorf("refusing to start with unsafe relay states: %w", err)
		}
		if cfg.System.BootScript != "" {
			if err := startup.WriteBootScript(cfg.System.BootScript, pins); err != nil {
				log.Warn().Err(err).Msg("Failed to write boot script")
			}
		}
	} else {
		log.Warn().Msg("SAFE MODE ENABLED - relays are simulated")
	}

	var err error
	if h.db, err = db.Open(cfg.Database); err != nil {
		return err
	}
	if n, err := db.PruneDeviceStatus(h.db, time.Now().Add(-statusRetention)); err != nil {
		log.Warn().Err(err).Msg("Failed to prune device status history")
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("Pruned device status history")
	}

	if cfg.MQTT.Broker != "" {
		if h.mqtt, err = connector.Dial(connector.MQTTConfig{Broker: cfg.MQTT.Broker, ClientID: cfg.MQTT.ClientID}); err != nil {
			return err
		}
	}
	if cfg.Datadog.Enabled {
		client, err := datadog.NewClient(datadog.Config{Addr: cfg.Datadog.Addr, Namespace: cfg.Datadog.Namespace, Tags: cfg.Datadog.Tags})
		if err != nil {
			return fmt.Errorf("datadog: %w", err)
		}
		h.datadog = datadog.NewCollector(client)
	}
	if cfg.Schedule.File != "" {
		h.schedule = calendar.NewFileSource(cfg.Schedule.File, cfg.Schedule.PollInterval)
	}

	if err := build(cfg, h, modbusswitch.Dial); err != nil {
		return err
	}

	sigCtx, stop := shutdown.NotifyContext(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)

	// Sensors, schedule and directors outlive the signal: they stop only
	// after every unit has been shut down.
	bg, cancelBg := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBg()

	var background errgroup.Group
	if h.schedule != nil {
		background.Go(func() error { return h.schedule.Run(bg) })
	}
	h.startSensors(bg, &background)

	for _, d := range h.directors {
		if err := d.Start(bg); err != nil {
			return err
		}
	}

	server := api.NewServer(h.db, h.directors, promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	g.Go(func() error {
		if err := server.Run(gctx, cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	log.Info().Int("units", len(h.directors)).Str("http_addr", cfg.HTTPAddr).Msg("HVAC director running")
	<-gctx.Done()
	log.Info().Msg("Shutting down")

	stoppers := make([]shutdown.Stopper, 0, len(h.directors))
	for _, d := range h.directors {
		stoppers = append(stoppers, d)
	}
	shutdown.Directors(processStopTimeout, stoppers...)
	cancelBg()

	if !cfg.SafeMode {
		relayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		shutdown.Relays(relayCtx, h.pins, cfg.NamedPins())
		cancel()
	}

	err = g.Wait()
	if berr := background.Wait(); berr != nil {
		log.Warn().Err(berr).Msg("Background task failed")
	}
	log.Info().Msg("HVAC director stopped")
	return err
}
