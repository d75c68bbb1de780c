package datadog

import (
	"context"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

type Config struct {
	Addr      string
	Namespace string
	Tags      []string
}

// Gauger is the part of statsd.ClientInterface the collector uses.
type Gauger interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Close() error
}

func NewClient(cfg Config) (*statsd.Client, error) {
	client, err := statsd.New(cfg.Addr, statsd.WithNamespace(cfg.Namespace), statsd.WithTags(cfg.Tags))
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("addr", cfg.Addr).
		Str("namespace", cfg.Namespace).
		Strs("tags", cfg.Tags).
		Msg("Datadog metrics initialized")
	return client, nil
}

// Collector emits the unit streams as DogStatsD gauges. It is a director
// sink and may serve several units.
type Collector struct {
	client Gauger
}

func NewCollector(client Gauger) *Collector {
	return &Collector{client: client}
}

func (c *Collector) Run(ctx context.Context, s director.Streams) {
	unitTag := "unit:" + s.Unit
	s.Each(ctx, director.Handlers{
		Zone: func(z zone.StatusSignal) {
			tags := []string{unitTag, "zone:" + z.Address}
			c.gauge("zone.failure", float64(z.Status), tags...)
			v, ok := z.Lookup()
			if !ok {
				return
			}
			c.gauge("zone.demand", v.Demand, tags...)
			c.gauge("zone.calling", boolValue(v.Calling), tags...)
			c.gauge("zone.setpoint", v.Settings.Setpoint, tags...)
		},
		Control: func(u zonecontroller.UnitSignal) {
			v, ok := u.Lookup()
			if !ok {
				return
			}
			c.gauge("unit.demand", v.Demand, unitTag)
			c.gauge("unit.dumped_zones", float64(len(v.Dumped)), unitTag)
		},
		Status: func(st model.StatusSignal) {
			v, ok := st.Lookup()
			if !ok || v.Kind != model.StatusActual {
				return
			}
			c.gauge("device.running", boolValue(v.Actual.Running), unitTag, "mode:"+string(v.Actual.Mode))
			c.gauge("device.uptime_seconds", v.Uptime.Seconds(), unitTag)
		},
	})
}

func (c *Collector) gauge(name string, value float64, tags ...string) {
	if err := c.client.Gauge(name, value, tags, 1); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to emit gauge metric")
	}
}

func (c *Collector) Close() error {
	return c.client.Close()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
