// Package metrics exports the state of every running unit as prometheus
// gauges.
package metrics

import (
	"context"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

var (
	zoneDemand = prometheus.NewDesc(
		prometheus.BuildFQName("hvac", "zone", "demand"),
		"Controller demand of this zone, after the heating sign correction",
		[]string{"unit", "zone"},
		nil,
	)
	zoneCalling = prometheus.NewDesc(
		prometheus.BuildFQName("hvac", "zone", "calling"),
		"1 if this zone is calling for conditioning",
		[]string{"unit", "zone"},
		nil,
	)
	zoneSetpoint = prometheus.NewDesc(
		prometheus.BuildFQName("hvac", "zone", "setpoint"),
		"Active setpoint of this zone",
		[]string{"unit", "zone"},
		nil,
	)
	zoneFailure = prometheus.NewDesc(
		prometheus.BuildFQName("hvac", "zone", "failure"),
		"0 when the zone signal is healthy, 1 on partial and 2 on total failure",
		[]string{"unit", "zone"},
		nil,
	)
	unitDemand = prometheus.NewDesc(
		prometheus.BuildFQName("hvac", "unit", "demand"),
		"Demand of the unit aggregated over its voting zones",
		[]string{"unit"},
		nil,
	)
	unitDumped = prometheus.NewDesc(
		prometheus.BuildFQName("hvac", "unit", "dumped_zones"),
		"Number of calling zones dumped because the unit is over capacity",
		[]string{"unit"},
		nil,
	)
	deviceRunning = prometheus.NewDesc(
		prometheus.BuildFQName("hvac", "device", "running"),
		"1 if the hvac device confirmed it is running",
		[]string{"unit", "mode"},
		nil,
	)
	deviceUptime = prometheus.NewDesc(
		prometheus.BuildFQName("hvac", "device", "uptime_seconds"),
		"Time since the hvac device last started",
		[]string{"unit"},
		nil,
	)
)

type unitState struct {
	zones   map[string]zone.StatusSignal
	control *zonecontroller.UnitSignal
	actual  *model.StatusSignal
}

// Collector is a director sink. One collector serves every unit.
type Collector struct {
	lock  sync.RWMutex
	units map[string]*unitState
}

func New() *Collector {
	return &Collector{units: map[string]*unitState{}}
}

func (c *Collector) Run(ctx context.Context, s director.Streams) {
	log.Debug().Str("unit", s.Unit).Msg("Metrics collector attached")
	defer log.Debug().Str("unit", s.Unit).Msg("Metrics collector detached")

	s.Each(ctx, director.Handlers{
		Zone: func(z zone.StatusSignal) {
			c.lock.Lock()
			defer c.lock.Unlock()
			c.unit(s.Unit).zones[z.Address] = z
		},
		Control: func(u zonecontroller.UnitSignal) {
			c.lock.Lock()
			defer c.lock.Unlock()
			c.unit(s.Unit).control = &u
		},
		Status: func(st model.StatusSignal) {
			if v, ok := st.Lookup(); ok && v.Kind != model.StatusActual {
				return
			}
			c.lock.Lock()
			defer c.lock.Unlock()
			c.unit(s.Unit).actual = &st
		},
	})
}

func (c *Collector) unit(name string) *unitState {
	u, ok := c.units[name]
	if !ok {
		u = &unitState{zones: map[string]zone.StatusSignal{}}
		c.units[name] = u
	}
	return u
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- zoneDemand
	ch <- zoneCalling
	ch <- zoneSetpoint
	ch <- zoneFailure
	ch <- unitDemand
	ch <- unitDumped
	ch <- deviceRunning
	ch <- deviceUptime
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	for name, u := range c.units {
		c.collectZones(ch, name, u)
		c.collectUnit(ch, name, u)
	}
}

func (c *Collector) collectZones(ch chan<- prometheus.Metric, unit string, u *unitState) {
	names := make([]string, 0, len(u.zones))
	for name := range u.zones {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		z := u.zones[name]
		ch <- prometheus.MustNewConstMetric(zoneFailure, prometheus.GaugeValue, float64(z.Status), unit, name)
		v, ok := z.Lookup()
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(zoneDemand, prometheus.GaugeValue, v.Demand, unit, name)
		ch <- prometheus.MustNewConstMetric(zoneCalling, prometheus.GaugeValue, boolValue(v.Calling), unit, name)
		ch <- prometheus.MustNewConstMetric(zoneSetpoint, prometheus.GaugeValue, v.Settings.Setpoint, unit, name)
	}
}

func (c *Collector) collectUnit(ch chan<- prometheus.Metric, unit string, u *unitState) {
	if u.control != nil {
		if v, ok := u.control.Lookup(); ok {
			ch <- prometheus.MustNewConstMetric(unitDemand, prometheus.GaugeValue, v.Demand, unit)
			ch <- prometheus.MustNewConstMetric(unitDumped, prometheus.GaugeValue, float64(len(v.Dumped)), unit)
		}
	}
	if u.actual != nil && u.actual.Status != signal.TotalFailure {
		v := u.actual.Value()
		ch <- prometheus.MustNewConstMetric(deviceRunning, prometheus.GaugeValue, boolValue(v.Actual.Running), unit, string(v.Actual.Mode))
		ch <- prometheus.MustNewConstMetric(deviceUptime, prometheus.GaugeValue, v.Uptime.Seconds(), unit)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
