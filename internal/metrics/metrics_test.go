package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

var t0 = time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC)

func TestCollector(t *testing.T) {
	zones := make(chan zone.StatusSignal, 4)
	controls := make(chan zonecontroller.UnitSignal, 4)
	statuses := make(chan model.StatusSignal, 4)

	zones <- signal.New(t0, "living", zone.Status{Settings: zone.Settings{Setpoint: 22}, Calling: true, Demand: 0.75})
	zones <- signal.Failure[string, zone.Status](t0, "office", errors.New("sensor gone"))
	controls <- signal.New(t0, "upstairs", zonecontroller.UnitControl{Demand: 0.75, Calling: []string{"living"}, Dumped: []string{"attic"}})
	statuses <- signal.New(t0, "upstairs", model.HvacStatus{
		Kind:   model.StatusActual,
		Actual: model.HvacCommand{Mode: model.ModeCooling, Running: true},
		Uptime: 90 * time.Second,
	})
	statuses <- signal.New(t0, "upstairs", model.HvacStatus{Kind: model.StatusRequested})
	close(zones)
	close(controls)
	close(statuses)

	c := New()
	c.Run(context.Background(), director.Streams{Unit: "upstairs", Zones: zones, Controls: controls, Statuses: statuses})

	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(`
# HELP hvac_device_running 1 if the hvac device confirmed it is running
# TYPE hvac_device_running gauge
hvac_device_running{mode="cooling",unit="upstairs"} 1
# HELP hvac_device_uptime_seconds Time since the hvac device last started
# TYPE hvac_device_uptime_seconds gauge
hvac_device_uptime_seconds{unit="upstairs"} 90
# HELP hvac_unit_demand Demand of the unit aggregated over its voting zones
# TYPE hvac_unit_demand gauge
hvac_unit_demand{unit="upstairs"} 0.75
# HELP hvac_unit_dumped_zones Number of calling zones dumped because the unit is over capacity
# TYPE hvac_unit_dumped_zones gauge
hvac_unit_dumped_zones{unit="upstairs"} 1
# HELP hvac_zone_calling 1 if this zone is calling for conditioning
# TYPE hvac_zone_calling gauge
hvac_zone_calling{unit="upstairs",zone="living"} 1
# HELP hvac_zone_demand Controller demand of this zone, after the heating sign correction
# TYPE hvac_zone_demand gauge
hvac_zone_demand{unit="upstairs",zone="living"} 0.75
# HELP hvac_zone_failure 0 when the zone signal is healthy, 1 on partial and 2 on total failure
# TYPE hvac_zone_failure gauge
hvac_zone_failure{unit="upstairs",zone="living"} 0
hvac_zone_failure{unit="upstairs",zone="office"} 2
# HELP hvac_zone_setpoint Active setpoint of this zone
# TYPE hvac_zone_setpoint gauge
hvac_zone_setpoint{unit="upstairs",zone="living"} 22
`)))
}

func TestCollector_Empty(t *testing.T) {
	assert.Equal(t, 0, testutil.CollectAndCount(New()))
}
