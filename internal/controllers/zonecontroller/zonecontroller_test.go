package zonecontroller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

var t0 = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

type zs struct {
	name     string
	voting   bool
	calling  bool
	demand   float64
	priority int
}

func status(offset time.Duration, z zs) zone.StatusSignal {
	return signal.New(t0.Add(offset), z.name, zone.Status{
		Settings: zone.Settings{Enabled: true, Setpoint: 21, Voting: z.voting, DumpPriority: z.priority},
		Calling:  z.calling,
		Demand:   z.demand,
	})
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name        string
		capacity    int
		zones       []zs
		wantDemand  float64
		wantFan     model.FanSpeed
		wantCalling []string
		wantDumped  []string
		wantDampers map[string]float64
	}{
		{
			name:     "Voting zone sets unit demand, non-voting does not",
			capacity: 0,
			zones: []zs{
				{name: "a", voting: true, calling: true, demand: 0.7},
				{name: "b", voting: false, calling: true, demand: 0.9},
			},
			wantDemand:  0.7,
			wantFan:     model.FanHigh,
			wantCalling: []string{"a", "b"},
			wantDumped:  []string{},
			wantDampers: map[string]float64{"a": 0.7, "b": 0.9},
		},
		{
			name:     "Only non-voting zones calling - unit stays off",
			capacity: 0,
			zones: []zs{
				{name: "a", voting: true, calling: false, demand: -0.2},
				{name: "b", voting: false, calling: true, demand: 0.9},
			},
			wantDemand:  0,
			wantFan:     model.FanOff,
			wantCalling: []string{"b"},
			wantDumped:  []string{},
			wantDampers: map[string]float64{"a": DamperOpen, "b": DamperOpen},
		},
		{
			name:     "Idle unit - all dampers open",
			capacity: 2,
			zones: []zs{
				{name: "a", voting: true},
				{name: "b", voting: true},
			},
			wantDemand:  0,
			wantFan:     model.FanOff,
			wantCalling: []string{},
			wantDumped:  []string{},
			wantDampers: map[string]float64{"a": DamperOpen, "b": DamperOpen},
		},
		{
			name:     "Max demand over voting zones, clamped to one",
			capacity: 0,
			zones: []zs{
				{name: "a", voting: true, calling: true, demand: 0.2},
				{name: "b", voting: true, calling: true, demand: 3.5},
				{name: "c", voting: true, calling: false, demand: -1},
			},
			wantDemand:  1,
			wantFan:     model.FanHigh,
			wantCalling: []string{"a", "b"},
			wantDumped:  []string{},
			wantDampers: map[string]float64{"a": 0.2, "b": 1, "c": DamperClosed},
		},
		{
			name:     "Over capacity - lowest dump priority dumped first",
			capacity: 2,
			zones: []zs{
				{name: "a", voting: true, calling: true, demand: 0.3, priority: 1},
				{name: "b", voting: true, calling: true, demand: 0.5, priority: 5},
				{name: "c", voting: true, calling: true, demand: 0.9, priority: 0},
			},
			wantDemand:  0.5,
			wantFan:     model.FanMedium,
			wantCalling: []string{"a", "b"},
			wantDumped:  []string{"c"},
			wantDampers: map[string]float64{"a": 0.3, "b": 0.5, "c": DamperClosed},
		},
		{
			name:     "Equal dump priority - ties broken by name",
			capacity: 1,
			zones: []zs{
				{name: "b", voting: true, calling: true, demand: 0.2, priority: 3},
				{name: "a", voting: true, calling: true, demand: 0.25, priority: 3},
			},
			wantDemand:  0.25,
			wantFan:     model.FanLow,
			wantCalling: []string{"a"},
			wantDumped:  []string{"b"},
			wantDampers: map[string]float64{"a": 0.25, "b": DamperClosed},
		},
		{
			name:     "Non-voting caller does not take capacity from a voting zone",
			capacity: 1,
			zones: []zs{
				{name: "a", voting: true, calling: true, demand: 0.7, priority: 0},
				{name: "b", voting: false, calling: true, demand: 0.9, priority: 5},
			},
			wantDemand:  0.7,
			wantFan:     model.FanHigh,
			wantCalling: []string{"a", "b"},
			wantDumped:  []string{},
			wantDampers: map[string]float64{"a": 0.7, "b": 0.9},
		},
		{
			name:     "Over capacity with a non-voting rider",
			capacity: 1,
			zones: []zs{
				{name: "a", voting: true, calling: true, demand: 0.3, priority: 1},
				{name: "b", voting: false, calling: true, demand: 0.6, priority: 9},
				{name: "c", voting: true, calling: true, demand: 0.8, priority: 0},
			},
			wantDemand:  0.3,
			wantFan:     model.FanLow,
			wantCalling: []string{"a", "b"},
			wantDumped:  []string{"c"},
			wantDampers: map[string]float64{"a": 0.3, "b": 0.6, "c": DamperClosed},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var names []string
			for _, z := range tc.zones {
				names = append(names, z.name)
			}
			c, err := New("unit-1", names, tc.capacity)
			require.NoError(t, err)

			var got UnitSignal
			for i, z := range tc.zones {
				var ok bool
				got, ok = c.Update(status(time.Duration(i)*time.Second, z))
				require.True(t, ok)
			}

			u := got.Value()
			assert.Equal(t, "unit-1", got.Address)
			assert.InDelta(t, tc.wantDemand, u.Demand, 1e-9)
			assert.Equal(t, tc.wantFan, u.FanSpeed)
			assert.Equal(t, tc.wantCalling, u.Calling)
			assert.Equal(t, tc.wantDumped, u.Dumped)
			assert.Equal(t, len(tc.wantDampers), len(u.Dampers))
			for name, want := range tc.wantDampers {
				assert.InDelta(t, want, u.Dampers[name], 1e-9, "damper %s", name)
			}
		})
	}
}

func TestUpdate_FailureDoesNotCorruptOtherZones(t *testing.T) {
	c, err := New("unit-1", []string{"a", "b"}, 0)
	require.NoError(t, err)

	_, ok := c.Update(status(0, zs{name: "a", voting: true, calling: true, demand: 0.4}))
	require.True(t, ok)
	u, ok := c.Update(status(time.Second, zs{name: "b", voting: true, calling: true, demand: 0.8}))
	require.True(t, ok)
	assert.InDelta(t, 0.8, u.Value().Demand, 1e-9)

	u, ok = c.Update(signal.Failure[string, zone.Status](t0.Add(2*time.Second), "b", errors.New("sensor offline")))
	require.True(t, ok)
	assert.InDelta(t, 0.4, u.Value().Demand, 1e-9)
	assert.Equal(t, []string{"a"}, u.Value().Calling)
	assert.Equal(t, DamperClosed, u.Value().Dampers["b"])
}

func TestUpdate_OutOfOrderAcrossZones(t *testing.T) {
	c, err := New("unit-1", []string{"a", "b"}, 0)
	require.NoError(t, err)

	first, _ := c.Update(status(time.Minute, zs{name: "a", voting: true, calling: true, demand: 0.5}))
	second, ok := c.Update(status(0, zs{name: "b", voting: true, calling: true, demand: 0.6}))
	require.True(t, ok)

	assert.InDelta(t, 0.6, second.Value().Demand, 1e-9)
	assert.Equal(t, first.Timestamp, second.Timestamp, "aggregate timestamp never goes backwards")
}

func TestUpdate_UnknownZone(t *testing.T) {
	c, err := New("unit-1", []string{"a"}, 0)
	require.NoError(t, err)

	_, ok := c.Update(status(0, zs{name: "attic", voting: true, calling: true, demand: 1}))
	assert.False(t, ok)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", []string{"a"}, 0)
	assert.Error(t, err)
	_, err = New("u", nil, 0)
	assert.Error(t, err)
	_, err = New("u", []string{"a", "a"}, 0)
	assert.Error(t, err)
	_, err = New("u", []string{"a"}, -1)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	c, err := New("unit-1", []string{"a", "b"}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan zone.StatusSignal)
	out := c.Run(ctx, in)

	go func() {
		in <- status(0, zs{name: "a", voting: true, calling: true, demand: 0.5})
		in <- status(0, zs{name: "ghost", voting: true, calling: true, demand: 1})
		in <- status(time.Second, zs{name: "b", voting: true, calling: false})
		close(in)
	}()

	var got []UnitSignal
	for u := range out {
		got = append(got, u)
	}
	require.Len(t, got, 2)
	assert.InDelta(t, 0.5, got[1].Value().Demand, 1e-9)
}
