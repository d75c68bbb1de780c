package recirculationcontroller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

var t0 = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

func idle(at time.Duration) model.CommandSignal {
	return signal.New(t0.Add(at), "upstairs", model.Off(model.ModeHeating))
}

func running(at time.Duration) model.CommandSignal {
	return signal.New(t0.Add(at), "upstairs", model.HvacCommand{Mode: model.ModeHeating, Running: true, FanSpeed: model.FanMedium, Demand: 0.5})
}

func TestRecirculationConstants(t *testing.T) {
	assert.Equal(t, 12*time.Hour, RecirculationInterval)
	assert.Equal(t, 15*time.Minute, RecirculationDuration)
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		steps []model.CommandSignal
		want  []model.SystemMode
	}{
		{
			name:  "idle less than interval",
			steps: []model.CommandSignal{idle(0), idle(11 * time.Hour)},
			want:  []model.SystemMode{model.ModeHeating, model.ModeHeating},
		},
		{
			name:  "idle past interval runs the blower for the duration",
			steps: []model.CommandSignal{idle(0), idle(12 * time.Hour), idle(12*time.Hour + 10*time.Minute), idle(12*time.Hour + 15*time.Minute), idle(12*time.Hour + 20*time.Minute)},
			want:  []model.SystemMode{model.ModeHeating, model.ModeCirculate, model.ModeCirculate, model.ModeHeating, model.ModeHeating},
		},
		{
			name:  "demand resets the idle clock",
			steps: []model.CommandSignal{idle(0), running(6 * time.Hour), idle(13 * time.Hour)},
			want:  []model.SystemMode{model.ModeHeating, model.ModeHeating, model.ModeHeating},
		},
		{
			name:  "demand interrupts recirculation",
			steps: []model.CommandSignal{idle(0), idle(12 * time.Hour), running(12*time.Hour + time.Minute), idle(12*time.Hour + 2*time.Minute)},
			want:  []model.SystemMode{model.ModeHeating, model.ModeCirculate, model.ModeHeating, model.ModeHeating},
		},
		{
			name:  "failures pass through",
			steps: []model.CommandSignal{idle(0), signal.Failure[string, model.HvacCommand](t0.Add(13*time.Hour), "upstairs", errors.New("zone failure"))},
			want:  []model.SystemMode{model.ModeHeating, ""},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := New(nil, Config{Enabled: true})
			c.mode = model.ModeHeating
			for i, step := range tc.steps {
				got := c.evaluate(step)
				v, _ := got.Lookup()
				assert.Equal(t, tc.want[i], v.Mode, "step %d", i)
				if v.Mode == model.ModeCirculate {
					assert.False(t, v.Running)
					assert.Equal(t, model.FanLow, v.FanSpeed)
				}
			}
		})
	}
}

func TestEvaluate_UnitOff(t *testing.T) {
	c := New(nil, Config{Enabled: true})
	c.mode = model.ModeOff
	c.evaluate(signal.New(t0, "upstairs", model.Off(model.ModeOff)))
	got := c.evaluate(signal.New(t0.Add(24*time.Hour), "upstairs", model.Off(model.ModeOff)))
	assert.Equal(t, model.ModeOff, got.Value().Mode)
	assert.False(t, c.Recirculating())
}

type scripted struct {
	cmds []model.CommandSignal
}

func (s *scripted) Run(_ context.Context, _ model.SystemMode, _ <-chan zonecontroller.UnitSignal) <-chan model.CommandSignal {
	out := make(chan model.CommandSignal, len(s.cmds))
	for _, c := range s.cmds {
		out <- c
	}
	close(out)
	return out
}

func TestController_Run(t *testing.T) {
	inner := &scripted{cmds: []model.CommandSignal{idle(0), idle(13 * time.Hour)}}
	c := New(inner, Config{Enabled: true, Interval: time.Hour, Duration: time.Minute})

	out := c.Run(context.Background(), model.ModeHeating, nil)
	var modes []model.SystemMode
	for cmd := range out {
		modes = append(modes, cmd.Value().Mode)
	}
	require.Len(t, modes, 2)
	assert.Equal(t, []model.SystemMode{model.ModeHeating, model.ModeCirculate}, modes)
	assert.True(t, c.Recirculating())
}
