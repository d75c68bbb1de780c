// Package unitcontroller turns unit control signals into commands for the
// physical HVAC unit, protecting the compressor with minimum run times and a
// delay between heating and cooling.
package unitcontroller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

type Config struct {
	MinOn           time.Duration `mapstructure:"min_on" json:"min_on"`
	MinOff          time.Duration `mapstructure:"min_off" json:"min_off"`
	ModeSwitchDelay time.Duration `mapstructure:"mode_switch_delay" json:"mode_switch_delay"`
}

func (c Config) Validate() error {
	if c.MinOn < 0 || c.MinOff < 0 || c.ModeSwitchDelay < 0 {
		return fmt.Errorf("unit controller durations must not be negative")
	}
	return nil
}

// Controller decisions are driven by signal timestamps, not the wall clock,
// so a replayed stream produces the same commands. now only stamps the
// set-mode command Run sends before the first tick.
type Controller struct {
	unit string
	cfg  Config
	now  func() time.Time

	mu          sync.Mutex
	mode        model.SystemMode
	running     bool
	lastChange  time.Time
	changed     bool
	blockedTill time.Time
	last        model.HvacCommand
}

func New(unit string, cfg Config) (*Controller, error) {
	if unit == "" {
		return nil, fmt.Errorf("unit name is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("unit %s: %w", unit, err)
	}
	return &Controller{unit: unit, cfg: cfg, now: time.Now, mode: model.ModeOff}, nil
}

func (c *Controller) Mode() model.SystemMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the operating mode. A running unit is switched off first
// and, when leaving an active mode, stays off for ModeSwitchDelay.
func (c *Controller) SetMode(ts time.Time, mode model.SystemMode) model.CommandSignal {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mode == c.mode {
		return signal.New(ts, c.unit, c.last)
	}

	prev := c.mode
	if c.running {
		c.switchTo(ts, false)
	}
	if prev != model.ModeOff {
		c.blockedTill = ts.Add(c.cfg.ModeSwitchDelay)
	}
	c.mode = mode
	c.last = model.Off(mode)

	log.Info().
		Str("unit", c.unit).
		Str("from", string(prev)).
		Str("to", string(mode)).
		Time("blocked_until", c.blockedTill).
		Msg("Unit mode set")
	return signal.New(ts, c.unit, c.last)
}

// Update computes the command for one unit control tick.
func (c *Controller) Update(u zonecontroller.UnitSignal) model.CommandSignal {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := u.Timestamp
	if u.Status == signal.TotalFailure {
		if c.running {
			log.Warn().Err(u.Err).Str("unit", c.unit).Msg("Unit control failed, switching unit off")
			c.switchTo(ts, false)
		}
		c.last = model.Off(c.mode)
		return signal.New(ts, c.unit, c.last)
	}

	v, _ := u.Lookup()
	want := v.Running() && c.mode != model.ModeOff
	running := c.decide(ts, want)
	if running != c.running {
		c.switchTo(ts, running)
	}

	cmd := model.Off(c.mode)
	if running {
		cmd.Running = true
		cmd.Demand = v.Demand
		cmd.FanSpeed = v.FanSpeed
		if cmd.FanSpeed == model.FanOff {
			cmd.FanSpeed = model.FanLow
		}
	}
	c.last = cmd
	return signal.New(ts, c.unit, cmd)
}

func (c *Controller) decide(ts time.Time, want bool) bool {
	if want == c.running {
		return want
	}
	if want && ts.Before(c.blockedTill) {
		log.Debug().Str("unit", c.unit).Time("blocked_until", c.blockedTill).Msg("Mode switch delay, holding unit off")
		return false
	}
	if !c.changed {
		return want
	}
	elapsed := ts.Sub(c.lastChange)
	if c.running && elapsed < c.cfg.MinOn {
		log.Debug().Str("unit", c.unit).Dur("elapsed", elapsed).Dur("min_on", c.cfg.MinOn).Msg("Minimum on time not reached")
		return true
	}
	if !c.running && elapsed < c.cfg.MinOff {
		log.Debug().Str("unit", c.unit).Dur("elapsed", elapsed).Dur("min_off", c.cfg.MinOff).Msg("Minimum off time not reached")
		return false
	}
	return want
}

func (c *Controller) switchTo(ts time.Time, running bool) {
	log.Info().Str("unit", c.unit).Str("mode", string(c.mode)).Bool("running", running).Msg("Unit state change")
	c.running = running
	c.lastChange = ts
	c.changed = true
}

// Run emits the set-mode command for mode, then one command per unit
// control tick until in is closed or ctx is done.
func (c *Controller) Run(ctx context.Context, mode model.SystemMode, in <-chan zonecontroller.UnitSignal) <-chan model.CommandSignal {
	out := make(chan model.CommandSignal)
	go func() {
		defer close(out)
		send := func(cmd model.CommandSignal) bool {
			select {
			case out <- cmd:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(c.SetMode(c.now(), mode)) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-in:
				if !ok {
					return
				}
				if !send(c.Update(u)) {
					return
				}
			}
		}
	}()
	return out
}
