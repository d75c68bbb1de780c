package recirculationcontroller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

const (
	RecirculationInterval = 12 * time.Hour
	RecirculationDuration = 15 * time.Minute
)

type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval of blower inactivity after which air is recirculated.
	Interval time.Duration `mapstructure:"interval"`
	Duration time.Duration `mapstructure:"duration"`
}

// UnitController is the command source being wrapped.
type UnitController interface {
	Run(ctx context.Context, mode model.SystemMode, in <-chan zonecontroller.UnitSignal) <-chan model.CommandSignal
}

// Controller runs the blower alone for a while when the unit has been idle
// too long. Any command that runs the unit ends the recirculation.
type Controller struct {
	inner UnitController
	cfg   Config

	mu         sync.Mutex
	mode       model.SystemMode
	lastActive time.Time
	until      time.Time
}

func New(inner UnitController, cfg Config) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = RecirculationInterval
	}
	if cfg.Duration <= 0 {
		cfg.Duration = RecirculationDuration
	}
	return &Controller{inner: inner, cfg: cfg}
}

func (c *Controller) Run(ctx context.Context, mode model.SystemMode, in <-chan zonecontroller.UnitSignal) <-chan model.CommandSignal {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()

	src := c.inner.Run(ctx, mode, in)
	out := make(chan model.CommandSignal)
	go func() {
		defer close(out)
		for cmd := range src {
			select {
			case out <- c.evaluate(cmd):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Recirculating reports whether the blower is currently being run alone.
func (c *Controller) Recirculating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.until.IsZero()
}

func (c *Controller) evaluate(s model.CommandSignal) model.CommandSignal {
	cmd, ok := s.Lookup()
	if !ok || s.Status != signal.OK {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := s.Timestamp
	if c.mode == model.ModeOff {
		return s
	}
	if c.lastActive.IsZero() || now.Before(c.lastActive) {
		c.lastActive = now
	}

	if cmd.Running || cmd.Mode == model.ModeCirculate {
		if !c.until.IsZero() {
			log.Info().Str("unit", s.Address).Msg("Recirculation interrupted by demand")
		}
		c.lastActive = now
		c.until = time.Time{}
		return s
	}

	if !c.until.IsZero() {
		if now.Before(c.until) {
			return circulate(s)
		}
		log.Info().Str("unit", s.Address).Msg("Recirculation finished")
		c.until = time.Time{}
		c.lastActive = now
		return s
	}

	idle := now.Sub(c.lastActive)
	log.Debug().Str("unit", s.Address).Dur("idle", idle).Msg("Evaluating recirculation")
	if idle >= c.cfg.Interval {
		c.until = now.Add(c.cfg.Duration)
		log.Info().Str("unit", s.Address).Dur("idle", idle).Dur("duration", c.cfg.Duration).Msg("Starting blower for recirculation")
		return circulate(s)
	}
	return s
}

func circulate(s model.CommandSignal) model.CommandSignal {
	return signal.New(s.Timestamp, s.Address, model.HvacCommand{Mode: model.ModeCirculate, FanSpeed: model.FanLow})
}
