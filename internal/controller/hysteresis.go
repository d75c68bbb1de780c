package controller

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

type HysteresisConfig struct {
	// Low is the offset from the setpoint at or below which the state turns
	// off. Must not be positive.
	Low float64 `mapstructure:"low" json:"low"`
	// High is the offset from the setpoint at or above which the state turns
	// on. Must not be negative.
	High float64 `mapstructure:"high" json:"high"`
	// Output is the magnitude of the emitted signal. Defaults to 1.
	Output float64 `mapstructure:"output" json:"output"`
}

func (c HysteresisConfig) Validate() error {
	if c.Low > 0 {
		return fmt.Errorf("%w: low threshold must not be positive, got %v", ErrInvalidConfig, c.Low)
	}
	if c.High < 0 {
		return fmt.Errorf("%w: high threshold must not be negative, got %v", ErrInvalidConfig, c.High)
	}
	if c.Low == c.High {
		return fmt.Errorf("%w: thresholds must not be equal", ErrInvalidConfig)
	}
	if c.Output < 0 {
		return fmt.Errorf("%w: output magnitude must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Hysteresis is a two-state controller for on/off equipment. It never flips
// while the process variable stays strictly inside the dead band.
type Hysteresis struct {
	cfg      HysteresisConfig
	mu       sync.Mutex
	setpoint float64
	clock    signal.Clock
	on       bool
}

func NewHysteresis(setpoint float64, cfg HysteresisConfig) (*Hysteresis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Output == 0 {
		cfg.Output = 1
	}
	return &Hysteresis{cfg: cfg, setpoint: setpoint}, nil
}

func (h *Hysteresis) Setpoint() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setpoint
}

func (h *Hysteresis) SetSetpoint(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setpoint = v
}

func (h *Hysteresis) Compute(pv Sample) (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.clock.Check(pv.Timestamp); err != nil {
		return Status{}, fmt.Errorf("hysteresis %s: %w", pv.Address, err)
	}
	if pv.Status == signal.TotalFailure {
		return failed(h.setpoint, pv), nil
	}
	h.clock.Advance(pv.Timestamp)

	value := pv.Value()
	switch {
	case !h.on && value >= h.setpoint+h.cfg.High:
		h.on = true
		log.Debug().Str("address", pv.Address).Float64("pv", value).Msg("Hysteresis turned on")
	case h.on && value <= h.setpoint+h.cfg.Low:
		h.on = false
		log.Debug().Str("address", pv.Address).Float64("pv", value).Msg("Hysteresis turned off")
	}

	output := -h.cfg.Output
	if h.on {
		output = h.cfg.Output
	}

	out := signal.New(pv.Timestamp, pv.Address, output)
	if pv.Status == signal.PartialFailure {
		out = signal.Partial(pv.Timestamp, pv.Address, output, pv.Err)
	}
	return Status{Setpoint: h.setpoint, Error: value - h.setpoint, Output: out}, nil
}
