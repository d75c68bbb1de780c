package controller

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

type PIDConfig struct {
	P float64 `mapstructure:"p" json:"p"`
	I float64 `mapstructure:"i" json:"i"`
	D float64 `mapstructure:"d" json:"d"`
	// Limit is the saturation limit used for integral anti-windup. Zero
	// disables anti-windup.
	Limit float64 `mapstructure:"limit" json:"limit"`
	// KeepIntegral keeps the accumulated integral across setpoint changes.
	KeepIntegral bool `mapstructure:"keep_integral" json:"keep_integral"`
}

func (c PIDConfig) Validate() error {
	if c.P == 0 && c.I == 0 && c.D == 0 {
		return fmt.Errorf("%w: at least one of P, I, D must be non-zero", ErrInvalidConfig)
	}
	if c.Limit < 0 {
		return fmt.Errorf("%w: limit must be non-negative, got %v", ErrInvalidConfig, c.Limit)
	}
	for name, v := range map[string]float64{"P": c.P, "I": c.I, "D": c.D, "limit": c.Limit} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidConfig, name)
		}
	}
	return nil
}

// PID is a proportional-integral-derivative controller. The time unit for the
// integral and derivative terms is the millisecond.
type PID struct {
	cfg      PIDConfig
	mu       sync.Mutex
	setpoint float64

	clock      signal.Clock
	integral   float64
	lastError  float64
	lastOutput float64
	hasLast    bool
}

func NewPID(setpoint float64, cfg PIDConfig) (*PID, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PID{cfg: cfg, setpoint: setpoint}, nil
}

func (p *PID) Setpoint() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setpoint
}

func (p *PID) SetSetpoint(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v == p.setpoint {
		return
	}
	p.setpoint = v
	if !p.cfg.KeepIntegral {
		p.integral = 0
	}
}

func (p *PID) Compute(pv Sample) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.clock.Check(pv.Timestamp); err != nil {
		return Status{}, fmt.Errorf("pid %s: %w", pv.Address, err)
	}
	if pv.Status == signal.TotalFailure {
		return failed(p.setpoint, pv), nil
	}

	value := pv.Value()
	e := value - p.setpoint
	pTerm := e * p.cfg.P

	integral := p.integral
	var dTerm float64
	if last, ok := p.clock.Last(); ok && p.hasLast {
		dt := float64(pv.Timestamp.Sub(last).Milliseconds())

		if !p.saturated(p.lastOutput) {
			candidate := integral + e*dt
			// clamp rather than reset: a candidate past the limit keeps the old value
			if p.cfg.Limit == 0 || math.Abs(candidate*p.cfg.I) <= p.cfg.Limit {
				integral = candidate
			}
		}

		d := (e - p.lastError) / dt * p.cfg.D
		if !math.IsNaN(d) && !math.IsInf(d, 0) {
			dTerm = d
		}
	}

	output := pTerm + integral*p.cfg.I + dTerm
	if math.IsNaN(output) {
		log.Error().
			Str("address", pv.Address).
			Float64("pv", value).
			Float64("setpoint", p.setpoint).
			Float64("p", pTerm).
			Float64("integral", integral).
			Float64("d", dTerm).
			Msg("PID produced NaN output")
		return Status{}, fmt.Errorf("pid %s: %w", pv.Address, ErrNaNOutput)
	}

	p.integral = integral
	p.lastError = e
	p.lastOutput = output
	p.hasLast = true
	p.clock.Advance(pv.Timestamp)

	log.Debug().
		Str("address", pv.Address).
		Float64("pv", value).
		Float64("setpoint", p.setpoint).
		Float64("error", e).
		Float64("output", output).
		Msg("PID computed")

	out := signal.New(pv.Timestamp, pv.Address, output)
	if pv.Status == signal.PartialFailure {
		out = signal.Partial(pv.Timestamp, pv.Address, output, pv.Err)
	}
	return Status{Setpoint: p.setpoint, Error: e, Output: out}, nil
}

func (p *PID) saturated(v float64) bool {
	return p.cfg.Limit > 0 && math.Abs(v) >= p.cfg.Limit
}
