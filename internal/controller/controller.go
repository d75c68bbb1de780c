// Package controller implements the closed-loop process controllers that turn
// a process variable (temperature) into a control output.
package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

var (
	ErrInvalidConfig = errors.New("invalid controller configuration")
	ErrNaNOutput     = errors.New("controller output is NaN")
)

// Sample is a process variable reading keyed by sensor or zone address.
type Sample = signal.Signal[string, float64]

// Status is the result of one compute step.
type Status struct {
	Setpoint float64
	Error    float64
	Output   Sample
}

// ProcessController is implemented by PID and Hysteresis. State is private
// to one instance and only changes inside Compute and SetSetpoint.
type ProcessController interface {
	Setpoint() float64
	SetSetpoint(v float64)
	// Compute consumes one sample. Failed samples produce a Status whose
	// Output carries the same failure; a sample older than the previous one
	// returns signal.ErrClockRegression and leaves the state untouched.
	Compute(pv Sample) (Status, error)
}

// Run drives c from a sample stream until in is closed or ctx is done.
// Samples that fail to compute are logged and dropped; the stream survives.
func Run(ctx context.Context, name string, c ProcessController, in <-chan Sample) <-chan Status {
	out := make(chan Status)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case pv, ok := <-in:
				if !ok {
					return
				}
				st, err := c.Compute(pv)
				if err != nil {
					log.Error().Err(err).Str("controller", name).Msg("Dropping sample")
					continue
				}
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func failed(setpoint float64, pv Sample) Status {
	return Status{
		Setpoint: setpoint,
		Output:   signal.Propagate[string, float64, float64](pv, pv.Address),
	}
}

const (
	TypePID        = "pid"
	TypeHysteresis = "hysteresis"
)

// Config selects and configures one controller variant.
type Config struct {
	Type       string           `mapstructure:"type" json:"type"`
	PID        PIDConfig        `mapstructure:"pid" json:"pid"`
	Hysteresis HysteresisConfig `mapstructure:"hysteresis" json:"hysteresis"`
}

func (c Config) Validate() error {
	switch c.Type {
	case TypePID:
		return c.PID.Validate()
	case TypeHysteresis:
		return c.Hysteresis.Validate()
	default:
		return fmt.Errorf("%w: unknown controller type %q", ErrInvalidConfig, c.Type)
	}
}

func New(setpoint float64, cfg Config) (ProcessController, error) {
	switch cfg.Type {
	case TypePID:
		return NewPID(setpoint, cfg.PID)
	case TypeHysteresis:
		return NewHysteresis(setpoint, cfg.Hysteresis)
	default:
		return nil, fmt.Errorf("%w: unknown controller type %q", ErrInvalidConfig, cfg.Type)
	}
}
