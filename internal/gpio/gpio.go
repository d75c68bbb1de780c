package gpio

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Pin is one relay output on the GPIO header.
type Pin struct {
	Number     int  `mapstructure:"number" json:"number"`
	ActiveHigh bool `mapstructure:"active_high" json:"active_high"`
}

// Drive returns the pinctrl drive option that puts the pin in the given state.
func (p Pin) Drive(active bool) string {
	if p.ActiveHigh == active {
		return "dh"
	}
	return "dl"
}

// Controller is the part of pinctrl.Client the relays need.
type Controller interface {
	ReadLevel(ctx context.Context, pin int) (bool, error)
	SetPin(ctx context.Context, pin int, opts ...string) error
}

// Switch drives one relay through pinctrl and confirms the level by reading
// it back.
type Switch struct {
	name string
	pin  Pin
	ctl  Controller
}

func NewSwitch(name string, pin Pin, ctl Controller) *Switch {
	return &Switch{name: name, pin: pin, ctl: ctl}
}

func (s *Switch) Name() string { return s.name }

func (s *Switch) Pin() Pin { return s.pin }

func (s *Switch) Set(ctx context.Context, on bool) (bool, error) {
	if err := s.ctl.SetPin(ctx, s.pin.Number, "op", "pn", s.pin.Drive(on)); err != nil {
		log.Error().Err(err).Str("switch", s.name).Int("pin", s.pin.Number).Bool("on", on).Msg("Failed to drive pin")
		state, readErr := s.State(ctx)
		if readErr != nil {
			return false, errors.Join(err, readErr)
		}
		return state, err
	}
	state, err := s.State(ctx)
	if err != nil {
		return false, err
	}
	if state != on {
		return state, fmt.Errorf("pin %d (%s) reads active=%v after set to %v", s.pin.Number, s.name, state, on)
	}
	return state, nil
}

func (s *Switch) State(ctx context.Context) (bool, error) {
	level, err := s.ctl.ReadLevel(ctx, s.pin.Number)
	if err != nil {
		return false, err
	}
	return level == s.pin.ActiveHigh, nil
}

// Close leaves the pin as it is; shutting the relay off is the caller's job.
func (s *Switch) Close() error { return nil }

// NamedPin is a relay pin with the label used in logs and the boot script.
type NamedPin struct {
	Name string
	Pin  Pin
}

// ValidateInactive checks that every relay is inactive, which is the state the
// boot script leaves them in.
func ValidateInactive(ctx context.Context, ctl Controller, pins []NamedPin) error {
	var errs []error
	for _, p := range pins {
		level, err := ctl.ReadLevel(ctx, p.Pin.Number)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read pin level for %s (GPIO %d): %w", p.Name, p.Pin.Number, err))
			continue
		}
		if level == p.Pin.ActiveHigh {
			errs = append(errs, fmt.Errorf("pin %d (%s) is active at startup", p.Pin.Number, p.Name))
		}
	}
	return errors.Join(errs...)
}
