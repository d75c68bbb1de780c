package zone

import (
	"errors"
	"fmt"
)

var (
	ErrClosed        = errors.New("zone no longer accepts settings")
	ErrSetpointRange = errors.New("setpoint outside allowed range")
)

// EconomizerSettings are carried for the economizer collaborator; the zone
// itself does not act on them.
type EconomizerSettings struct {
	Enabled           bool    `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	ChangeoverDelta   float64 `mapstructure:"changeover_delta" json:"changeover_delta" yaml:"changeover_delta"`
	TargetTemperature float64 `mapstructure:"target_temperature" json:"target_temperature" yaml:"target_temperature"`
	KeepHvacOn        bool    `mapstructure:"keep_hvac_on" json:"keep_hvac_on" yaml:"keep_hvac_on"`
}

type Settings struct {
	Enabled      bool                `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Setpoint     float64             `mapstructure:"setpoint" json:"setpoint" yaml:"setpoint"`
	Voting       bool                `mapstructure:"voting" json:"voting" yaml:"voting"`
	Hold         bool                `mapstructure:"hold" json:"hold" yaml:"hold"`
	DumpPriority int                 `mapstructure:"dump_priority" json:"dump_priority" yaml:"dump_priority"`
	Economizer   *EconomizerSettings `mapstructure:"economizer" json:"economizer,omitempty" yaml:"economizer,omitempty"`
}

type SetpointRange struct {
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

func (r SetpointRange) Contains(v float64) bool {
	if r.Min == 0 && r.Max == 0 {
		return true
	}
	return v >= r.Min && v <= r.Max
}

func (s Settings) Validate(r SetpointRange) error {
	if !r.Contains(s.Setpoint) {
		return fmt.Errorf("%w: %.1f not in [%.1f, %.1f]", ErrSetpointRange, s.Setpoint, r.Min, r.Max)
	}
	if s.Economizer != nil && s.Economizer.ChangeoverDelta < 0 {
		return fmt.Errorf("economizer changeover delta must not be negative")
	}
	return nil
}

// Status is what a zone reports for every sensor sample.
type Status struct {
	Settings Settings `json:"settings"`
	Calling  bool     `json:"calling"`
	Demand   float64  `json:"demand"`
	Period   string   `json:"period,omitempty"`
}
