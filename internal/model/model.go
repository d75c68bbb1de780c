package model

import (
	"fmt"
	"time"

	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

type SystemMode string

const (
	ModeOff       SystemMode = "off"
	ModeHeating   SystemMode = "heating"
	ModeCooling   SystemMode = "cooling"
	ModeCirculate SystemMode = "circulate"
)

func ParseSystemMode(s string) (SystemMode, error) {
	switch m := SystemMode(s); m {
	case ModeOff, ModeHeating, ModeCooling, ModeCirculate:
		return m, nil
	default:
		return ModeOff, fmt.Errorf("unknown system mode %q", s)
	}
}

// Sign converts a temperature into the controller's frame: in heating mode a
// colder room must produce positive demand, so values are negated.
func (m SystemMode) Sign() float64 {
	if m == ModeHeating {
		return -1
	}
	return 1
}

type FanSpeed int

const (
	FanOff FanSpeed = iota
	FanLow
	FanMedium
	FanHigh
)

func (f FanSpeed) String() string {
	switch f {
	case FanOff:
		return "off"
	case FanLow:
		return "low"
	case FanMedium:
		return "medium"
	case FanHigh:
		return "high"
	default:
		return fmt.Sprintf("fan(%d)", int(f))
	}
}

func (f FanSpeed) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FanSpeed) UnmarshalText(b []byte) error {
	for _, s := range []FanSpeed{FanOff, FanLow, FanMedium, FanHigh} {
		if s.String() == string(b) {
			*f = s
			return nil
		}
	}
	return fmt.Errorf("unknown fan speed %q", b)
}

// FanSpeedFor maps a demand in [0,1] onto a discrete fan speed.
func FanSpeedFor(demand float64) FanSpeed {
	switch {
	case demand <= 0:
		return FanOff
	case demand <= 1.0/3:
		return FanLow
	case demand <= 2.0/3:
		return FanMedium
	default:
		return FanHigh
	}
}

// HvacCommand is what the unit controller asks the physical unit to do.
type HvacCommand struct {
	Mode     SystemMode `json:"mode"`
	Running  bool       `json:"running"`
	FanSpeed FanSpeed   `json:"fan_speed"`
	Demand   float64    `json:"demand"`
}

func (c HvacCommand) String() string {
	return fmt.Sprintf("{mode=%s running=%v fan=%s demand=%.2f}", c.Mode, c.Running, c.FanSpeed, c.Demand)
}

// Off is the safe command for the given mode.
func Off(mode SystemMode) HvacCommand {
	return HvacCommand{Mode: mode}
}

type StatusKind string

const (
	StatusRequested StatusKind = "requested"
	StatusActual    StatusKind = "actual"
)

// HvacStatus tracks a device converging from what was requested to what the
// hardware confirmed.
type HvacStatus struct {
	Kind      StatusKind    `json:"kind"`
	Requested HvacCommand   `json:"requested"`
	Actual    HvacCommand   `json:"actual"`
	Uptime    time.Duration `json:"uptime"`
}

type CommandSignal = signal.Signal[string, HvacCommand]

type StatusSignal = signal.Signal[string, HvacStatus]
