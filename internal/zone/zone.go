// Package zone computes the heating or cooling demand of one independently
// thermostated area.
package zone

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/controller"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/schedule"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

type StatusSignal = signal.Signal[string, Status]

// Zone owns its settings and its process controller. Settings only change
// through SetSettings, SetPeriodSettings and ReleaseHold.
type Zone struct {
	name   string
	limits SetpointRange
	mode   model.SystemMode

	mu             sync.Mutex
	controller     controller.ProcessController
	settings       Settings
	period         *schedule.Period
	periodSettings *Settings
	warm           bool
	closed         bool
}

func New(name string, settings Settings, limits SetpointRange, c controller.ProcessController, mode model.SystemMode) (*Zone, error) {
	if name == "" {
		return nil, fmt.Errorf("zone name is required")
	}
	if c == nil {
		return nil, fmt.Errorf("zone %s: controller is required", name)
	}
	if err := settings.Validate(limits); err != nil {
		return nil, fmt.Errorf("zone %s: %w", name, err)
	}
	z := &Zone{
		name:       name,
		limits:     limits,
		mode:       mode,
		controller: c,
		settings:   settings,
	}
	c.SetSetpoint(mode.Sign() * settings.Setpoint)
	return z, nil
}

func (z *Zone) Name() string { return z.name }

func (z *Zone) Mode() model.SystemMode { return z.mode }

func (z *Zone) Limits() SetpointRange { return z.limits }

func (z *Zone) Settings() Settings {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.settings
}

// Period returns the schedule period last delivered to the zone, whether or
// not its settings were applied.
func (z *Zone) Period() (schedule.Period, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.period == nil {
		return schedule.Period{}, false
	}
	return *z.period, true
}

// SetSettings applies settings directly (manual override). Settings with Hold
// set stop the scheduler from replacing them.
func (z *Zone) SetSettings(s Settings) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return fmt.Errorf("zone %s: %w", z.name, ErrClosed)
	}
	if err := s.Validate(z.limits); err != nil {
		return fmt.Errorf("zone %s: %w", z.name, err)
	}
	z.apply(s, "manual")
	return nil
}

// SetPeriodSettings records the active schedule period and applies its
// settings unless the zone is on hold. A nil period means no period is
// active; current settings stay as they are.
func (z *Zone) SetPeriodSettings(p *schedule.Period, s *Settings) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return fmt.Errorf("zone %s: %w", z.name, ErrClosed)
	}
	if p == nil || s == nil {
		z.period = nil
		z.periodSettings = nil
		return nil
	}

	next := *s
	next.Hold = false
	if err := next.Validate(z.limits); err != nil {
		return fmt.Errorf("zone %s period %s: %w", z.name, p, err)
	}

	period := *p
	z.period = &period
	z.periodSettings = &next

	if z.settings.Hold {
		log.Info().Str("zone", z.name).Str("period", p.String()).Msg("Zone on hold, recording period without applying it")
		return nil
	}
	z.apply(next, "schedule")
	return nil
}

// ReleaseHold clears a manual hold and reapplies the settings of the last
// recorded period, if any.
func (z *Zone) ReleaseHold() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return fmt.Errorf("zone %s: %w", z.name, ErrClosed)
	}
	if z.periodSettings != nil {
		z.apply(*z.periodSettings, "schedule")
		return nil
	}
	s := z.settings
	s.Hold = false
	z.apply(s, "manual")
	return nil
}

// Close stops the zone from accepting further settings.
func (z *Zone) Close() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.closed = true
}

func (z *Zone) apply(s Settings, source string) {
	prev := z.settings
	z.settings = s
	z.controller.SetSetpoint(z.mode.Sign() * s.Setpoint)

	log.Info().
		Str("zone", z.name).
		Str("source", source).
		Bool("enabled", s.Enabled).
		Float64("setpoint", s.Setpoint).
		Float64("previous_setpoint", prev.Setpoint).
		Bool("voting", s.Voting).
		Bool("hold", s.Hold).
		Msg("Zone settings applied")
}

// Compute runs one sensor sample through the zone's controller. The first
// sample the zone ever computes never reports a call, whatever its demand.
// Clock regressions and NaN outputs are returned as errors and leave the
// zone untouched.
func (z *Zone) Compute(pv controller.Sample) (StatusSignal, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	in := pv
	if v, ok := pv.Lookup(); ok {
		sign := z.mode.Sign()
		if pv.Status == signal.PartialFailure {
			in = signal.Partial(pv.Timestamp, pv.Address, sign*v, pv.Err)
		} else {
			in = signal.New(pv.Timestamp, pv.Address, sign*v)
		}
	}

	st, err := z.controller.Compute(in)
	if err != nil {
		return StatusSignal{}, fmt.Errorf("zone %s: %w", z.name, err)
	}
	if st.Output.Status == signal.TotalFailure {
		log.Warn().Err(st.Output.Err).Str("zone", z.name).Msg("Sensor failure, zone not calling")
		return signal.Propagate[string, float64, Status](st.Output, z.name), nil
	}

	demand := st.Output.Value()
	calling := z.warm && z.settings.Enabled && demand > 0
	if !z.warm {
		log.Debug().Str("zone", z.name).Float64("demand", demand).Msg("First sample, suppressing call")
	}
	z.warm = true

	status := Status{Settings: z.settings, Calling: calling, Demand: demand}
	if z.period != nil {
		status.Period = z.period.String()
	}

	log.Debug().
		Str("zone", z.name).
		Float64("pv", pv.Value()).
		Float64("setpoint", z.settings.Setpoint).
		Float64("demand", demand).
		Bool("calling", calling).
		Msg("Zone computed")

	if st.Output.Status == signal.PartialFailure {
		return signal.Partial(pv.Timestamp, z.name, status, st.Output.Err), nil
	}
	return signal.New(pv.Timestamp, z.name, status), nil
}
