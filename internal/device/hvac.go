package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

// HvacDevice executes unit commands. For every command it emits a REQUESTED
// status right away and an ACTUAL status once the hardware has confirmed.
type HvacDevice interface {
	Run(ctx context.Context, in <-chan model.CommandSignal) <-chan model.StatusSignal
	Close() error
}

type SwitchDeviceConfig struct {
	// FanLead runs the blower before the compressor starts.
	FanLead time.Duration `mapstructure:"fan_lead" json:"fan_lead"`
	// FanLag keeps the blower running after the compressor stops.
	FanLag time.Duration `mapstructure:"fan_lag" json:"fan_lag"`
}

// SwitchDevice drives a unit through three relays: blower, heat and cool.
// Circulate mode runs the blower alone.
type SwitchDevice struct {
	name string
	fan  Switch
	heat Switch
	cool Switch
	cfg  SwitchDeviceConfig
	now  func() time.Time

	mu      sync.Mutex
	actual  model.HvacCommand
	startAt time.Time
}

func NewSwitchDevice(name string, fan, heat, cool Switch, cfg SwitchDeviceConfig) (*SwitchDevice, error) {
	if fan == nil || heat == nil || cool == nil {
		return nil, fmt.Errorf("device %s: fan, heat and cool switches are required", name)
	}
	return &SwitchDevice{
		name:   name,
		fan:    fan,
		heat:   heat,
		cool:   cool,
		cfg:    cfg,
		now:    time.Now,
		actual: model.Off(model.ModeOff),
	}, nil
}

func (d *SwitchDevice) Name() string { return d.name }

// Actual returns the last confirmed command.
func (d *SwitchDevice) Actual() model.HvacCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.actual
}

func (d *SwitchDevice) Run(ctx context.Context, in <-chan model.CommandSignal) <-chan model.StatusSignal {
	out := make(chan model.StatusSignal, 2)
	go func() {
		defer close(out)
		send := func(s model.StatusSignal) bool {
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case cmd, ok := <-in:
				if !ok {
					return
				}
				req, ok := cmd.Lookup()
				if !ok {
					log.Warn().Err(cmd.Err).Str("device", d.name).Msg("Failed command, switching unit off")
					req = model.Off(d.Actual().Mode)
				}
				if !send(d.status(model.StatusRequested, req, nil)) {
					return
				}
				err := d.Apply(ctx, req)
				if !send(d.status(model.StatusActual, req, err)) {
					return
				}
			}
		}
	}()
	return out
}

func (d *SwitchDevice) status(kind model.StatusKind, req model.HvacCommand, err error) model.StatusSignal {
	d.mu.Lock()
	st := model.HvacStatus{Kind: kind, Requested: req, Actual: d.actual}
	if d.actual.Running {
		st.Uptime = d.now().Sub(d.startAt)
	}
	d.mu.Unlock()

	if err != nil {
		return signal.Partial(d.now(), d.name, st, err)
	}
	return signal.New(d.now(), d.name, st)
}

// Apply drives the relays to cmd. Relays are sequenced so the compressor never
// runs without the blower.
func (d *SwitchDevice) Apply(ctx context.Context, cmd model.HvacCommand) error {
	d.mu.Lock()
	prev := d.actual
	d.mu.Unlock()

	wantFan := cmd.Running || cmd.Mode == model.ModeCirculate
	wantHeat := cmd.Running && cmd.Mode == model.ModeHeating
	wantCool := cmd.Running && cmd.Mode == model.ModeCooling

	var errs []error
	set := func(sw Switch, on bool) bool {
		got, err := sw.Set(ctx, on)
		if err != nil {
			log.Error().Err(err).Str("device", d.name).Str("switch", sw.Name()).Bool("on", on).Msg("Failed to set switch")
			errs = append(errs, fmt.Errorf("%s: %w", sw.Name(), err))
		}
		return got
	}

	var heatOn, coolOn, fanOn bool
	if wantFan {
		fanOn = set(d.fan, true)
		if (wantHeat || wantCool) && !prev.Running {
			if err := sleep(ctx, d.cfg.FanLead); err != nil {
				errs = append(errs, err)
			}
		}
		heatOn = set(d.heat, wantHeat)
		coolOn = set(d.cool, wantCool)
	} else {
		heatOn = set(d.heat, false)
		coolOn = set(d.cool, false)
		if prev.Running {
			if err := sleep(ctx, d.cfg.FanLag); err != nil {
				errs = append(errs, err)
			}
		}
		fanOn = set(d.fan, false)
	}

	actual := model.HvacCommand{Mode: cmd.Mode, Demand: cmd.Demand}
	switch {
	case heatOn && coolOn:
		errs = append(errs, fmt.Errorf("heat and cool relays both on"))
		actual.Running = true
	case heatOn:
		actual.Running = true
		actual.Mode = model.ModeHeating
	case coolOn:
		actual.Running = true
		actual.Mode = model.ModeCooling
	}
	if fanOn {
		actual.FanSpeed = cmd.FanSpeed
		if actual.FanSpeed == model.FanOff {
			actual.FanSpeed = model.FanLow
		}
	}
	if !actual.Running {
		actual.Demand = 0
	}

	d.mu.Lock()
	if actual.Running && !d.actual.Running {
		d.startAt = d.now()
	}
	d.actual = actual
	d.mu.Unlock()

	if prev.Running != actual.Running || prev.Mode != actual.Mode {
		log.Info().Str("device", d.name).Str("requested", cmd.String()).Str("actual", actual.String()).Msg("HVAC state change")
	}
	return errors.Join(errs...)
}

// Close releases every relay; it does not switch the unit off.
func (d *SwitchDevice) Close() error {
	return errors.Join(d.fan.Close(), d.heat.Close(), d.cool.Close())
}
