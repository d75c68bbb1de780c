package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Damper is a zone air damper. Positions run from 0 (closed) to 1 (open).
type Damper interface {
	Name() string
	Set(ctx context.Context, position float64) (float64, error)
	// Park moves the damper to its safe position for shutdown.
	Park(ctx context.Context) (float64, error)
	Position() float64
	Close() error
}

// SwitchDamper is a two-position damper behind a relay: any position above
// zero opens it.
type SwitchDamper struct {
	name string
	sw   Switch
	park float64

	mu       sync.Mutex
	position float64
	known    bool
}

// NewSwitchDamper parks at park, which must be 0 or 1.
func NewSwitchDamper(name string, sw Switch, park float64) (*SwitchDamper, error) {
	if sw == nil {
		return nil, fmt.Errorf("damper %s: switch is required", name)
	}
	if park != 0 && park != 1 {
		return nil, fmt.Errorf("damper %s: park position must be 0 or 1, got %v", name, park)
	}
	return &SwitchDamper{name: name, sw: sw, park: park}, nil
}

func (d *SwitchDamper) Name() string { return d.name }

func (d *SwitchDamper) Set(ctx context.Context, position float64) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set(ctx, position)
}

// Park is idempotent: a parked damper is not driven again.
func (d *SwitchDamper) Park(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.known && d.position == d.park {
		return d.position, nil
	}
	log.Info().Str("damper", d.name).Float64("position", d.park).Msg("Parking damper")
	return d.set(ctx, d.park)
}

func (d *SwitchDamper) set(ctx context.Context, position float64) (float64, error) {
	on, err := d.sw.Set(ctx, position > 0)
	if err != nil {
		d.known = false
		return d.position, fmt.Errorf("damper %s: %w", d.name, err)
	}
	prev := d.position
	d.position = 0
	if on {
		d.position = 1
	}
	if !d.known || prev != d.position {
		log.Debug().Str("damper", d.name).Float64("requested", position).Float64("position", d.position).Msg("Damper moved")
	}
	d.known = true
	return d.position, nil
}

func (d *SwitchDamper) Position() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

func (d *SwitchDamper) Close() error {
	return d.sw.Close()
}
