// Package device holds the actuator side of the controller: relay switches,
// zone dampers and the HVAC unit driven by them.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Switch is one on/off relay. Set returns the state the hardware confirmed,
// which may differ from the one requested when err is non-nil.
type Switch interface {
	Name() string
	Set(ctx context.Context, on bool) (bool, error)
	State(ctx context.Context) (bool, error)
	Close() error
}

// NullSwitch keeps its state in memory and touches no hardware. It backs
// every switch when the controller runs in safe mode.
type NullSwitch struct {
	name string

	mu  sync.Mutex
	on  bool
	set int
}

func NewNullSwitch(name string) *NullSwitch {
	return &NullSwitch{name: name}
}

func (s *NullSwitch) Name() string { return s.name }

func (s *NullSwitch) Set(_ context.Context, on bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.on != on {
		log.Info().Str("switch", s.name).Bool("on", on).Msg("Safe mode, switch not driven")
	}
	s.on = on
	s.set++
	return on, nil
}

func (s *NullSwitch) State(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on, nil
}

// Writes returns how many times Set has been called.
func (s *NullSwitch) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

func (s *NullSwitch) Close() error { return nil }

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
