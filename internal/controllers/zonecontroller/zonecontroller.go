// Package zonecontroller aggregates the status stream of every zone of one
// unit into a single unit control signal.
package zonecontroller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

const (
	DamperOpen   float64 = 1
	DamperClosed float64 = 0
)

// UnitControl is the aggregate decision for one physical unit.
type UnitControl struct {
	Demand   float64            `json:"demand"`
	FanSpeed model.FanSpeed     `json:"fan_speed"`
	Calling  []string           `json:"calling"`
	Dumped   []string           `json:"dumped"`
	Dampers  map[string]float64 `json:"dampers"`
}

// Running reports whether any voting zone is being serviced.
func (u UnitControl) Running() bool {
	return u.Demand > 0
}

type UnitSignal = signal.Signal[string, UnitControl]

type zoneState struct {
	status zone.StatusSignal
	seen   bool
}

// Controller keeps the last known status of every zone it was built with.
// Zones cannot be added after construction.
type Controller struct {
	unit     string
	capacity int

	mu     sync.Mutex
	zones  map[string]*zoneState
	names  []string
	latest time.Time
}

// New builds a controller for a fixed set of zones. capacity is the number of
// calling voting zones the unit can serve at once; 0 means unlimited.
// Non-voting callers are served whenever the unit runs.
func New(unit string, zones []string, capacity int) (*Controller, error) {
	if unit == "" {
		return nil, fmt.Errorf("unit name is required")
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("unit %s: at least one zone is required", unit)
	}
	if capacity < 0 {
		return nil, fmt.Errorf("unit %s: capacity must not be negative", unit)
	}
	c := &Controller{
		unit:     unit,
		capacity: capacity,
		zones:    make(map[string]*zoneState, len(zones)),
	}
	for _, z := range zones {
		if _, dup := c.zones[z]; dup {
			return nil, fmt.Errorf("unit %s: duplicate zone %q", unit, z)
		}
		c.zones[z] = &zoneState{}
		c.names = append(c.names, z)
	}
	sort.Strings(c.names)
	return c, nil
}

// Update records the status of one zone and recomputes the aggregate. It
// returns false for zones the controller does not know.
func (c *Controller) Update(s zone.StatusSignal) (UnitSignal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.zones[s.Address]
	if !ok {
		log.Warn().Str("unit", c.unit).Str("zone", s.Address).Msg("Status from unknown zone ignored")
		return UnitSignal{}, false
	}
	if s.Status == signal.TotalFailure {
		log.Warn().Err(s.Err).Str("unit", c.unit).Str("zone", s.Address).Msg("Zone failed, treating as not calling")
	}
	st.status = s
	st.seen = true
	if s.Timestamp.After(c.latest) {
		c.latest = s.Timestamp
	}

	u := c.aggregate()
	log.Debug().
		Str("unit", c.unit).
		Str("zone", s.Address).
		Float64("demand", u.Demand).
		Str("fan", u.FanSpeed.String()).
		Strs("calling", u.Calling).
		Strs("dumped", u.Dumped).
		Msg("Unit control computed")
	return signal.New(c.latest, c.unit, u), true
}

type caller struct {
	name     string
	status   zone.Status
	priority int
}

func (c *Controller) aggregate() UnitControl {
	var voters, riders []caller
	for _, name := range c.names {
		st := c.zones[name]
		if !st.seen {
			continue
		}
		v, ok := st.status.Lookup()
		if !ok || !v.Calling {
			continue
		}
		cl := caller{name: name, status: v, priority: v.Settings.DumpPriority}
		if v.Settings.Voting {
			voters = append(voters, cl)
		} else {
			riders = append(riders, cl)
		}
	}

	// Capacity only limits voting zones. Highest priority first; the tail
	// past capacity is dumped.
	sort.SliceStable(voters, func(i, j int) bool {
		if voters[i].priority != voters[j].priority {
			return voters[i].priority > voters[j].priority
		}
		return voters[i].name < voters[j].name
	})

	var serviced, dumped []caller
	if c.capacity > 0 && len(voters) > c.capacity {
		serviced, dumped = voters[:c.capacity], voters[c.capacity:]
	} else {
		serviced = voters
	}

	u := UnitControl{
		Calling: []string{},
		Dumped:  []string{},
		Dampers: make(map[string]float64, len(c.names)),
	}
	for _, s := range serviced {
		u.Calling = append(u.Calling, s.name)
		if s.status.Demand > u.Demand {
			u.Demand = s.status.Demand
		}
	}
	for _, r := range riders {
		u.Calling = append(u.Calling, r.name)
	}
	u.Demand = clamp(u.Demand)
	u.FanSpeed = model.FanSpeedFor(u.Demand)
	sort.Strings(u.Calling)

	for _, d := range dumped {
		u.Dumped = append(u.Dumped, d.name)
	}
	sort.Strings(u.Dumped)

	if !u.Running() {
		for _, name := range c.names {
			u.Dampers[name] = DamperOpen
		}
		return u
	}
	for _, name := range c.names {
		u.Dampers[name] = DamperClosed
	}
	for _, s := range serviced {
		u.Dampers[s.name] = clamp(s.status.Demand)
	}
	for _, r := range riders {
		u.Dampers[r.name] = clamp(r.status.Demand)
	}
	return u
}

// Run aggregates in until it is closed or ctx is done.
func (c *Controller) Run(ctx context.Context, in <-chan zone.StatusSignal) <-chan UnitSignal {
	out := make(chan UnitSignal)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-in:
				if !ok {
					return
				}
				u, ok := c.Update(s)
				if !ok {
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
