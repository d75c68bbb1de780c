// Package scheduler applies schedule periods to zones, both when a new
// schedule arrives and on a fixed cadence so period boundaries are crossed
// without a fresh update.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/schedule"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

const DefaultInterval = 10 * time.Second

// Schedule maps every period of one zone to the settings it applies.
type Schedule map[schedule.Period]zone.Settings

func (s Schedule) Periods() []schedule.Period {
	periods := make([]schedule.Period, 0, len(s))
	for p := range s {
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Less(periods[j]) })
	return periods
}

// Update replaces the whole schedule of one zone.
type Update struct {
	Zone     string
	Schedule Schedule
}

// Target is the zone side of the scheduler; *zone.Zone implements it.
type Target interface {
	Name() string
	SetPeriodSettings(p *schedule.Period, s *zone.Settings) error
}

type matched struct {
	period   schedule.Period
	settings zone.Settings
}

type Scheduler struct {
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	zones     map[string]Target
	schedules map[string]Schedule
	active    map[string]*matched
}

func New(zones []Target, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		interval:  interval,
		now:       time.Now,
		zones:     make(map[string]Target, len(zones)),
		schedules: make(map[string]Schedule),
		active:    make(map[string]*matched),
	}
	for _, z := range zones {
		s.zones[z.Name()] = z
	}
	return s
}

// Run owns the schedule state until ctx is done. updates may be nil when no
// schedule source is configured; the periodic tick still runs.
func (s *Scheduler) Run(ctx context.Context, updates <-chan Update) error {
	log.Info().Dur("interval", s.interval).Int("zones", len(s.zones)).Msg("Starting scheduler")
	defer log.Info().Msg("Scheduler stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			s.Apply(u)
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Apply stores an update and re-evaluates its zone immediately.
func (s *Scheduler) Apply(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[u.Zone]; !ok {
		log.Warn().Str("zone", u.Zone).Msg("Schedule update for unknown zone ignored")
		return
	}
	s.schedules[u.Zone] = u.Schedule
	log.Debug().Str("zone", u.Zone).Int("periods", len(u.Schedule)).Msg("Schedule updated")
	s.evaluate(u.Zone, s.now())
}

// Tick re-evaluates every zone with a known schedule.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for name := range s.schedules {
		s.evaluate(name, now)
	}
}

// Active returns the period last matched for a zone.
func (s *Scheduler) Active(zoneName string) (schedule.Period, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.active[zoneName]; m != nil {
		return m.period, true
	}
	return schedule.Period{}, false
}

func (s *Scheduler) evaluate(name string, now time.Time) {
	sched := s.schedules[name]
	target := s.zones[name]
	prev := s.active[name]

	p, ok := schedule.Match(sched.Periods(), now)
	if !ok {
		if prev != nil {
			log.Info().Str("zone", name).Str("period", prev.period.String()).Msg("Schedule period ended, no period active")
			s.active[name] = nil
			if err := target.SetPeriodSettings(nil, nil); err != nil {
				log.Error().Err(err).Str("zone", name).Msg("Failed to clear schedule period")
			}
		}
		return
	}

	settings := sched[p]
	if prev != nil && prev.period == p && settingsEqual(prev.settings, settings) {
		return
	}

	log.Info().Str("zone", name).Str("period", p.String()).Float64("setpoint", settings.Setpoint).Msg("Schedule period matched")
	s.active[name] = &matched{period: p, settings: settings}
	if err := target.SetPeriodSettings(&p, &settings); err != nil {
		log.Error().Err(err).Str("zone", name).Str("period", p.String()).Msg("Failed to apply schedule period")
	}
}

func settingsEqual(a, b zone.Settings) bool {
	ae, be := a.Economizer, b.Economizer
	a.Economizer, b.Economizer = nil, nil
	if a != b {
		return false
	}
	if ae == nil || be == nil {
		return ae == be
	}
	return *ae == *be
}
