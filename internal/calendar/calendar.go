// Package calendar reads zone schedules from a YAML file and publishes them
// as scheduler updates whenever the file changes.
package calendar

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/thatsimonsguy/hvac-director/internal/pubsub"
	"github.com/thatsimonsguy/hvac-director/internal/schedule"
	"github.com/thatsimonsguy/hvac-director/internal/scheduler"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

// periodNamespace derives stable ids for entries written without one.
var periodNamespace = uuid.MustParse("7d0c5b9e-3a8f-4a51-9a55-1f0f5b7c2e10")

type Entry struct {
	ID       string        `yaml:"id"`
	Name     string        `yaml:"name"`
	Start    string        `yaml:"start"`
	End      string        `yaml:"end"`
	Days     string        `yaml:"days"`
	Settings zone.Settings `yaml:"settings"`
}

type File struct {
	Zones map[string][]Entry `yaml:"zones"`
}

// Parse decodes a schedule file. Malformed entries are logged and skipped.
func Parse(data []byte) (map[string]scheduler.Schedule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode schedule file: %w", err)
	}

	out := make(map[string]scheduler.Schedule, len(f.Zones))
	for zoneName, entries := range f.Zones {
		sched := make(scheduler.Schedule, len(entries))
		for i, e := range entries {
			id := e.ID
			if id == "" {
				id = uuid.NewSHA1(periodNamespace, []byte(fmt.Sprintf("%s|%s|%s|%s|%s", zoneName, e.Name, e.Start, e.End, e.Days))).String()
			}
			p, err := schedule.ParsePeriod(id, e.Name, e.Start, e.End, e.Days)
			if err != nil {
				log.Warn().Err(err).Str("zone", zoneName).Int("entry", i).Msg("Skipping malformed schedule entry")
				continue
			}
			if _, dup := sched[p]; dup {
				log.Warn().Str("zone", zoneName).Str("period", p.String()).Msg("Skipping duplicate schedule entry")
				continue
			}
			sched[p] = e.Settings
		}
		out[zoneName] = sched
	}
	return out, nil
}

// FileSource polls a schedule file. Every change publishes one update per
// zone; zones dropped from the file get an empty schedule.
type FileSource struct {
	*pubsub.Publisher[scheduler.Update]
	path     string
	interval time.Duration
	refresh  chan struct{}

	mu      sync.Mutex
	content []byte
	current map[string]scheduler.Schedule
}

func NewFileSource(path string, interval time.Duration) *FileSource {
	if interval <= 0 {
		interval = time.Minute
	}
	return &FileSource{
		Publisher: pubsub.New[scheduler.Update]("schedule", log.Logger),
		path:      path,
		interval:  interval,
		refresh:   make(chan struct{}, 1),
	}
}

// Subscribe also replays the schedules already loaded, so a late subscriber
// starts from the current state.
func (s *FileSource) Subscribe(buffer int) chan scheduler.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.Publisher.Subscribe(max(buffer, len(s.current)))
	if s.Publisher.Closed() {
		return ch
	}
	for _, u := range updates(s.current) {
		ch <- u
	}
	return ch
}

func (s *FileSource) Run(ctx context.Context) error {
	log.Info().Str("path", s.path).Dur("interval", s.interval).Msg("Starting schedule file poller")
	defer log.Info().Msg("Schedule file poller stopped")
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.Publisher.Close()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Poll(); err != nil {
			log.Error().Err(err).Str("path", s.path).Msg("Failed to load schedule file")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.refresh:
		}
	}
}

// Refresh asks the poller to re-read the file without waiting for the tick.
func (s *FileSource) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Poll reads the file once and publishes if its content changed.
func (s *FileSource) Poll() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && bytes.Equal(data, s.content) {
		return nil
	}
	next, err := Parse(data)
	if err != nil {
		return err
	}
	for name := range s.current {
		if _, ok := next[name]; !ok {
			next[name] = scheduler.Schedule{}
		}
	}

	s.content = data
	s.current = next
	log.Info().Str("path", s.path).Int("zones", len(next)).Msg("Schedule file loaded")
	for _, u := range updates(next) {
		s.Publisher.Publish(u)
	}
	return nil
}

func updates(m map[string]scheduler.Schedule) []scheduler.Update {
	out := make([]scheduler.Update, 0, len(m))
	for name, sched := range m {
		out = append(out, scheduler.Update{Zone: name, Schedule: sched})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}
