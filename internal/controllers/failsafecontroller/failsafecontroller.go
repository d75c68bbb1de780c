package failsafecontroller

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/notifications"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

const DefaultGrace = 5 * time.Minute

type Config struct {
	// Grace is how long a zone or device may keep failing before an alert.
	Grace time.Duration `mapstructure:"grace"`
	// Ignore lists zones whose failures are never alerted on.
	Ignore []string `mapstructure:"ignore"`
}

// failure tracks one failing address.
type failure struct {
	since   time.Time
	alerted bool
	err     error
}

type FailsafeAction struct {
	Alert   bool
	Resolve bool
	Since   time.Time
}

// evaluate advances the failure state of one address with a new observation.
// Timing follows signal timestamps so replayed streams alert identically.
func evaluate(f *failure, failing bool, at time.Time, err error, grace time.Duration) FailsafeAction {
	if !failing {
		resolved := f.alerted
		*f = failure{}
		return FailsafeAction{Resolve: resolved}
	}
	if f.since.IsZero() {
		f.since = at
	}
	f.err = err
	if !f.alerted && at.Sub(f.since) >= grace {
		f.alerted = true
		return FailsafeAction{Alert: true, Since: f.since}
	}
	return FailsafeAction{Since: f.since}
}

// Controller is a director sink that notifies when a zone sensor or the HVAC
// device stays in total failure for longer than the grace period, and again
// when it recovers.
type Controller struct {
	cfg      Config
	notifier notifications.Notifier

	mu       sync.Mutex
	failures map[string]*failure
}

func New(cfg Config, n notifications.Notifier) *Controller {
	if cfg.Grace == 0 {
		cfg.Grace = DefaultGrace
	}
	if n == nil {
		n = notifications.Nop{}
	}
	return &Controller{cfg: cfg, notifier: n, failures: map[string]*failure{}}
}

func (c *Controller) isZoneIgnored(name string) bool {
	return slices.Contains(c.cfg.Ignore, name)
}

func (c *Controller) Run(ctx context.Context, s director.Streams) {
	log.Info().Str("unit", s.Unit).Dur("grace", c.cfg.Grace).Msg("Starting failsafe controller")
	s.Each(ctx, director.Handlers{
		Zone: func(z zone.StatusSignal) {
			if c.isZoneIgnored(z.Address) {
				return
			}
			c.observe("zone "+z.Address, z.Status == signal.TotalFailure, z.Timestamp, z.Err)
		},
		Status: func(st model.StatusSignal) {
			c.observe("unit "+s.Unit, st.Status == signal.TotalFailure, st.Timestamp, st.Err)
		},
	})
}

// Failing returns the addresses currently in an alerted failure.
func (c *Controller) Failing() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name, f := range c.failures {
		if f.alerted {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (c *Controller) observe(name string, failing bool, at time.Time, err error) {
	c.mu.Lock()
	f, ok := c.failures[name]
	if !ok {
		if !failing {
			c.mu.Unlock()
			return
		}
		f = &failure{}
		c.failures[name] = f
	}
	action := evaluate(f, failing, at, err, c.cfg.Grace)
	cause := f.err
	if !failing {
		delete(c.failures, name)
	}
	c.mu.Unlock()

	switch {
	case action.Alert:
		log.Warn().Err(cause).Str("source", name).Time("since", action.Since).Msg("Failure persisted past grace period")
		c.send(fmt.Sprintf("HVAC failure: %s", name), fmt.Sprintf("%s has been failing since %s: %v", name, action.Since.Local().Format(time.Kitchen), cause))
	case action.Resolve:
		log.Info().Str("source", name).Msg("Failure resolved")
		c.send(fmt.Sprintf("HVAC recovered: %s", name), fmt.Sprintf("%s is reporting again", name))
	}
}

func (c *Controller) send(title, message string) {
	if err := c.notifier.Send(title, message); err != nil {
		log.Error().Err(err).Str("title", title).Msg("Failed to send failsafe notification")
	}
}
