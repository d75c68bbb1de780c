package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/controller"
	"github.com/thatsimonsguy/hvac-director/internal/notifications"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

var (
	ErrAnomalous = errors.New("reading rejected as anomalous")
	ErrDisabled  = errors.New("sensor disabled after repeated anomalies")
)

type AnomalyConfig struct {
	// MaxDelta is the largest accepted jump from the last good reading.
	MaxDelta float64 `mapstructure:"max_delta" json:"max_delta"`
	// MaxAnomalies consecutive anomalies disable the sensor; the same number
	// of consecutive consistent readings re-enable it.
	MaxAnomalies int `mapstructure:"max_anomalies" json:"max_anomalies"`
	// Min and Max bound plausible readings. Both zero disables the check.
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

func (c AnomalyConfig) withDefaults() AnomalyConfig {
	if c.MaxDelta <= 0 {
		c.MaxDelta = 5
	}
	if c.MaxAnomalies <= 0 {
		c.MaxAnomalies = 6
	}
	return c
}

// AnomalyFilter sits between a sensor and its zone. Rejected readings are
// replaced by the last good value and marked PARTIAL_FAILURE; a disabled
// sensor emits TOTAL_FAILURE until it recovers.
type AnomalyFilter struct {
	address  string
	cfg      AnomalyConfig
	notifier notifications.Notifier

	mu        sync.Mutex
	lastGood  float64
	hasGood   bool
	anomalies int
	recovery  int
	lastRaw   float64
	hasRaw    bool
	disabled  bool
}

func NewAnomalyFilter(address string, cfg AnomalyConfig, n notifications.Notifier) *AnomalyFilter {
	if n == nil {
		n = notifications.Nop{}
	}
	return &AnomalyFilter{address: address, cfg: cfg.withDefaults(), notifier: n}
}

func (f *AnomalyFilter) Disabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disabled
}

func (f *AnomalyFilter) Process(s controller.Sample) controller.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := s.Lookup()
	if f.disabled {
		return f.recover(s, v, ok)
	}

	if ok && f.plausible(v) && (!f.hasGood || math.Abs(v-f.lastGood) <= f.cfg.MaxDelta) {
		f.anomalies = 0
		f.lastGood, f.hasGood = v, true
		f.lastRaw, f.hasRaw = v, true
		if s.Status == signal.PartialFailure {
			return signal.Partial(s.Timestamp, f.address, v, s.Err)
		}
		return signal.New(s.Timestamp, f.address, v)
	}

	cause := s.Err
	if ok {
		cause = fmt.Errorf("%w: %.2f (last good %.2f)", ErrAnomalous, v, f.lastGood)
		f.lastRaw, f.hasRaw = v, true
	}
	f.anomalies++
	log.Warn().
		Err(cause).
		Str("sensor", f.address).
		Int("anomalies", f.anomalies).
		Int("max_anomalies", f.cfg.MaxAnomalies).
		Msg("Sensor reading rejected")

	if f.anomalies >= f.cfg.MaxAnomalies {
		f.disabled = true
		f.recovery = 0
		log.Error().Str("sensor", f.address).Float64("last_good", f.lastGood).Msg("Sensor disabled")
		f.notify("Temperature sensor disabled",
			fmt.Sprintf("Sensor %s disabled after %d consecutive anomalous readings. Last good reading: %.1f", f.address, f.anomalies, f.lastGood))
		return signal.Failure[string, float64](s.Timestamp, f.address, fmt.Errorf("%w: %v", ErrDisabled, cause))
	}
	if !f.hasGood {
		return signal.Failure[string, float64](s.Timestamp, f.address, cause)
	}
	return signal.Partial(s.Timestamp, f.address, f.lastGood, cause)
}

// recover counts consecutive readings that agree with each other. The
// sensor may have been disabled by a legitimate step change, so agreement
// with the old baseline is not required.
func (f *AnomalyFilter) recover(s controller.Sample, v float64, ok bool) controller.Sample {
	consistent := ok && f.plausible(v) && (!f.hasRaw || math.Abs(v-f.lastRaw) <= f.cfg.MaxDelta)
	if ok {
		f.lastRaw, f.hasRaw = v, true
	}
	if !consistent {
		f.recovery = 0
		return signal.Failure[string, float64](s.Timestamp, f.address, ErrDisabled)
	}

	f.recovery++
	if f.recovery < f.cfg.MaxAnomalies {
		return signal.Failure[string, float64](s.Timestamp, f.address, ErrDisabled)
	}

	f.disabled = false
	f.anomalies = 0
	f.recovery = 0
	f.lastGood, f.hasGood = v, true
	log.Info().Str("sensor", f.address).Float64("temp", v).Msg("Sensor recovered and re-enabled")
	f.notify("Temperature sensor recovered",
		fmt.Sprintf("Sensor %s re-enabled at %.1f after %d consistent readings", f.address, v, f.cfg.MaxAnomalies))
	return signal.New(s.Timestamp, f.address, v)
}

func (f *AnomalyFilter) plausible(v float64) bool {
	if f.cfg.Min == 0 && f.cfg.Max == 0 {
		return true
	}
	return v >= f.cfg.Min && v <= f.cfg.Max
}

func (f *AnomalyFilter) notify(title, message string) {
	if err := f.notifier.Send(title, message); err != nil {
		log.Error().Err(err).Str("sensor", f.address).Msg("Failed to send notification")
	}
}

// Run filters in until it is closed or ctx is done.
func (f *AnomalyFilter) Run(ctx context.Context, in <-chan controller.Sample) <-chan controller.Sample {
	out := make(chan controller.Sample)
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
				select {
				case out <- f.Process(s):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Filtered wraps a source with an anomaly filter.
type Filtered struct {
	Source
	Filter *AnomalyFilter
}

func (f Filtered) Run(ctx context.Context) <-chan controller.Sample {
	return f.Filter.Run(ctx, f.Source.Run(ctx))
}
