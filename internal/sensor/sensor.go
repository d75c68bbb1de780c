// Package sensor produces the temperature sample streams the zones consume.
package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/controller"
	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

const DefaultW1Root = "/sys/bus/w1/devices"

// Source is a stream of samples for one sensor address.
type Source interface {
	Address() string
	Run(ctx context.Context) <-chan controller.Sample
}

type W1Config struct {
	Address    string        `mapstructure:"address" json:"address"`
	Device     string        `mapstructure:"device" json:"device"`
	Root       string        `mapstructure:"root" json:"root"`
	Interval   time.Duration `mapstructure:"interval" json:"interval"`
	Retries    int           `mapstructure:"retries" json:"retries"`
	Fahrenheit bool          `mapstructure:"fahrenheit" json:"fahrenheit"`
}

// W1Source polls a DS18B20 through the kernel 1-Wire sysfs interface.
type W1Source struct {
	cfg   W1Config
	read  func(path string) (float64, error)
	now   func() time.Time
	sleep func(time.Duration)
}

func NewW1Source(cfg W1Config) (*W1Source, error) {
	if cfg.Address == "" || cfg.Device == "" {
		return nil, fmt.Errorf("1-wire sensor needs an address and a device id")
	}
	if cfg.Root == "" {
		cfg.Root = DefaultW1Root
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &W1Source{cfg: cfg, read: ReadW1, now: time.Now, sleep: time.Sleep}, nil
}

func (s *W1Source) Address() string { return s.cfg.Address }

func (s *W1Source) Run(ctx context.Context) <-chan controller.Sample {
	out := make(chan controller.Sample, 1)
	go func() {
		defer close(out)
		log.Info().Str("sensor", s.cfg.Address).Str("device", s.cfg.Device).Dur("interval", s.cfg.Interval).Msg("Starting 1-wire sensor")

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case out <- s.Read():
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Read takes one reading, retrying failed reads before reporting a failure.
func (s *W1Source) Read() controller.Sample {
	path := filepath.Join(s.cfg.Root, s.cfg.Device, "w1_slave")
	var (
		tempC float64
		err   error
	)
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			s.sleep(2 * time.Second)
		}
		tempC, err = s.read(path)
		if err == nil {
			break
		}
		log.Warn().Err(err).Str("sensor", s.cfg.Address).Int("attempt", attempt+1).Msg("Failed to read sensor")
	}
	ts := s.now()
	if err != nil {
		return signal.Failure[string, float64](ts, s.cfg.Address, err)
	}
	if s.cfg.Fahrenheit {
		return signal.New(ts, s.cfg.Address, tempC*9.0/5.0+32.0)
	}
	return signal.New(ts, s.cfg.Address, tempC)
}

// ReadW1 reads a w1_slave file and returns the temperature in Celsius.
func ReadW1(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read sensor data: %w", err)
	}
	return parseW1(string(data))
}

func parseW1(data string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(data), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("temperature data missing or malformed")
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, fmt.Errorf("sensor CRC check failed")
	}

	parts := strings.Split(lines[1], "t=")
	if len(parts) != 2 {
		return 0, fmt.Errorf("could not parse temperature line %q", lines[1])
	}

	milliC, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, fmt.Errorf("failed to convert temperature to int: %w", err)
	}
	return float64(milliC) / 1000.0, nil
}
