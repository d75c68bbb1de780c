package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/gpio"
)

// Stopper is a unit director.
type Stopper interface {
	Unit() string
	Shutdown(ctx context.Context)
}

// NotifyContext returns a context that is canceled on SIGINT or SIGTERM.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Directors runs every director's ordered shutdown in parallel and returns
// once all of them completed or timeout elapsed. Each director bounds its own
// device wait; timeout is a backstop for the whole process.
func Directors(timeout time.Duration, directors ...Stopper) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, d := range directors {
		wg.Add(1)
		go func(d Stopper) {
			defer wg.Done()
			start := time.Now()
			d.Shutdown(ctx)
			log.Info().Str("unit", d.Unit()).Dur("took", time.Since(start)).Msg("Unit shut down")
		}(d)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Error().Dur("timeout", timeout).Msg("Shutdown did not complete in time")
	}
}

// Relays drives every relay pin inactive. It runs after the directors so a
// unit whose switches could not be released is still left de-energised.
func Relays(ctx context.Context, ctl gpio.Controller, pins []gpio.NamedPin) {
	for _, p := range pins {
		if err := ctl.SetPin(ctx, p.Pin.Number, "op", "pn", p.Pin.Drive(false)); err != nil {
			log.Error().Err(err).Str("pin", p.Name).Int("gpio", p.Pin.Number).Msg("Failed to deactivate relay")
			continue
		}
		log.Debug().Str("pin", p.Name).Int("gpio", p.Pin.Number).Msg("Relay deactivated")
	}
	log.Info().Int("pins", len(pins)).Msg("Relay pins deactivated")
}
