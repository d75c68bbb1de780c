package director

import (
	"context"

	"github.com/thatsimonsguy/hvac-director/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

// Streams are one subscriber's view of a running unit. The channels close
// when the director shuts down.
type Streams struct {
	Unit     string
	Zones    <-chan zone.StatusSignal
	Controls <-chan zonecontroller.UnitSignal
	Statuses <-chan model.StatusSignal
}

// Sink consumes the streams of a unit until they close or ctx ends.
type Sink interface {
	Run(ctx context.Context, s Streams)
}

// Handlers receive stream values. A nil handler discards its stream.
type Handlers struct {
	Zone    func(zone.StatusSignal)
	Control func(zonecontroller.UnitSignal)
	Status  func(model.StatusSignal)
}

// Each dispatches every value to h until all streams close or ctx ends.
func (s Streams) Each(ctx context.Context, h Handlers) {
	zones, controls, statuses := s.Zones, s.Controls, s.Statuses
	for zones != nil || controls != nil || statuses != nil {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-zones:
			if !ok {
				zones = nil
				continue
			}
			if h.Zone != nil {
				h.Zone(v)
			}
		case v, ok := <-controls:
			if !ok {
				controls = nil
				continue
			}
			if h.Control != nil {
				h.Control(v)
			}
		case v, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			if h.Status != nil {
				h.Status(v)
			}
		}
	}
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s Streams)

func (f SinkFunc) Run(ctx context.Context, s Streams) { f(ctx, s) }
