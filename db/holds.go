package db

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/hvac-director/internal/director"
	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

// Holdable is a zone whose manual settings can be restored.
type Holdable interface {
	Name() string
	SetSettings(s zone.Settings) error
}

// RestoreHolds applies the stored holds to the given zones. Holds of zones
// no longer configured, or that fail validation, are logged and skipped.
func RestoreHolds(db *sql.DB, zones []Holdable) (int, error) {
	holds, err := GetHolds(db)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, z := range zones {
		s, ok := holds[z.Name()]
		if !ok {
			continue
		}
		delete(holds, z.Name())
		if err := z.SetSettings(s); err != nil {
			log.Warn().Err(err).Str("zone", z.Name()).Msg("Stored hold rejected")
			continue
		}
		restored++
		log.Info().Str("zone", z.Name()).Float64("setpoint", s.Setpoint).Msg("Hold restored")
	}
	for name := range holds {
		log.Warn().Str("zone", name).Msg("Stored hold for unknown zone ignored")
	}
	return restored, nil
}

// StatusRecorder is a director sink writing every ACTUAL device status to
// the device_status table.
type StatusRecorder struct {
	db *sql.DB
}

func NewStatusRecorder(db *sql.DB) *StatusRecorder {
	return &StatusRecorder{db: db}
}

func (r *StatusRecorder) Run(ctx context.Context, s director.Streams) {
	s.Each(ctx, director.Handlers{
		Status: func(st model.StatusSignal) {
			if v, ok := st.Lookup(); ok && v.Kind != model.StatusActual {
				return
			}
			if err := InsertDeviceStatus(r.db, s.Unit, st); err != nil {
				log.Error().Err(err).Str("unit", s.Unit).Msg("Failed to record device status")
			}
		},
	})
}
