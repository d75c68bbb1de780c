// Package connector forwards the streams of a running unit to external
// systems. Connectors never apply back-pressure: when the remote end is slow
// events are dropped.
package connector

import (
	"encoding/json"
	"time"

	"github.com/thatsimonsguy/hvac-director/internal/signal"
)

const (
	KindZoneStatus   = "zone_status"
	KindUnitControl  = "unit_control"
	KindDeviceStatus = "device_status"
)

// Event is the wire form of one signal.
type Event struct {
	Unit      string          `json:"unit"`
	Kind      string          `json:"kind"`
	Address   string          `json:"address"`
	Timestamp time.Time       `json:"timestamp"`
	Status    signal.Status   `json:"status"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes s. Data is omitted for total failures.
func NewEvent[V any](unit, kind string, s signal.Signal[string, V]) (Event, error) {
	e := Event{
		Unit:      unit,
		Kind:      kind,
		Address:   s.Address,
		Timestamp: s.Timestamp,
		Status:    s.Status,
	}
	if s.Err != nil {
		e.Error = s.Err.Error()
	}
	if v, ok := s.Lookup(); ok {
		data, err := json.Marshal(v)
		if err != nil {
			return Event{}, err
		}
		e.Data = data
	}
	return e, nil
}
