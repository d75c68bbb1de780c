package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

// DeviceStatus is one recorded ACTUAL status of a unit.
type DeviceStatus struct {
	Unit     string           `json:"unit"`
	Status   string           `json:"status"`
	Mode     model.SystemMode `json:"mode"`
	Running  bool             `json:"running"`
	FanSpeed string           `json:"fan_speed"`
	Demand   float64          `json:"demand"`
	Uptime   time.Duration    `json:"uptime"`
	Error    string           `json:"error,omitempty"`
	At       time.Time        `json:"at"`
}

// GetHolds returns every held zone's settings. Hold is always set.
func GetHolds(db *sql.DB) (map[string]zone.Settings, error) {
	rows, err := db.Query(`SELECT zone, enabled, setpoint, voting, dump_priority, economizer FROM zone_holds`)
	if err != nil {
		return nil, fmt.Errorf("failed to query holds: %w", err)
	}
	defer rows.Close()

	holds := map[string]zone.Settings{}
	for rows.Next() {
		name, s, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds[name] = s
	}
	return holds, rows.Err()
}

// GetHold returns a zone's held settings; ok is false when the zone has none.
func GetHold(db *sql.DB, zoneName string) (zone.Settings, bool, error) {
	row := db.QueryRow(`SELECT zone, enabled, setpoint, voting, dump_priority, economizer FROM zone_holds WHERE zone = ?`, zoneName)
	_, s, err := scanHold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return zone.Settings{}, false, nil
	}
	if err != nil {
		return zone.Settings{}, false, err
	}
	return s, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHold(row scanner) (string, zone.Settings, error) {
	var (
		name       string
		s          zone.Settings
		economizer sql.NullString
	)
	if err := row.Scan(&name, &s.Enabled, &s.Setpoint, &s.Voting, &s.DumpPriority, &economizer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", s, err
		}
		return "", s, fmt.Errorf("failed to scan hold: %w", err)
	}
	if economizer.Valid {
		var e zone.EconomizerSettings
		if err := json.Unmarshal([]byte(economizer.String), &e); err != nil {
			return "", s, fmt.Errorf("failed to decode economizer settings of zone %s: %w", name, err)
		}
		s.Economizer = &e
	}
	s.Hold = true
	return name, s, nil
}

// GetDeviceStatusHistory returns the latest limit statuses of a unit, newest
// first.
func GetDeviceStatusHistory(db *sql.DB, unit string, limit int) ([]DeviceStatus, error) {
	rows, err := db.Query(`SELECT unit, signal_status, mode, running, fan_speed, demand, uptime_ms, error, at FROM device_status WHERE unit = ? ORDER BY at DESC, id DESC LIMIT ?`, unit, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query device status: %w", err)
	}
	defer rows.Close()

	var out []DeviceStatus
	for rows.Next() {
		var (
			d        DeviceStatus
			mode     string
			uptimeMS int64
			errText  sql.NullString
			at       string
		)
		if err := rows.Scan(&d.Unit, &d.Status, &mode, &d.Running, &d.FanSpeed, &d.Demand, &uptimeMS, &errText, &at); err != nil {
			return nil, fmt.Errorf("failed to scan device status: %w", err)
		}
		d.Mode = model.SystemMode(mode)
		d.Uptime = time.Duration(uptimeMS) * time.Millisecond
		d.Error = errText.String
		d.At, _ = time.Parse(timestampFormat, at)
		out = append(out, d)
	}
	return out, rows.Err()
}
