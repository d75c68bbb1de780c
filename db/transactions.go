package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/hvac-director/internal/model"
	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// SaveHold stores the manual settings of a zone, replacing any previous hold.
func SaveHold(db *sql.DB, zoneName string, s zone.Settings) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	if err := SaveHoldWithTx(tx, zoneName, s, time.Now()); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func SaveHoldWithTx(tx *sql.Tx, zoneName string, s zone.Settings, at time.Time) error {
	var economizer interface{}
	if s.Economizer != nil {
		economizer = s.Economizer
	}
	_, err := tx.Exec(`INSERT OR REPLACE INTO zone_holds (zone, enabled, setpoint, voting, dump_priority, economizer, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		zoneName, s.Enabled, s.Setpoint, s.Voting, s.DumpPriority, marshalJSON(economizer), at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save hold for zone %s: %w", zoneName, err)
	}
	return nil
}

// DeleteHold removes a zone's hold. Deleting a missing hold is not an error.
func DeleteHold(db *sql.DB, zoneName string) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM zone_holds WHERE zone = ?`, zoneName); err != nil {
		RollbackTransaction(tx)
		return fmt.Errorf("delete hold for zone %s: %w", zoneName, err)
	}
	return CommitTransaction(tx)
}

func InsertDeviceStatus(db *sql.DB, unit string, st model.StatusSignal) error {
	row := DeviceStatus{
		Unit:   unit,
		Status: st.Status.String(),
		At:     st.Timestamp,
	}
	if st.Err != nil {
		row.Error = st.Err.Error()
	}
	if v, ok := st.Lookup(); ok {
		row.Mode = v.Actual.Mode
		row.Running = v.Actual.Running
		row.FanSpeed = v.Actual.FanSpeed.String()
		row.Demand = v.Actual.Demand
		row.Uptime = v.Uptime
	} else {
		row.Mode = model.ModeOff
		row.FanSpeed = model.FanOff.String()
	}

	var errText sql.NullString
	if row.Error != "" {
		errText = sql.NullString{String: row.Error, Valid: true}
	}
	_, err := db.Exec(`INSERT INTO device_status (unit, signal_status, mode, running, fan_speed, demand, uptime_ms, error, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Unit, row.Status, string(row.Mode), row.Running, row.FanSpeed, row.Demand, row.Uptime.Milliseconds(), errText, row.At.UTC().Format(timestampFormat))
	if err != nil {
		return fmt.Errorf("insert device status for %s: %w", unit, err)
	}
	return nil
}

// PruneDeviceStatus deletes history recorded before the cutoff and returns
// how many rows were removed.
func PruneDeviceStatus(db *sql.DB, before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM device_status WHERE at < ?`, before.UTC().Format(timestampFormat))
	if err != nil {
		return 0, fmt.Errorf("prune device status: %w", err)
	}
	return res.RowsAffected()
}
