package db

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/thatsimonsguy/hvac-director/internal/zone"
)

// SetHoldCLI stores a hold while the controller is stopped; it is applied at
// the next start.
func SetHoldCLI(dbPath, zoneName string, s zone.Settings) error {
	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	s.Hold = true
	if err := SaveHoldWithTx(tx, zoneName, s, time.Now()); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func ClearHoldCLI(dbPath, zoneName string) error {
	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	return DeleteHold(db, zoneName)
}

func ListHoldsCLI(dbPath string, w io.Writer) error {
	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	holds, err := GetHolds(db)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(holds))
	for name := range holds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := holds[name]
		fmt.Fprintf(w, "%-16s enabled=%t setpoint=%.1f voting=%t dump_priority=%d\n", name, s.Enabled, s.Setpoint, s.Voting, s.DumpPriority)
	}
	return nil
}

func DeviceHistoryCLI(dbPath, unit string, limit int, w io.Writer) error {
	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := GetDeviceStatusHistory(db, unit, limit)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s %-8s %-9s running=%t fan=%s uptime=%s %s\n", r.At.Local().Format(time.DateTime), r.Status, r.Mode, r.Running, r.FanSpeed, r.Uptime.Round(time.Second), r.Error)
	}
	return nil
}
