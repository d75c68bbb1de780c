package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS zone_holds (
		zone TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL,
		setpoint REAL NOT NULL,
		voting BOOLEAN NOT NULL,
		dump_priority INTEGER NOT NULL DEFAULT 0,
		economizer TEXT DEFAULT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		unit TEXT NOT NULL,
		signal_status TEXT NOT NULL,
		mode TEXT NOT NULL,
		running BOOLEAN NOT NULL,
		fan_speed TEXT NOT NULL,
		demand REAL NOT NULL,
		uptime_ms INTEGER NOT NULL,
		error TEXT DEFAULT NULL,
		at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS device_status_unit_at ON device_status (unit, at)`,
}

// Open opens the database at path, creating the file and its schema when
// missing. Use ":memory:" for a throwaway database.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if err := ApplyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("Database ready")
	return db, nil
}

func ApplyMigrations(db *sql.DB) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			RollbackTransaction(tx)
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return CommitTransaction(tx)
}

func marshalJSON(v interface{}) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// timestampFormat is fixed width so stored timestamps sort as text.
const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"
