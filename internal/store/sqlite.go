// Package store implements the server of record: a SQLite database holding
// every device's sessions, participants, epochs and entries, plus the pull
// collection, push application and conflict detection that drive the sync
// protocol.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed server store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath, applies pragmas
// and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RegisterDevice creates the device row if it does not exist and refreshes
// last_seen either way.
func (s *SQLiteStore) RegisterDevice(ctx context.Context, deviceID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, last_seen, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen
	`, deviceID, now, now)
	if err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return nil
}

// TouchDevice refreshes last_seen for an already registered device.
func (s *SQLiteStore) TouchDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE id = ?`,
		time.Now().UnixMilli(), deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// CountSessions returns the number of live sessions across all devices.
func (s *SQLiteStore) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE is_deleted = 0").Scan(&count)
	return count, err
}

// CountDevices returns the number of registered devices.
func (s *SQLiteStore) CountDevices(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices").Scan(&count)
	return count, err
}

// DeviceStats aggregates per-device counters for the stats endpoint.
type DeviceStats struct {
	Sessions  int64
	Active    int64
	Completed int64
	Epochs    int64
	Entries   int64
}

// GetDeviceStats returns counters scoped to one device's records.
func (s *SQLiteStore) GetDeviceStats(ctx context.Context, deviceID string) (*DeviceStats, error) {
	stats := &DeviceStats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM sessions WHERE device_id = ? AND is_deleted = 0
	`, deviceID).Scan(&stats.Sessions, &stats.Active, &stats.Completed)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM epochs WHERE device_id = ? AND is_deleted = 0",
		deviceID).Scan(&stats.Epochs)
	if err != nil {
		return nil, fmt.Errorf("epoch stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE device_id = ? AND is_deleted = 0",
		deviceID).Scan(&stats.Entries)
	if err != nil {
		return nil, fmt.Errorf("entry stats: %w", err)
	}

	return stats, nil
}
