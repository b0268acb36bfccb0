package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/httprunner/BackupAgent/internal/agent/backup"
	"github.com/httprunner/BackupAgent/internal/agent/device"
	"github.com/httprunner/BackupAgent/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	defaultDBDirName  = ".backupagent"
	defaultDBFileName = "agent.sqlite"
	defaultRunLimit   = 20
)

// DeviceRecord is a registered device persisted across restarts.
type DeviceRecord struct {
	VendorID    int
	ProductID   int
	PhoneID     string
	DisplayName string
	CreatedAt   time.Time
}

// Store persists registered devices and backup run history in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path; an empty path resolves via
// ResolveDatabasePath.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		resolved, err := ResolveDatabasePath()
		if err != nil {
			return nil, err
		}
		path = resolved
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "storage: create database dir failed")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("storage: sqlite opened")
	return &Store{db: db, path: path}, nil
}

// ResolveDatabasePath returns BACKUP_DB_PATH or ~/.backupagent/agent.sqlite,
// creating the parent directory if necessary.
func ResolveDatabasePath() (string, error) {
	if custom := config.String(config.EnvDBPath, ""); custom != "" {
		if err := os.MkdirAll(filepath.Dir(custom), 0o755); err != nil {
			return "", errors.Wrap(err, "storage: create database dir failed")
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "storage: create database dir failed")
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=10000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			vendor_id INTEGER NOT NULL,
			product_id INTEGER NOT NULL,
			phone_id TEXT,
			display_name TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (vendor_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS backup_runs (
			run_id TEXT PRIMARY KEY,
			vendor_id INTEGER NOT NULL,
			product_id INTEGER NOT NULL,
			phone_id TEXT,
			display_name TEXT,
			local_root TEXT,
			state TEXT NOT NULL,
			total INTEGER NOT NULL,
			attempted INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			progress REAL NOT NULL,
			error TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backup_runs_device ON backup_runs (vendor_id, product_id, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "storage: prepare schema failed")
		}
	}
	return nil
}

// SaveDevice upserts a registered device.
func (s *Store) SaveDevice(ctx context.Context, rec DeviceRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO devices (vendor_id, product_id, phone_id, display_name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(vendor_id, product_id) DO UPDATE SET phone_id=excluded.phone_id, display_name=excluded.display_name`,
		rec.VendorID, rec.ProductID, rec.PhoneID, rec.DisplayName, rec.CreatedAt.UnixMilli())
	return errors.Wrap(err, "storage: save device failed")
}

// DeleteDevice removes a registered device; run history is kept.
func (s *Store) DeleteDevice(ctx context.Context, vendorID, productID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE vendor_id = ? AND product_id = ?`, vendorID, productID)
	return errors.Wrap(err, "storage: delete device failed")
}

// LoadDevices returns all registered devices ordered by key.
func (s *Store) LoadDevices(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vendor_id, product_id, COALESCE(phone_id, ''), COALESCE(display_name, ''), created_at
		FROM devices ORDER BY vendor_id, product_id`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query devices failed")
	}
	defer rows.Close()
	var result []DeviceRecord
	for rows.Next() {
		var (
			rec     DeviceRecord
			created int64
		)
		if err := rows.Scan(&rec.VendorID, &rec.ProductID, &rec.PhoneID, &rec.DisplayName, &created); err != nil {
			return nil, errors.Wrap(err, "storage: scan device failed")
		}
		rec.CreatedAt = time.UnixMilli(created)
		result = append(result, rec)
	}
	return result, errors.Wrap(rows.Err(), "storage: iterate devices failed")
}

// RecordRun implements backup.Recorder.
func (s *Store) RecordRun(ctx context.Context, res backup.Result) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO backup_runs (
			run_id, vendor_id, product_id, phone_id, display_name, local_root, state,
			total, attempted, succeeded, failed, progress, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Key.VendorID, res.Key.ProductID, res.PhoneID, res.DisplayName, res.LocalRoot,
		string(res.State), res.Counts.Total, res.Counts.Attempted, res.Counts.Succeeded, res.Counts.Failed,
		res.Progress, res.Error, res.StartAt.UnixMilli(), res.EndAt.UnixMilli())
	return errors.Wrap(err, "storage: record backup run failed")
}

// ListRuns returns the most recent runs for a device, newest first.
func (s *Store) ListRuns(ctx context.Context, key device.Key, limit int) ([]backup.Result, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, COALESCE(phone_id, ''), COALESCE(display_name, ''), COALESCE(local_root, ''),
			state, total, attempted, succeeded, failed, progress, COALESCE(error, ''), started_at, finished_at
		FROM backup_runs WHERE vendor_id = ? AND product_id = ?
		ORDER BY started_at DESC LIMIT ?`, key.VendorID, key.ProductID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query backup runs failed")
	}
	defer rows.Close()
	var result []backup.Result
	for rows.Next() {
		var (
			res             backup.Result
			state           string
			started, ended int64
		)
		if err := rows.Scan(&res.RunID, &res.PhoneID, &res.DisplayName, &res.LocalRoot, &state,
			&res.Counts.Total, &res.Counts.Attempted, &res.Counts.Succeeded, &res.Counts.Failed,
			&res.Progress, &res.Error, &started, &ended); err != nil {
			return nil, errors.Wrap(err, "storage: scan backup run failed")
		}
		res.Key = key
		res.State = device.BackupState(state)
		res.StartAt = time.UnixMilli(started)
		res.EndAt = time.UnixMilli(ended)
		result = append(result, res)
	}
	return result, errors.Wrap(rows.Err(), "storage: iterate backup runs failed")
}
