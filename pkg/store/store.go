// Package store persists battery readings and the smoothed drain rate in
// SQLite, so drain estimation survives the power cycles of deep sleep.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rpi-weather-display/epaperd/pkg/power"
	"github.com/rpi-weather-display/epaperd/pkg/powerinfo"
)

// Retention is how long readings are kept.
const Retention = 7 * 24 * time.Hour

const keyDrainRate = "drain_rate"

type Store struct {
	db    *sql.DB
	runID string
	now   func() time.Time
}

// Open opens or creates the database at path, creates the schema and
// prunes readings older than Retention. Every Open starts a new run id.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to create %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to open database")
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "failed to initialize schema")
	}

	s := &Store{db: db, runID: uuid.NewString(), now: time.Now}

	n, err := s.Prune(context.Background(), s.now().Add(-Retention))
	if err != nil {
		logrus.WithError(err).Warn("failed to prune old readings")
	} else if n > 0 {
		logrus.WithField("count", n).Debug("pruned old readings")
	}

	return s, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			level INTEGER NOT NULL,
			voltage REAL NOT NULL,
			current REAL NOT NULL,
			temperature REAL NOT NULL,
			state TEXT NOT NULL,
			power_state TEXT NOT NULL,
			source TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts);
	`)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create readings table")
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create kv table")
	}
	return nil
}

// RunID identifies this boot's readings.
func (s *Store) RunID() string {
	return s.runID
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordReading stores a reading and the current smoothed drain rate.
func (s *Store) RecordReading(ctx context.Context, r power.Reading) error {
	st := r.Status
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO readings (run_id, ts, level, voltage, current, temperature, state, power_state, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, st.Timestamp.UnixMilli(), st.Level, st.Voltage, st.Current, st.Temperature,
		st.State.String(), r.State.String(), r.Diagnostics.Source)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to insert reading")
	}

	return s.setKV(ctx, keyDrainRate, strconv.FormatFloat(r.DrainRate, 'f', -1, 64))
}

// LoadHistory returns up to limit of the most recent readings with a
// positive level, oldest first.
func (s *Store) LoadHistory(ctx context.Context, limit int) ([]powerinfo.BatteryStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, level, voltage, current, temperature, state
		FROM readings
		WHERE level > 0
		ORDER BY ts DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to query readings")
	}
	defer rows.Close()

	var newestFirst []powerinfo.BatteryStatus
	for rows.Next() {
		var (
			ts    int64
			st    powerinfo.BatteryStatus
			state string
		)
		if err := rows.Scan(&ts, &st.Level, &st.Voltage, &st.Current, &st.Temperature, &state); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to scan reading")
		}
		st.Timestamp = time.UnixMilli(ts)
		st.State = powerinfo.ParseBatteryState(state)
		newestFirst = append(newestFirst, st)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to iterate readings")
	}

	oldestFirst := make([]powerinfo.BatteryStatus, len(newestFirst))
	for i, st := range newestFirst {
		oldestFirst[len(newestFirst)-1-i] = st
	}
	return oldestFirst, nil
}

// DrainRate returns the last stored smoothed drain rate.
func (s *Store) DrainRate(ctx context.Context) (float64, bool, error) {
	v, ok, err := s.getKV(ctx, keyDrainRate)
	if err != nil || !ok {
		return 0, false, err
	}
	rate, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, pkgerrors.Wrapf(err, "invalid stored drain rate %q", v)
	}
	return rate, true, nil
}

// Prune deletes readings taken before t.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, pkgerrors.Wrap(err, "failed to prune readings")
	}
	return res.RowsAffected()
}

func (s *Store) setKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UnixMilli())
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to store %s", key)
	}
	return nil
}

func (s *Store) getKV(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if pkgerrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkgerrors.Wrapf(err, "failed to read %s", key)
	}
	return v, true, nil
}
