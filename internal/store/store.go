// Package store persists capture sessions and their accelerometer
// readings in a local SQLite database. The CSV files written by the
// sink are the primary record; the database exists so past sessions
// can be listed, queried, and summarized from the HTTP API without
// re-parsing CSVs.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fallmark-data/fallmark/internal/telemetry"
)

type DB struct {
	*sql.DB
}

// OpenDB opens the database without touching the schema. Use this for
// migration tooling; everything else should go through NewDB.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

// NewDB opens the database and brings the schema up to date by
// applying any pending embedded migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	fsys, err := MigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(fsys); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID         string     `json:"id"`
	SensorID   string     `json:"sensor_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    string     `json:"outcome"`
	CSVPath    string     `json:"csv_path,omitempty"`
	Readings   int64      `json:"readings"`
}

// Times are stored as RFC3339Nano text. SQLite has no native time
// type and the fixed rendering keeps rows greppable next to the CSVs.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// StartSession records a new session in the "running" state.
func (db *DB) StartSession(id, sensorID string, startedAt time.Time) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, sensor_id, started_at, outcome)
		VALUES (?, ?, ?, 'running')
	`, id, sensorID, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// FinishSession marks a session as over, recording how it ended and
// where the CSV landed.
func (db *DB) FinishSession(id, outcome, csvPath string, readings int64, finishedAt time.Time) error {
	res, err := db.Exec(`
		UPDATE sessions
		SET finished_at = ?, outcome = ?, csv_path = ?, readings = ?
		WHERE id = ?
	`, formatTime(finishedAt), outcome, csvPath, readings, id)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no session with id %s", id)
	}
	return nil
}

// ArchiveReadings inserts a batch of readings for a session in a
// single transaction.
func (db *DB) ArchiveReadings(sessionID string, batch []telemetry.Reading) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO readings (session_id, timestamp, timestamp_local, ax, ay, az, fall_state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		_, err := stmt.Exec(
			sessionID,
			int64(r.SensorTimestamp),
			r.Local.UTC().Format(time.RFC3339Nano),
			float64(r.AX),
			float64(r.AY),
			float64(r.AZ),
			r.FallState,
		)
		if err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}
	}

	return tx.Commit()
}

// Sessions returns all sessions, newest first.
func (db *DB) Sessions() ([]SessionRecord, error) {
	rows, err := db.Query(`
		SELECT id, sensor_id, started_at, finished_at, outcome, csv_path, readings
		FROM sessions
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// Session returns a single session by id. The error is sql.ErrNoRows
// when the id is unknown.
func (db *DB) Session(id string) (SessionRecord, error) {
	row := db.QueryRow(`
		SELECT id, sensor_id, started_at, finished_at, outcome, csv_path, readings
		FROM sessions
		WHERE id = ?
	`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var rec SessionRecord
	var startedAt string
	var finishedAt sql.NullString

	err := row.Scan(&rec.ID, &rec.SensorID, &startedAt, &finishedAt, &rec.Outcome, &rec.CSVPath, &rec.Readings)
	if err != nil {
		return SessionRecord{}, err
	}

	rec.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("bad started_at for session %s: %w", rec.ID, err)
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return SessionRecord{}, fmt.Errorf("bad finished_at for session %s: %w", rec.ID, err)
		}
		rec.FinishedAt = &t
	}

	return rec, nil
}

// SessionReadings returns a session's readings in insertion order.
func (db *DB) SessionReadings(sessionID string) ([]telemetry.Reading, error) {
	rows, err := db.Query(`
		SELECT timestamp, timestamp_local, ax, ay, az, fall_state
		FROM readings
		WHERE session_id = ?
		ORDER BY rowid
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []telemetry.Reading
	for rows.Next() {
		var r telemetry.Reading
		var ts int64
		var local string
		var ax, ay, az float64

		if err := rows.Scan(&ts, &local, &ax, &ay, &az, &r.FallState); err != nil {
			return nil, err
		}
		r.SensorTimestamp = uint32(ts)
		r.Local, err = parseTime(local)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp_local in session %s: %w", sessionID, err)
		}
		r.AX = float32(ax)
		r.AY = float32(ay)
		r.AZ = float32(az)

		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return readings, nil
}
