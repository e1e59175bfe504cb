// Package store manages the SQLite database holding the device agent's
// local state snapshot, sensor configuration, and latest sensor readings
// (spec §6.3). Only this package may open or query the database; other
// packages receive a [*Store] and call its methods.
//
// Adapted near-verbatim from the teacher's internal/state package: same
// single-writer WAL-mode *sql.DB, idempotent CREATE TABLE IF NOT EXISTS
// migration — the schema and queries are rewritten for the device agent's three tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS state_snapshot (
    id            INTEGER PRIMARY KEY CHECK (id = 1),
    version       INTEGER NOT NULL DEFAULT 0,
    content_hash  TEXT    NOT NULL DEFAULT '',
    apps_json     TEXT    NOT NULL DEFAULT '{}',
    config_json   TEXT    NOT NULL DEFAULT '{}',
    updated_at    TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sensors (
    uuid              TEXT PRIMARY KEY,
    name              TEXT    NOT NULL,
    protocol          TEXT    NOT NULL,
    enabled           INTEGER NOT NULL DEFAULT 1,
    poll_interval_s   INTEGER NOT NULL DEFAULT 0,
    connection_json   TEXT    NOT NULL DEFAULT '{}',
    data_points_json  TEXT    NOT NULL DEFAULT '[]',
    metadata_json     TEXT    NOT NULL DEFAULT '{}',
    created_at        TEXT    NOT NULL DEFAULT '',
    updated_at        TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sensor_outputs (
    sensor_uuid  TEXT    NOT NULL,
    datapoint    TEXT    NOT NULL,
    value_json   TEXT    NOT NULL DEFAULT 'null',
    recorded_at  TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (sensor_uuid, datapoint)
);

CREATE INDEX IF NOT EXISTS idx_sensor_outputs_sensor ON sensor_outputs (sensor_uuid);
`

// Snapshot is the persisted top-level reconciled state (spec §6.3
// state_snapshot).
type Snapshot struct {
	Version     int
	ContentHash string
	AppsJSON    string
	ConfigJSON  string
	UpdatedAt   time.Time
}

// SensorRow is the persisted configuration for a single sensor.
// PollIntervalS (column poll_interval_s) holds model.Sensor.PollInterval
// unconverted, so its unit is milliseconds despite the name.
type SensorRow struct {
	UUID           string
	Name           string
	Protocol       string
	Enabled        bool
	PollIntervalS  int
	ConnectionJSON string
	DataPointsJSON string
	MetadataJSON   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SensorOutput is the latest recorded value for one sensor datapoint.
type SensorOutput struct {
	SensorUUID string
	DataPoint  string
	ValueJSON  string
	RecordedAt time.Time
}

// Store is the SQLite-backed state repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/deviceagent/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "deviceagent", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// GetSnapshot returns the current state snapshot, or (nil, nil) if none has
// ever been persisted.
func (s *Store) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	const q = `SELECT version, content_hash, apps_json, config_json, updated_at FROM state_snapshot WHERE id = 1`
	row := s.db.QueryRowContext(ctx, q)

	var snap Snapshot
	var updatedAt string
	err := row.Scan(&snap.Version, &snap.ContentHash, &snap.AppsJSON, &snap.ConfigJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "no snapshot yet" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning state snapshot: %w", err)
	}
	snap.UpdatedAt, _ = parseTime(updatedAt)
	return &snap, nil
}

// PutSnapshot persists the snapshot as row id=1, replacing any prior value.
// Callers are expected to hash-gate this call themselves (spec §4.9: only
// persist when the content hash actually changed) rather than relying on
// the store to dedupe.
func (s *Store) PutSnapshot(ctx context.Context, snap Snapshot) error {
	const q = `
		INSERT INTO state_snapshot (id, version, content_hash, apps_json, config_json, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    version      = excluded.version,
		    content_hash = excluded.content_hash,
		    apps_json    = excluded.apps_json,
		    config_json  = excluded.config_json,
		    updated_at   = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, q, snap.Version, snap.ContentHash, snap.AppsJSON, snap.ConfigJSON, formatTime(snap.UpdatedAt))
	if err != nil {
		return fmt.Errorf("persisting state snapshot: %w", err)
	}
	return nil
}

// UpsertSensor inserts or replaces a sensor's configuration row. created_at
// is set only on first insert; a later update of the same UUID leaves it
// untouched.
func (s *Store) UpsertSensor(ctx context.Context, sensor SensorRow) error {
	const q = `
		INSERT INTO sensors
		    (uuid, name, protocol, enabled, poll_interval_s, connection_json, data_points_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
		    name             = excluded.name,
		    protocol         = excluded.protocol,
		    enabled          = excluded.enabled,
		    poll_interval_s  = excluded.poll_interval_s,
		    connection_json  = excluded.connection_json,
		    data_points_json = excluded.data_points_json,
		    metadata_json    = excluded.metadata_json,
		    updated_at       = excluded.updated_at`
	createdAt := sensor.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, q,
		sensor.UUID, sensor.Name, sensor.Protocol, sensor.Enabled, sensor.PollIntervalS,
		sensor.ConnectionJSON, sensor.DataPointsJSON, sensor.MetadataJSON, formatTime(createdAt), formatTime(sensor.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting sensor %q: %w", sensor.UUID, err)
	}
	return nil
}

// DeleteSensor removes a sensor's configuration row and its recorded
// outputs.
func (s *Store) DeleteSensor(ctx context.Context, uuid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete-sensor transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sensors WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("deleting sensor %q: %w", uuid, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sensor_outputs WHERE sensor_uuid = ?`, uuid); err != nil {
		return fmt.Errorf("deleting sensor outputs for %q: %w", uuid, err)
	}
	return tx.Commit()
}

// ListSensors returns every configured sensor.
func (s *Store) ListSensors(ctx context.Context) ([]SensorRow, error) {
	const q = `SELECT uuid, name, protocol, enabled, poll_interval_s, connection_json, data_points_json, metadata_json, created_at, updated_at FROM sensors`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing sensors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SensorRow
	for rows.Next() {
		var sensor SensorRow
		var createdAt, updatedAt string
		if err := rows.Scan(&sensor.UUID, &sensor.Name, &sensor.Protocol, &sensor.Enabled,
			&sensor.PollIntervalS, &sensor.ConnectionJSON, &sensor.DataPointsJSON, &sensor.MetadataJSON,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning sensor row: %w", err)
		}
		sensor.CreatedAt, _ = parseTime(createdAt)
		sensor.UpdatedAt, _ = parseTime(updatedAt)
		out = append(out, sensor)
	}
	return out, rows.Err()
}

// PutSensorOutput records the latest value observed for a sensor datapoint.
func (s *Store) PutSensorOutput(ctx context.Context, out SensorOutput) error {
	const q = `
		INSERT INTO sensor_outputs (sensor_uuid, datapoint, value_json, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sensor_uuid, datapoint) DO UPDATE SET
		    value_json  = excluded.value_json,
		    recorded_at = excluded.recorded_at`
	_, err := s.db.ExecContext(ctx, q, out.SensorUUID, out.DataPoint, out.ValueJSON, formatTime(out.RecordedAt))
	if err != nil {
		return fmt.Errorf("recording output for sensor %q datapoint %q: %w", out.SensorUUID, out.DataPoint, err)
	}
	return nil
}

// ListSensorOutputs returns all recorded outputs for a sensor.
func (s *Store) ListSensorOutputs(ctx context.Context, sensorUUID string) ([]SensorOutput, error) {
	const q = `SELECT sensor_uuid, datapoint, value_json, recorded_at FROM sensor_outputs WHERE sensor_uuid = ?`
	rows, err := s.db.QueryContext(ctx, q, sensorUUID)
	if err != nil {
		return nil, fmt.Errorf("listing outputs for sensor %q: %w", sensorUUID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []SensorOutput
	for rows.Next() {
		var o SensorOutput
		var recordedAt string
		if err := rows.Scan(&o.SensorUUID, &o.DataPoint, &o.ValueJSON, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning sensor output row: %w", err)
		}
		o.RecordedAt, _ = parseTime(recordedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
