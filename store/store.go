// Package store keeps calibration constants, received telemetry and the
// command audit trail in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("store: record not found")

const schema = `
CREATE TABLE IF NOT EXISTS calibration (
	name TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	updated DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS telemetry (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	unit TEXT NOT NULL,
	received DATETIME NOT NULL,
	rssi INTEGER NOT NULL DEFAULT 0,
	snr INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS telemetry_unit_idx ON telemetry (unit, id);

CREATE TABLE IF NOT EXISTS commands (
	id TEXT PRIMARY KEY,
	issued DATETIME NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	sent INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS relay_daily (
	date TEXT PRIMARY KEY,
	pump_s INTEGER NOT NULL,
	ph_s INTEGER NOT NULL,
	nutrient_s INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	expiry REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expiry_idx ON sessions (expiry);
`

// Store is a sqlite database with the schema applied.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at dsn and applies the
// schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the handle for the session store.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// SaveCalibration stores v as JSON under name, replacing any earlier
// record.
func (s *Store) SaveCalibration(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode calibration %s: %w", name, err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO calibration (name, data, updated) VALUES (?, ?, ?)`,
		name, string(data), s.now())
	if err != nil {
		return fmt.Errorf("save calibration %s: %w", name, err)
	}
	return nil
}

// LoadCalibration decodes the record stored under name into v. It returns
// ErrNotFound if there is none.
func (s *Store) LoadCalibration(name string, v any) error {
	var data string
	err := s.db.QueryRow(`SELECT data FROM calibration WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load calibration %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("decode calibration %s: %w", name, err)
	}
	return nil
}

// TelemetryRecord is one received status frame.
type TelemetryRecord struct {
	ID       int64           `json:"id"`
	Unit     string          `json:"unit"`
	Received time.Time       `json:"received"`
	RSSI     int             `json:"rssi"`
	SNR      int             `json:"snr"`
	Payload  json.RawMessage `json:"payload"`
}

// InsertTelemetry appends a record and returns its ID.
func (s *Store) InsertTelemetry(ctx context.Context, rec TelemetryRecord) (int64, error) {
	if rec.Received.IsZero() {
		rec.Received = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO telemetry (unit, received, rssi, snr, payload) VALUES (?, ?, ?, ?, ?)`,
		rec.Unit, rec.Received.UTC(), rec.RSSI, rec.SNR, string(rec.Payload))
	if err != nil {
		return 0, fmt.Errorf("insert telemetry: %w", err)
	}
	return res.LastInsertId()
}

// RecentTelemetry returns up to limit records, newest first. An empty unit
// matches every unit.
func (s *Store) RecentTelemetry(ctx context.Context, unit string, limit int) ([]TelemetryRecord, error) {
	query := `SELECT id, unit, received, rssi, snr, payload FROM telemetry ORDER BY id DESC LIMIT ?`
	args := []any{limit}
	if unit != "" {
		query = `SELECT id, unit, received, rssi, snr, payload FROM telemetry WHERE unit = ? ORDER BY id DESC LIMIT ?`
		args = []any{unit, limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var records []TelemetryRecord
	for rows.Next() {
		var (
			rec     TelemetryRecord
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.Unit, &rec.Received, &rec.RSSI, &rec.SNR, &payload); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneTelemetry keeps the newest keep records and deletes the rest.
func (s *Store) PruneTelemetry(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry WHERE id NOT IN (SELECT id FROM telemetry ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune telemetry: %w", err)
	}
	return res.RowsAffected()
}

// CommandRecord is one command relayed to a unit.
type CommandRecord struct {
	ID      uuid.UUID
	Issued  time.Time
	Kind    string
	Payload string
	Sent    bool
	Error   string
}

// RecordCommand appends a command to the audit trail. sendErr is the
// outcome of the transmission, nil if it went out.
func (s *Store) RecordCommand(ctx context.Context, kind string, payload []byte, sendErr error) (uuid.UUID, error) {
	id := uuid.New()
	var errText string
	if sendErr != nil {
		errText = sendErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, issued, kind, payload, sent, error) VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), s.now(), kind, string(payload), sendErr == nil, errText)
	if err != nil {
		return uuid.Nil, fmt.Errorf("record command: %w", err)
	}
	return id, nil
}

// RecentCommands returns up to limit audit records, newest first.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, issued, kind, payload, sent, error FROM commands ORDER BY issued DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var records []CommandRecord
	for rows.Next() {
		var (
			rec CommandRecord
			id  string
		)
		if err := rows.Scan(&id, &rec.Issued, &rec.Kind, &rec.Payload, &rec.Sent, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("command id %q: %w", id, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
