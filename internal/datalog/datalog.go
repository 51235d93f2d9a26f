// Package datalog keeps a history of pack readings and states in SQLite.
package datalog

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

const schemaPackLog = `
CREATE TABLE IF NOT EXISTS pack_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    logged_at TEXT NOT NULL,
    pack INTEGER NOT NULL,
    volts REAL NOT NULL,
    amps REAL NOT NULL,
    connected BOOLEAN NOT NULL,
    phase TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    ah REAL NOT NULL,
    reason TEXT,
    read_error TEXT
);
`

const schemaPackLogIndex = `
CREATE INDEX IF NOT EXISTS pack_log_pack ON pack_log (pack, id);
`

const insertRow = `
		INSERT INTO pack_log (run_id, logged_at, pack, volts, amps, connected, phase, attempts, ah, reason, read_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

const selectColumns = `SELECT run_id, logged_at, pack, volts, amps, connected, phase, attempts, ah, reason, read_error FROM pack_log`

// Row is one logged pack sample.
type Row struct {
	RunID       string    `json:"runId"`
	Time        time.Time `json:"time"`
	PackID      int       `json:"pack"`
	Voltage     float64   `json:"voltage"`
	Current     float64   `json:"current"`
	Connected   bool      `json:"connected"`
	Phase       string    `json:"phase"`
	Attempts    uint32    `json:"attempts"`
	AmpereHours float64   `json:"ampereHours"`
	Reason      string    `json:"reason,omitempty"`
	ReadError   string    `json:"readError,omitempty"`
}

// Store writes rows tagged with the id of the current run, so restarts can
// be told apart in the history.
type Store struct {
	db    *sql.DB
	runID string
}

// Open opens or creates the log database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an open database that already has the schema.
func New(db *sql.DB) *Store {
	return &Store{db: db, runID: uuid.NewString()}
}

func ensureSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range []string{schemaPackLog, schemaPackLogIndex} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}

func (s *Store) RunID() string {
	return s.runID
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append logs one row per pack of the snapshot in a single transaction. A
// snapshot taken before the first cycle is skipped.
func (s *Store) Append(ctx context.Context, snap bank.Snapshot) error {
	if snap.Time.IsZero() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	at := snap.Time.UTC().Format(time.RFC3339Nano)
	for _, p := range snap.Packs {
		_, err := tx.ExecContext(ctx, insertRow,
			s.runID,
			at,
			p.ID,
			p.Voltage,
			p.Current,
			p.Connected,
			p.Phase.String(),
			p.SwitchAttempts,
			p.AmpereHours,
			nullString(p.Reason),
			nullString(p.ReadError),
		)
		if err != nil {
			return fmt.Errorf("log pack %d: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// List returns the newest rows first. A negative pack lists every pack and a
// limit of zero or less returns everything.
func (s *Store) List(ctx context.Context, pack int, limit int) ([]Row, error) {
	var (
		conds []string
		args  []any
	)
	if pack >= 0 {
		conds = append(conds, "pack = ?")
		args = append(args, pack)
	}
	q := selectColumns
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Row, 0, 64)
	for rows.Next() {
		var r Row
		var at string
		var reason, readErr sql.NullString
		if err := rows.Scan(&r.RunID, &at, &r.PackID, &r.Voltage, &r.Current, &r.Connected,
			&r.Phase, &r.Attempts, &r.AmpereHours, &reason, &readErr); err != nil {
			return nil, err
		}
		if r.Time, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("bad log time %q: %w", at, err)
		}
		r.Reason = reason.String
		r.ReadError = readErr.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LastAmpereHours returns the newest logged Ah total of every pack.
func (s *Store) LastAmpereHours(ctx context.Context) (map[int]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pack, ah FROM pack_log WHERE id IN (SELECT MAX(id) FROM pack_log GROUP BY pack)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int]float64{}
	for rows.Next() {
		var pack int
		var ah float64
		if err := rows.Scan(&pack, &ah); err != nil {
			return nil, err
		}
		out[pack] = ah
	}
	return out, rows.Err()
}

var csvHeader = []string{"time", "pack", "voltage", "current", "state", "phase", "attempts", "ah", "reason"}

// WriteCSV writes rows in the column order of the old SD card log.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range rows {
		state := "OFF"
		if r.Connected {
			state = "ON"
		}
		reason := r.Reason
		if r.ReadError != "" {
			reason = r.ReadError
		}
		err := cw.Write([]string{
			r.Time.UTC().Format(time.RFC3339),
			strconv.Itoa(r.PackID),
			strconv.FormatFloat(r.Voltage, 'f', 3, 64),
			strconv.FormatFloat(r.Current, 'f', 3, 64),
			state,
			r.Phase,
			strconv.FormatUint(uint64(r.Attempts), 10),
			strconv.FormatFloat(r.AmpereHours, 'f', 4, 64),
			reason,
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Run appends a snapshot every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration, snapshot func() bank.Snapshot, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Append(ctx, snapshot()); err != nil {
				log.Errorf("Failed to log snapshot: %v", err)
			}
		}
	}
}
