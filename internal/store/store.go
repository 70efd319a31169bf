// Package store provides SQLite persistence for quotafleet: the account
// registry, the latest snapshot per label, and the append-only event
// history.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/onllm-dev/quotafleet/internal/status"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a label has no matching row.
var ErrNotFound = errors.New("store: not found")

// Store provides SQLite storage for quotafleet.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is single-writer anyway; a tiny pool keeps memory down and
	// busy_timeout absorbs any contention.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-500;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts_registry (
			label TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			expected_email TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			manual_refresh INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS latest_snapshots (
			label TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			state TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			raw TEXT NOT NULL DEFAULT '',
			normalized TEXT NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS status_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			label TEXT NOT NULL,
			provider TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			state TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			raw TEXT NOT NULL DEFAULT '',
			normalized TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_status_events_label_id
			ON status_events(label, id DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordProbe writes one probe outcome: the event row and the latest-snapshot
// upsert land in the same transaction, so readers never see one without the
// other.
func (s *Store) RecordProbe(snap *status.Snapshot) error {
	normalized, err := json.Marshal(snap.Normalized)
	if err != nil {
		return fmt.Errorf("failed to encode normalized payload: %w", err)
	}
	fetchedAt := snap.FetchedAt.UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO status_events (label, provider, fetched_at, state, error_kind, error, raw, normalized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Label, string(snap.Provider), fetchedAt, snap.Status,
		string(snap.ErrorKind), snap.Error, snap.Raw, string(normalized))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO latest_snapshots (label, provider, fetched_at, state, error_kind, error, raw, normalized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET
			provider = excluded.provider,
			fetched_at = excluded.fetched_at,
			state = excluded.state,
			error_kind = excluded.error_kind,
			error = excluded.error,
			raw = excluded.raw,
			normalized = excluded.normalized`,
		snap.Label, string(snap.Provider), fetchedAt, snap.Status,
		string(snap.ErrorKind), snap.Error, snap.Raw, string(normalized))
	if err != nil {
		return fmt.Errorf("failed to upsert latest snapshot: %w", err)
	}

	return tx.Commit()
}

// Latest returns the most recent snapshot for label, or ErrNotFound.
func (s *Store) Latest(label string) (*status.Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT label, provider, fetched_at, state, error_kind, error, raw, normalized
		FROM latest_snapshots WHERE label = ?`, label)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return snap, err
}

// LatestAll returns the latest snapshot of every label, ordered by label.
func (s *Store) LatestAll() ([]*status.Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT label, provider, fetched_at, state, error_kind, error, raw, normalized
		FROM latest_snapshots ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*status.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Events returns up to limit history rows for label, newest first.
func (s *Store) Events(label string, limit int) ([]status.Event, error) {
	rows, err := s.db.Query(`
		SELECT id, label, provider, fetched_at, state, error_kind, error, raw, normalized
		FROM status_events WHERE label = ? ORDER BY id DESC LIMIT ?`, label, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []status.Event
	for rows.Next() {
		var (
			ev             status.Event
			provider       string
			fetchedAt      string
			errorKind      string
			normalizedJSON string
		)
		if err := rows.Scan(&ev.ID, &ev.Label, &provider, &fetchedAt, &ev.Status,
			&errorKind, &ev.Error, &ev.Raw, &normalizedJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Provider = status.Provider(provider)
		ev.ErrorKind = status.ErrorKind(errorKind)
		ev.FetchedAt, _ = time.Parse(time.RFC3339, fetchedAt)
		if err := json.Unmarshal([]byte(normalizedJSON), &ev.Normalized); err != nil {
			return nil, fmt.Errorf("failed to decode normalized payload: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// HasHistory reports whether label has any recorded events.
func (s *Store) HasHistory(label string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM status_events WHERE label = ? LIMIT 1`, label).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check history: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*status.Snapshot, error) {
	var (
		snap           status.Snapshot
		provider       string
		fetchedAt      string
		errorKind      string
		normalizedJSON string
	)
	err := row.Scan(&snap.Label, &provider, &fetchedAt, &snap.Status,
		&errorKind, &snap.Error, &snap.Raw, &normalizedJSON)
	if err != nil {
		return nil, err
	}
	snap.Provider = status.Provider(provider)
	snap.ErrorKind = status.ErrorKind(errorKind)
	snap.FetchedAt, _ = time.Parse(time.RFC3339, fetchedAt)
	if err := json.Unmarshal([]byte(normalizedJSON), &snap.Normalized); err != nil {
		return nil, fmt.Errorf("failed to decode normalized payload: %w", err)
	}
	return &snap, nil
}
