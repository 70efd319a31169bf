package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/onllm-dev/quotafleet/internal/status"
)

// Diff summarizes what one registry replace changed. Labels dropped from
// the declaration but retaining probe history are orphaned, not removed:
// their rows and events survive so the history stays queryable.
type Diff struct {
	Added    []string `json:"added"`
	Updated  []string `json:"updated"`
	Removed  []string `json:"removed"`
	Orphaned []string `json:"orphaned"`
}

// UpsertAccount inserts or updates one registry row, preserving created_at
// on update.
func (s *Store) UpsertAccount(a status.Account) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO accounts_registry (label, provider, expected_email, enabled, manual_refresh, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET
			provider = excluded.provider,
			expected_email = excluded.expected_email,
			enabled = excluded.enabled,
			manual_refresh = excluded.manual_refresh,
			updated_at = excluded.updated_at`,
		a.Label, string(a.Provider), a.ExpectedEmail,
		boolToInt(a.Enabled), boolToInt(a.ManualRefresh), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", a.Label, err)
	}
	return nil
}

// Account returns one registry row by label, or ErrNotFound.
func (s *Store) Account(label string) (*status.Account, error) {
	row := s.db.QueryRow(`
		SELECT label, provider, expected_email, enabled, manual_refresh
		FROM accounts_registry WHERE label = ?`, label)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return a, nil
}

// Accounts returns every registry row ordered by label.
func (s *Store) Accounts() ([]status.Account, error) {
	return registryAccounts(s.db)
}

// querier is satisfied by both *sql.DB and *sql.Tx so registry reads can
// run inside an open transaction.
type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func registryAccounts(q querier) ([]status.Account, error) {
	rows, err := q.Query(`
		SELECT label, provider, expected_email, enabled, manual_refresh
		FROM accounts_registry ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []status.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// ReplaceRegistry reconciles the registry against a full declaration.
// Declared labels are inserted or updated; labels missing from the
// declaration are deleted only when they have no probe history, otherwise
// they are left in place and reported as orphaned. Replaying the same
// declaration yields an empty diff.
func (s *Store) ReplaceRegistry(accounts []status.Account) (*Diff, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Everything, including the reads, runs on the transaction's
	// connection: a probe committing mid-replace must not flip a label's
	// history status between the check and the delete.
	existing, err := registryAccounts(tx)
	if err != nil {
		return nil, err
	}
	current := make(map[string]status.Account, len(existing))
	for _, a := range existing {
		current[a.Label] = a
	}

	now := time.Now().UTC().Format(time.RFC3339)
	diff := &Diff{}
	declared := make(map[string]bool, len(accounts))

	for _, a := range accounts {
		declared[a.Label] = true
		prev, exists := current[a.Label]
		switch {
		case !exists:
			_, err = tx.Exec(`
				INSERT INTO accounts_registry (label, provider, expected_email, enabled, manual_refresh, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.Label, string(a.Provider), a.ExpectedEmail,
				boolToInt(a.Enabled), boolToInt(a.ManualRefresh), now, now)
			if err != nil {
				return nil, fmt.Errorf("failed to insert account %s: %w", a.Label, err)
			}
			diff.Added = append(diff.Added, a.Label)
		case prev != a:
			_, err = tx.Exec(`
				UPDATE accounts_registry
				SET provider = ?, expected_email = ?, enabled = ?, manual_refresh = ?, updated_at = ?
				WHERE label = ?`,
				string(a.Provider), a.ExpectedEmail,
				boolToInt(a.Enabled), boolToInt(a.ManualRefresh), now, a.Label)
			if err != nil {
				return nil, fmt.Errorf("failed to update account %s: %w", a.Label, err)
			}
			diff.Updated = append(diff.Updated, a.Label)
		}
	}

	for _, a := range existing {
		if declared[a.Label] {
			continue
		}
		var one int
		herr := tx.QueryRow(`SELECT 1 FROM status_events WHERE label = ? LIMIT 1`, a.Label).Scan(&one)
		if herr == nil {
			diff.Orphaned = append(diff.Orphaned, a.Label)
			continue
		}
		if herr != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to check history for %s: %w", a.Label, herr)
		}
		if _, err := tx.Exec(`DELETE FROM accounts_registry WHERE label = ?`, a.Label); err != nil {
			return nil, fmt.Errorf("failed to remove account %s: %w", a.Label, err)
		}
		if _, err := tx.Exec(`DELETE FROM latest_snapshots WHERE label = ?`, a.Label); err != nil {
			return nil, fmt.Errorf("failed to remove snapshot for %s: %w", a.Label, err)
		}
		diff.Removed = append(diff.Removed, a.Label)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit registry replace: %w", err)
	}
	return diff, nil
}

// RegistryView merges every registry row with its latest snapshot. Entries
// never probed report as pending.
func (s *Store) RegistryView() ([]status.RegistryEntry, error) {
	rows, err := s.db.Query(`
		SELECT label, provider, expected_email, enabled, manual_refresh, created_at, updated_at
		FROM accounts_registry ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("failed to query registry: %w", err)
	}
	defer rows.Close()

	var entries []status.RegistryEntry
	for rows.Next() {
		var (
			entry                status.RegistryEntry
			provider             string
			enabled, manual      int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&entry.Label, &provider, &entry.ExpectedEmail,
			&enabled, &manual, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan registry row: %w", err)
		}
		entry.Provider = status.Provider(provider)
		entry.Enabled = enabled != 0
		entry.ManualRefresh = manual != 0
		entry.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entry.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range entries {
		snap, err := s.Latest(entries[i].Label)
		switch err {
		case nil:
			entries[i].Latest = snap
			entries[i].Status = status.RegistryObserved
		case ErrNotFound:
			entries[i].Status = status.RegistryPending
		default:
			return nil, err
		}
	}
	return entries, nil
}

func scanAccount(row rowScanner) (*status.Account, error) {
	var (
		a               status.Account
		provider        string
		enabled, manual int
	)
	if err := row.Scan(&a.Label, &provider, &a.ExpectedEmail, &enabled, &manual); err != nil {
		return nil, err
	}
	a.Provider = status.Provider(provider)
	a.Enabled = enabled != 0
	a.ManualRefresh = manual != 0
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
