// Package store is the durable layer: a single embedded SQLite file in
// WAL mode holding bookings, corrections, the audit log, committed
// ledger transactions and the user vault. Sessions stay in memory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nyxlight/backend/internal/apperr"
)

const (
	busyRetries = 3
	busyBackoff = 50 * time.Millisecond
)

type Store struct {
	db     *sql.DB
	path   string
	logger *log.Logger
}

// Open opens (creating if needed) the database file with WAL journaling,
// NORMAL synchronous mode and a pool sized for the office's concurrency.
func Open(path string, maxConns, busyTimeoutMs int) (*Store, error) {
	if maxConns <= 0 {
		maxConns = 20
	}
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on",
		url.PathEscape(path), busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	s := &Store{
		db:     db,
		path:   path,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			client TEXT NOT NULL,
			doc_type TEXT NOT NULL,
			konto_debit TEXT,
			konto_credit TEXT,
			amount TEXT NOT NULL,
			vat_rate TEXT,
			vat_amount TEXT,
			description TEXT,
			counterparty_tax_id TEXT,
			doc_date TEXT,
			booking_date TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			confidence REAL DEFAULT 0,
			ai_reasoning TEXT,
			approver TEXT,
			approved_at TEXT,
			erp_target TEXT,
			exported_flag INTEGER DEFAULT 0,
			rejection_reason TEXT,
			tx_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS booking_lines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			booking_id TEXT NOT NULL REFERENCES bookings(id),
			line_no INTEGER NOT NULL,
			konto TEXT NOT NULL,
			side TEXT NOT NULL,
			amount TEXT NOT NULL,
			description TEXT,
			counterparty_tax_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS corrections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			booking_id TEXT NOT NULL,
			user TEXT NOT NULL,
			client TEXT,
			original_konto TEXT NOT NULL,
			corrected_konto TEXT NOT NULL,
			doc_type TEXT,
			supplier TEXT,
			description TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			event TEXT NOT NULL,
			user TEXT,
			client TEXT,
			action TEXT NOT NULL,
			details_json TEXT,
			severity TEXT NOT NULL DEFAULT 'info',
			booking_id TEXT,
			fingerprint TEXT,
			chain_hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			tx_date TEXT NOT NULL,
			description TEXT NOT NULL,
			doc_ref TEXT,
			user TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			chain_hash TEXT NOT NULL,
			reversed INTEGER DEFAULT 0,
			reversal_of TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tx_id TEXT NOT NULL REFERENCES transactions(id),
			konto TEXT NOT NULL,
			side TEXT NOT NULL,
			amount TEXT NOT NULL,
			description TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			display_name TEXT,
			role TEXT NOT NULL DEFAULT 'readonly',
			failed_attempts INTEGER DEFAULT 0,
			locked_until TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_client ON bookings(client, status)`,
		`CREATE INDEX IF NOT EXISTS idx_corrections_created ON corrections(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_log(event)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_tx ON ledger_entries(tx_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_seq ON transactions(seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ==== Busy handling ====

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if asSqliteErr(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

func asSqliteErr(err error, target *sqlite3.Error) bool {
	for err != nil {
		if se, ok := err.(sqlite3.Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// withRetry runs fn, retrying on SQLITE_BUSY up to busyRetries times
// with a short backoff. Busy exhaustion surfaces as StorageBusy; any
// other failure as StorageError.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return apperr.Newf(apperr.StorageError, "zapis nije uspio: %v", err)
		}
		select {
		case <-time.After(busyBackoff):
		case <-ctx.Done():
			return apperr.New(apperr.StorageBusy, "baza je zauzeta")
		}
	}
	s.logger.Printf("busy after %d retries: %v", busyRetries, err)
	return apperr.New(apperr.StorageBusy, "baza je zauzeta")
}

// readErr classifies a read failure the way withRetry classifies a
// write failure: busy contention surfaces as StorageBusy so callers can
// back off, anything else as StorageError.
func readErr(msg string, err error) error {
	if isBusy(err) {
		return apperr.New(apperr.StorageBusy, "baza je zauzeta")
	}
	return apperr.Newf(apperr.StorageError, "%s: %v", msg, err)
}

// Snapshot writes a consistent single-file copy of the database via
// VACUUM INTO. Safe while readers and the writer are active.
func (s *Store) Snapshot(ctx context.Context, dst string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst)
		return err
	})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
