package store

import (
	"context"
	"database/sql"

	"github.com/nyxlight/backend/internal/apperr"
)

type UserRow struct {
	Username       string
	PasswordHash   string
	DisplayName    string
	Role           string
	FailedAttempts int
	LockedUntil    string
	CreatedAt      string
}

func (s *Store) UpsertUser(ctx context.Context, u *UserRow) error {
	return s.withRetry(ctx, func() error {
		if u.CreatedAt == "" {
			u.CreatedAt = now()
		}
		_, err := s.db.ExecContext(ctx, `INSERT INTO users
			(username, password_hash, display_name, role, failed_attempts, locked_until, created_at)
			VALUES (?,?,?,?,?,?,?)
			ON CONFLICT(username) DO UPDATE SET
			password_hash=excluded.password_hash, display_name=excluded.display_name, role=excluded.role`,
			u.Username, u.PasswordHash, u.DisplayName, u.Role, u.FailedAttempts, u.LockedUntil, u.CreatedAt)
		return err
	})
}

func (s *Store) GetUser(ctx context.Context, username string) (*UserRow, error) {
	var u UserRow
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password_hash, display_name, role, failed_attempts, locked_until, created_at
		 FROM users WHERE username=?`, username).
		Scan(&u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &u.FailedAttempts, &u.LockedUntil, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.NotFound, "korisnik %s ne postoji", username)
	}
	if err != nil {
		return nil, readErr("čitanje korisnika nije uspjelo", err)
	}
	return &u, nil
}

// RecordLoginFailure bumps the failure counter and sets the lock
// timestamp once the threshold is reached.
func (s *Store) RecordLoginFailure(ctx context.Context, username, lockedUntil string, attempts int) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE users SET failed_attempts=?, locked_until=? WHERE username=?`,
			attempts, lockedUntil, username)
		return err
	})
}

// ResetLoginFailures clears the counter after a successful login.
func (s *Store) ResetLoginFailures(ctx context.Context, username string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE users SET failed_attempts=0, locked_until='' WHERE username=?`, username)
		return err
	})
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, readErr("čitanje korisnika nije uspjelo", err)
	}
	return n, nil
}
