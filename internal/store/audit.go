package store

import (
	"context"
	"database/sql"
	"time"
)

type AuditRow struct {
	ID          int64
	TS          string
	Event       string
	User        string
	Client      string
	Action      string
	DetailsJSON string
	Severity    string
	BookingID   string
	Fingerprint string
	ChainHash   string
}

// AuditFilter narrows an audit query. Zero values mean "no filter".
type AuditFilter struct {
	Event    string
	User     string
	Severity string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

// AppendAudit inserts one audit row. The chain hash is computed by the
// audit package; rows are never updated or deleted except by pruning.
func (s *Store) AppendAudit(ctx context.Context, row *AuditRow) error {
	return s.withRetry(ctx, func() error {
		if row.TS == "" {
			row.TS = now()
		}
		res, err := s.db.ExecContext(ctx, `INSERT INTO audit_log
			(ts, event, user, client, action, details_json, severity, booking_id, fingerprint, chain_hash)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			row.TS, row.Event, row.User, row.Client, row.Action, row.DetailsJSON,
			row.Severity, row.BookingID, row.Fingerprint, row.ChainHash)
		if err != nil {
			return err
		}
		row.ID, _ = res.LastInsertId()
		return nil
	})
}

// LastAuditChain returns the chain hash of the newest audit row, or ""
// when the log is empty.
func (s *Store) LastAuditChain(ctx context.Context) (string, error) {
	var chain string
	err := s.db.QueryRowContext(ctx,
		`SELECT chain_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&chain)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", readErr("čitanje revizijskog traga nije uspjelo", err)
	}
	return chain, nil
}

// QueryAudit returns matching rows newest first.
func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]*AuditRow, error) {
	q := `SELECT id, ts, event, user, client, action, details_json, severity, booking_id, fingerprint, chain_hash
	      FROM audit_log WHERE 1=1`
	var args []interface{}
	if f.Event != "" {
		q += ` AND event=?`
		args = append(args, f.Event)
	}
	if f.User != "" {
		q += ` AND user=?`
		args = append(args, f.User)
	}
	if f.Severity != "" {
		q += ` AND severity=?`
		args = append(args, f.Severity)
	}
	if !f.From.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		q += ` AND ts < ?`
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	q += ` ORDER BY id DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, readErr("upit revizijskog traga nije uspio", err)
	}
	defer rows.Close()

	var out []*AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.ID, &r.TS, &r.Event, &r.User, &r.Client, &r.Action,
			&r.DetailsJSON, &r.Severity, &r.BookingID, &r.Fingerprint, &r.ChainHash); err != nil {
			return nil, readErr("upit revizijskog traga nije uspio", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

// AuditChainRows streams (fingerprint, chain_hash) in insertion order
// for chain verification.
func (s *Store) AuditChainRows(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, chain_hash FROM audit_log ORDER BY id ASC`)
	if err != nil {
		return nil, readErr("upit revizijskog traga nije uspio", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var fp, chain string
		if err := rows.Scan(&fp, &chain); err != nil {
			return nil, readErr("upit revizijskog traga nije uspio", err)
		}
		out = append(out, [2]string{fp, chain})
	}
	return out, nil
}

// CountAudit returns the number of matching rows.
func (s *Store) CountAudit(ctx context.Context, f AuditFilter) (int, error) {
	q := `SELECT COUNT(*) FROM audit_log WHERE 1=1`
	var args []interface{}
	if f.Event != "" {
		q += ` AND event=?`
		args = append(args, f.Event)
	}
	if f.User != "" {
		q += ` AND user=?`
		args = append(args, f.User)
	}
	if f.Severity != "" {
		q += ` AND severity=?`
		args = append(args, f.Severity)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, readErr("upit revizijskog traga nije uspio", err)
	}
	return n, nil
}

// PruneAudit deletes rows older than the cutoff. Run by the 05:00 job.
func (s *Store) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM audit_log WHERE ts < ?`, olderThan.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
