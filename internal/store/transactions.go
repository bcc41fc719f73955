package store

import (
	"context"
	"database/sql"

	"github.com/nyxlight/backend/internal/apperr"
)

// TxRecord is a committed ledger transaction row. Entries live in
// ledger_entries; both are written in one SQL transaction so the chain
// never carries a half-written commit.
type TxRecord struct {
	ID          string
	Seq         int64
	Date        string
	Description string
	DocRef      string
	User        string
	Fingerprint string
	ChainHash   string
	Reversed    bool
	ReversalOf  string
	CreatedAt   string
	Entries     []TxEntry
}

type TxEntry struct {
	Konto       string
	Side        string
	Amount      string
	Description string
}

// LastTx returns the newest transaction's (seq, chain_hash), or
// (0, "") for an empty ledger.
func (s *Store) LastTx(ctx context.Context) (int64, string, error) {
	var seq int64
	var chain string
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM transactions ORDER BY seq DESC LIMIT 1`).Scan(&seq, &chain)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", readErr("čitanje glavne knjige nije uspjelo", err)
	}
	return seq, chain, nil
}

// InsertTx writes the transaction row, its entries and an optional
// reversed-flag update on the original, atomically.
func (s *Store) InsertTx(ctx context.Context, rec *TxRecord) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if rec.CreatedAt == "" {
			rec.CreatedAt = now()
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO transactions
			(id, seq, tx_date, description, doc_ref, user, fingerprint, chain_hash, reversed, reversal_of, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			rec.ID, rec.Seq, rec.Date, rec.Description, rec.DocRef, rec.User,
			rec.Fingerprint, rec.ChainHash, boolInt(rec.Reversed), rec.ReversalOf, rec.CreatedAt)
		if err != nil {
			return err
		}
		for _, e := range rec.Entries {
			_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries
				(tx_id, konto, side, amount, description) VALUES (?,?,?,?,?)`,
				rec.ID, e.Konto, e.Side, e.Amount, e.Description)
			if err != nil {
				return err
			}
		}
		if rec.ReversalOf != "" {
			_, err := tx.ExecContext(ctx,
				`UPDATE transactions SET reversed=1 WHERE id=?`, rec.ReversalOf)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetTx loads one transaction with entries.
func (s *Store) GetTx(ctx context.Context, id string) (*TxRecord, error) {
	var rec TxRecord
	var reversed int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, seq, tx_date, description, doc_ref, user, fingerprint, chain_hash, reversed, reversal_of, created_at
		 FROM transactions WHERE id=?`, id).
		Scan(&rec.ID, &rec.Seq, &rec.Date, &rec.Description, &rec.DocRef, &rec.User,
			&rec.Fingerprint, &rec.ChainHash, &reversed, &rec.ReversalOf, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.NotFound, "transakcija %s ne postoji", id)
	}
	if err != nil {
		return nil, readErr("čitanje glavne knjige nije uspjelo", err)
	}
	rec.Reversed = reversed != 0

	rows, err := s.db.QueryContext(ctx,
		`SELECT konto, side, amount, description FROM ledger_entries WHERE tx_id=? ORDER BY id ASC`, id)
	if err != nil {
		return nil, readErr("čitanje stavki nije uspjelo", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e TxEntry
		if err := rows.Scan(&e.Konto, &e.Side, &e.Amount, &e.Description); err != nil {
			return nil, readErr("čitanje stavki nije uspjelo", err)
		}
		rec.Entries = append(rec.Entries, e)
	}
	return &rec, nil
}

// AllTx streams transactions in chain order with their entries.
func (s *Store) AllTx(ctx context.Context) ([]*TxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, tx_date, description, doc_ref, user, fingerprint, chain_hash, reversed, reversal_of, created_at
		 FROM transactions ORDER BY seq ASC`)
	if err != nil {
		return nil, readErr("čitanje glavne knjige nije uspjelo", err)
	}
	defer rows.Close()

	var out []*TxRecord
	for rows.Next() {
		var rec TxRecord
		var reversed int
		if err := rows.Scan(&rec.ID, &rec.Seq, &rec.Date, &rec.Description, &rec.DocRef, &rec.User,
			&rec.Fingerprint, &rec.ChainHash, &reversed, &rec.ReversalOf, &rec.CreatedAt); err != nil {
			return nil, readErr("čitanje glavne knjige nije uspjelo", err)
		}
		rec.Reversed = reversed != 0
		out = append(out, &rec)
	}

	for _, rec := range out {
		erows, err := s.db.QueryContext(ctx,
			`SELECT konto, side, amount, description FROM ledger_entries WHERE tx_id=? ORDER BY id ASC`, rec.ID)
		if err != nil {
			return nil, readErr("čitanje stavki nije uspjelo", err)
		}
		for erows.Next() {
			var e TxEntry
			if err := erows.Scan(&e.Konto, &e.Side, &e.Amount, &e.Description); err != nil {
				erows.Close()
				return nil, readErr("čitanje stavki nije uspjelo", err)
			}
			rec.Entries = append(rec.Entries, e)
		}
		erows.Close()
	}
	return out, nil
}

// EntriesThrough returns all entries of transactions dated on or before
// the cutoff (inclusive), for the trial balance.
func (s *Store) EntriesThrough(ctx context.Context, throughDate string) ([]TxEntry, error) {
	q := `SELECT e.konto, e.side, e.amount, e.description
	      FROM ledger_entries e JOIN transactions t ON t.id = e.tx_id`
	var args []interface{}
	if throughDate != "" {
		q += ` WHERE t.tx_date <= ?`
		args = append(args, throughDate)
	}
	q += ` ORDER BY t.seq ASC, e.id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, readErr("čitanje glavne knjige nije uspjelo", err)
	}
	defer rows.Close()

	var out []TxEntry
	for rows.Next() {
		var e TxEntry
		if err := rows.Scan(&e.Konto, &e.Side, &e.Amount, &e.Description); err != nil {
			return nil, readErr("čitanje glavne knjige nije uspjelo", err)
		}
		out = append(out, e)
	}
	return out, nil
}
