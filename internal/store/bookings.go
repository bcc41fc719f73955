package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nyxlight/backend/internal/apperr"
)

// Booking is the persisted form of a proposal. Amounts are string
// decimals end to end; the ledger package owns their arithmetic.
type Booking struct {
	ID                string
	Client            string
	DocType           string
	KontoDebit        string
	KontoCredit       string
	Amount            string
	VATRate           string
	VATAmount         string
	Description       string
	CounterpartyTaxID string
	DocDate           string
	BookingDate       string
	Status            string
	Confidence        float64
	AIReasoning       string
	Approver          string
	ApprovedAt        string
	ERPTarget         string
	Exported          bool
	RejectionReason   string
	TxID              string
	CreatedAt         string
	UpdatedAt         string
	Lines             []BookingLine
}

type BookingLine struct {
	LineNo            int
	Konto             string
	Side              string
	Amount            string
	Description       string
	CounterpartyTaxID string
}

// InsertBooking writes the booking row and its lines in one transaction.
func (s *Store) InsertBooking(ctx context.Context, b *Booking) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		ts := now()
		if b.CreatedAt == "" {
			b.CreatedAt = ts
		}
		b.UpdatedAt = ts

		_, err = tx.ExecContext(ctx, `INSERT INTO bookings
			(id, client, doc_type, konto_debit, konto_credit, amount, vat_rate, vat_amount,
			 description, counterparty_tax_id, doc_date, booking_date, status, confidence,
			 ai_reasoning, approver, approved_at, erp_target, exported_flag, rejection_reason,
			 tx_id, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			b.ID, b.Client, b.DocType, b.KontoDebit, b.KontoCredit, b.Amount, b.VATRate, b.VATAmount,
			b.Description, b.CounterpartyTaxID, b.DocDate, b.BookingDate, b.Status, b.Confidence,
			b.AIReasoning, b.Approver, b.ApprovedAt, b.ERPTarget, boolInt(b.Exported), b.RejectionReason,
			b.TxID, b.CreatedAt, b.UpdatedAt)
		if err != nil {
			return err
		}
		if err := insertLines(ctx, tx, b.ID, b.Lines); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func insertLines(ctx context.Context, tx *sql.Tx, bookingID string, lines []BookingLine) error {
	for i, ln := range lines {
		_, err := tx.ExecContext(ctx, `INSERT INTO booking_lines
			(booking_id, line_no, konto, side, amount, description, counterparty_tax_id)
			VALUES (?,?,?,?,?,?,?)`,
			bookingID, i, ln.Konto, ln.Side, ln.Amount, ln.Description, ln.CounterpartyTaxID)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateBooking rewrites the mutable columns and replaces the lines.
func (s *Store) UpdateBooking(ctx context.Context, b *Booking) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		b.UpdatedAt = now()
		res, err := tx.ExecContext(ctx, `UPDATE bookings SET
			konto_debit=?, konto_credit=?, amount=?, vat_rate=?, vat_amount=?, description=?,
			status=?, approver=?, approved_at=?, erp_target=?, exported_flag=?,
			rejection_reason=?, tx_id=?, updated_at=?
			WHERE id=?`,
			b.KontoDebit, b.KontoCredit, b.Amount, b.VATRate, b.VATAmount, b.Description,
			b.Status, b.Approver, b.ApprovedAt, b.ERPTarget, boolInt(b.Exported),
			b.RejectionReason, b.TxID, b.UpdatedAt, b.ID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperr.Newf(apperr.NotFound, "knjiženje %s ne postoji", b.ID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM booking_lines WHERE booking_id=?`, b.ID); err != nil {
			return err
		}
		if err := insertLines(ctx, tx, b.ID, b.Lines); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// GetBooking loads one booking with its lines.
func (s *Store) GetBooking(ctx context.Context, id string) (*Booking, error) {
	row := s.db.QueryRowContext(ctx, bookingSelect+` WHERE id=?`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.NotFound, "knjiženje %s ne postoji", id)
	}
	if err != nil {
		return nil, readErr("čitanje nije uspjelo", err)
	}
	if err := s.loadLines(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// BookingsByStatus returns bookings in creation order, optionally
// filtered by client. Used for the pending list and startup restore.
func (s *Store) BookingsByStatus(ctx context.Context, status, client string) ([]*Booking, error) {
	q := bookingSelect + ` WHERE status=?`
	args := []interface{}{status}
	if client != "" {
		q += ` AND client=?`
		args = append(args, client)
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, readErr("čitanje nije uspjelo", err)
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, readErr("čitanje nije uspjelo", err)
		}
		out = append(out, b)
	}
	for _, b := range out {
		if err := s.loadLines(ctx, b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ApprovedUnexported returns the export candidates for a client.
func (s *Store) ApprovedUnexported(ctx context.Context, client string) ([]*Booking, error) {
	rows, err := s.db.QueryContext(ctx,
		bookingSelect+` WHERE status='approved' AND exported_flag=0 AND client=? ORDER BY created_at ASC, id ASC`,
		client)
	if err != nil {
		return nil, readErr("čitanje nije uspjelo", err)
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, readErr("čitanje nije uspjelo", err)
		}
		out = append(out, b)
	}
	for _, b := range out {
		if err := s.loadLines(ctx, b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// MarkExported flips the exported flag and status for the given ids in
// a single transaction, so a partial emitter failure marks nothing.
func (s *Store) MarkExported(ctx context.Context, ids []string, erpTarget string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		ts := now()
		for _, id := range ids {
			_, err := tx.ExecContext(ctx,
				`UPDATE bookings SET exported_flag=1, status='exported', erp_target=?, updated_at=? WHERE id=?`,
				erpTarget, ts, id)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

const bookingSelect = `SELECT id, client, doc_type, konto_debit, konto_credit, amount,
	vat_rate, vat_amount, description, counterparty_tax_id, doc_date, booking_date,
	status, confidence, ai_reasoning, approver, approved_at, erp_target, exported_flag,
	rejection_reason, tx_id, created_at, updated_at FROM bookings`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(r rowScanner) (*Booking, error) {
	var b Booking
	var exported int
	err := r.Scan(&b.ID, &b.Client, &b.DocType, &b.KontoDebit, &b.KontoCredit, &b.Amount,
		&b.VATRate, &b.VATAmount, &b.Description, &b.CounterpartyTaxID, &b.DocDate, &b.BookingDate,
		&b.Status, &b.Confidence, &b.AIReasoning, &b.Approver, &b.ApprovedAt, &b.ERPTarget, &exported,
		&b.RejectionReason, &b.TxID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Exported = exported != 0
	return &b, nil
}

func (s *Store) loadLines(ctx context.Context, b *Booking) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line_no, konto, side, amount, description, counterparty_tax_id
		 FROM booking_lines WHERE booking_id=? ORDER BY line_no ASC`, b.ID)
	if err != nil {
		return readErr("čitanje stavki nije uspjelo", err)
	}
	defer rows.Close()

	b.Lines = b.Lines[:0]
	for rows.Next() {
		var ln BookingLine
		if err := rows.Scan(&ln.LineNo, &ln.Konto, &ln.Side, &ln.Amount, &ln.Description, &ln.CounterpartyTaxID); err != nil {
			return readErr("čitanje stavki nije uspjelo", err)
		}
		b.Lines = append(b.Lines, ln)
	}
	return nil
}

// ==== Corrections ====

type Correction struct {
	ID             int64
	BookingID      string
	User           string
	Client         string
	OriginalKonto  string
	CorrectedKonto string
	DocType        string
	Supplier       string
	Description    string
	CreatedAt      string
}

func (s *Store) InsertCorrection(ctx context.Context, c *Correction) error {
	return s.withRetry(ctx, func() error {
		if c.CreatedAt == "" {
			c.CreatedAt = now()
		}
		res, err := s.db.ExecContext(ctx, `INSERT INTO corrections
			(booking_id, user, client, original_konto, corrected_konto, doc_type, supplier, description, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			c.BookingID, c.User, c.Client, c.OriginalKonto, c.CorrectedKonto,
			c.DocType, c.Supplier, c.Description, c.CreatedAt)
		if err != nil {
			return err
		}
		c.ID, _ = res.LastInsertId()
		return nil
	})
}

// CorrectionsOn returns corrections created on the given local date.
func (s *Store) CorrectionsOn(ctx context.Context, day time.Time) ([]*Correction, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()).UTC()
	to := from.Add(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, booking_id, user, client, original_konto, corrected_konto, doc_type, supplier, description, created_at
		 FROM corrections WHERE created_at >= ? AND created_at < ? ORDER BY id ASC`,
		from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
	if err != nil {
		return nil, readErr("čitanje korekcija nije uspjelo", err)
	}
	defer rows.Close()

	var out []*Correction
	for rows.Next() {
		var c Correction
		if err := rows.Scan(&c.ID, &c.BookingID, &c.User, &c.Client, &c.OriginalKonto,
			&c.CorrectedKonto, &c.DocType, &c.Supplier, &c.Description, &c.CreatedAt); err != nil {
			return nil, readErr("čitanje korekcija nije uspjelo", err)
		}
		out = append(out, &c)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DetailsJSON marshals an audit detail map, tolerating nil.
func DetailsJSON(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
