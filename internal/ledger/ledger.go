// Package ledger is the double-entry core: strict balancing, immutable
// chain-hashed commits, storno reversals and the trial balance.
//
// Invariants:
//  1. Every committed transaction: sum(duguje) == sum(potrazuje).
//  2. Commits are never deleted; a reversal is a compensating commit.
//  3. chain_n = SHA256(chain_{n-1} | fingerprint_n)[:16], chain_0 from "GENESIS".
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyxlight/backend/internal/apperr"
	"github.com/nyxlight/backend/internal/store"
)

const (
	SideDebit  = "duguje"
	SideCredit = "potrazuje"

	genesis = "GENESIS"
)

// NormalizeSide accepts the Croatian canonical values and the English
// aliases API clients tend to send.
func NormalizeSide(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case SideDebit, "debit":
		return SideDebit, nil
	case SideCredit, "potražuje", "credit":
		return SideCredit, nil
	}
	return "", fmt.Errorf("nepoznata strana knjiženja: '%s'", s)
}

type Line struct {
	Konto       string
	Side        string
	Amount      decimal.Decimal
	Description string
	PartnerOIB  string
}

type Transaction struct {
	ID          string
	Date        string
	Description string
	DocRef      string
	Client      string
	Lines       []Line
}

// NewTransaction assigns the short transaction id used across the
// ledger, audit trail and ERP exports.
func NewTransaction(date, description, docRef, client string, lines []Line) *Transaction {
	return &Transaction{
		ID:          uuid.NewString()[:12],
		Date:        date,
		Description: description,
		DocRef:      docRef,
		Client:      client,
		Lines:       lines,
	}
}

func (t *Transaction) TotalDebit() decimal.Decimal {
	sum := Zero
	for _, l := range t.Lines {
		if l.Side == SideDebit {
			sum = sum.Add(l.Amount)
		}
	}
	return sum
}

func (t *Transaction) TotalCredit() decimal.Decimal {
	sum := Zero
	for _, l := range t.Lines {
		if l.Side == SideCredit {
			sum = sum.Add(l.Amount)
		}
	}
	return sum
}

// Validate returns every violated rule, in order, so the operator can
// fix the whole booking in one edit. Empty slice means valid.
func (t *Transaction) Validate() []string {
	var errs []string
	if len(t.Lines) == 0 {
		errs = append(errs, "Transakcija mora imati barem jednu stavku")
	}
	if len(t.Lines) < 2 {
		errs = append(errs, "Double-entry zahtijeva min 2 stavke (duguje + potražuje)")
	}
	d, p := t.TotalDebit(), t.TotalCredit()
	if !d.Equal(p) {
		errs = append(errs, fmt.Sprintf(
			"NERAVNOTEŽA: duguje=%s potražuje=%s razlika=%s",
			FormatAmount(d), FormatAmount(p), FormatAmount(d.Sub(p))))
	}
	if t.Date == "" {
		errs = append(errs, "Datum je obavezan")
	}
	if t.Description == "" {
		errs = append(errs, "Opis transakcije je obavezan")
	}
	hasD, hasP := false, false
	for _, l := range t.Lines {
		if l.Side == SideDebit {
			hasD = true
		}
		if l.Side == SideCredit {
			hasP = true
		}
	}
	if !hasD {
		errs = append(errs, "Nema stavke na dugovnoj strani")
	}
	if !hasP {
		errs = append(errs, "Nema stavke na potražnoj strani")
	}
	for i, l := range t.Lines {
		if l.Amount.IsZero() {
			errs = append(errs, fmt.Sprintf("Stavka %d: iznos ne smije biti 0.00", i+1))
		}
		if l.Amount.IsNegative() {
			errs = append(errs, fmt.Sprintf("Stavka %d: iznos ne smije biti negativan: %s", i+1, FormatAmount(l.Amount)))
		}
		if len(l.Konto) < 3 {
			errs = append(errs, fmt.Sprintf("Stavka %d: konto mora imati barem 3 znamenke: '%s'", i+1, l.Konto))
		}
	}
	return errs
}

// Fingerprint hashes the canonical content: id, date, description,
// doc ref, then (konto, side, amount) triples sorted by konto and side.
func (t *Transaction) Fingerprint() string {
	parts := []string{t.ID, t.Date, t.Description, t.DocRef}
	lines := make([]Line, len(t.Lines))
	copy(lines, t.Lines)
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Konto != lines[j].Konto {
			return lines[i].Konto < lines[j].Konto
		}
		return lines[i].Side < lines[j].Side
	})
	for _, l := range lines {
		parts = append(parts, l.Konto, l.Side, FormatAmount(l.Amount))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// ChainNext links a fingerprint onto the previous chain hash.
func ChainNext(prevChain, fingerprint string) string {
	if prevChain == "" {
		prevChain = genesis
	}
	sum := sha256.Sum256([]byte(prevChain + "|" + fingerprint))
	return hex.EncodeToString(sum[:])[:16]
}

// Ledger owns the committed transaction log. The chain mutex globally
// serializes commits; at office scale this is not a bottleneck.
type Ledger struct {
	store  *store.Store
	mu     sync.Mutex
	logger *log.Logger

	committed int64
	reversed  int64
	rejected  int64
}

func New(st *store.Store) *Ledger {
	return &Ledger{
		store:  st,
		logger: log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
	}
}

// Commit validates and persists a transaction, linking it into the
// chain. Returns the stored record including its chain hash.
func (l *Ledger) Commit(ctx context.Context, tx *Transaction, user string) (*store.TxRecord, error) {
	return l.commit(ctx, tx, user, "")
}

func (l *Ledger) commit(ctx context.Context, tx *Transaction, user, reversalOf string) (*store.TxRecord, error) {
	if errs := tx.Validate(); len(errs) > 0 {
		atomic.AddInt64(&l.rejected, 1)
		return nil, apperr.Balance(errs)
	}
	if user == "" {
		user = "system"
	}
	fp := tx.Fingerprint()

	l.mu.Lock()
	defer l.mu.Unlock()

	seq, prevChain, err := l.store.LastTx(ctx)
	if err != nil {
		return nil, err
	}
	rec := &store.TxRecord{
		ID:          tx.ID,
		Seq:         seq + 1,
		Date:        tx.Date,
		Description: tx.Description,
		DocRef:      tx.DocRef,
		User:        user,
		Fingerprint: fp,
		ChainHash:   ChainNext(prevChain, fp),
		ReversalOf:  reversalOf,
	}
	for _, ln := range tx.Lines {
		rec.Entries = append(rec.Entries, store.TxEntry{
			Konto:       ln.Konto,
			Side:        ln.Side,
			Amount:      FormatAmount(ln.Amount),
			Description: ln.Description,
		})
	}
	if err := l.store.InsertTx(ctx, rec); err != nil {
		return nil, err
	}
	atomic.AddInt64(&l.committed, 1)
	l.logger.Printf("proknjiženo %s (%s) chain=%s", rec.ID, FormatAmount(tx.TotalDebit()), rec.ChainHash)
	return rec, nil
}

// Reverse books a compensating transaction that flips every line of the
// original and marks the original reversed. The original stays in the
// chain untouched.
func (l *Ledger) Reverse(ctx context.Context, txID, user, reason string) (*store.TxRecord, error) {
	orig, err := l.store.GetTx(ctx, txID)
	if err != nil {
		return nil, err
	}
	if orig.Reversed {
		return nil, apperr.Newf(apperr.InvalidState, "transakcija %s je već stornirana", txID)
	}
	if reason == "" {
		reason = orig.Description
	}

	var lines []Line
	for _, e := range orig.Entries {
		amt, err := ToAmount(e.Amount)
		if err != nil {
			return nil, apperr.Newf(apperr.StorageError, "neispravan iznos u stavci: %v", err)
		}
		side := SideDebit
		if e.Side == SideDebit {
			side = SideCredit
		}
		lines = append(lines, Line{
			Konto:       e.Konto,
			Side:        side,
			Amount:      amt,
			Description: "STORNO: " + e.Description,
		})
	}
	storno := NewTransaction(
		time.Now().Format("2006-01-02"),
		fmt.Sprintf("STORNO #%s: %s", orig.ID, reason),
		"STORNO-"+orig.DocRef,
		"",
		lines,
	)
	rec, err := l.commit(ctx, storno, user, orig.ID)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&l.reversed, 1)
	return rec, nil
}

// KontoBalance is one row of the trial balance.
type KontoBalance struct {
	Debit   decimal.Decimal
	Credit  decimal.Decimal
	Balance decimal.Decimal
}

type TrialBalance struct {
	Konta       map[string]KontoBalance
	TotalDebit  decimal.Decimal
	TotalCredit decimal.Decimal
	Balanced    bool
	Difference  decimal.Decimal
}

// TrialBalanceThrough sums every entry dated on or before throughDate
// ("" means all). Decimal end to end, no float in the path.
func (l *Ledger) TrialBalanceThrough(ctx context.Context, throughDate string) (*TrialBalance, error) {
	entries, err := l.store.EntriesThrough(ctx, throughDate)
	if err != nil {
		return nil, err
	}
	tb := &TrialBalance{
		Konta:       make(map[string]KontoBalance),
		TotalDebit:  Zero,
		TotalCredit: Zero,
	}
	for _, e := range entries {
		amt, err := ToAmount(e.Amount)
		if err != nil {
			return nil, apperr.Newf(apperr.StorageError, "neispravan iznos u stavci: %v", err)
		}
		kb := tb.Konta[e.Konto]
		if e.Side == SideDebit {
			kb.Debit = kb.Debit.Add(amt)
			tb.TotalDebit = tb.TotalDebit.Add(amt)
		} else {
			kb.Credit = kb.Credit.Add(amt)
			tb.TotalCredit = tb.TotalCredit.Add(amt)
		}
		kb.Balance = kb.Debit.Sub(kb.Credit)
		tb.Konta[e.Konto] = kb
	}
	tb.Difference = tb.TotalDebit.Sub(tb.TotalCredit)
	tb.Balanced = tb.Difference.IsZero()
	return tb, nil
}

type ChainReport struct {
	Transactions int
	Issues       []string
	OK           bool
}

// VerifyChain recomputes every fingerprint and chain hash from the
// stored content and reports any break.
func (l *Ledger) VerifyChain(ctx context.Context) (*ChainReport, error) {
	recs, err := l.store.AllTx(ctx)
	if err != nil {
		return nil, err
	}
	report := &ChainReport{Transactions: len(recs)}
	prev := ""
	for _, rec := range recs {
		tx := &Transaction{
			ID:          rec.ID,
			Date:        rec.Date,
			Description: rec.Description,
			DocRef:      rec.DocRef,
		}
		for _, e := range rec.Entries {
			amt, err := ToAmount(e.Amount)
			if err != nil {
				report.Issues = append(report.Issues,
					fmt.Sprintf("TX %s: neispravan iznos %s", rec.ID, e.Amount))
				continue
			}
			tx.Lines = append(tx.Lines, Line{Konto: e.Konto, Side: e.Side, Amount: amt})
		}
		if fp := tx.Fingerprint(); fp != rec.Fingerprint {
			report.Issues = append(report.Issues,
				fmt.Sprintf("TX %s: fingerprint ne odgovara sadržaju", rec.ID))
		}
		if want := ChainNext(prev, rec.Fingerprint); want != rec.ChainHash {
			report.Issues = append(report.Issues,
				fmt.Sprintf("TX %s: prekinut lanac (seq %d)", rec.ID, rec.Seq))
		}
		prev = rec.ChainHash
	}
	report.OK = len(report.Issues) == 0
	return report, nil
}

// Stats feeds the composite monitor endpoint.
func (l *Ledger) Stats() map[string]interface{} {
	return map[string]interface{}{
		"committed": atomic.LoadInt64(&l.committed),
		"storno":    atomic.LoadInt64(&l.reversed),
		"rejected":  atomic.LoadInt64(&l.rejected),
	}
}
