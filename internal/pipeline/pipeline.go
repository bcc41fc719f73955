// Package pipeline drives the proposal lifecycle: submit, approve,
// reject, correct, export. The in-memory map is a cache for the
// control API; the store is the source of truth and is rebuilt from on
// startup.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nyxlight/backend/internal/apperr"
	"github.com/nyxlight/backend/internal/audit"
	"github.com/nyxlight/backend/internal/erp"
	"github.com/nyxlight/backend/internal/ledger"
	"github.com/nyxlight/backend/internal/notify"
	"github.com/nyxlight/backend/internal/safety"
	"github.com/nyxlight/backend/internal/store"
)

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExported = "exported"
)

type Proposal struct {
	ID                string          `json:"id"`
	Client            string          `json:"client"`
	DocType           string          `json:"doc_type"`
	Lines             []ledger.Line   `json:"lines"`
	Total             decimal.Decimal `json:"total"`
	VATRate           string          `json:"vat_rate,omitempty"`
	VATAmount         string          `json:"vat_amount,omitempty"`
	Description       string          `json:"description"`
	CounterpartyTaxID string          `json:"counterparty_tax_id,omitempty"`
	DocDate           string          `json:"doc_date,omitempty"`
	BookingDate       string          `json:"booking_date,omitempty"`
	Status            string          `json:"status"`
	Confidence        float64         `json:"confidence"`
	AIReasoning       string          `json:"ai_reasoning,omitempty"`
	Approver          string          `json:"approver,omitempty"`
	ApprovedAt        string          `json:"approved_at,omitempty"`
	ERPTarget         string          `json:"erp_target,omitempty"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
	PaymentMethod     string          `json:"payment_method,omitempty"`
	KmRate            decimal.Decimal `json:"km_rate,omitempty"`
	Warnings          []string        `json:"warnings,omitempty"`
	TxID              string          `json:"tx_id,omitempty"`
	CreatedAt         string          `json:"created_at"`
}

type Correction struct {
	OriginalKonto  string `json:"original_konto"`
	CorrectedKonto string `json:"corrected_konto"`
	Supplier       string `json:"supplier,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Pipeline caches live proposals behind a map mutex that is only held
// for map access, never across store, audit or emitter I/O. Transitions
// on one id are serialized by a per-proposal mutex; cached proposals
// are replaced wholesale, never mutated in place, so listers read a
// consistent snapshot.
type Pipeline struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	locks     map[string]*sync.Mutex

	exportMu sync.Mutex

	store    *store.Store
	ledger   *ledger.Ledger
	trail    *audit.Trail
	overseer *safety.Overseer
	notifier *notify.Manager
	logger   *log.Logger

	submitted int64
	approved  int64
	rejected  int64
	corrected int64
	exported  int64
}

func New(st *store.Store, led *ledger.Ledger, trail *audit.Trail, ov *safety.Overseer, notifier *notify.Manager) *Pipeline {
	return &Pipeline{
		proposals: make(map[string]*Proposal),
		locks:     make(map[string]*sync.Mutex),
		store:     st,
		ledger:    led,
		trail:     trail,
		overseer:  ov,
		notifier:  notifier,
		logger:    log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// Restore rebuilds the cache from the store: pending proposals plus
// approved ones awaiting export.
func (p *Pipeline) Restore(ctx context.Context) error {
	restored := make(map[string]*Proposal)
	for _, status := range []string{StatusPending, StatusApproved} {
		rows, err := p.store.BookingsByStatus(ctx, status, "")
		if err != nil {
			return err
		}
		for _, b := range rows {
			prop, err := fromBooking(b)
			if err != nil {
				p.logger.Printf("preskačem neispravno knjiženje %s: %v", b.ID, err)
				continue
			}
			restored[prop.ID] = prop
		}
	}

	p.mu.Lock()
	p.proposals = restored
	p.locks = make(map[string]*sync.Mutex)
	p.mu.Unlock()

	p.logger.Printf("obnovljeno %d prijedloga iz baze", len(restored))
	return nil
}

// lockFor returns the transition mutex of one proposal id. Lock entries
// live as long as the proposal stays in the cache.
func (p *Pipeline) lockFor(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

func (p *Pipeline) cached(id string) (*Proposal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prop, ok := p.proposals[id]
	return prop, ok
}

// clone copies a proposal including its slices, so a transition can
// build the next state without touching what readers hold.
func clone(prop *Proposal) *Proposal {
	c := *prop
	c.Lines = append([]ledger.Line(nil), prop.Lines...)
	c.Warnings = append([]string(nil), prop.Warnings...)
	return &c
}

// notPending explains a cache miss: a booking the store still knows is
// in a terminal status, so the transition gets InvalidState with that
// status; NotFound is reserved for ids that exist nowhere.
func (p *Pipeline) notPending(ctx context.Context, id string) error {
	b, err := p.store.GetBooking(ctx, id)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return apperr.Newf(apperr.NotFound, "prijedlog %s ne postoji", id)
		}
		return err
	}
	return apperr.Newf(apperr.InvalidState, "prijedlog %s je u statusu '%s', dozvoljeno je samo 'pending'", id, b.Status)
}

// Submit validates and persists a new proposal. On a store failure the
// proposal is not cached either, so memory never claims what disk does
// not hold.
func (p *Pipeline) Submit(ctx context.Context, prop *Proposal, user string) (string, error) {
	if prop.Client == "" {
		return "", apperr.New(apperr.InvalidInput, "klijent je obavezan")
	}
	if prop.ID == "" {
		prop.ID = "bk-" + uuid.NewString()[:8]
	}
	if prop.BookingDate == "" {
		prop.BookingDate = time.Now().Format("2006-01-02")
	}

	tx := p.toLedgerTx(prop)
	if errs := tx.Validate(); len(errs) > 0 {
		return "", apperr.Balance(errs)
	}
	prop.Total = tx.TotalDebit()
	prop.Status = StatusPending
	prop.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	verdict := p.overseer.ValidateBooking(safety.BookingCheck{
		Total:         prop.Total,
		DocType:       prop.DocType,
		PaymentMethod: prop.PaymentMethod,
		KmRate:        prop.KmRate,
		Descriptions:  lineDescriptions(prop),
	})
	prop.Warnings = verdict.Warnings

	if err := p.store.InsertBooking(ctx, toBooking(prop)); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.proposals[prop.ID] = prop
	p.submitted++
	p.mu.Unlock()

	p.trail.MustLog(ctx, audit.Entry{
		Event:     audit.EventBooking,
		User:      user,
		Client:    prop.Client,
		Action:    "prijedlog knjiženja " + prop.ID,
		Details:   map[string]interface{}{"total": ledger.FormatAmount(prop.Total), "doc_type": prop.DocType},
		BookingID: prop.ID,
	})
	p.notifier.Notify("broadcast", &notify.Notification{
		Type:    "booking_proposal",
		Title:   "Novi prijedlog knjiženja",
		Message: fmt.Sprintf("%s: %s EUR (%s)", prop.Client, ledger.FormatAmount(prop.Total), prop.DocType),
		Module:  "pipeline",
		Data:    map[string]interface{}{"booking_id": prop.ID},
	})
	return prop.ID, nil
}

// Approve commits the proposal into the ledger. Retrying the same
// (id, user) pair after success is a no-op, so network retries cannot
// double-book. The transaction id is persisted on the pending row
// before the ledger commit; a crash between commit and the status
// update therefore restores as pending with the id set, and the retry
// finds the committed transaction instead of booking it again.
func (p *Pipeline) Approve(ctx context.Context, id, user string) (*Proposal, error) {
	l := p.lockFor(id)
	l.Lock()
	defer l.Unlock()

	cur, ok := p.cached(id)
	if !ok {
		return nil, p.notPending(ctx, id)
	}
	if cur.Status == StatusApproved && cur.Approver == user {
		return cur, nil
	}
	if cur.Status != StatusPending {
		return nil, apperr.Newf(apperr.InvalidState, "prijedlog %s je u statusu '%s', odobriti se može samo 'pending'", id, cur.Status)
	}

	prop := clone(cur)
	tx := p.toLedgerTx(prop)
	if errs := tx.Validate(); len(errs) > 0 {
		return nil, apperr.Balance(errs)
	}
	if prop.TxID == "" {
		prop.TxID = tx.ID
		if err := p.store.UpdateBooking(ctx, toBooking(prop)); err != nil {
			return nil, err
		}
	}

	rec, err := p.store.GetTx(ctx, prop.TxID)
	switch {
	case err == nil:
		// Already in the chain from an interrupted approval.
	case apperr.KindOf(err) == apperr.NotFound:
		rec, err = p.ledger.Commit(ctx, tx, user)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	prop.Status = StatusApproved
	prop.Approver = user
	prop.ApprovedAt = time.Now().UTC().Format(time.RFC3339)
	if err := p.store.UpdateBooking(ctx, toBooking(prop)); err != nil {
		// The ledger commit stands; surface the store failure loudly.
		p.logger.Printf("KRITIČNO: ledger proknjižen (%s) ali ažuriranje prijedloga %s nije uspjelo: %v", rec.ID, id, err)
		return nil, err
	}

	p.mu.Lock()
	p.proposals[id] = prop
	p.approved++
	p.mu.Unlock()

	p.trail.MustLog(ctx, audit.Entry{
		Event:     audit.EventApproval,
		User:      user,
		Client:    prop.Client,
		Action:    "odobreno knjiženje " + id,
		Details:   map[string]interface{}{"tx_id": rec.ID, "chain_hash": rec.ChainHash},
		BookingID: id,
	})
	p.notifier.Notify("user:"+user, &notify.Notification{
		Type:    "booking_approved",
		Title:   "Knjiženje odobreno",
		Message: fmt.Sprintf("%s je proknjiženo (%s)", id, rec.ID),
		Module:  "pipeline",
		Data:    map[string]interface{}{"booking_id": id, "tx_id": rec.ID},
	})
	return prop, nil
}

// Reject is terminal.
func (p *Pipeline) Reject(ctx context.Context, id, user, reason string) (*Proposal, error) {
	if reason == "" {
		return nil, apperr.New(apperr.InvalidInput, "razlog odbijanja je obavezan")
	}

	l := p.lockFor(id)
	l.Lock()
	defer l.Unlock()

	cur, ok := p.cached(id)
	if !ok {
		return nil, p.notPending(ctx, id)
	}
	if cur.Status != StatusPending {
		return nil, apperr.Newf(apperr.InvalidState, "prijedlog %s je u statusu '%s', odbiti se može samo 'pending'", id, cur.Status)
	}

	prop := clone(cur)
	prop.Status = StatusRejected
	prop.RejectionReason = reason
	if err := p.store.UpdateBooking(ctx, toBooking(prop)); err != nil {
		return nil, err
	}

	p.mu.Lock()
	delete(p.proposals, id)
	delete(p.locks, id)
	p.rejected++
	p.mu.Unlock()

	p.trail.MustLog(ctx, audit.Entry{
		Event:     audit.EventBooking,
		User:      user,
		Client:    prop.Client,
		Action:    "odbijen prijedlog " + id,
		Details:   map[string]interface{}{"reason": reason},
		BookingID: id,
	})
	return prop, nil
}

// Correct records the (original, corrected) konto pair and rewrites the
// pending proposal's lines. The proposal stays pending; the operator
// approves separately. The correction row later feeds the nightly
// preference-pair export.
func (p *Pipeline) Correct(ctx context.Context, id, user string, corr Correction) (*Proposal, error) {
	if corr.OriginalKonto == "" || corr.CorrectedKonto == "" {
		return nil, apperr.New(apperr.InvalidInput, "izvorni i ispravljeni konto su obavezni")
	}

	l := p.lockFor(id)
	l.Lock()
	defer l.Unlock()

	cur, ok := p.cached(id)
	if !ok {
		return nil, p.notPending(ctx, id)
	}
	if cur.Status != StatusPending {
		return nil, apperr.Newf(apperr.InvalidState, "prijedlog %s je u statusu '%s', ispraviti se može samo 'pending'", id, cur.Status)
	}

	prop := clone(cur)
	touched := false
	for i := range prop.Lines {
		if prop.Lines[i].Konto == corr.OriginalKonto {
			prop.Lines[i].Konto = corr.CorrectedKonto
			touched = true
		}
	}
	if !touched {
		return nil, apperr.Newf(apperr.InvalidInput, "konto %s se ne pojavljuje u prijedlogu %s", corr.OriginalKonto, id)
	}

	row := &store.Correction{
		BookingID:      id,
		User:           user,
		Client:         prop.Client,
		OriginalKonto:  corr.OriginalKonto,
		CorrectedKonto: corr.CorrectedKonto,
		DocType:        prop.DocType,
		Supplier:       corr.Supplier,
		Description:    corr.Description,
	}
	if err := p.store.InsertCorrection(ctx, row); err != nil {
		return nil, err
	}
	if err := p.store.UpdateBooking(ctx, toBooking(prop)); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.proposals[id] = prop
	p.corrected++
	p.mu.Unlock()

	p.trail.MustLog(ctx, audit.Entry{
		Event:     audit.EventCorrection,
		User:      user,
		Client:    prop.Client,
		Action:    fmt.Sprintf("ispravak konta %s -> %s na %s", corr.OriginalKonto, corr.CorrectedKonto, id),
		Details:   map[string]interface{}{"original": corr.OriginalKonto, "corrected": corr.CorrectedKonto},
		BookingID: id,
	})
	return prop, nil
}

// ListPending returns pending proposals in creation order.
func (p *Pipeline) ListPending(client string) []*Proposal {
	return p.list(StatusPending, client)
}

// ListApproved returns approved, not-yet-exported proposals.
func (p *Pipeline) ListApproved(client string) []*Proposal {
	return p.list(StatusApproved, client)
}

func (p *Pipeline) list(status, client string) []*Proposal {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Proposal
	for _, prop := range p.proposals {
		if prop.Status != status {
			continue
		}
		if client != "" && prop.Client != client {
			continue
		}
		out = append(out, prop)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one proposal from the cache or the store.
func (p *Pipeline) Get(ctx context.Context, id string) (*Proposal, error) {
	if prop, ok := p.cached(id); ok {
		return prop, nil
	}
	b, err := p.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromBooking(b)
}

// ExportApproved hands every approved, unexported proposal of the
// client to the ERP emitter. Only a fully successful emit marks rows
// exported; a failed emit marks nothing. Exports are serialized among
// themselves but never block submit/approve traffic: the emitter runs
// with no map mutex held.
func (p *Pipeline) ExportApproved(ctx context.Context, client, erpName, format string, emitter erp.Emitter) (*erp.Result, error) {
	if client == "" {
		return nil, apperr.New(apperr.InvalidInput, "klijent je obavezan")
	}

	p.exportMu.Lock()
	defer p.exportMu.Unlock()

	rows, err := p.store.ApprovedUnexported(ctx, client)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &erp.Result{Status: erp.StatusEmpty, Records: 0}, nil
	}

	records := make([]erp.Record, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, b := range rows {
		records = append(records, toERPRecord(b))
		ids = append(ids, b.ID)
	}

	result, err := emitter.Emit(ctx, records, client, erpName, format)
	if err != nil {
		return nil, apperr.Newf(apperr.Internal, "ERP izvoz nije uspio: %v", err)
	}
	if result.Status != erp.StatusExported {
		return result, apperr.Newf(apperr.Internal, "ERP izvoz odbijen: %s", strings.Join(result.Errors, "; "))
	}

	if err := p.store.MarkExported(ctx, ids, erpName); err != nil {
		return nil, err
	}

	p.mu.Lock()
	for _, id := range ids {
		delete(p.proposals, id)
		delete(p.locks, id)
	}
	p.exported += int64(len(ids))
	p.mu.Unlock()

	p.trail.MustLog(ctx, audit.Entry{
		Event:   audit.EventExport,
		Client:  client,
		Action:  fmt.Sprintf("izvoz %d knjiženja u %s (%s)", len(ids), erpName, format),
		Details: map[string]interface{}{"records": len(ids), "file": result.Filename},
	})
	p.notifier.Notify("broadcast", &notify.Notification{
		Type:    "export_done",
		Title:   "Izvoz dovršen",
		Message: fmt.Sprintf("%s: %d knjiženja u %s", client, len(ids), erpName),
		Module:  "pipeline",
		Data:    map[string]interface{}{"file": result.Filename},
	})
	return result, nil
}

// Stats feeds the monitor endpoint.
func (p *Pipeline) Stats() map[string]interface{} {
	p.mu.Lock()
	pending, approved := 0, 0
	for _, prop := range p.proposals {
		switch prop.Status {
		case StatusPending:
			pending++
		case StatusApproved:
			approved++
		}
	}
	stats := map[string]interface{}{
		"pending":   pending,
		"approved":  approved,
		"submitted": p.submitted,
		"rejected":  p.rejected,
		"corrected": p.corrected,
		"exported":  p.exported,
	}
	p.mu.Unlock()
	return stats
}

func (p *Pipeline) toLedgerTx(prop *Proposal) *ledger.Transaction {
	tx := ledger.NewTransaction(prop.BookingDate, prop.Description, prop.ID, prop.Client, prop.Lines)
	if prop.TxID != "" {
		tx.ID = prop.TxID
	}
	return tx
}

func lineDescriptions(prop *Proposal) []string {
	out := []string{prop.Description}
	for _, l := range prop.Lines {
		if l.Description != "" {
			out = append(out, l.Description)
		}
	}
	return out
}
