package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxlight/backend/internal/apperr"
	"github.com/nyxlight/backend/internal/audit"
	"github.com/nyxlight/backend/internal/erp"
	"github.com/nyxlight/backend/internal/ledger"
	"github.com/nyxlight/backend/internal/notify"
	"github.com/nyxlight/backend/internal/safety"
	"github.com/nyxlight/backend/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"), 4, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	led := ledger.New(st)
	trail := audit.NewTrail(st)
	ov := safety.NewOverseer(10000, 0.30)
	p := New(st, led, trail, ov, notify.NewManager())
	return p, st
}

func mustAmount(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	a, err := ledger.ToAmount(s)
	require.NoError(t, err)
	return a
}

func testProposal(t *testing.T, client string) *Proposal {
	t.Helper()
	return &Proposal{
		Client:      client,
		DocType:     "invoice_scan",
		Description: "električna energija veljača",
		BookingDate: "2026-02-15",
		Lines: []ledger.Line{
			{Konto: "7200", Side: ledger.SideDebit, Amount: mustAmount(t, "1000.00")},
			{Konto: "1405", Side: ledger.SideDebit, Amount: mustAmount(t, "250.00")},
			{Konto: "2200", Side: ledger.SideCredit, Amount: mustAmount(t, "1250.00")},
		},
	}
}

func TestSubmitApproveExportFlow(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	id, err := p.Submit(ctx, testProposal(t, "hep"), "ana")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pending := p.ListPending("")
	require.Len(t, pending, 1)
	assert.Equal(t, StatusPending, pending[0].Status)
	assert.Equal(t, "1250.00", ledger.FormatAmount(pending[0].Total))

	prop, err := p.Approve(ctx, id, "ana")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, prop.Status)
	assert.Equal(t, "ana", prop.Approver)
	assert.NotEmpty(t, prop.TxID)
	assert.Empty(t, p.ListPending(""))
	require.Len(t, p.ListApproved("hep"), 1)

	dir := t.TempDir()
	res, err := p.ExportApproved(ctx, "hep", "cpp", "json", &erp.FileEmitter{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, erp.StatusExported, res.Status)
	assert.Equal(t, 1, res.Records)

	_, err = os.Stat(filepath.Join(dir, res.Filename))
	assert.NoError(t, err)
	assert.Empty(t, p.ListApproved("hep"))

	// Nothing left to export.
	res, err = p.ExportApproved(ctx, "hep", "cpp", "json", &erp.FileEmitter{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, erp.StatusEmpty, res.Status)
}

func TestSubmitUnbalancedRejected(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)

	prop := testProposal(t, "hep")
	prop.Lines[2].Amount = mustAmount(t, "1250.01")

	_, err := p.Submit(ctx, prop, "ana")
	require.Error(t, err)
	assert.Equal(t, apperr.BalanceError, apperr.KindOf(err))
	assert.Empty(t, p.ListPending(""))

	// Not persisted either.
	rows, err := st.BookingsByStatus(ctx, StatusPending, "")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSubmitRequiresClient(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Submit(context.Background(), testProposal(t, ""), "ana")
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestSubmitAttachesSoftWarnings(t *testing.T) {
	p, _ := newTestPipeline(t)

	prop := testProposal(t, "pekara")
	prop.PaymentMethod = "gotovina"
	for i := range prop.Lines {
		prop.Lines[i].Amount = prop.Lines[i].Amount.Mul(mustAmount(t, "20"))
	}
	prop.Description = "reprezentacija ručak s klijentom"

	id, err := p.Submit(context.Background(), prop, "ana")
	require.NoError(t, err)

	got, err := p.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, got.Warnings, 2)
	assert.Contains(t, got.Warnings[0], "Gotovinsko")
	assert.Contains(t, got.Warnings[1], "Reprezentacija")
	assert.Equal(t, StatusPending, got.Status, "warnings never block")
}

func TestApproveIdempotentForSameUser(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	id, err := p.Submit(ctx, testProposal(t, "hep"), "ana")
	require.NoError(t, err)

	first, err := p.Approve(ctx, id, "ana")
	require.NoError(t, err)

	second, err := p.Approve(ctx, id, "ana")
	require.NoError(t, err)
	assert.Equal(t, first.TxID, second.TxID, "retry must not double-book")

	_, err = p.Approve(ctx, id, "maja")
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidState, apperr.KindOf(err))
}

func TestApproveUnknownProposal(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Approve(context.Background(), "bk-nema", "ana")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestRejectIsTerminal(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	id, err := p.Submit(ctx, testProposal(t, "hep"), "ana")
	require.NoError(t, err)

	_, err = p.Reject(ctx, id, "ana", "")
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err), "reason is mandatory")

	prop, err := p.Reject(ctx, id, "ana", "krivi klijent")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, prop.Status)
	assert.Equal(t, "krivi klijent", prop.RejectionReason)

	// Out of the cache; the store still knows it.
	got, err := p.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)

	_, err = p.Approve(ctx, id, "ana")
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidState, apperr.KindOf(err))
}

func TestTransitionsOnSettledProposals(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	id, err := p.Submit(ctx, testProposal(t, "hep"), "ana")
	require.NoError(t, err)
	_, err = p.Reject(ctx, id, "ana", "krivi klijent")
	require.NoError(t, err)

	// A settled proposal is gone from the cache but not from the store;
	// every transition reports its actual status, not a missing id.
	_, err = p.Approve(ctx, id, "ana")
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidState, apperr.KindOf(err))
	assert.Contains(t, err.Error(), StatusRejected)

	_, err = p.Correct(ctx, id, "ana", Correction{OriginalKonto: "7200", CorrectedKonto: "7800"})
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidState, apperr.KindOf(err))

	_, err = p.Reject(ctx, id, "ana", "ponovno")
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidState, apperr.KindOf(err))

	id2, err := p.Submit(ctx, testProposal(t, "hep"), "ana")
	require.NoError(t, err)
	_, err = p.Approve(ctx, id2, "ana")
	require.NoError(t, err)
	_, err = p.ExportApproved(ctx, "hep", "cpp", "json", &erp.FileEmitter{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = p.Approve(ctx, id2, "ana")
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidState, apperr.KindOf(err))
	assert.Contains(t, err.Error(), StatusExported)
}

func TestApproveResumesInterruptedCommit(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)

	id, err := p.Submit(ctx, testProposal(t, "hep"), "ana")
	require.NoError(t, err)

	// Replay the state a crash between ledger commit and status update
	// leaves behind: the pending row already carries its transaction id
	// and the chain holds the commit.
	prop, ok := p.cached(id)
	require.True(t, ok)
	half := clone(prop)
	tx := p.toLedgerTx(half)
	half.TxID = tx.ID
	require.NoError(t, st.UpdateBooking(ctx, toBooking(half)))
	_, err = p.ledger.Commit(ctx, tx, "ana")
	require.NoError(t, err)

	fresh := New(st, ledger.New(st), audit.NewTrail(st), safety.NewOverseer(10000, 0.30), notify.NewManager())
	require.NoError(t, fresh.Restore(ctx))

	approved, err := fresh.Approve(ctx, id, "ana")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, tx.ID, approved.TxID)

	all, err := st.AllTx(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "retry must not book a second transaction")
}

func TestCorrectKeepsPending(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)

	prop := testProposal(t, "hep")
	prop.Lines[0].Konto = "7800"
	id, err := p.Submit(ctx, prop, "ana")
	require.NoError(t, err)

	got, err := p.Correct(ctx, id, "ana", Correction{
		OriginalKonto:  "7800",
		CorrectedKonto: "7200",
		Supplier:       "HEP-Opskrba d.o.o.",
		Description:    "električna energija",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "7200", got.Lines[0].Konto)

	corrections, err := st.CorrectionsOn(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.Equal(t, "7800", corrections[0].OriginalKonto)
	assert.Equal(t, "7200", corrections[0].CorrectedKonto)
	assert.Equal(t, id, corrections[0].BookingID)

	// Approval after correction books the corrected konto.
	approved, err := p.Approve(ctx, id, "ana")
	require.NoError(t, err)
	assert.Equal(t, "7200", approved.Lines[0].Konto)
}

func TestCorrectUnknownKonto(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	id, err := p.Submit(ctx, testProposal(t, "hep"), "ana")
	require.NoError(t, err)

	_, err = p.Correct(ctx, id, "ana", Correction{OriginalKonto: "9999", CorrectedKonto: "7200"})
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

type failingEmitter struct{ calls int }

func (f *failingEmitter) Emit(ctx context.Context, records []erp.Record, client, erpName, format string) (*erp.Result, error) {
	f.calls++
	return nil, errors.New("erp nedostupan")
}

func TestExportAllOrNothing(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)

	id, err := p.Submit(ctx, testProposal(t, "hep"), "ana")
	require.NoError(t, err)
	_, err = p.Approve(ctx, id, "ana")
	require.NoError(t, err)

	fe := &failingEmitter{}
	_, err = p.ExportApproved(ctx, "hep", "cpp", "json", fe)
	require.Error(t, err)
	assert.Equal(t, 1, fe.calls)

	// Nothing was marked exported.
	rows, err := st.ApprovedUnexported(ctx, "hep")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, p.ListApproved("hep"), 1)

	// A later retry with a working emitter picks the same rows up.
	res, err := p.ExportApproved(ctx, "hep", "cpp", "csv", &erp.FileEmitter{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, erp.StatusExported, res.Status)
	assert.Equal(t, 1, res.Records)
}

// stallingEmitter signals entry and then waits, standing in for a slow
// ERP write.
type stallingEmitter struct {
	entered chan struct{}
	release chan struct{}
	dir     string
}

func (e *stallingEmitter) Emit(ctx context.Context, records []erp.Record, client, erpName, format string) (*erp.Result, error) {
	close(e.entered)
	<-e.release
	return (&erp.FileEmitter{Dir: e.dir}).Emit(ctx, records, client, erpName, format)
}

func TestExportDoesNotBlockSubmissions(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPipeline(t)

	id, err := p.Submit(ctx, testProposal(t, "hep"), "ana")
	require.NoError(t, err)
	_, err = p.Approve(ctx, id, "ana")
	require.NoError(t, err)

	em := &stallingEmitter{entered: make(chan struct{}), release: make(chan struct{}), dir: t.TempDir()}
	exportDone := make(chan error, 1)
	go func() {
		_, err := p.ExportApproved(ctx, "hep", "cpp", "json", em)
		exportDone <- err
	}()
	<-em.entered

	// Other proposals keep moving while the emitter is mid-write.
	otherDone := make(chan error, 1)
	go func() {
		id2, err := p.Submit(ctx, testProposal(t, "pekara"), "maja")
		if err == nil {
			_, err = p.Approve(ctx, id2, "maja")
		}
		otherDone <- err
	}()

	select {
	case err := <-otherDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit/approve blocked behind a running export")
	}

	close(em.release)
	require.NoError(t, <-exportDone)
}

func TestRestoreRebuildsCache(t *testing.T) {
	ctx := context.Background()
	p, st := newTestPipeline(t)

	pendingID, err := p.Submit(ctx, testProposal(t, "hep"), "ana")
	require.NoError(t, err)
	approvedID, err := p.Submit(ctx, testProposal(t, "pekara"), "ana")
	require.NoError(t, err)
	_, err = p.Approve(ctx, approvedID, "ana")
	require.NoError(t, err)

	fresh := New(st, ledger.New(st), audit.NewTrail(st), safety.NewOverseer(10000, 0.30), notify.NewManager())
	require.NoError(t, fresh.Restore(ctx))

	pending := fresh.ListPending("")
	require.Len(t, pending, 1)
	assert.Equal(t, pendingID, pending[0].ID)

	approved := fresh.ListApproved("")
	require.Len(t, approved, 1)
	assert.Equal(t, approvedID, approved[0].ID)
	assert.Equal(t, "1250.00", ledger.FormatAmount(approved[0].Total))
	require.Len(t, approved[0].Lines, 3, "lines survive the round trip")
}
