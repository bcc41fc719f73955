package pipeline

import (
	"github.com/nyxlight/backend/internal/erp"
	"github.com/nyxlight/backend/internal/ledger"
	"github.com/nyxlight/backend/internal/store"
)

// toBooking flattens a proposal into its store row. The summary konto
// columns hold the first konto of each side; the full breakdown lives
// in the line rows.
func toBooking(p *Proposal) *store.Booking {
	b := &store.Booking{
		ID:                p.ID,
		Client:            p.Client,
		DocType:           p.DocType,
		Amount:            ledger.FormatAmount(p.Total),
		VATRate:           p.VATRate,
		VATAmount:         p.VATAmount,
		Description:       p.Description,
		CounterpartyTaxID: p.CounterpartyTaxID,
		DocDate:           p.DocDate,
		BookingDate:       p.BookingDate,
		Status:            p.Status,
		Confidence:        p.Confidence,
		AIReasoning:       p.AIReasoning,
		Approver:          p.Approver,
		ApprovedAt:        p.ApprovedAt,
		ERPTarget:         p.ERPTarget,
		Exported:          p.Status == StatusExported,
		RejectionReason:   p.RejectionReason,
		TxID:              p.TxID,
		CreatedAt:         p.CreatedAt,
	}
	for i, l := range p.Lines {
		if b.KontoDebit == "" && l.Side == ledger.SideDebit {
			b.KontoDebit = l.Konto
		}
		if b.KontoCredit == "" && l.Side == ledger.SideCredit {
			b.KontoCredit = l.Konto
		}
		b.Lines = append(b.Lines, store.BookingLine{
			LineNo:            i,
			Konto:             l.Konto,
			Side:              l.Side,
			Amount:            ledger.FormatAmount(l.Amount),
			Description:       l.Description,
			CounterpartyTaxID: l.PartnerOIB,
		})
	}
	return b
}

func fromBooking(b *store.Booking) (*Proposal, error) {
	total, err := ledger.ToAmount(b.Amount)
	if err != nil {
		return nil, err
	}
	p := &Proposal{
		ID:                b.ID,
		Client:            b.Client,
		DocType:           b.DocType,
		Total:             total,
		VATRate:           b.VATRate,
		VATAmount:         b.VATAmount,
		Description:       b.Description,
		CounterpartyTaxID: b.CounterpartyTaxID,
		DocDate:           b.DocDate,
		BookingDate:       b.BookingDate,
		Status:            b.Status,
		Confidence:        b.Confidence,
		AIReasoning:       b.AIReasoning,
		Approver:          b.Approver,
		ApprovedAt:        b.ApprovedAt,
		ERPTarget:         b.ERPTarget,
		RejectionReason:   b.RejectionReason,
		TxID:              b.TxID,
		CreatedAt:         b.CreatedAt,
	}
	for _, ln := range b.Lines {
		amt, err := ledger.ToAmount(ln.Amount)
		if err != nil {
			return nil, err
		}
		p.Lines = append(p.Lines, ledger.Line{
			Konto:       ln.Konto,
			Side:        ln.Side,
			Amount:      amt,
			Description: ln.Description,
			PartnerOIB:  ln.CounterpartyTaxID,
		})
	}
	return p, nil
}

func toERPRecord(b *store.Booking) erp.Record {
	rec := erp.Record{
		BookingID:         b.ID,
		Client:            b.Client,
		DocType:           b.DocType,
		Amount:            b.Amount,
		VATRate:           b.VATRate,
		VATAmount:         b.VATAmount,
		Description:       b.Description,
		CounterpartyTaxID: b.CounterpartyTaxID,
		DocDate:           b.DocDate,
		BookingDate:       b.BookingDate,
		Approver:          b.Approver,
	}
	for _, ln := range b.Lines {
		rec.Lines = append(rec.Lines, erp.Line{
			Konto:       ln.Konto,
			Side:        ln.Side,
			Amount:      ln.Amount,
			Description: ln.Description,
		})
	}
	return rec
}
