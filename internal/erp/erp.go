// Package erp is the export handoff surface. The core is agnostic to
// ERP file syntax; only a result with status "exported" advances
// proposal state. FileEmitter is the reference implementation writing
// JSON or CSV; real CPP/Synesis emitters plug in behind the same
// interface.
package erp

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	StatusExported = "exported"
	StatusFailed   = "failed"
	StatusEmpty    = "empty"
)

type Line struct {
	Konto       string `json:"konto"`
	Side        string `json:"side"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

type Record struct {
	BookingID         string `json:"booking_id"`
	Client            string `json:"client"`
	DocType           string `json:"doc_type"`
	Amount            string `json:"amount"`
	VATRate           string `json:"vat_rate,omitempty"`
	VATAmount         string `json:"vat_amount,omitempty"`
	Description       string `json:"description"`
	CounterpartyTaxID string `json:"counterparty_tax_id,omitempty"`
	DocDate           string `json:"doc_date,omitempty"`
	BookingDate       string `json:"booking_date"`
	Approver          string `json:"approver"`
	Lines             []Line `json:"lines"`
}

type Result struct {
	Status   string   `json:"status"`
	FilePath string   `json:"file_path,omitempty"`
	Filename string   `json:"filename,omitempty"`
	Records  int      `json:"records"`
	Errors   []string `json:"errors,omitempty"`
}

type Emitter interface {
	Emit(ctx context.Context, records []Record, client, erpName, format string) (*Result, error)
}

// FileEmitter writes export files under Dir. Filenames are
// deterministic per (client, erp, format, record set), so re-emitting
// the same approved set produces identical output.
type FileEmitter struct {
	Dir string
}

func (e *FileEmitter) Emit(ctx context.Context, records []Record, client, erpName, format string) (*Result, error) {
	if len(records) == 0 {
		return &Result{Status: StatusEmpty}, nil
	}
	format = strings.ToLower(format)
	if format != "json" && format != "csv" {
		return &Result{Status: StatusFailed, Errors: []string{"nepodržani format: " + format}}, nil
	}

	first, last := records[0].BookingID, records[len(records)-1].BookingID
	filename := fmt.Sprintf("%s_%s_%s-%s.%s", sanitize(client), strings.ToLower(erpName), first, last, format)
	path := filepath.Join(e.Dir, filename)

	var err error
	switch format {
	case "json":
		err = writeJSON(path, records)
	case "csv":
		err = writeCSV(path, records)
	}
	if err != nil {
		return &Result{Status: StatusFailed, Errors: []string{err.Error()}}, nil
	}
	return &Result{Status: StatusExported, FilePath: path, Filename: filename, Records: len(records)}, nil
}

func writeJSON(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func writeCSV(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	if err := w.Write([]string{"booking_id", "client", "booking_date", "konto", "side", "amount", "description"}); err != nil {
		return err
	}
	for _, r := range records {
		for _, ln := range r.Lines {
			if err := w.Write([]string{r.BookingID, r.Client, r.BookingDate, ln.Konto, ln.Side, ln.Amount, ln.Description}); err != nil {
				return err
			}
		}
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
