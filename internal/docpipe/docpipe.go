// Package docpipe classifies inbound documents, matches them to a
// client and routes them to the module that can process them. It is
// fully deterministic; no LLM call happens here.
package docpipe

import (
	"log"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Document types.
const (
	TypeBankStatement  = "bank_statement"
	TypeEInvoice       = "e_invoice"
	TypeInvoiceScan    = "invoice_scan"
	TypeTravelClaim    = "travel_claim"
	TypePayrollInput   = "payroll_input"
	TypePettyCash      = "petty_cash"
	TypeReconciliation = "reconciliation_form"
	TypeGeneric        = "generic"
	TypeUnknown        = "unknown"
)

// Review thresholds per the control surface contract.
const (
	minClientConfidence = 0.80
	minDocConfidence    = 0.60
)

var (
	oibPattern    = regexp.MustCompile(`\b\d{11}\b`)
	ibanPattern   = regexp.MustCompile(`\bHR\d{19}\b`)
	amountPattern = regexp.MustCompile(`\b\d{1,3}(?:\.\d{3})+,\d{2}\b|\b\d+,\d{2}\b|\b\d+\.\d{2}\b`)
	datePattern   = regexp.MustCompile(`\b\d{1,2}\.\s?\d{1,2}\.\s?\d{4}\.?`)
)

// Client is the matching registry entry; a subset of the full client
// record, enough to resolve ownership of a document.
type Client struct {
	ID           string
	Name         string
	OIB          string
	IBANs        []string
	FolderNames  []string
	EmailDomains []string
	Code         string // filename prefix, e.g. "HEP" in HEP_izvod_3.pdf
}

type Entities struct {
	OIBs    []string `json:"oibs,omitempty"`
	IBANs   []string `json:"ibans,omitempty"`
	Amounts []string `json:"amounts,omitempty"`
	Dates   []string `json:"dates,omitempty"`
}

type Result struct {
	DocumentID       string   `json:"document_id"`
	Filename         string   `json:"filename"`
	Source           string   `json:"source"`
	DocType          string   `json:"doc_type"`
	DocConfidence    float64  `json:"doc_confidence"`
	ClientID         string   `json:"client_id,omitempty"`
	ClientConfidence float64  `json:"client_confidence"`
	MatchedBy        string   `json:"matched_by,omitempty"`
	TargetModule     string   `json:"target_module"`
	Entities         Entities `json:"entities"`
	NeedsReview      bool     `json:"needs_review"`
}

var routing = map[string]string{
	TypeBankStatement:  "bank_parser",
	TypeEInvoice:       "einvoice_parser",
	TypeInvoiceScan:    "invoice_ocr",
	TypeTravelClaim:    "travel_module",
	TypePayrollInput:   "payroll_module",
	TypePettyCash:      "petty_cash_module",
	TypeReconciliation: "ios_module",
	TypeGeneric:        "manual_review",
	TypeUnknown:        "manual_review",
}

type Pipeline struct {
	mu      sync.RWMutex
	clients []Client
	logger  *log.Logger

	ingested int64
	flagged  int64
}

func NewPipeline(clients []Client) *Pipeline {
	return &Pipeline{
		clients: clients,
		logger:  log.New(log.Writer(), "[DOCPIPE] ", log.LstdFlags),
	}
}

// RegisterClient adds or replaces a client in the matching registry.
func (p *Pipeline) RegisterClient(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.clients {
		if p.clients[i].ID == c.ID {
			p.clients[i] = c
			return
		}
	}
	p.clients = append(p.clients, c)
}

// Ingest classifies one document and resolves its client. folder is
// the source folder name when source is "folder"; senderEmail the
// sender when source is "email". clientHint, when set, wins outright.
func (p *Pipeline) Ingest(filename, source, text, folder, senderEmail, clientHint string) *Result {
	atomic.AddInt64(&p.ingested, 1)

	docType, docConf := classify(filename, text)
	r := &Result{
		DocumentID:    uuid.NewString(),
		Filename:      filename,
		Source:        source,
		DocType:       docType,
		DocConfidence: docConf,
		TargetModule:  routing[docType],
		Entities:      extractEntities(text),
	}

	if clientHint != "" {
		r.ClientID = clientHint
		r.ClientConfidence = 1.0
		r.MatchedBy = "hint"
	} else {
		r.ClientID, r.ClientConfidence, r.MatchedBy = p.matchClient(text, folder, senderEmail, filename)
	}

	r.NeedsReview = r.ClientConfidence < minClientConfidence || r.DocConfidence < minDocConfidence
	if r.NeedsReview {
		atomic.AddInt64(&p.flagged, 1)
	}
	return r
}

// matchClient tries each strategy in priority order; first hit wins.
func (p *Pipeline) matchClient(text, folder, senderEmail, filename string) (string, float64, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, oib := range oibPattern.FindAllString(text, -1) {
		for _, c := range p.clients {
			if c.OIB != "" && c.OIB == oib {
				return c.ID, 0.95, "oib"
			}
		}
	}
	for _, iban := range ibanPattern.FindAllString(text, -1) {
		for _, c := range p.clients {
			for _, known := range c.IBANs {
				if known == iban {
					return c.ID, 0.90, "iban"
				}
			}
		}
	}
	if folder != "" {
		lf := strings.ToLower(folder)
		for _, c := range p.clients {
			for _, f := range c.FolderNames {
				if strings.ToLower(f) == lf {
					// Watched folders are provisioned per client, hence
					// the highest confidence of all strategies.
					return c.ID, 0.99, "folder"
				}
			}
		}
	}
	if senderEmail != "" {
		at := strings.LastIndex(senderEmail, "@")
		if at >= 0 {
			domain := strings.ToLower(senderEmail[at+1:])
			for _, c := range p.clients {
				for _, d := range c.EmailDomains {
					if strings.ToLower(d) == domain {
						return c.ID, 0.85, "email_domain"
					}
				}
			}
		}
	}
	upper := strings.ToUpper(filename)
	for _, c := range p.clients {
		if c.Code != "" && strings.HasPrefix(upper, strings.ToUpper(c.Code)) {
			return c.ID, 0.70, "filename_code"
		}
	}
	lower := strings.ToLower(text)
	for _, c := range p.clients {
		if c.Name != "" && strings.Contains(lower, strings.ToLower(c.Name)) {
			return c.ID, 0.60, "name"
		}
	}
	return "", 0, ""
}

type keywordRule struct {
	docType  string
	conf     float64
	keywords []string
}

// Keyword rules are checked in order; the first rule with a hit wins.
var textRules = []keywordRule{
	{TypeBankStatement, 0.90, []string{"izvod", "izvadak", "statement", "promet po računu", "promet po racunu"}},
	{TypeTravelClaim, 0.85, []string{"putni nalog", "loko vožnja", "loko voznja", "dnevnica", "kilometraža", "kilometraza"}},
	{TypePayrollInput, 0.85, []string{"obračun plać", "obracun plac", "bruto plaća", "bruto placa", "joppd"}},
	{TypePettyCash, 0.80, []string{"blagajna", "blagajnički", "blagajnicki", "isplatnica", "uplatnica"}},
	{TypeReconciliation, 0.80, []string{"ios obrazac", "izvješće otvorenih stavaka", "izvjesce otvorenih stavaka", "otvorene stavke"}},
	{TypeInvoiceScan, 0.75, []string{"račun br", "racun br", "račun:", "racun:", "ukupno za platiti", "r-1", "r1 račun", "pdv", "ukupno"}},
}

func classify(filename, text string) (string, float64) {
	ext := strings.ToLower(filepath.Ext(filename))
	lower := strings.ToLower(text)
	name := strings.ToLower(filename)

	if ext == ".xml" {
		if strings.Contains(lower, "invoice") || strings.Contains(lower, "račun") || strings.Contains(lower, "racun") {
			return TypeEInvoice, 0.95
		}
		return TypeEInvoice, 0.70
	}
	if ext == ".csv" || ext == ".mt940" || ext == ".camt" {
		return TypeBankStatement, 0.85
	}

	for _, rule := range textRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) || strings.Contains(name, strings.ReplaceAll(kw, " ", "_")) {
				return rule.docType, rule.conf
			}
		}
	}

	switch ext {
	case ".pdf", ".jpg", ".jpeg", ".png":
		if lower == "" {
			return TypeGeneric, 0.40
		}
		return TypeInvoiceScan, 0.50
	case ".xlsx", ".xls":
		return TypeGeneric, 0.50
	}
	return TypeUnknown, 0.0
}

func extractEntities(text string) Entities {
	e := Entities{
		OIBs:    dedupe(oibPattern.FindAllString(text, -1)),
		IBANs:   dedupe(ibanPattern.FindAllString(text, -1)),
		Amounts: dedupe(amountPattern.FindAllString(text, -1)),
		Dates:   dedupe(datePattern.FindAllString(text, -1)),
	}
	return e
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Stats feeds the monitor endpoint.
func (p *Pipeline) Stats() map[string]interface{} {
	p.mu.RLock()
	clients := len(p.clients)
	p.mu.RUnlock()
	return map[string]interface{}{
		"clients":  clients,
		"ingested": atomic.LoadInt64(&p.ingested),
		"flagged":  atomic.LoadInt64(&p.flagged),
	}
}
