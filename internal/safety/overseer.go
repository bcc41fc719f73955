// Package safety enforces the three hard boundaries on user text and
// validates booking content before commit. The boundaries are not
// configurable; reasons are returned in Croatian, verbatim to the user.
package safety

import (
	"log"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

const (
	BoundaryLegal      = "legal_domain"
	BoundaryAutonomous = "autonomous_booking"
	BoundaryCloud      = "cloud_api"
)

type Decision struct {
	Approved     bool
	Reason       string
	HardBoundary bool
	BoundaryType string
}

// Drafting verbs combined with a legal object mean legal work, which is
// the lawyer's domain regardless of any payroll context.
var draftVerbs = []string{"sastavi", "napiši", "napisi", "izradi", "pripremi", "formuliraj"}

var legalObjects = []string{"ugovor", "tužb", "tuzb", "žalb", "zalb", "optužnic", "oporuk", "sporazum o", "punomoć", "punomoc"}

// Standalone legal-domain phrases, blocked unconditionally.
var legalPhrases = []string{
	"pravni savjet", "pravno mišljenje", "pravno misljenje",
	"zastupanje na sudu", "sudski postupak", "parnic",
	"kazneno djelo", "kaznena prijava",
	"obiteljsko pravo", "razvod braka", "skrbništvo", "skrbnistvo",
	"investicijski savjet", "savjet za ulaganje",
	"utaja poreza", "izbjegavanje poreza", "sakrij prihod", "fiktivni račun", "fiktivni racun",
}

// Labour-law terms: allowed only inside a payroll-calculation context,
// blocked otherwise.
var labourTerms = []string{
	"ugovor o djelu", "ugovor o radu", "autorski ugovor",
	"otkaz", "otpremnin", "bolovanj", "godišnji odmor", "godisnji odmor",
}

var payrollIndicators = []string{
	"obračun", "obracun", "plaća", "placa", "plać", "naknad",
	"bruto", "neto", "doprinos", "joppd", "drugi dohodak", "isplat",
}

var autonomousPhrases = []string{
	"proknjiži automatski", "proknjizi automatski",
	"automatski proknjiži", "automatski proknjizi",
	"knjiži bez odobrenja", "knjizi bez odobrenja",
	"bez odobrenja", "bez provjere", "preskoči odobrenje", "preskoci odobrenje",
	"pošalji u erp bez", "posalji u erp bez", "direktno u erp",
}

var cloudVendors = []string{
	"openai", "chatgpt", "gpt-4", "gpt-3", "claude", "anthropic",
	"gemini", "bard", "copilot", "azure openai", "cloud api", "vanjski api",
}

// Overseer evaluates every chat submission and every booking before it
// reaches the queue or the ledger.
type Overseer struct {
	MaxCashEUR decimal.Decimal
	KmRateEUR  decimal.Decimal

	logger  *log.Logger
	checked int64
	blocked int64
}

func NewOverseer(maxCashEUR, kmRateEUR float64) *Overseer {
	return &Overseer{
		MaxCashEUR: decimal.NewFromFloat(maxCashEUR),
		KmRateEUR:  decimal.NewFromFloat(kmRateEUR),
		logger:     log.New(log.Writer(), "[OVERSEER] ", log.LstdFlags),
	}
}

// Evaluate applies the three hard boundaries to user text. actionType
// is recorded for the audit row only; the boundaries apply to all
// actions equally.
func (o *Overseer) Evaluate(text, actionType string) Decision {
	atomic.AddInt64(&o.checked, 1)
	lower := strings.ToLower(text)

	if d := o.checkLegal(lower); !d.Approved {
		return o.deny(d)
	}
	if phrase := firstMatch(lower, autonomousPhrases); phrase != "" {
		return o.deny(Decision{
			Reason: "Autonomno knjiženje nije dozvoljeno. Svako knjiženje zahtijeva ljudsko odobrenje prije slanja u ERP.",
			HardBoundary: true,
			BoundaryType: BoundaryAutonomous,
		})
	}
	if vendor := firstMatch(lower, cloudVendors); vendor != "" {
		return o.deny(Decision{
			Reason: "Korištenje vanjskih cloud AI servisa nije dozvoljeno. Svi podaci klijenata ostaju na lokalnom sustavu.",
			HardBoundary: true,
			BoundaryType: BoundaryCloud,
		})
	}
	return Decision{Approved: true}
}

func (o *Overseer) checkLegal(lower string) Decision {
	blockedLegal := Decision{
		Reason: "Ne mogu pomoći s pravnim poslovima. To je domena odvjetnika, ne računovodstva. Mogu pomoći s knjigovodstvenim i poreznim obračunima.",
		HardBoundary: true,
		BoundaryType: BoundaryLegal,
	}

	if firstMatch(lower, legalPhrases) != "" {
		return blockedLegal
	}

	// Drafting a contract or court document is legal work even when the
	// document type is a labour one.
	if firstMatch(lower, draftVerbs) != "" && firstMatch(lower, legalObjects) != "" {
		return blockedLegal
	}

	// Labour-law terms pass only with payroll-calculation context
	// (severance in an obračun, sick-leave compensation and the like).
	if firstMatch(lower, labourTerms) != "" && firstMatch(lower, payrollIndicators) == "" {
		return blockedLegal
	}

	return Decision{Approved: true}
}

func (o *Overseer) deny(d Decision) Decision {
	atomic.AddInt64(&o.blocked, 1)
	o.logger.Printf("blokirano (%s)", d.BoundaryType)
	return d
}

// BookingCheck is the overseer's view of a proposal; the pipeline fills
// it from its own types to keep the packages decoupled.
type BookingCheck struct {
	Total         decimal.Decimal
	DocType       string
	PaymentMethod string
	KmRate        decimal.Decimal
	Descriptions  []string
}

type BookingVerdict struct {
	Warnings         []string
	RequiresApproval bool
}

// ValidateBooking attaches soft warnings. It never auto-approves:
// RequiresApproval is always true.
func (o *Overseer) ValidateBooking(b BookingCheck) BookingVerdict {
	v := BookingVerdict{RequiresApproval: true}

	cash := b.PaymentMethod == "gotovina" || b.DocType == "blagajna"
	if cash && b.Total.GreaterThan(o.MaxCashEUR) {
		v.Warnings = append(v.Warnings, "Gotovinsko plaćanje iznad "+o.MaxCashEUR.StringFixed(2)+
			" EUR — provjeri Zakon o fiskalizaciji i ograničenja gotovinskog prometa")
	}
	if !b.KmRate.IsZero() && b.KmRate.GreaterThan(o.KmRateEUR) {
		v.Warnings = append(v.Warnings, "Naknada po kilometru iznad "+o.KmRateEUR.StringFixed(2)+
			" EUR/km — iznos iznad neoporezivog limita ulazi u dohodak")
	}
	for _, desc := range b.Descriptions {
		if strings.Contains(strings.ToLower(desc), "reprezentacij") {
			v.Warnings = append(v.Warnings, "Reprezentacija — priznaje se 50% troška, provjeri PDV tretman")
			break
		}
	}
	return v
}

// Stats feeds the monitor endpoint.
func (o *Overseer) Stats() map[string]interface{} {
	return map[string]interface{}{
		"checked": atomic.LoadInt64(&o.checked),
		"blocked": atomic.LoadInt64(&o.blocked),
	}
}

func firstMatch(text string, phrases []string) string {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return p
		}
	}
	return ""
}
