package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Zero is the canonical 0.00 amount.
var Zero = decimal.New(0, -2)

// ToAmount coerces a string into a fixed two-decimal amount with
// half-up rounding. NaN, Inf and unparseable input are rejected;
// negative amounts are allowed here and caught by validation so the
// operator sees them in the ordered error list.
func ToAmount(value string) (decimal.Decimal, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return Zero, fmt.Errorf("neispravan iznos '%s': prazno", value)
	}
	switch strings.ToLower(v) {
	case "nan", "+inf", "-inf", "inf", "infinity", "-infinity":
		return Zero, fmt.Errorf("nedozvoljeni iznos: %s", value)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return Zero, fmt.Errorf("neispravan iznos '%s': %v", value, err)
	}
	return roundAmount(d), nil
}

// roundAmount quantizes to cents, half away from zero. For the positive
// amounts the ledger accepts this is exactly half-up.
func roundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// FormatAmount renders an amount with exactly two fractional digits,
// the form stored in the database and hashed into fingerprints.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
