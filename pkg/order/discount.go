package order

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

// DiscountResolver prices a promo code against a subtotal.
type DiscountResolver interface {
	ResolveDiscount(ctx context.Context, promoCode string, subtotal decimal.Decimal) (decimal.Decimal, error)
}

// PercentDiscounts maps upper-case promo codes to a fraction of the subtotal.
type PercentDiscounts map[string]decimal.Decimal

// ParsePercentDiscounts reads "CODE=0.15,OTHER=0.5" pairs.
func ParsePercentDiscounts(raw string) (PercentDiscounts, error) {
	discounts := PercentDiscounts{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, fraction, found := strings.Cut(pair, "=")
		if !found {
			return nil, ledger.NewValidationError("promoCodes", "entry %q must look like CODE=0.10", pair)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(fraction))
		if err != nil || value.IsNegative() || value.GreaterThan(decimal.NewFromInt(1)) {
			return nil, ledger.NewValidationError("promoCodes", "entry %q needs a fraction between 0 and 1", pair)
		}
		discounts[strings.ToUpper(strings.TrimSpace(code))] = value
	}
	return discounts, nil
}

// ResolveDiscount returns subtotal times the code's fraction.
func (discounts PercentDiscounts) ResolveDiscount(_ context.Context, promoCode string, subtotal decimal.Decimal) (decimal.Decimal, error) {
	fraction, known := discounts[strings.ToUpper(strings.TrimSpace(promoCode))]
	if !known {
		return decimal.Zero, ledger.NewValidationError("metadata.promoCode", "unknown promo code")
	}
	return subtotal.Mul(fraction).Round(moneyScale), nil
}
