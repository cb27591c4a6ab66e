package order

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

// TaxRate is applied to every subtotal.
var TaxRate = decimal.RequireFromString("0.10")

// NormalizeItems validates lines and computes each line total.
func NormalizeItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, ledger.NewValidationError("items", "must contain at least one item")
	}
	normalized := make([]Item, 0, len(items))
	for index, item := range items {
		item.Name = strings.TrimSpace(item.Name)
		item.Description = strings.TrimSpace(item.Description)
		if item.Quantity < 1 {
			return nil, ledger.NewValidationError("items", "item %d: quantity must be at least 1", index)
		}
		if item.UnitPrice.IsNegative() {
			return nil, ledger.NewValidationError("items", "item %d: unit price must not be negative", index)
		}
		item.UnitPrice = item.UnitPrice.Round(moneyScale)
		item.Total = item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity)).Round(moneyScale)
		normalized = append(normalized, item)
	}
	return normalized, nil
}

// Recalculate derives subtotal, tax and total from the items and the
// discount. It is the only place those fields are written. A discount larger
// than subtotal plus tax is capped so the total never goes negative.
func Recalculate(order Order) Order {
	subtotal := decimal.Zero
	for _, item := range order.Items {
		subtotal = subtotal.Add(item.Total)
	}
	order.Subtotal = subtotal.Round(moneyScale)
	order.Tax = order.Subtotal.Mul(TaxRate).Round(moneyScale)
	gross := order.Subtotal.Add(order.Tax)
	discount := order.Discount.Round(moneyScale)
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(gross) {
		discount = gross
	}
	order.Discount = discount
	order.Total = gross.Sub(discount)
	return order
}

// ApplyDiscount sets the discount and recomputes the total.
func ApplyDiscount(order Order, discount decimal.Decimal) Order {
	order.Discount = discount
	return Recalculate(order)
}
