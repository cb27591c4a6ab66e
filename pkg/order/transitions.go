package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const entityName = "order"

// MarkPaid settles a pending order.
func MarkPaid(order Order, paymentID string, method PaymentMethod, at time.Time) (Order, error) {
	if order.Status != StatusPending {
		return order, transitionError(order.Status, StatusPaid)
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return order, ledger.NewValidationError("paymentId", "must not be empty")
	}
	if _, err := ParsePaymentMethod(string(method)); err != nil {
		return order, err
	}
	paidAt := at
	order.Status = StatusPaid
	order.PaymentID = paymentID
	order.PaymentMethod = method
	order.PaidAt = &paidAt
	order.UpdatedAt = at
	return order, nil
}

// MarkFailed records a failed payment of a pending order.
func MarkFailed(order Order, at time.Time) (Order, error) {
	if order.Status != StatusPending {
		return order, transitionError(order.Status, StatusFailed)
	}
	order.Status = StatusFailed
	order.UpdatedAt = at
	return order, nil
}

// Cancel withdraws a pending order.
func Cancel(order Order, at time.Time) (Order, error) {
	if order.Status != StatusPending {
		return order, transitionError(order.Status, StatusCancelled)
	}
	order.Status = StatusCancelled
	order.UpdatedAt = at
	return order, nil
}

// Refund reverses a paid order. A nil amount refunds the full total.
func Refund(order Order, refundID string, amount *decimal.Decimal, at time.Time) (Order, error) {
	if order.Status != StatusPaid {
		return order, transitionError(order.Status, StatusRefunded)
	}
	refundID = strings.TrimSpace(refundID)
	if refundID == "" {
		return order, ledger.NewValidationError("refundId", "must not be empty")
	}
	refundAmount := order.Total
	if amount != nil {
		refundAmount = amount.Round(moneyScale)
		if !refundAmount.IsPositive() {
			return order, ledger.NewValidationError("refundAmount", "must be positive")
		}
		if refundAmount.GreaterThan(order.Total) {
			return order, ledger.NewValidationError("refundAmount", "must not exceed the order total %s", order.Total.StringFixed(moneyScale))
		}
	}
	refundedAt := at
	order.Status = StatusRefunded
	order.RefundID = refundID
	order.RefundAmount = refundAmount
	order.RefundedAt = &refundedAt
	order.UpdatedAt = at
	return order, nil
}

// AddNote appends a line to the notes log.
func AddNote(order Order, text string, at time.Time) (Order, error) {
	note := strings.TrimSpace(text)
	if note == "" {
		return order, ledger.NewValidationError("note", "must not be empty")
	}
	notes := note
	if order.Notes != "" {
		notes = order.Notes + "\n" + note
	}
	if len([]rune(notes)) > MaxNotesLength {
		return order, ledger.NewValidationError("note", "notes exceed %d characters", MaxNotesLength)
	}
	order.Notes = notes
	order.UpdatedAt = at
	return order, nil
}

func transitionError(from Status, to Status) error {
	return ledger.TransitionError{Entity: entityName, From: string(from), To: string(to)}
}
