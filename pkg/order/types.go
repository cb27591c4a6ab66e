package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const (
	MaxNotesLength = 1000
	moneyScale     = 2
)

var (
	// ErrNotFound reports a missing order.
	ErrNotFound = fmt.Errorf("order %w", ledger.ErrNotFound)
	// ErrDuplicateOrderNumber is returned by stores when the unique order
	// number index rejects an insert.
	ErrDuplicateOrderNumber = fmt.Errorf("order number %w", ledger.ErrDuplicate)
)

// Type distinguishes what an order buys.
type Type string

const (
	TypeCredits      Type = "credits"
	TypeSubscription Type = "subscription"
)

// ParseType validates an order type.
func ParseType(raw string) (Type, error) {
	switch orderType := Type(strings.ToLower(strings.TrimSpace(raw))); orderType {
	case TypeCredits, TypeSubscription:
		return orderType, nil
	default:
		return "", ledger.NewValidationError("type", "must be one of credits, subscription")
	}
}

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// ParseStatus validates a status name.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusPending, StatusPaid, StatusFailed, StatusCancelled, StatusRefunded:
		return status, nil
	default:
		return "", ledger.NewValidationError("status", "unsupported status %q", raw)
	}
}

// Currency is an ISO 4217 code accepted for orders.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyCNY Currency = "CNY"
	CurrencyJPY Currency = "JPY"
)

// ParseCurrency validates a currency; empty means USD.
func ParseCurrency(raw string) (Currency, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return CurrencyUSD, nil
	}
	switch currency := Currency(trimmed); currency {
	case CurrencyUSD, CurrencyEUR, CurrencyGBP, CurrencyCNY, CurrencyJPY:
		return currency, nil
	default:
		return "", ledger.NewValidationError("currency", "must be one of USD, EUR, GBP, CNY, JPY")
	}
}

// PaymentMethod is the channel that settled an order.
type PaymentMethod string

const (
	PaymentStripe PaymentMethod = "stripe"
	PaymentPayPal PaymentMethod = "paypal"
	PaymentWeChat PaymentMethod = "wechat"
	PaymentAlipay PaymentMethod = "alipay"
)

// ParsePaymentMethod validates a payment method.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw))); method {
	case PaymentStripe, PaymentPayPal, PaymentWeChat, PaymentAlipay:
		return method, nil
	default:
		return "", ledger.NewValidationError("paymentMethod", "must be one of stripe, paypal, wechat, alipay")
	}
}

// SubscriptionPlan names a purchasable subscription.
type SubscriptionPlan string

const (
	PlanProMonthly        SubscriptionPlan = "pro_monthly"
	PlanProYearly         SubscriptionPlan = "pro_yearly"
	PlanEnterpriseMonthly SubscriptionPlan = "enterprise_monthly"
	PlanEnterpriseYearly  SubscriptionPlan = "enterprise_yearly"
)

// Tier returns the membership tier a plan grants.
func (plan SubscriptionPlan) Tier() (ledger.Tier, error) {
	switch plan {
	case PlanProMonthly, PlanProYearly:
		return ledger.TierPro, nil
	case PlanEnterpriseMonthly, PlanEnterpriseYearly:
		return ledger.TierEnterprise, nil
	default:
		return "", ledger.NewValidationError("metadata.subscriptionPlan", "unsupported plan %q", plan)
	}
}

// Item is one order line.
type Item struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Total       decimal.Decimal `json:"totalPrice"`
}

// BillingAddress is where an order is invoiced.
type BillingAddress struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Country string `json:"country"`
	State   string `json:"state,omitempty"`
	City    string `json:"city,omitempty"`
	Address string `json:"address"`
	ZipCode string `json:"zipCode"`
}

// Metadata carries what the order delivers once paid.
type Metadata struct {
	CreditsAmount        int64             `json:"creditsAmount,omitempty"`
	SubscriptionPlan     SubscriptionPlan  `json:"subscriptionPlan,omitempty"`
	SubscriptionDuration int               `json:"subscriptionDuration,omitempty"`
	PromoCode            string            `json:"promoCode,omitempty"`
	Extra                map[string]string `json:"extra,omitempty"`
}

// Order is a commerce transaction of one account.
type Order struct {
	ID             string
	AccountID      ledger.AccountID
	Number         string
	Type           Type
	Status         Status
	Items          []Item
	Subtotal       decimal.Decimal
	Tax            decimal.Decimal
	Discount       decimal.Decimal
	Total          decimal.Decimal
	Currency       Currency
	PaymentMethod  PaymentMethod
	PaymentID      string
	RefundID       string
	RefundAmount   decimal.Decimal
	Metadata       Metadata
	BillingAddress *BillingAddress
	Notes          string
	// Fulfilled is set once the purchased credits or tier were applied.
	Fulfilled  bool
	PaidAt     *time.Time
	RefundedAt *time.Time
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Filter selects orders of one account.
type Filter struct {
	AccountID string
	Status    Status
	Type      Type
}

// Revenue is the paid volume of one currency.
type Revenue struct {
	Currency Currency
	Total    decimal.Decimal
	Orders   int64
}

// Page is one window of a listing.
type Page struct {
	Items      []Order
	Pagination ledger.PageInfo
}

// Store persists orders.
type Store interface {
	// CreateOrder fails with ErrDuplicateOrderNumber when the number is taken.
	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderByNumber(ctx context.Context, number string) (Order, error)
	UpdateOrder(ctx context.Context, order Order, expectedVersion int64) (Order, error)
	ListOrders(ctx context.Context, filter Filter, page ledger.PageRequest) ([]Order, int64, error)
	GetOrderByPaymentID(ctx context.Context, paymentID string) (Order, error)
	// OrderRevenue sums paid orders per currency, ordered by currency. Nil
	// bounds are open; set bounds include orders paid exactly at them.
	OrderRevenue(ctx context.Context, paidFrom *time.Time, paidTo *time.Time) ([]Revenue, error)
}
