package order

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const numberAttempts = 5

var errNoChange = errors.New("no change")

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDiscountResolver enables promo codes.
func WithDiscountResolver(resolver DiscountResolver) ServiceOption {
	return func(service *Service) {
		service.discounts = resolver
	}
}

// WithNumberGenerator replaces the order number source.
func WithNumberGenerator(generator NumberGenerator) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.numbers = generator
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// Service manages orders and applies paid purchases to the ledger.
type Service struct {
	store     Store
	accounts  *ledger.Service
	discounts DiscountResolver
	numbers   NumberGenerator
	logger    *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, accounts *ledger.Service, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: order store is nil", ledger.ErrInvalidServiceConfig)
	}
	if accounts == nil {
		return nil, fmt.Errorf("%w: ledger service is nil", ledger.ErrInvalidServiceConfig)
	}
	service := &Service{store: store, accounts: accounts, numbers: NewNumber, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateInput is the payload of Create.
type CreateInput struct {
	AccountID      ledger.AccountID
	Type           string
	Items          []Item
	Currency       string
	BillingAddress *BillingAddress
	Metadata       Metadata
	Notes          string
}

// Create prices and stores a pending order with a fresh unique number.
func (service *Service) Create(ctx context.Context, input CreateInput) (Order, error) {
	order, err := service.prepare(ctx, input)
	if err != nil {
		return Order{}, err
	}
	if _, err := service.accounts.Account(ctx, input.AccountID); err != nil {
		return Order{}, err
	}
	for attempt := 0; attempt < numberAttempts; attempt++ {
		order.Number = NormalizeNumber(service.numbers(order.CreatedAt))
		err = service.store.CreateOrder(ctx, order)
		if !errors.Is(err, ErrDuplicateOrderNumber) {
			break
		}
		service.logger.Debug("order number collision", zap.String("order_number", order.Number))
	}
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (service *Service) prepare(ctx context.Context, input CreateInput) (Order, error) {
	if input.AccountID.IsZero() {
		return Order{}, ledger.NewValidationError("accountId", "must not be empty")
	}
	orderType, err := ParseType(input.Type)
	if err != nil {
		return Order{}, err
	}
	items, err := NormalizeItems(input.Items)
	if err != nil {
		return Order{}, err
	}
	currency, err := ParseCurrency(input.Currency)
	if err != nil {
		return Order{}, err
	}
	metadata, err := normalizeMetadata(orderType, input.Metadata)
	if err != nil {
		return Order{}, err
	}
	billing, err := normalizeBillingAddress(input.BillingAddress)
	if err != nil {
		return Order{}, err
	}
	notes := strings.TrimSpace(input.Notes)
	if len([]rune(notes)) > MaxNotesLength {
		return Order{}, ledger.NewValidationError("notes", "exceeds %d characters", MaxNotesLength)
	}
	id, err := ledger.NewEntityID(ledger.PrefixOrder)
	if err != nil {
		return Order{}, err
	}
	now := service.accounts.Now()
	order := Recalculate(Order{
		ID:             id,
		AccountID:      input.AccountID,
		Type:           orderType,
		Status:         StatusPending,
		Items:          items,
		Currency:       currency,
		Metadata:       metadata,
		BillingAddress: billing,
		Notes:          notes,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if metadata.PromoCode != "" {
		if service.discounts == nil {
			return Order{}, ledger.NewValidationError("metadata.promoCode", "promo codes are not accepted")
		}
		discount, err := service.discounts.ResolveDiscount(ctx, metadata.PromoCode, order.Subtotal)
		if err != nil {
			return Order{}, err
		}
		order = ApplyDiscount(order, discount)
	}
	return order, nil
}

// Get returns an order owned by accountID.
func (service *Service) Get(ctx context.Context, accountID ledger.AccountID, id string) (Order, error) {
	order, err := service.store.GetOrder(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if order.AccountID != accountID {
		return Order{}, ledger.ErrUnauthorized
	}
	return order, nil
}

// GetByNumber looks an order up by its public number.
func (service *Service) GetByNumber(ctx context.Context, number string) (Order, error) {
	return service.store.GetOrderByNumber(ctx, NormalizeNumber(number))
}

// GetByPaymentID returns the order settled by paymentID.
func (service *Service) GetByPaymentID(ctx context.Context, paymentID string) (Order, error) {
	trimmed := strings.TrimSpace(paymentID)
	if trimmed == "" {
		return Order{}, ledger.NewValidationError("paymentId", "is required")
	}
	return service.store.GetOrderByPaymentID(ctx, trimmed)
}

// Revenue reports paid totals per currency for orders paid within the
// optional bounds.
func (service *Service) Revenue(ctx context.Context, paidFrom *time.Time, paidTo *time.Time) ([]Revenue, error) {
	if paidFrom != nil && paidTo != nil && paidFrom.After(*paidTo) {
		return nil, ledger.NewValidationError("to", "must not be before from")
	}
	revenue, err := service.store.OrderRevenue(ctx, paidFrom, paidTo)
	if err != nil {
		return nil, err
	}
	if revenue == nil {
		revenue = []Revenue{}
	}
	for index := range revenue {
		revenue[index].Total = revenue[index].Total.Round(moneyScale)
	}
	return revenue, nil
}

// List returns orders of accountID, newest first.
func (service *Service) List(ctx context.Context, accountID ledger.AccountID, filter Filter, page ledger.PageRequest) (Page, error) {
	if accountID.IsZero() {
		return Page{}, ledger.NewValidationError("accountId", "is required")
	}
	filter.AccountID = accountID.String()
	normalized := page.Normalize()
	items, total, err := service.store.ListOrders(ctx, filter, normalized)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []Order{}
	}
	return Page{Items: items, Pagination: ledger.NewPageInfo(normalized, total)}, nil
}

// MarkPaid settles an order and delivers what it bought: credits orders add
// Metadata.CreditsAmount to the balance, subscription orders set the tier.
// Delivery is claimed on the order before the ledger call, so a repeated
// payment notification delivers at most once and a failed delivery can be
// retried by calling MarkPaid again with the same payment id.
func (service *Service) MarkPaid(ctx context.Context, id string, paymentID string, method PaymentMethod) (Order, error) {
	claimed := false
	order, err := service.transition(ctx, id, func(current Order, at time.Time) (Order, error) {
		claimed = false
		next := current
		switch {
		case current.Status == StatusPending:
			var paidErr error
			next, paidErr = MarkPaid(current, paymentID, method, at)
			if paidErr != nil {
				return current, paidErr
			}
		case current.Status == StatusPaid && current.PaymentID == strings.TrimSpace(paymentID):
			if current.Fulfilled {
				return current, errNoChange
			}
		default:
			return current, transitionError(current.Status, StatusPaid)
		}
		next.Fulfilled = true
		claimed = true
		return next, nil
	})
	if err != nil || !claimed {
		return order, err
	}
	if deliverErr := service.deliver(ctx, order); deliverErr != nil {
		released, releaseErr := service.transition(context.WithoutCancel(ctx), id, func(current Order, at time.Time) (Order, error) {
			if !current.Fulfilled {
				return current, errNoChange
			}
			current.Fulfilled = false
			current.UpdatedAt = at
			return current, nil
		})
		if releaseErr != nil {
			service.logger.Error("order delivery claim not released",
				zap.String("order_id", id),
				zap.Error(releaseErr))
			return order, deliverErr
		}
		return released, deliverErr
	}
	return order, nil
}

// MarkPaidByNumber settles an order addressed by its public number.
func (service *Service) MarkPaidByNumber(ctx context.Context, number string, paymentID string, method PaymentMethod) (Order, error) {
	order, err := service.GetByNumber(ctx, number)
	if err != nil {
		return Order{}, err
	}
	return service.MarkPaid(ctx, order.ID, paymentID, method)
}

// MarkFailed records a failed payment.
func (service *Service) MarkFailed(ctx context.Context, id string) (Order, error) {
	return service.transition(ctx, id, func(current Order, at time.Time) (Order, error) {
		return MarkFailed(current, at)
	})
}

// Cancel withdraws a pending order owned by accountID.
func (service *Service) Cancel(ctx context.Context, accountID ledger.AccountID, id string) (Order, error) {
	return service.transition(ctx, id, func(current Order, at time.Time) (Order, error) {
		if current.AccountID != accountID {
			return current, ledger.ErrUnauthorized
		}
		return Cancel(current, at)
	})
}

// Refund reverses a paid order. A nil amount refunds the full total.
func (service *Service) Refund(ctx context.Context, id string, refundID string, amount *decimal.Decimal) (Order, error) {
	return service.transition(ctx, id, func(current Order, at time.Time) (Order, error) {
		return Refund(current, refundID, amount, at)
	})
}

// AddNote appends to the order notes.
func (service *Service) AddNote(ctx context.Context, id string, text string) (Order, error) {
	return service.transition(ctx, id, func(current Order, at time.Time) (Order, error) {
		return AddNote(current, text, at)
	})
}

func (service *Service) deliver(ctx context.Context, order Order) error {
	switch order.Type {
	case TypeCredits:
		if order.Metadata.CreditsAmount <= 0 {
			return nil
		}
		_, err := service.accounts.Credit(ctx, order.AccountID, order.Metadata.CreditsAmount)
		return err
	case TypeSubscription:
		tier, err := order.Metadata.SubscriptionPlan.Tier()
		if err != nil {
			return err
		}
		_, err = service.accounts.SetTier(ctx, order.AccountID, tier)
		return err
	default:
		return nil
	}
}

func (service *Service) transition(ctx context.Context, id string, apply func(Order, time.Time) (Order, error)) (Order, error) {
	var updated Order
	err := ledger.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		current, err := service.store.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		next, err := apply(current, service.accounts.Now())
		if errors.Is(err, errNoChange) {
			updated = current
			return nil
		}
		if err != nil {
			return err
		}
		updated, err = service.store.UpdateOrder(ctx, next, current.Version)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

func normalizeMetadata(orderType Type, metadata Metadata) (Metadata, error) {
	metadata.PromoCode = strings.ToUpper(strings.TrimSpace(metadata.PromoCode))
	if metadata.CreditsAmount < 0 {
		return Metadata{}, ledger.NewValidationError("metadata.creditsAmount", "must not be negative")
	}
	if metadata.SubscriptionDuration < 0 {
		return Metadata{}, ledger.NewValidationError("metadata.subscriptionDuration", "must not be negative")
	}
	if orderType == TypeSubscription {
		if _, err := metadata.SubscriptionPlan.Tier(); err != nil {
			return Metadata{}, err
		}
	}
	return metadata, nil
}

func normalizeBillingAddress(address *BillingAddress) (*BillingAddress, error) {
	if address == nil {
		return nil, nil
	}
	normalized := BillingAddress{
		Name:    strings.TrimSpace(address.Name),
		Email:   strings.ToLower(strings.TrimSpace(address.Email)),
		Country: strings.TrimSpace(address.Country),
		State:   strings.TrimSpace(address.State),
		City:    strings.TrimSpace(address.City),
		Address: strings.TrimSpace(address.Address),
		ZipCode: strings.TrimSpace(address.ZipCode),
	}
	required := []struct {
		field string
		value string
	}{
		{field: "billingAddress.name", value: normalized.Name},
		{field: "billingAddress.email", value: normalized.Email},
		{field: "billingAddress.country", value: normalized.Country},
		{field: "billingAddress.address", value: normalized.Address},
		{field: "billingAddress.zipCode", value: normalized.ZipCode},
	}
	for _, requirement := range required {
		if requirement.value == "" {
			return nil, ledger.NewValidationError(requirement.field, "is required")
		}
	}
	if _, err := mail.ParseAddress(normalized.Email); err != nil {
		return nil, ledger.NewValidationError("billingAddress.email", "is not a valid email address")
	}
	return &normalized, nil
}
