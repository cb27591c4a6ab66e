package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/order"
)

func (store *Store) CreateOrder(ctx context.Context, value order.Order) error {
	model, err := orderModel(value)
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, order.ErrDuplicateOrderNumber)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	return store.findOrder(ctx, "id = ?", id)
}

func (store *Store) GetOrderByNumber(ctx context.Context, number string) (order.Order, error) {
	return store.findOrder(ctx, "number = ?", number)
}

func (store *Store) UpdateOrder(ctx context.Context, value order.Order, expectedVersion int64) (order.Order, error) {
	model, err := orderModel(value)
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	var updated order.Order
	err = store.withTx(ctx, func(txStore *Store) error {
		result := txStore.db.WithContext(ctx).
			Model(&Order{}).
			Where("id = ? AND version = ?", value.ID, expectedVersion).
			Updates(map[string]any{
				"status":         model.Status,
				"items":          model.Items,
				"subtotal":       model.Subtotal,
				"tax":            model.Tax,
				"discount":       model.Discount,
				"total":          model.Total,
				"payment_method": model.PaymentMethod,
				"payment_id":     model.PaymentID,
				"refund_id":      model.RefundID,
				"refund_amount":  model.RefundAmount,
				"metadata":       model.Metadata,
				"notes":          model.Notes,
				"fulfilled":      model.Fulfilled,
				"paid_at":        model.PaidAt,
				"refunded_at":    model.RefundedAt,
				"version":        expectedVersion + 1,
				"updated_at":     model.UpdatedAt,
			})
		if result.Error != nil {
			return wrapStoreError(errorSubjectOrder, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			if _, err := txStore.GetOrder(ctx, value.ID); err != nil {
				return err
			}
			return wrapStoreError(errorSubjectOrder, errorCodeUpdate, ledger.ErrConflict)
		}
		current, err := txStore.GetOrder(ctx, value.ID)
		if err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return order.Order{}, err
	}
	return updated, nil
}

func (store *Store) ListOrders(ctx context.Context, filter order.Filter, page ledger.PageRequest) ([]order.Order, int64, error) {
	query := store.db.WithContext(ctx).Model(&Order{})
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Type != "" {
		query = query.Where("type = ?", string(filter.Type))
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	var rows []Order
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset(page.Offset()).
		Limit(page.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	orders := make([]order.Order, 0, len(rows))
	for _, row := range rows {
		value, err := mapOrder(row)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, value)
	}
	return orders, total, nil
}

func (store *Store) GetOrderByPaymentID(ctx context.Context, paymentID string) (order.Order, error) {
	return store.findOrder(ctx, "payment_id = ?", paymentID)
}

type revenueRow struct {
	Currency string
	Total    decimal.Decimal
	Orders   int64
}

func (store *Store) OrderRevenue(ctx context.Context, paidFrom *time.Time, paidTo *time.Time) ([]order.Revenue, error) {
	query := store.db.WithContext(ctx).
		Model(&Order{}).
		Select("currency, SUM(total) AS total, COUNT(*) AS orders").
		Where("status = ?", string(order.StatusPaid))
	if paidFrom != nil {
		query = query.Where("paid_at >= ?", paidFrom.UTC())
	}
	if paidTo != nil {
		query = query.Where("paid_at <= ?", paidTo.UTC())
	}
	var rows []revenueRow
	if err := query.Group("currency").Order("currency ASC").Scan(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectOrder, errorCodeStats, err)
	}
	revenue := make([]order.Revenue, 0, len(rows))
	for _, row := range rows {
		currency, err := order.ParseCurrency(row.Currency)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		revenue = append(revenue, order.Revenue{Currency: currency, Total: row.Total, Orders: row.Orders})
	}
	return revenue, nil
}

func (store *Store) findOrder(ctx context.Context, condition string, argument string) (order.Order, error) {
	var model Order
	err := store.db.WithContext(ctx).Where(condition, argument).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, order.ErrNotFound)
	}
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	return mapOrder(model)
}

func orderModel(value order.Order) (Order, error) {
	items, err := encodeJSON(value.Items)
	if err != nil {
		return Order{}, err
	}
	metadata, err := encodeJSON(value.Metadata)
	if err != nil {
		return Order{}, err
	}
	model := Order{
		ID:            value.ID,
		AccountID:     value.AccountID.String(),
		Number:        value.Number,
		Type:          string(value.Type),
		Status:        string(value.Status),
		Items:         items,
		Subtotal:      value.Subtotal,
		Tax:           value.Tax,
		Discount:      value.Discount,
		Total:         value.Total,
		Currency:      string(value.Currency),
		PaymentMethod: string(value.PaymentMethod),
		PaymentID:     value.PaymentID,
		RefundID:      value.RefundID,
		RefundAmount:  value.RefundAmount,
		Metadata:      metadata,
		Notes:         value.Notes,
		Fulfilled:     value.Fulfilled,
		PaidAt:        utcPointer(value.PaidAt),
		RefundedAt:    utcPointer(value.RefundedAt),
		Version:       value.Version,
		CreatedAt:     value.CreatedAt.UTC(),
		UpdatedAt:     value.UpdatedAt.UTC(),
	}
	if value.BillingAddress != nil {
		if model.BillingAddress, err = encodeJSON(value.BillingAddress); err != nil {
			return Order{}, err
		}
	}
	return model, nil
}

func mapOrder(model Order) (order.Order, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	orderType, err := order.ParseType(model.Type)
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	status, err := order.ParseStatus(model.Status)
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	currency, err := order.ParseCurrency(model.Currency)
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	value := order.Order{
		ID:            model.ID,
		AccountID:     accountID,
		Number:        model.Number,
		Type:          orderType,
		Status:        status,
		Subtotal:      model.Subtotal,
		Tax:           model.Tax,
		Discount:      model.Discount,
		Total:         model.Total,
		Currency:      currency,
		PaymentMethod: order.PaymentMethod(model.PaymentMethod),
		PaymentID:     model.PaymentID,
		RefundID:      model.RefundID,
		RefundAmount:  model.RefundAmount,
		Notes:         model.Notes,
		Fulfilled:     model.Fulfilled,
		PaidAt:        utcPointer(model.PaidAt),
		RefundedAt:    utcPointer(model.RefundedAt),
		Version:       model.Version,
		CreatedAt:     model.CreatedAt.UTC(),
		UpdatedAt:     model.UpdatedAt.UTC(),
	}
	if err := decodeJSON(model.Items, &value.Items); err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	if err := decodeJSON(model.Metadata, &value.Metadata); err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	if len(model.BillingAddress) > 0 && string(model.BillingAddress) != "null" {
		var address order.BillingAddress
		if err := decodeJSON(model.BillingAddress, &address); err != nil {
			return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		value.BillingAddress = &address
	}
	return value, nil
}
