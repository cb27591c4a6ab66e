package mongostore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/order"
)

type itemDocument struct {
	Name        string          `bson:"name"`
	Description string          `bson:"description,omitempty"`
	Quantity    int64           `bson:"quantity"`
	UnitPrice   bson.Decimal128 `bson:"unit_price"`
	Total       bson.Decimal128 `bson:"total_price"`
}

type billingAddressDocument struct {
	Name    string `bson:"name"`
	Email   string `bson:"email"`
	Country string `bson:"country"`
	State   string `bson:"state,omitempty"`
	City    string `bson:"city,omitempty"`
	Address string `bson:"address"`
	ZipCode string `bson:"zip_code"`
}

type orderMetadataDocument struct {
	CreditsAmount        int64             `bson:"credits_amount,omitempty"`
	SubscriptionPlan     string            `bson:"subscription_plan,omitempty"`
	SubscriptionDuration int               `bson:"subscription_duration,omitempty"`
	PromoCode            string            `bson:"promo_code,omitempty"`
	Extra                map[string]string `bson:"extra,omitempty"`
}

type orderDocument struct {
	ID             string                  `bson:"_id"`
	AccountID      string                  `bson:"account_id"`
	Number         string                  `bson:"number"`
	Type           string                  `bson:"type"`
	Status         string                  `bson:"status"`
	Items          []itemDocument          `bson:"items"`
	Subtotal       bson.Decimal128         `bson:"subtotal"`
	Tax            bson.Decimal128         `bson:"tax"`
	Discount       bson.Decimal128         `bson:"discount"`
	Total          bson.Decimal128         `bson:"total"`
	Currency       string                  `bson:"currency"`
	PaymentMethod  string                  `bson:"payment_method,omitempty"`
	PaymentID      string                  `bson:"payment_id,omitempty"`
	RefundID       string                  `bson:"refund_id,omitempty"`
	RefundAmount   bson.Decimal128         `bson:"refund_amount"`
	Metadata       orderMetadataDocument   `bson:"metadata"`
	BillingAddress *billingAddressDocument `bson:"billing_address,omitempty"`
	Notes          string                  `bson:"notes,omitempty"`
	Fulfilled      bool                    `bson:"fulfilled"`
	PaidAt         *time.Time              `bson:"paid_at,omitempty"`
	RefundedAt     *time.Time              `bson:"refunded_at,omitempty"`
	Version        int64                   `bson:"version"`
	CreatedAt      time.Time               `bson:"created_at"`
	UpdatedAt      time.Time               `bson:"updated_at"`
}

func (store *Store) CreateOrder(ctx context.Context, value order.Order) error {
	document, err := toOrderDocument(value)
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	_, err = store.collection(collectionOrders).InsertOne(ctx, document)
	if mongo.IsDuplicateKeyError(err) {
		return wrapStoreError(errorSubjectOrder, errorCodeDuplicate, order.ErrDuplicateOrderNumber)
	}
	if err != nil {
		return wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	return store.findOrder(ctx, bson.M{"_id": id})
}

func (store *Store) GetOrderByNumber(ctx context.Context, number string) (order.Order, error) {
	return store.findOrder(ctx, bson.M{"number": number})
}

func (store *Store) UpdateOrder(ctx context.Context, value order.Order, expectedVersion int64) (order.Order, error) {
	document, err := toOrderDocument(value)
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	update := bson.M{"$set": bson.M{
		"status":         document.Status,
		"items":          document.Items,
		"subtotal":       document.Subtotal,
		"tax":            document.Tax,
		"discount":       document.Discount,
		"total":          document.Total,
		"payment_method": document.PaymentMethod,
		"payment_id":     document.PaymentID,
		"refund_id":      document.RefundID,
		"refund_amount":  document.RefundAmount,
		"metadata":       document.Metadata,
		"notes":          document.Notes,
		"fulfilled":      document.Fulfilled,
		"paid_at":        document.PaidAt,
		"refunded_at":    document.RefundedAt,
		"version":        expectedVersion + 1,
		"updated_at":     document.UpdatedAt,
	}}
	var updated orderDocument
	err = store.collection(collectionOrders).
		FindOneAndUpdate(ctx, bson.M{"_id": value.ID, "version": expectedVersion}, update, findAfter()).
		Decode(&updated)
	if isNoDocuments(err) {
		if _, getErr := store.GetOrder(ctx, value.ID); getErr != nil {
			return order.Order{}, getErr
		}
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeUpdate, ledger.ErrConflict)
	}
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeUpdate, err)
	}
	return fromOrderDocument(updated)
}

func (store *Store) ListOrders(ctx context.Context, filter order.Filter, page ledger.PageRequest) ([]order.Order, int64, error) {
	query := bson.M{}
	if filter.AccountID != "" {
		query["account_id"] = filter.AccountID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.Type != "" {
		query["type"] = string(filter.Type)
	}
	total, err := store.collection(collectionOrders).CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	cursor, err := store.collection(collectionOrders).Find(ctx, query,
		pageOptions(page, bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	var documents []orderDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, 0, wrapStoreError(errorSubjectOrder, errorCodeList, err)
	}
	orders := make([]order.Order, 0, len(documents))
	for _, document := range documents {
		value, err := fromOrderDocument(document)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, value)
	}
	return orders, total, nil
}

func (store *Store) GetOrderByPaymentID(ctx context.Context, paymentID string) (order.Order, error) {
	return store.findOrder(ctx, bson.M{"payment_id": paymentID})
}

type revenueDocument struct {
	Currency string          `bson:"_id"`
	Total    bson.Decimal128 `bson:"total"`
	Orders   int64           `bson:"orders"`
}

func (store *Store) OrderRevenue(ctx context.Context, paidFrom *time.Time, paidTo *time.Time) ([]order.Revenue, error) {
	match := bson.M{"status": string(order.StatusPaid)}
	if paidFrom != nil || paidTo != nil {
		window := bson.M{}
		if paidFrom != nil {
			window["$gte"] = paidFrom.UTC()
		}
		if paidTo != nil {
			window["$lte"] = paidTo.UTC()
		}
		match["paid_at"] = window
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{
			"_id":    "$currency",
			"total":  bson.M{"$sum": "$total"},
			"orders": bson.M{"$sum": 1},
		}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	}
	cursor, err := store.collection(collectionOrders).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrapStoreError(errorSubjectOrder, errorCodeStats, err)
	}
	var documents []revenueDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, wrapStoreError(errorSubjectOrder, errorCodeStats, err)
	}
	revenue := make([]order.Revenue, 0, len(documents))
	for _, document := range documents {
		currency, err := order.ParseCurrency(document.Currency)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		total, err := fromDecimal128(document.Total)
		if err != nil {
			return nil, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		revenue = append(revenue, order.Revenue{Currency: currency, Total: total, Orders: document.Orders})
	}
	return revenue, nil
}

func (store *Store) findOrder(ctx context.Context, filter bson.M) (order.Order, error) {
	var document orderDocument
	err := store.collection(collectionOrders).FindOne(ctx, filter).Decode(&document)
	if isNoDocuments(err) {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, order.ErrNotFound)
	}
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	return fromOrderDocument(document)
}

func toDecimal128(value decimal.Decimal) (bson.Decimal128, error) {
	return bson.ParseDecimal128(value.StringFixed(2))
}

func fromDecimal128(value bson.Decimal128) (decimal.Decimal, error) {
	if value.IsZero() {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value.String())
}

func toOrderDocument(value order.Order) (orderDocument, error) {
	amounts := []decimal.Decimal{value.Subtotal, value.Tax, value.Discount, value.Total, value.RefundAmount}
	converted := make([]bson.Decimal128, len(amounts))
	for index, amount := range amounts {
		parsed, err := toDecimal128(amount)
		if err != nil {
			return orderDocument{}, err
		}
		converted[index] = parsed
	}
	items := make([]itemDocument, 0, len(value.Items))
	for _, item := range value.Items {
		unitPrice, err := toDecimal128(item.UnitPrice)
		if err != nil {
			return orderDocument{}, err
		}
		total, err := toDecimal128(item.Total)
		if err != nil {
			return orderDocument{}, err
		}
		items = append(items, itemDocument{
			Name:        item.Name,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   unitPrice,
			Total:       total,
		})
	}
	document := orderDocument{
		ID:            value.ID,
		AccountID:     value.AccountID.String(),
		Number:        value.Number,
		Type:          string(value.Type),
		Status:        string(value.Status),
		Items:         items,
		Subtotal:      converted[0],
		Tax:           converted[1],
		Discount:      converted[2],
		Total:         converted[3],
		Currency:      string(value.Currency),
		PaymentMethod: string(value.PaymentMethod),
		PaymentID:     value.PaymentID,
		RefundID:      value.RefundID,
		RefundAmount:  converted[4],
		Metadata: orderMetadataDocument{
			CreditsAmount:        value.Metadata.CreditsAmount,
			SubscriptionPlan:     string(value.Metadata.SubscriptionPlan),
			SubscriptionDuration: value.Metadata.SubscriptionDuration,
			PromoCode:            value.Metadata.PromoCode,
			Extra:                value.Metadata.Extra,
		},
		Notes:      value.Notes,
		Fulfilled:  value.Fulfilled,
		PaidAt:     value.PaidAt,
		RefundedAt: value.RefundedAt,
		Version:    value.Version,
		CreatedAt:  value.CreatedAt.UTC(),
		UpdatedAt:  value.UpdatedAt.UTC(),
	}
	if value.BillingAddress != nil {
		address := billingAddressDocument(*value.BillingAddress)
		document.BillingAddress = &address
	}
	return document, nil
}

func fromOrderDocument(document orderDocument) (order.Order, error) {
	accountID, err := ledger.NewAccountID(document.AccountID)
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	orderType, err := order.ParseType(document.Type)
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	status, err := order.ParseStatus(document.Status)
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	currency, err := order.ParseCurrency(document.Currency)
	if err != nil {
		return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
	}
	amounts := []bson.Decimal128{document.Subtotal, document.Tax, document.Discount, document.Total, document.RefundAmount}
	converted := make([]decimal.Decimal, len(amounts))
	for index, amount := range amounts {
		parsed, err := fromDecimal128(amount)
		if err != nil {
			return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		converted[index] = parsed
	}
	items := make([]order.Item, 0, len(document.Items))
	for _, item := range document.Items {
		unitPrice, err := fromDecimal128(item.UnitPrice)
		if err != nil {
			return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		total, err := fromDecimal128(item.Total)
		if err != nil {
			return order.Order{}, wrapStoreError(errorSubjectOrder, errorCodeInvalid, err)
		}
		items = append(items, order.Item{
			Name:        item.Name,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   unitPrice,
			Total:       total,
		})
	}
	value := order.Order{
		ID:            document.ID,
		AccountID:     accountID,
		Number:        document.Number,
		Type:          orderType,
		Status:        status,
		Items:         items,
		Subtotal:      converted[0],
		Tax:           converted[1],
		Discount:      converted[2],
		Total:         converted[3],
		Currency:      currency,
		PaymentMethod: order.PaymentMethod(document.PaymentMethod),
		PaymentID:     document.PaymentID,
		RefundID:      document.RefundID,
		RefundAmount:  converted[4],
		Metadata: order.Metadata{
			CreditsAmount:        document.Metadata.CreditsAmount,
			SubscriptionPlan:     order.SubscriptionPlan(document.Metadata.SubscriptionPlan),
			SubscriptionDuration: document.Metadata.SubscriptionDuration,
			PromoCode:            document.Metadata.PromoCode,
			Extra:                document.Metadata.Extra,
		},
		Notes:      document.Notes,
		Fulfilled:  document.Fulfilled,
		PaidAt:     utcPointer(document.PaidAt),
		RefundedAt: utcPointer(document.RefundedAt),
		Version:    document.Version,
		CreatedAt:  document.CreatedAt.UTC(),
		UpdatedAt:  document.UpdatedAt.UTC(),
	}
	if document.BillingAddress != nil {
		address := order.BillingAddress(*document.BillingAddress)
		value.BillingAddress = &address
	}
	return value, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	normalized := value.UTC()
	return &normalized
}
