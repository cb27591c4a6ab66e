package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	stripeWebhook "github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/order"
)

const checkoutSessionComplete = "complete"

var zeroDecimalCurrencies = map[order.Currency]bool{order.CurrencyJPY: true}

// handleStripeWebhook settles orders from checkout.session.completed events.
// The checkout session carries the order number as client_reference_id.
// Events that cannot be applied are acknowledged so Stripe stops retrying;
// only storage failures answer 500. A payment id already recorded on a
// delivered order marks the event as a replay.
func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil || len(payload) == 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "empty or oversized body"))
		return
	}
	event, err := stripeWebhook.ConstructEventWithOptions(payload, ctx.GetHeader(stripeSignatureHeader), handler.cfg.StripeWebhookSecret, stripeWebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
		return
	}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if strings.TrimSpace(event.GetObjectValue("status")) != checkoutSessionComplete {
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	number := strings.TrimSpace(event.GetObjectValue("client_reference_id"))
	logger := handler.logger.With(zap.String("event_id", event.ID), zap.String("order_number", number))
	purchase, err := handler.services.Orders.GetByNumber(ctx.Request.Context(), number)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			logger.Warn("stripe event for unknown order")
			ctx.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		handler.respondError(ctx, err)
		return
	}
	if !amountMatches(purchase, event.GetObjectValue("amount_total"), event.GetObjectValue("currency")) {
		logger.Warn("stripe amount does not match order",
			zap.String("amount_total", event.GetObjectValue("amount_total")),
			zap.String("currency", event.GetObjectValue("currency")),
			zap.String("order_total", purchase.Total.StringFixed(2)))
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	paymentID := strings.TrimSpace(event.GetObjectValue("payment_intent"))
	if paymentID == "" || paymentID == "<nil>" {
		paymentID = strings.TrimSpace(event.GetObjectValue("id"))
	}
	if paymentID != "" {
		settled, err := handler.services.Orders.GetByPaymentID(ctx.Request.Context(), paymentID)
		switch {
		case err == nil && settled.ID != purchase.ID:
			logger.Warn("stripe payment already settled another order",
				zap.String("payment_id", paymentID),
				zap.String("settled_order_number", settled.Number))
			ctx.JSON(http.StatusOK, gin.H{"received": true})
			return
		case err == nil && settled.Fulfilled:
			logger.Info("stripe event replayed", zap.String("payment_id", paymentID))
			ctx.JSON(http.StatusOK, gin.H{"received": true})
			return
		case err != nil && !errors.Is(err, ledger.ErrNotFound):
			handler.respondError(ctx, err)
			return
		}
	}
	if _, err := handler.services.Orders.MarkPaid(ctx.Request.Context(), purchase.ID, paymentID, order.PaymentStripe); err != nil {
		if errors.Is(err, ledger.ErrInvalidStateTransition) {
			logger.Warn("stripe payment for settled order", zap.String("status", string(purchase.Status)))
			ctx.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		handler.respondError(ctx, err)
		return
	}
	logger.Info("order paid via stripe", zap.String("payment_id", paymentID))
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

// amountMatches compares the charged amount in minor units with the order total.
func amountMatches(purchase order.Order, rawAmount string, rawCurrency string) bool {
	// Stripe numbers arrive through a float64 map, so large amounts may be
	// rendered in exponent form.
	amount, err := decimal.NewFromString(strings.TrimSpace(rawAmount))
	if err != nil || amount.IsNegative() {
		return false
	}
	currency := order.Currency(strings.ToUpper(strings.TrimSpace(rawCurrency)))
	if currency != purchase.Currency {
		return false
	}
	scale := int32(2)
	if zeroDecimalCurrencies[currency] {
		scale = 0
	}
	expected := purchase.Total.Shift(scale)
	return expected.Equal(amount)
}
