package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/order"
)

func (handler *httpHandler) handleCreateOrder(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var request createOrderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalidPayload(ctx)
		return
	}
	items := make([]order.Item, 0, len(request.Items))
	for _, item := range request.Items {
		items = append(items, order.Item{
			Name:        item.Name,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		})
	}
	created, err := handler.services.Orders.Create(ctx.Request.Context(), order.CreateInput{
		AccountID:      accountID,
		Type:           request.Type,
		Items:          items,
		Currency:       request.Currency,
		BillingAddress: request.BillingAddress,
		Metadata:       request.Metadata,
		Notes:          request.Notes,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newOrderResponse(created))
}

func (handler *httpHandler) handleListOrders(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var filter order.Filter
	if raw := ctx.Query("status"); strings.TrimSpace(raw) != "" {
		status, err := order.ParseStatus(raw)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		filter.Status = status
	}
	if raw := ctx.Query("type"); strings.TrimSpace(raw) != "" {
		orderType, err := order.ParseType(raw)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		filter.Type = orderType
	}
	page, err := pageQuery(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.services.Orders.List(ctx.Request.Context(), accountID, filter, page)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	items := make([]orderResponse, 0, len(result.Items))
	for _, purchase := range result.Items {
		items = append(items, newOrderResponse(purchase))
	}
	ctx.JSON(http.StatusOK, orderPage{Items: items, Pagination: result.Pagination})
}

func (handler *httpHandler) handleGetOrder(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	handler.respondOrder(ctx)(handler.services.Orders.Get(ctx.Request.Context(), accountID, ctx.Param("id")))
}

func (handler *httpHandler) handleCancelOrder(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	handler.respondOrder(ctx)(handler.services.Orders.Cancel(ctx.Request.Context(), accountID, ctx.Param("id")))
}

func (handler *httpHandler) handleFailOrder(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	owned, err := handler.services.Orders.Get(ctx.Request.Context(), accountID, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondOrder(ctx)(handler.services.Orders.MarkFailed(ctx.Request.Context(), owned.ID))
}

func (handler *httpHandler) handlePayOrder(ctx *gin.Context) {
	var request payOrderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalidPayload(ctx)
		return
	}
	method, err := order.ParsePaymentMethod(request.PaymentMethod)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.respondOrder(ctx)(handler.services.Orders.MarkPaid(ctx.Request.Context(), ctx.Param("id"), request.PaymentID, method))
}

func (handler *httpHandler) handleRefundOrder(ctx *gin.Context) {
	var request refundOrderRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		respondInvalidPayload(ctx)
		return
	}
	handler.respondOrder(ctx)(handler.services.Orders.Refund(ctx.Request.Context(), ctx.Param("id"), request.RefundID, request.Amount))
}

func (handler *httpHandler) handleOrderNote(ctx *gin.Context) {
	var request noteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalidPayload(ctx)
		return
	}
	handler.respondOrder(ctx)(handler.services.Orders.AddNote(ctx.Request.Context(), ctx.Param("id"), request.Text))
}

// handleOrderRevenue reports paid totals per currency. The optional from and
// to query values are RFC 3339 timestamps bounding the payment time.
func (handler *httpHandler) handleOrderRevenue(ctx *gin.Context) {
	paidFrom, err := timeQuery(ctx, "from")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	paidTo, err := timeQuery(ctx, "to")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	revenue, err := handler.services.Orders.Revenue(ctx.Request.Context(), paidFrom, paidTo)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"revenue": newRevenueResponses(revenue)})
}

func timeQuery(ctx *gin.Context, name string) (*time.Time, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return nil, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, ledger.NewValidationError(name, "must be an RFC 3339 timestamp")
	}
	return &value, nil
}

func (handler *httpHandler) respondOrder(ctx *gin.Context) func(order.Order, error) {
	return func(purchase order.Order, err error) {
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, newOrderResponse(purchase))
	}
}
