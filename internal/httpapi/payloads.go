package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/studio/pkg/conversation"
	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/order"
)

type createGenerationRequest struct {
	Category       string                `json:"category"`
	Prompt         string                `json:"prompt"`
	NegativePrompt string                `json:"negativePrompt"`
	Parameters     generation.Parameters `json:"parameters"`
	CreditsCost    *int64                `json:"creditsCost"`
	Public         bool                  `json:"isPublic"`
	Tags           []string              `json:"tags"`
	// Run sends the request through the provider before responding.
	Run bool `json:"run"`
}

type completeGenerationRequest struct {
	Result           generation.Result `json:"result"`
	ProcessingTimeMs int64             `json:"processingTime"`
}

type failGenerationRequest struct {
	ErrorMessage string `json:"errorMessage"`
}

type visibilityRequest struct {
	Public *bool `json:"isPublic"`
}

type tagRequest struct {
	Tag string `json:"tag"`
}

type createConversationRequest struct {
	Title     string `json:"title"`
	ModelName string `json:"modelName"`
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

type appendMessageRequest struct {
	Role     string                        `json:"role"`
	Content  string                        `json:"content"`
	Metadata *conversation.MessageMetadata `json:"metadata"`
}

type orderItemRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

type createOrderRequest struct {
	Type           string                `json:"type"`
	Items          []orderItemRequest    `json:"items"`
	Currency       string                `json:"currency"`
	BillingAddress *order.BillingAddress `json:"billingAddress"`
	Metadata       order.Metadata        `json:"metadata"`
	Notes          string                `json:"notes"`
}

type payOrderRequest struct {
	PaymentID     string `json:"paymentId"`
	PaymentMethod string `json:"paymentMethod"`
}

type refundOrderRequest struct {
	RefundID string           `json:"refundId"`
	Amount   *decimal.Decimal `json:"amount"`
}

type noteRequest struct {
	Text string `json:"text"`
}

type accountResponse struct {
	ID           string       `json:"id"`
	Balance      int64        `json:"credits"`
	Tier         string       `json:"membershipTier"`
	Usage        ledger.Usage `json:"usage"`
	CreditsSpent int64        `json:"creditsSpent"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

func newAccountResponse(account ledger.Account) accountResponse {
	return accountResponse{
		ID:           account.ID.String(),
		Balance:      account.Balance,
		Tier:         account.Tier.String(),
		Usage:        account.Usage,
		CreditsSpent: account.CreditsSpent,
		CreatedAt:    account.CreatedAt,
		UpdatedAt:    account.UpdatedAt,
	}
}

type generationResponse struct {
	ID               string                `json:"id"`
	AccountID        string                `json:"userId"`
	Category         string                `json:"category"`
	Prompt           string                `json:"prompt"`
	NegativePrompt   string                `json:"negativePrompt,omitempty"`
	Parameters       generation.Parameters `json:"parameters"`
	CreditsCost      int64                 `json:"creditsCost"`
	Status           string                `json:"status"`
	Result           *generation.Result    `json:"result,omitempty"`
	ErrorMessage     string                `json:"errorMessage,omitempty"`
	ProcessingTimeMs int64                 `json:"processingTime"`
	Public           bool                  `json:"isPublic"`
	Likes            int64                 `json:"likes"`
	Downloads        int64                 `json:"downloads"`
	Tags             []string              `json:"tags"`
	Refunded         bool                  `json:"refunded"`
	CreatedAt        time.Time             `json:"createdAt"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

func newGenerationResponse(request generation.Request) generationResponse {
	tags := request.Tags
	if tags == nil {
		tags = []string{}
	}
	return generationResponse{
		ID:               request.ID,
		AccountID:        request.AccountID.String(),
		Category:         string(request.Category),
		Prompt:           request.Prompt,
		NegativePrompt:   request.NegativePrompt,
		Parameters:       request.Parameters,
		CreditsCost:      request.CreditsCost,
		Status:           string(request.Status),
		Result:           request.Result,
		ErrorMessage:     request.ErrorMessage,
		ProcessingTimeMs: request.ProcessingTimeMs,
		Public:           request.Public,
		Likes:            request.Likes,
		Downloads:        request.Downloads,
		Tags:             tags,
		Refunded:         request.Refunded,
		CreatedAt:        request.CreatedAt,
		UpdatedAt:        request.UpdatedAt,
	}
}

type generationPage struct {
	Items      []generationResponse `json:"items"`
	Pagination ledger.PageInfo      `json:"pagination"`
}

type conversationResponse struct {
	ID             string                 `json:"id"`
	AccountID      string                 `json:"userId"`
	Title          string                 `json:"title"`
	ModelName      string                 `json:"modelName"`
	Messages       []conversation.Message `json:"messages,omitempty"`
	MessageCount   int                    `json:"messageCount"`
	Archived       bool                   `json:"isArchived"`
	TotalTokens    int64                  `json:"totalTokens"`
	TotalCost      int64                  `json:"totalCost"`
	Tags           []string               `json:"tags"`
	LastActivityAt time.Time              `json:"lastActivity"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

func newConversationResponse(chat conversation.Conversation) conversationResponse {
	tags := chat.Tags
	if tags == nil {
		tags = []string{}
	}
	return conversationResponse{
		ID:             chat.ID,
		AccountID:      chat.AccountID.String(),
		Title:          chat.Title,
		ModelName:      chat.ModelName,
		Messages:       chat.Messages,
		MessageCount:   chat.MessageCount,
		Archived:       chat.Archived,
		TotalTokens:    chat.TotalTokens,
		TotalCost:      chat.TotalCost,
		Tags:           tags,
		LastActivityAt: chat.LastActivityAt,
		CreatedAt:      chat.CreatedAt,
		UpdatedAt:      chat.UpdatedAt,
	}
}

type appendMessageResponse struct {
	conversationResponse
	// LedgerWarning is set when the message was stored but its usage or
	// cost could not be booked.
	LedgerWarning string `json:"ledgerWarning,omitempty"`
}

type conversationPage struct {
	Items      []conversationResponse `json:"items"`
	Pagination ledger.PageInfo        `json:"pagination"`
}

type orderItemResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   string `json:"unitPrice"`
	Total       string `json:"totalPrice"`
}

type orderResponse struct {
	ID             string                `json:"id"`
	AccountID      string                `json:"userId"`
	Number         string                `json:"orderNumber"`
	Type           string                `json:"type"`
	Status         string                `json:"status"`
	Items          []orderItemResponse   `json:"items"`
	Subtotal       string                `json:"subtotal"`
	Tax            string                `json:"tax"`
	Discount       string                `json:"discount"`
	Total          string                `json:"total"`
	Currency       string                `json:"currency"`
	PaymentMethod  string                `json:"paymentMethod,omitempty"`
	PaymentID      string                `json:"paymentId,omitempty"`
	RefundID       string                `json:"refundId,omitempty"`
	RefundAmount   string                `json:"refundAmount,omitempty"`
	Metadata       order.Metadata        `json:"metadata"`
	BillingAddress *order.BillingAddress `json:"billingAddress,omitempty"`
	Notes          string                `json:"notes,omitempty"`
	PaidAt         *time.Time            `json:"paidAt,omitempty"`
	RefundedAt     *time.Time            `json:"refundedAt,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

type categoryStatsResponse struct {
	Category          string  `json:"category"`
	Count             int64   `json:"count"`
	TotalCost         int64   `json:"totalCost"`
	AvgProcessingTime float64 `json:"avgProcessingTime"`
}

func newCategoryStatsResponses(stats []generation.CategoryStats) []categoryStatsResponse {
	responses := make([]categoryStatsResponse, 0, len(stats))
	for _, entry := range stats {
		responses = append(responses, categoryStatsResponse{
			Category:          string(entry.Category),
			Count:             entry.Count,
			TotalCost:         entry.TotalCreditsCost,
			AvgProcessingTime: entry.AverageProcessingTimeMs,
		})
	}
	return responses
}

type revenueResponse struct {
	Currency     string `json:"currency"`
	TotalRevenue string `json:"totalRevenue"`
	OrderCount   int64  `json:"orderCount"`
}

func newRevenueResponses(revenue []order.Revenue) []revenueResponse {
	responses := make([]revenueResponse, 0, len(revenue))
	for _, entry := range revenue {
		responses = append(responses, revenueResponse{
			Currency:     string(entry.Currency),
			TotalRevenue: money(entry.Total),
			OrderCount:   entry.Orders,
		})
	}
	return responses
}

func money(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

func newOrderResponse(purchase order.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(purchase.Items))
	for _, item := range purchase.Items {
		items = append(items, orderItemResponse{
			Name:        item.Name,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   money(item.UnitPrice),
			Total:       money(item.Total),
		})
	}
	response := orderResponse{
		ID:             purchase.ID,
		AccountID:      purchase.AccountID.String(),
		Number:         purchase.Number,
		Type:           string(purchase.Type),
		Status:         string(purchase.Status),
		Items:          items,
		Subtotal:       money(purchase.Subtotal),
		Tax:            money(purchase.Tax),
		Discount:       money(purchase.Discount),
		Total:          money(purchase.Total),
		Currency:       string(purchase.Currency),
		PaymentMethod:  string(purchase.PaymentMethod),
		PaymentID:      purchase.PaymentID,
		RefundID:       purchase.RefundID,
		Metadata:       purchase.Metadata,
		BillingAddress: purchase.BillingAddress,
		Notes:          purchase.Notes,
		PaidAt:         purchase.PaidAt,
		RefundedAt:     purchase.RefundedAt,
		CreatedAt:      purchase.CreatedAt,
		UpdatedAt:      purchase.UpdatedAt,
	}
	if purchase.Status == order.StatusRefunded {
		response.RefundAmount = money(purchase.RefundAmount)
	}
	return response
}

type orderPage struct {
	Items      []orderResponse `json:"items"`
	Pagination ledger.PageInfo `json:"pagination"`
}
