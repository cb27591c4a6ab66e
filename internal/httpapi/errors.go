package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/pkg/conversation"
	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/order"
)

var notFoundCodes = []struct {
	err  error
	code string
}{
	{err: ledger.ErrAccountNotFound, code: "account_not_found"},
	{err: generation.ErrNotFound, code: "generation_not_found"},
	{err: conversation.ErrNotFound, code: "conversation_not_found"},
	{err: order.ErrNotFound, code: "order_not_found"},
}

// respondError maps a domain error onto a status and stable code. Provider
// and internal failures are logged and answered with a generic message.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var validationErr ledger.ValidationError
	var balanceErr ledger.InsufficientBalanceError
	switch {
	case errors.As(err, &balanceErr):
		body := errorResponse("insufficient_balance", "insufficient balance")
		details := body["error"].(gin.H)
		details["required"] = balanceErr.Required
		details["available"] = balanceErr.Available
		ctx.JSON(http.StatusBadRequest, body)
	case errors.As(err, &validationErr):
		body := errorResponse("validation_error", validationErr.Message)
		if validationErr.Field != "" {
			body["error"].(gin.H)["field"] = validationErr.Field
		}
		ctx.JSON(http.StatusBadRequest, body)
	case errors.Is(err, ledger.ErrValidation):
		ctx.JSON(http.StatusBadRequest, errorResponse("validation_error", err.Error()))
	case errors.Is(err, ledger.ErrNotFound):
		code := "not_found"
		for _, candidate := range notFoundCodes {
			if errors.Is(err, candidate.err) {
				code = candidate.code
				break
			}
		}
		ctx.JSON(http.StatusNotFound, errorResponse(code, "resource not found"))
	case errors.Is(err, ledger.ErrUnauthorized):
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "resource belongs to another account"))
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		ctx.JSON(http.StatusConflict, errorResponse("invalid_state_transition", err.Error()))
	case errors.Is(err, ledger.ErrConflict):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", "resource was modified concurrently, retry"))
	case errors.Is(err, ledger.ErrDuplicate):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate", "resource already exists"))
	case errors.Is(err, ledger.ErrProviderFailure):
		handler.logger.Warn("provider failure", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "generation provider failed"))
	default:
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
	}
}

func respondInvalidPayload(ctx *gin.Context) {
	ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
}

// ledgerWarning names a ledger side effect that failed after a message was
// stored.
func ledgerWarning(err error) string {
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return "insufficient_balance"
	}
	return "ledger_unavailable"
}
