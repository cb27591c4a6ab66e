package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	account, err := handler.services.Ledger.OpenAccount(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newAccountResponse(account))
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	account, err := handler.services.Ledger.Account(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newAccountResponse(account))
}

// pageQuery reads page and pageSize; bounds are applied by the services.
func pageQuery(ctx *gin.Context) (ledger.PageRequest, error) {
	var page ledger.PageRequest
	var err error
	if page.Page, err = intQuery(ctx, "page"); err != nil {
		return ledger.PageRequest{}, err
	}
	if page.PageSize, err = intQuery(ctx, "pageSize"); err != nil {
		return ledger.PageRequest{}, err
	}
	return page, nil
}

func intQuery(ctx *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, ledger.NewValidationError(name, "must be a positive integer")
	}
	return value, nil
}

func boolQuery(ctx *gin.Context, name string) (*bool, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, ledger.NewValidationError(name, "must be true or false")
	}
	return &value, nil
}
