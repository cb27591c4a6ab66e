package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const sortByLikes = "likes"

func (handler *httpHandler) handleCreateGeneration(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var request createGenerationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalidPayload(ctx)
		return
	}
	if request.Run && handler.services.Generator == nil {
		handler.respondError(ctx, ledger.NewValidationError("run", "no generation provider is configured"))
		return
	}
	input := generation.CreateInput{
		AccountID:      accountID,
		Category:       request.Category,
		Prompt:         request.Prompt,
		NegativePrompt: request.NegativePrompt,
		Parameters:     request.Parameters,
		CreditsCost:    request.CreditsCost,
		Public:         request.Public,
		Tags:           request.Tags,
	}
	var (
		created generation.Request
		err     error
	)
	if request.Run {
		created, err = handler.services.Generator.Submit(ctx.Request.Context(), input)
		if err != nil && created.ID != "" && errors.Is(err, ledger.ErrProviderFailure) {
			// The request was stored and refunded; return it with the failure.
			handler.logger.Warn("generation run failed", zap.String("generation_id", created.ID), zap.Error(err))
			body := errorResponse("provider_error", "generation provider failed")
			body["generation"] = newGenerationResponse(created)
			ctx.JSON(http.StatusBadGateway, body)
			return
		}
	} else {
		created, err = handler.services.Generations.Create(ctx.Request.Context(), input)
	}
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newGenerationResponse(created))
}

func (handler *httpHandler) handleGenerationStats(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	stats, err := handler.services.Generations.Stats(ctx.Request.Context(), accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"stats": newCategoryStatsResponses(stats)})
}

// handleListGenerations lists the caller's requests by default. Naming another
// account or asking for public requests without an account lists only public
// requests.
func (handler *httpHandler) handleListGenerations(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	filter, err := generationFilter(ctx, accountID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	page, err := pageQuery(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.services.Generations.List(ctx.Request.Context(), filter, page)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	items := make([]generationResponse, 0, len(result.Items))
	for _, request := range result.Items {
		items = append(items, newGenerationResponse(request))
	}
	ctx.JSON(http.StatusOK, generationPage{Items: items, Pagination: result.Pagination})
}

func generationFilter(ctx *gin.Context, caller ledger.AccountID) (generation.Filter, error) {
	filter := generation.Filter{
		AccountID:   strings.TrimSpace(ctx.Query("accountId")),
		Tag:         strings.TrimSpace(ctx.Query("tag")),
		SortByLikes: strings.EqualFold(strings.TrimSpace(ctx.Query("sort")), sortByLikes),
	}
	if raw := ctx.Query("category"); strings.TrimSpace(raw) != "" {
		category, err := generation.ParseCategory(raw)
		if err != nil {
			return generation.Filter{}, err
		}
		filter.Category = category
	}
	if raw := ctx.Query("status"); strings.TrimSpace(raw) != "" {
		status, err := generation.ParseStatus(raw)
		if err != nil {
			return generation.Filter{}, err
		}
		filter.Status = status
	}
	public, err := boolQuery(ctx, "public")
	if err != nil {
		return generation.Filter{}, err
	}
	filter.Public = public
	onlyPublic := true
	switch {
	case filter.AccountID == "" && (public == nil || !*public):
		filter.AccountID = caller.String()
	case filter.AccountID != "" && filter.AccountID != caller.String():
		filter.Public = &onlyPublic
	}
	return filter, nil
}

func (handler *httpHandler) handleGetGeneration(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	request, err := handler.services.Generations.GetOwned(ctx.Request.Context(), accountID, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newGenerationResponse(request))
}

func (handler *httpHandler) handleGenerationProcessing(ctx *gin.Context) {
	handler.ownedGenerationStep(ctx, func(ctx *gin.Context, id string) (generation.Request, error) {
		return handler.services.Generations.MarkProcessing(ctx.Request.Context(), id)
	})
}

func (handler *httpHandler) handleGenerationComplete(ctx *gin.Context) {
	var request completeGenerationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalidPayload(ctx)
		return
	}
	handler.ownedGenerationStep(ctx, func(ctx *gin.Context, id string) (generation.Request, error) {
		return handler.services.Generations.MarkCompleted(ctx.Request.Context(), id, request.Result, request.ProcessingTimeMs)
	})
}

func (handler *httpHandler) handleGenerationFail(ctx *gin.Context) {
	var request failGenerationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		respondInvalidPayload(ctx)
		return
	}
	handler.ownedGenerationStep(ctx, func(ctx *gin.Context, id string) (generation.Request, error) {
		return handler.services.Generations.Fail(ctx.Request.Context(), id, request.ErrorMessage)
	})
}

func (handler *httpHandler) handleGenerationLike(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	handler.respondGeneration(ctx)(handler.services.Generations.Like(ctx.Request.Context(), accountID, ctx.Param("id")))
}

func (handler *httpHandler) handleGenerationDownload(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	handler.respondGeneration(ctx)(handler.services.Generations.Download(ctx.Request.Context(), accountID, ctx.Param("id")))
}

func (handler *httpHandler) handleGenerationVisibility(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var request visibilityRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalidPayload(ctx)
		return
	}
	if request.Public == nil {
		handler.respondError(ctx, ledger.NewValidationError("isPublic", "is required"))
		return
	}
	handler.respondGeneration(ctx)(handler.services.Generations.SetVisibility(ctx.Request.Context(), accountID, ctx.Param("id"), *request.Public))
}

func (handler *httpHandler) handleGenerationAddTag(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var request tagRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalidPayload(ctx)
		return
	}
	handler.respondGeneration(ctx)(handler.services.Generations.AddTag(ctx.Request.Context(), accountID, ctx.Param("id"), request.Tag))
}

func (handler *httpHandler) handleGenerationRemoveTag(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	handler.respondGeneration(ctx)(handler.services.Generations.RemoveTag(ctx.Request.Context(), accountID, ctx.Param("id"), ctx.Param("tag")))
}

// ownedGenerationStep runs a lifecycle step after checking the caller owns
// the request.
func (handler *httpHandler) ownedGenerationStep(ctx *gin.Context, step func(*gin.Context, string) (generation.Request, error)) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	current, err := handler.services.Generations.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if current.AccountID != accountID {
		handler.respondError(ctx, ledger.ErrUnauthorized)
		return
	}
	handler.respondGeneration(ctx)(step(ctx, current.ID))
}

func (handler *httpHandler) respondGeneration(ctx *gin.Context) func(generation.Request, error) {
	return func(request generation.Request, err error) {
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, newGenerationResponse(request))
	}
}
