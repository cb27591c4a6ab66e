package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/studio/pkg/conversation"
)

func (handler *httpHandler) handleCreateConversation(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var request createConversationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		respondInvalidPayload(ctx)
		return
	}
	chat, err := handler.services.Conversations.Create(ctx.Request.Context(), accountID, request.Title, request.ModelName)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newConversationResponse(chat))
}

func (handler *httpHandler) handleListConversations(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	includeArchived, err := boolQuery(ctx, "includeArchived")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	page, err := pageQuery(ctx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	filter := conversation.Filter{
		IncludeArchived: includeArchived != nil && *includeArchived,
		Tag:             strings.TrimSpace(ctx.Query("tag")),
	}
	result, err := handler.services.Conversations.List(ctx.Request.Context(), accountID, filter, page)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	items := make([]conversationResponse, 0, len(result.Items))
	for _, chat := range result.Items {
		items = append(items, newConversationResponse(chat))
	}
	ctx.JSON(http.StatusOK, conversationPage{Items: items, Pagination: result.Pagination})
}

func (handler *httpHandler) handleRenameConversation(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var request renameConversationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalidPayload(ctx)
		return
	}
	handler.respondConversation(ctx)(handler.services.Conversations.Rename(ctx.Request.Context(), accountID, ctx.Param("id"), request.Title))
}

func (handler *httpHandler) handleAppendMessage(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var request appendMessageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalidPayload(ctx)
		return
	}
	result, err := handler.services.Conversations.AppendMessage(ctx.Request.Context(), accountID, ctx.Param("id"), conversation.MessageInput{
		Role:     request.Role,
		Content:  request.Content,
		Metadata: request.Metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := appendMessageResponse{conversationResponse: newConversationResponse(result.Conversation)}
	if result.LedgerError != nil {
		response.LedgerWarning = ledgerWarning(result.LedgerError)
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleMessages(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	transcript, err := handler.services.Conversations.Messages(ctx.Request.Context(), accountID, ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, transcript)
}

func (handler *httpHandler) handleArchiveConversation(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	handler.respondConversation(ctx)(handler.services.Conversations.Archive(ctx.Request.Context(), accountID, ctx.Param("id")))
}

func (handler *httpHandler) handleUnarchiveConversation(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	handler.respondConversation(ctx)(handler.services.Conversations.Unarchive(ctx.Request.Context(), accountID, ctx.Param("id")))
}

func (handler *httpHandler) handleConversationAddTag(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	var request tagRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalidPayload(ctx)
		return
	}
	handler.respondConversation(ctx)(handler.services.Conversations.AddTag(ctx.Request.Context(), accountID, ctx.Param("id"), request.Tag))
}

func (handler *httpHandler) handleConversationRemoveTag(ctx *gin.Context) {
	accountID, ok := requireAccount(ctx)
	if !ok {
		return
	}
	handler.respondConversation(ctx)(handler.services.Conversations.RemoveTag(ctx.Request.Context(), accountID, ctx.Param("id"), ctx.Param("tag")))
}

func (handler *httpHandler) respondConversation(ctx *gin.Context) func(conversation.Conversation, error) {
	return func(chat conversation.Conversation, err error) {
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, newConversationResponse(chat))
	}
}
