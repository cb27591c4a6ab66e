package conversation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger used for ledger side effects that do not fail
// the append.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.logger = logger
		}
	}
}

// Service manages conversations and charges their messages to the ledger.
type Service struct {
	store    Store
	accounts *ledger.Service
	logger   *zap.Logger
}

// NewService wires a Service.
func NewService(store Store, accounts *ledger.Service, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: conversation store is nil", ledger.ErrInvalidServiceConfig)
	}
	if accounts == nil {
		return nil, fmt.Errorf("%w: ledger service is nil", ledger.ErrInvalidServiceConfig)
	}
	service := &Service{store: store, accounts: accounts, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AppendResult is the outcome of AppendMessage. LedgerError is set when the
// message was stored but its ledger side effect failed.
type AppendResult struct {
	Conversation Conversation
	Message      Message
	LedgerError  error
}

// Create starts an empty conversation.
func (service *Service) Create(ctx context.Context, accountID ledger.AccountID, title string, modelName string) (Conversation, error) {
	if accountID.IsZero() {
		return Conversation{}, ledger.NewValidationError("accountId", "must not be empty")
	}
	model, err := normalizeModel(modelName)
	if err != nil {
		return Conversation{}, err
	}
	id, err := ledger.NewEntityID(ledger.PrefixConversation)
	if err != nil {
		return Conversation{}, err
	}
	now := service.accounts.Now()
	conversation := Conversation{
		ID:             id,
		AccountID:      accountID,
		Title:          normalizeTitle(title),
		ModelName:      model,
		Messages:       []Message{},
		Tags:           []string{},
		LastActivityAt: now,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := service.store.CreateConversation(ctx, conversation); err != nil {
		return Conversation{}, err
	}
	return conversation, nil
}

// Get returns a conversation owned by accountID.
func (service *Service) Get(ctx context.Context, accountID ledger.AccountID, conversationID string) (Conversation, error) {
	conversation, err := service.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if conversation.AccountID != accountID {
		return Conversation{}, ledger.ErrUnauthorized
	}
	return conversation, nil
}

// AppendMessage adds a message to a conversation owned by accountID. The
// append always stands once stored: user messages then count towards chat
// usage and assistant messages with a cost are debited, but a failing ledger
// call is only logged and reported in the result.
func (service *Service) AppendMessage(ctx context.Context, accountID ledger.AccountID, conversationID string, input MessageInput) (AppendResult, error) {
	if _, err := service.Get(ctx, accountID, conversationID); err != nil {
		return AppendResult{}, err
	}
	messageID, err := ledger.NewEntityID(ledger.PrefixMessage)
	if err != nil {
		return AppendResult{}, err
	}
	message, err := NewMessage(messageID, input, service.accounts.Now())
	if err != nil {
		return AppendResult{}, err
	}
	conversation, err := service.store.AppendMessage(ctx, conversationID, message)
	if err != nil {
		return AppendResult{}, err
	}
	result := AppendResult{Conversation: conversation, Message: message}
	switch {
	case message.Role == RoleUser:
		if _, usageErr := service.accounts.RecordUsage(ctx, accountID, ledger.UsageChat, 1); usageErr != nil {
			result.LedgerError = usageErr
			service.logger.Warn("chat usage not recorded",
				zap.String("conversation_id", conversationID),
				zap.String("account_id", accountID.String()),
				zap.Error(usageErr))
		}
	case message.Role == RoleAssistant && message.Metadata != nil && message.Metadata.Cost > 0:
		if _, debitErr := service.accounts.Debit(ctx, accountID, message.Metadata.Cost); debitErr != nil {
			result.LedgerError = debitErr
			service.logger.Warn("assistant message cost not debited",
				zap.String("conversation_id", conversationID),
				zap.String("account_id", accountID.String()),
				zap.Int64("cost", message.Metadata.Cost),
				zap.Error(debitErr))
		}
	}
	return result, nil
}

// Messages returns the ordered transcript of a conversation owned by accountID.
func (service *Service) Messages(ctx context.Context, accountID ledger.AccountID, conversationID string) (Transcript, error) {
	conversation, err := service.Get(ctx, accountID, conversationID)
	if err != nil {
		return Transcript{}, err
	}
	messages := conversation.Messages
	if messages == nil {
		messages = []Message{}
	}
	return Transcript{
		ConversationID: conversation.ID,
		Title:          conversation.Title,
		Messages:       messages,
		TotalTokens:    conversation.TotalTokens,
		TotalCost:      conversation.TotalCost,
	}, nil
}

// Archive hides a conversation from default listings. Repeated calls are no-ops.
func (service *Service) Archive(ctx context.Context, accountID ledger.AccountID, conversationID string) (Conversation, error) {
	return service.setArchived(ctx, accountID, conversationID, true)
}

// Unarchive restores a conversation to default listings.
func (service *Service) Unarchive(ctx context.Context, accountID ledger.AccountID, conversationID string) (Conversation, error) {
	return service.setArchived(ctx, accountID, conversationID, false)
}

// Rename changes the title; an empty title resets it to the default.
func (service *Service) Rename(ctx context.Context, accountID ledger.AccountID, conversationID string, title string) (Conversation, error) {
	return service.update(ctx, accountID, conversationID, func(current Conversation, at time.Time) (Conversation, bool, error) {
		return Rename(current, title, at), true, nil
	})
}

// AddTag tags a conversation.
func (service *Service) AddTag(ctx context.Context, accountID ledger.AccountID, conversationID string, tag string) (Conversation, error) {
	return service.update(ctx, accountID, conversationID, func(current Conversation, at time.Time) (Conversation, bool, error) {
		next, err := AddTag(current, tag, at)
		return next, err == nil, err
	})
}

// RemoveTag untags a conversation.
func (service *Service) RemoveTag(ctx context.Context, accountID ledger.AccountID, conversationID string, tag string) (Conversation, error) {
	return service.update(ctx, accountID, conversationID, func(current Conversation, at time.Time) (Conversation, bool, error) {
		next, err := RemoveTag(current, tag, at)
		return next, err == nil, err
	})
}

// List returns conversations of accountID, most recently active first.
func (service *Service) List(ctx context.Context, accountID ledger.AccountID, filter Filter, page ledger.PageRequest) (Page, error) {
	if accountID.IsZero() {
		return Page{}, ledger.NewValidationError("accountId", "must not be empty")
	}
	filter.AccountID = accountID.String()
	normalized := page.Normalize()
	items, total, err := service.store.ListConversations(ctx, filter, normalized)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []Conversation{}
	}
	return Page{Items: items, Pagination: ledger.NewPageInfo(normalized, total)}, nil
}

func (service *Service) setArchived(ctx context.Context, accountID ledger.AccountID, conversationID string, archived bool) (Conversation, error) {
	return service.update(ctx, accountID, conversationID, func(current Conversation, at time.Time) (Conversation, bool, error) {
		next, changed := SetArchived(current, archived, at)
		return next, changed, nil
	})
}

func (service *Service) update(ctx context.Context, accountID ledger.AccountID, conversationID string, apply func(Conversation, time.Time) (Conversation, bool, error)) (Conversation, error) {
	var updated Conversation
	err := ledger.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		current, err := service.Get(ctx, accountID, conversationID)
		if err != nil {
			return err
		}
		next, changed, err := apply(current, service.accounts.Now())
		if err != nil {
			return err
		}
		if !changed {
			updated = current
			return nil
		}
		updated, err = service.store.UpdateConversation(ctx, next, current.Version)
		return err
	})
	if err != nil {
		return Conversation{}, err
	}
	return updated, nil
}
