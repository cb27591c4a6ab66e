package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/studio/pkg/conversation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

func (store *Store) CreateConversation(ctx context.Context, value conversation.Conversation) error {
	model, err := conversationModel(value)
	if err != nil {
		return wrapStoreError(errorSubjectConversation, errorCodeInvalid, err)
	}
	err = store.withTx(ctx, func(txStore *Store) error {
		if err := txStore.db.WithContext(ctx).Create(&model).Error; err != nil {
			if isUniqueViolation(err) {
				return wrapStoreError(errorSubjectConversation, errorCodeDuplicate, ledger.ErrDuplicate)
			}
			return wrapStoreError(errorSubjectConversation, errorCodeCreate, err)
		}
		for index, message := range value.Messages {
			row, err := messageModel(value.ID, index+1, message)
			if err != nil {
				return wrapStoreError(errorSubjectMessage, errorCodeInvalid, err)
			}
			if err := txStore.db.WithContext(ctx).Create(&row).Error; err != nil {
				return wrapStoreError(errorSubjectMessage, errorCodeCreate, err)
			}
		}
		return nil
	})
	return err
}

func (store *Store) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	model, err := store.getConversationRow(ctx, id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	var rows []Message
	err = store.db.WithContext(ctx).
		Where("conversation_id = ?", id).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return conversation.Conversation{}, wrapStoreError(errorSubjectMessage, errorCodeList, err)
	}
	value, err := mapConversation(model)
	if err != nil {
		return conversation.Conversation{}, err
	}
	value.Messages = make([]conversation.Message, 0, len(rows))
	for _, row := range rows {
		message, err := mapMessage(row)
		if err != nil {
			return conversation.Conversation{}, err
		}
		value.Messages = append(value.Messages, message)
	}
	return value, nil
}

// AppendMessage bumps the header first so the row lock taken by the UPDATE
// orders concurrent appends; the resulting message_count is the new seq.
func (store *Store) AppendMessage(ctx context.Context, conversationID string, message conversation.Message) (conversation.Conversation, error) {
	var tokens, cost int64
	if message.Metadata != nil {
		tokens = message.Metadata.Tokens
		cost = message.Metadata.Cost
	}
	at := message.CreatedAt.UTC()
	var appended conversation.Conversation
	err := store.withTx(ctx, func(txStore *Store) error {
		result := txStore.db.WithContext(ctx).
			Model(&Conversation{}).
			Where("id = ?", conversationID).
			Updates(map[string]any{
				"message_count":    gorm.Expr("message_count + 1"),
				"total_tokens":     gorm.Expr("total_tokens + ?", tokens),
				"total_cost":       gorm.Expr("total_cost + ?", cost),
				"last_activity_at": gorm.Expr("CASE WHEN last_activity_at < ? THEN ? ELSE last_activity_at END", at, at),
				"updated_at":       gorm.Expr("CASE WHEN last_activity_at < ? THEN ? ELSE last_activity_at END", at, at),
				"version":          gorm.Expr("version + 1"),
			})
		if result.Error != nil {
			return wrapStoreError(errorSubjectConversation, errorCodeAppend, result.Error)
		}
		if result.RowsAffected == 0 {
			return wrapStoreError(errorSubjectConversation, errorCodeAppend, conversation.ErrNotFound)
		}
		header, err := txStore.getConversationRow(ctx, conversationID)
		if err != nil {
			return err
		}
		row, err := messageModel(conversationID, header.MessageCount, message)
		if err != nil {
			return wrapStoreError(errorSubjectMessage, errorCodeInvalid, err)
		}
		if err := txStore.db.WithContext(ctx).Create(&row).Error; err != nil {
			return wrapStoreError(errorSubjectMessage, errorCodeAppend, err)
		}
		current, err := txStore.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		appended = current
		return nil
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	return appended, nil
}

func (store *Store) UpdateConversation(ctx context.Context, value conversation.Conversation, expectedVersion int64) (conversation.Conversation, error) {
	tags, err := encodeJSON(nonNilStrings(value.Tags))
	if err != nil {
		return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeInvalid, err)
	}
	var updated conversation.Conversation
	err = store.withTx(ctx, func(txStore *Store) error {
		result := txStore.db.WithContext(ctx).
			Model(&Conversation{}).
			Where("id = ? AND version = ?", value.ID, expectedVersion).
			Updates(map[string]any{
				"title":      value.Title,
				"archived":   value.Archived,
				"tags":       tags,
				"tag_index":  tagIndex(value.Tags),
				"version":    expectedVersion + 1,
				"updated_at": value.UpdatedAt.UTC(),
			})
		if result.Error != nil {
			return wrapStoreError(errorSubjectConversation, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			if _, err := txStore.getConversationRow(ctx, value.ID); err != nil {
				return err
			}
			return wrapStoreError(errorSubjectConversation, errorCodeUpdate, ledger.ErrConflict)
		}
		current, err := txStore.GetConversation(ctx, value.ID)
		if err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return conversation.Conversation{}, err
	}
	return updated, nil
}

func (store *Store) ListConversations(ctx context.Context, filter conversation.Filter, page ledger.PageRequest) ([]conversation.Conversation, int64, error) {
	query := store.db.WithContext(ctx).Model(&Conversation{})
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if !filter.IncludeArchived {
		query = query.Where("archived = ?", false)
	}
	if filter.Tag != "" {
		query = query.Where("tag_index LIKE ?", tagPattern(filter.Tag))
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectConversation, errorCodeList, err)
	}
	var rows []Conversation
	err := query.
		Order("last_activity_at DESC").
		Order("id DESC").
		Offset(page.Offset()).
		Limit(page.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectConversation, errorCodeList, err)
	}
	conversations := make([]conversation.Conversation, 0, len(rows))
	for _, row := range rows {
		value, err := mapConversation(row)
		if err != nil {
			return nil, 0, err
		}
		conversations = append(conversations, value)
	}
	return conversations, total, nil
}

func (store *Store) getConversationRow(ctx context.Context, id string) (Conversation, error) {
	var model Conversation
	err := store.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeGet, conversation.ErrNotFound)
	}
	if err != nil {
		return Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeGet, err)
	}
	return model, nil
}

func conversationModel(value conversation.Conversation) (Conversation, error) {
	tags, err := encodeJSON(nonNilStrings(value.Tags))
	if err != nil {
		return Conversation{}, err
	}
	return Conversation{
		ID:             value.ID,
		AccountID:      value.AccountID.String(),
		Title:          value.Title,
		ModelName:      value.ModelName,
		Archived:       value.Archived,
		MessageCount:   len(value.Messages),
		TotalTokens:    value.TotalTokens,
		TotalCost:      value.TotalCost,
		Tags:           tags,
		TagIndex:       tagIndex(value.Tags),
		LastActivityAt: value.LastActivityAt.UTC(),
		Version:        value.Version,
		CreatedAt:      value.CreatedAt.UTC(),
		UpdatedAt:      value.UpdatedAt.UTC(),
	}, nil
}

func mapConversation(model Conversation) (conversation.Conversation, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeInvalid, err)
	}
	value := conversation.Conversation{
		ID:             model.ID,
		AccountID:      accountID,
		Title:          model.Title,
		ModelName:      model.ModelName,
		MessageCount:   model.MessageCount,
		Archived:       model.Archived,
		TotalTokens:    model.TotalTokens,
		TotalCost:      model.TotalCost,
		LastActivityAt: model.LastActivityAt.UTC(),
		Version:        model.Version,
		CreatedAt:      model.CreatedAt.UTC(),
		UpdatedAt:      model.UpdatedAt.UTC(),
	}
	if err := decodeJSON(model.Tags, &value.Tags); err != nil {
		return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeInvalid, err)
	}
	if len(value.Tags) == 0 {
		value.Tags = nil
	}
	return value, nil
}

func messageModel(conversationID string, seq int, message conversation.Message) (Message, error) {
	row := Message{
		ID:             message.ID,
		ConversationID: conversationID,
		Seq:            seq,
		Role:           string(message.Role),
		Content:        message.Content,
		CreatedAt:      message.CreatedAt.UTC(),
	}
	if message.Metadata != nil {
		metadata, err := encodeJSON(message.Metadata)
		if err != nil {
			return Message{}, err
		}
		row.Metadata = metadata
	}
	return row, nil
}

func mapMessage(row Message) (conversation.Message, error) {
	role, err := conversation.ParseRole(row.Role)
	if err != nil {
		return conversation.Message{}, wrapStoreError(errorSubjectMessage, errorCodeInvalid, err)
	}
	message := conversation.Message{
		ID:        row.ID,
		Role:      role,
		Content:   row.Content,
		CreatedAt: row.CreatedAt.UTC(),
	}
	if len(row.Metadata) > 0 && string(row.Metadata) != "null" {
		var metadata conversation.MessageMetadata
		if err := decodeJSON(row.Metadata, &metadata); err != nil {
			return conversation.Message{}, wrapStoreError(errorSubjectMessage, errorCodeInvalid, err)
		}
		message.Metadata = &metadata
	}
	return message, nil
}
