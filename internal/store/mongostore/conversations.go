package mongostore

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/MarkoPoloResearchLab/studio/pkg/conversation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

type messageMetadataDocument struct {
	ModelName   string   `bson:"model_name,omitempty"`
	Tokens      int64    `bson:"tokens"`
	Cost        int64    `bson:"cost"`
	Attachments []string `bson:"attachments,omitempty"`
}

type messageDocument struct {
	ID        string                   `bson:"id"`
	Role      string                   `bson:"role"`
	Content   string                   `bson:"content"`
	CreatedAt time.Time                `bson:"created_at"`
	Metadata  *messageMetadataDocument `bson:"metadata,omitempty"`
}

type conversationDocument struct {
	ID             string            `bson:"_id"`
	AccountID      string            `bson:"account_id"`
	Title          string            `bson:"title"`
	ModelName      string            `bson:"model_name"`
	Messages       []messageDocument `bson:"messages"`
	MessageCount   int               `bson:"message_count"`
	Archived       bool              `bson:"archived"`
	TotalTokens    int64             `bson:"total_tokens"`
	TotalCost      int64             `bson:"total_cost"`
	Tags           []string          `bson:"tags"`
	LastActivityAt time.Time         `bson:"last_activity_at"`
	Version        int64             `bson:"version"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

func (store *Store) CreateConversation(ctx context.Context, value conversation.Conversation) error {
	_, err := store.collection(collectionConversations).InsertOne(ctx, toConversationDocument(value))
	if mongo.IsDuplicateKeyError(err) {
		return wrapStoreError(errorSubjectConversation, errorCodeDuplicate, ledger.ErrDuplicate)
	}
	if err != nil {
		return wrapStoreError(errorSubjectConversation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	var document conversationDocument
	err := store.collection(collectionConversations).FindOne(ctx, bson.M{"_id": id}).Decode(&document)
	if isNoDocuments(err) {
		return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeGet, conversation.ErrNotFound)
	}
	if err != nil {
		return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeGet, err)
	}
	return fromConversationDocument(document)
}

// AppendMessage pushes the message and moves every aggregate in one update.
func (store *Store) AppendMessage(ctx context.Context, conversationID string, message conversation.Message) (conversation.Conversation, error) {
	document := toMessageDocument(message)
	var tokens, cost int64
	if message.Metadata != nil {
		tokens = message.Metadata.Tokens
		cost = message.Metadata.Cost
	}
	update := bson.M{
		"$push": bson.M{"messages": document},
		"$inc": bson.M{
			"message_count": 1,
			"total_tokens":  tokens,
			"total_cost":    cost,
			"version":       1,
		},
		"$max": bson.M{
			"last_activity_at": document.CreatedAt,
			"updated_at":       document.CreatedAt,
		},
	}
	var updated conversationDocument
	err := store.collection(collectionConversations).
		FindOneAndUpdate(ctx, bson.M{"_id": conversationID}, update, findAfter()).
		Decode(&updated)
	if isNoDocuments(err) {
		return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeAppend, conversation.ErrNotFound)
	}
	if err != nil {
		return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeAppend, err)
	}
	return fromConversationDocument(updated)
}

func (store *Store) UpdateConversation(ctx context.Context, value conversation.Conversation, expectedVersion int64) (conversation.Conversation, error) {
	update := bson.M{"$set": bson.M{
		"title":      value.Title,
		"archived":   value.Archived,
		"tags":       append([]string{}, value.Tags...),
		"version":    expectedVersion + 1,
		"updated_at": value.UpdatedAt.UTC(),
	}}
	var updated conversationDocument
	err := store.collection(collectionConversations).
		FindOneAndUpdate(ctx, bson.M{"_id": value.ID, "version": expectedVersion}, update, findAfter()).
		Decode(&updated)
	if isNoDocuments(err) {
		if _, getErr := store.GetConversation(ctx, value.ID); getErr != nil {
			return conversation.Conversation{}, getErr
		}
		return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeUpdate, ledger.ErrConflict)
	}
	if err != nil {
		return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeUpdate, err)
	}
	return fromConversationDocument(updated)
}

func (store *Store) ListConversations(ctx context.Context, filter conversation.Filter, page ledger.PageRequest) ([]conversation.Conversation, int64, error) {
	query := conversationFilter(filter)
	total, err := store.collection(collectionConversations).CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectConversation, errorCodeList, err)
	}
	findOptions := pageOptions(page, bson.D{{Key: "last_activity_at", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := store.collection(collectionConversations).Find(ctx, query,
		findOptions, options.Find().SetProjection(bson.M{"messages": 0}))
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectConversation, errorCodeList, err)
	}
	var documents []conversationDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, 0, wrapStoreError(errorSubjectConversation, errorCodeList, err)
	}
	conversations := make([]conversation.Conversation, 0, len(documents))
	for _, document := range documents {
		value, err := fromConversationDocument(document)
		if err != nil {
			return nil, 0, err
		}
		conversations = append(conversations, value)
	}
	return conversations, total, nil
}

func conversationFilter(filter conversation.Filter) bson.M {
	query := bson.M{}
	if filter.AccountID != "" {
		query["account_id"] = filter.AccountID
	}
	if !filter.IncludeArchived {
		query["archived"] = false
	}
	if tag := strings.ToLower(strings.TrimSpace(filter.Tag)); tag != "" {
		query["tags"] = tag
	}
	return query
}

func toMessageDocument(message conversation.Message) messageDocument {
	document := messageDocument{
		ID:        message.ID,
		Role:      string(message.Role),
		Content:   message.Content,
		CreatedAt: message.CreatedAt.UTC(),
	}
	if message.Metadata != nil {
		document.Metadata = &messageMetadataDocument{
			ModelName:   message.Metadata.ModelName,
			Tokens:      message.Metadata.Tokens,
			Cost:        message.Metadata.Cost,
			Attachments: message.Metadata.Attachments,
		}
	}
	return document
}

func toConversationDocument(value conversation.Conversation) conversationDocument {
	messages := make([]messageDocument, 0, len(value.Messages))
	for _, message := range value.Messages {
		messages = append(messages, toMessageDocument(message))
	}
	return conversationDocument{
		ID:             value.ID,
		AccountID:      value.AccountID.String(),
		Title:          value.Title,
		ModelName:      value.ModelName,
		Messages:       messages,
		MessageCount:   len(messages),
		Archived:       value.Archived,
		TotalTokens:    value.TotalTokens,
		TotalCost:      value.TotalCost,
		Tags:           append([]string{}, value.Tags...),
		LastActivityAt: value.LastActivityAt.UTC(),
		Version:        value.Version,
		CreatedAt:      value.CreatedAt.UTC(),
		UpdatedAt:      value.UpdatedAt.UTC(),
	}
}

func fromConversationDocument(document conversationDocument) (conversation.Conversation, error) {
	accountID, err := ledger.NewAccountID(document.AccountID)
	if err != nil {
		return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeInvalid, err)
	}
	value := conversation.Conversation{
		ID:             document.ID,
		AccountID:      accountID,
		Title:          document.Title,
		ModelName:      document.ModelName,
		MessageCount:   document.MessageCount,
		Archived:       document.Archived,
		TotalTokens:    document.TotalTokens,
		TotalCost:      document.TotalCost,
		LastActivityAt: document.LastActivityAt.UTC(),
		Version:        document.Version,
		CreatedAt:      document.CreatedAt.UTC(),
		UpdatedAt:      document.UpdatedAt.UTC(),
	}
	if len(document.Tags) > 0 {
		value.Tags = document.Tags
	}
	value.Messages = make([]conversation.Message, 0, len(document.Messages))
	for _, message := range document.Messages {
		role, err := conversation.ParseRole(message.Role)
		if err != nil {
			return conversation.Conversation{}, wrapStoreError(errorSubjectConversation, errorCodeInvalid, err)
		}
		converted := conversation.Message{
			ID:        message.ID,
			Role:      role,
			Content:   message.Content,
			CreatedAt: message.CreatedAt.UTC(),
		}
		if message.Metadata != nil {
			converted.Metadata = &conversation.MessageMetadata{
				ModelName:   message.Metadata.ModelName,
				Tokens:      message.Metadata.Tokens,
				Cost:        message.Metadata.Cost,
				Attachments: message.Metadata.Attachments,
			}
		}
		value.Messages = append(value.Messages, converted)
	}
	return value, nil
}
