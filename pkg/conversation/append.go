package conversation

import (
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

// MessageInput is the caller-supplied part of a new message.
type MessageInput struct {
	Role     string
	Content  string
	Metadata *MessageMetadata
}

// NewMessage validates input and stamps it with id and time.
func NewMessage(id string, input MessageInput, at time.Time) (Message, error) {
	role, err := ParseRole(input.Role)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(input.Content) == "" {
		return Message{}, ledger.NewValidationError("content", "must not be empty")
	}
	if len([]rune(input.Content)) > MaxContentLength {
		return Message{}, ledger.NewValidationError("content", "exceeds %d characters", MaxContentLength)
	}
	var metadata *MessageMetadata
	if input.Metadata != nil {
		if input.Metadata.Tokens < 0 {
			return Message{}, ledger.NewValidationError("metadata.tokens", "must not be negative")
		}
		if input.Metadata.Cost < 0 {
			return Message{}, ledger.NewValidationError("metadata.cost", "must not be negative")
		}
		copied := *input.Metadata
		copied.Attachments = append([]string(nil), input.Metadata.Attachments...)
		metadata = &copied
	}
	return Message{
		ID:        id,
		Role:      role,
		Content:   input.Content,
		CreatedAt: at,
		Metadata:  metadata,
	}, nil
}

// Append returns conversation with message at the end. Totals grow by the
// message metadata and LastActivityAt never moves backwards. Stores apply the
// same rules atomically; this is the reference used by tests and stubs.
func Append(conversation Conversation, message Message) Conversation {
	conversation.Messages = append(append([]Message(nil), conversation.Messages...), message)
	conversation.MessageCount++
	if message.Metadata != nil {
		conversation.TotalTokens += message.Metadata.Tokens
		conversation.TotalCost += message.Metadata.Cost
	}
	if message.CreatedAt.After(conversation.LastActivityAt) {
		conversation.LastActivityAt = message.CreatedAt
	}
	conversation.UpdatedAt = conversation.LastActivityAt
	conversation.Version++
	return conversation
}

// Rename returns conversation with a normalized title.
func Rename(conversation Conversation, title string, at time.Time) Conversation {
	conversation.Title = normalizeTitle(title)
	conversation.UpdatedAt = at
	return conversation
}

// SetArchived flips the archived flag. The boolean reports whether anything changed.
func SetArchived(conversation Conversation, archived bool, at time.Time) (Conversation, bool) {
	if conversation.Archived == archived {
		return conversation, false
	}
	conversation.Archived = archived
	conversation.UpdatedAt = at
	return conversation, true
}

// AddTag returns conversation with tag added once.
func AddTag(conversation Conversation, rawTag string, at time.Time) (Conversation, error) {
	tag, err := normalizeTag(rawTag)
	if err != nil {
		return conversation, err
	}
	for _, existing := range conversation.Tags {
		if existing == tag {
			return conversation, nil
		}
	}
	if len(conversation.Tags) >= MaxTags {
		return conversation, ledger.NewValidationError("tags", "at most %d tags allowed", MaxTags)
	}
	conversation.Tags = append(append([]string(nil), conversation.Tags...), tag)
	conversation.UpdatedAt = at
	return conversation, nil
}

// RemoveTag returns conversation without tag.
func RemoveTag(conversation Conversation, rawTag string, at time.Time) (Conversation, error) {
	tag, err := normalizeTag(rawTag)
	if err != nil {
		return conversation, err
	}
	remaining := make([]string, 0, len(conversation.Tags))
	for _, existing := range conversation.Tags {
		if existing != tag {
			remaining = append(remaining, existing)
		}
	}
	conversation.Tags = remaining
	conversation.UpdatedAt = at
	return conversation, nil
}

func normalizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if title == "" {
		return DefaultTitle
	}
	runes := []rune(title)
	if len(runes) > MaxTitleLength {
		return strings.TrimSpace(string(runes[:MaxTitleLength]))
	}
	return title
}

func normalizeModel(raw string) (string, error) {
	model := strings.ToLower(strings.TrimSpace(raw))
	if model == "" {
		return DefaultModel, nil
	}
	if _, supported := supportedModels[model]; !supported {
		return "", ledger.NewValidationError("modelName", "unsupported model %q", raw)
	}
	return model, nil
}

func normalizeTag(raw string) (string, error) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if tag == "" {
		return "", ledger.NewValidationError("tag", "must not be empty")
	}
	if len([]rune(tag)) > MaxTagLength {
		return "", ledger.NewValidationError("tag", "exceeds %d characters", MaxTagLength)
	}
	return tag, nil
}
