package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const (
	MaxContentLength = 10000
	MaxTitleLength   = 200
	MaxTagLength     = 50
	MaxTags          = 20
	DefaultTitle     = "New Chat"
	DefaultModel     = "gpt-3.5-turbo"
)

// ErrNotFound reports a missing conversation.
var ErrNotFound = fmt.Errorf("conversation %w", ledger.ErrNotFound)

var supportedModels = map[string]struct{}{
	"gpt-3.5-turbo": {},
	"gpt-4":         {},
	"claude-3":      {},
	"gemini-pro":    {},
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates a role name.
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleUser, RoleAssistant, RoleSystem:
		return role, nil
	default:
		return "", ledger.NewValidationError("role", "must be one of user, assistant, system")
	}
}

// MessageMetadata is optional accounting data attached to a message.
type MessageMetadata struct {
	ModelName   string   `json:"modelName,omitempty"`
	Tokens      int64    `json:"tokens,omitempty"`
	Cost        int64    `json:"cost,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// Message is one turn of a conversation. It has no identity outside it.
type Message struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"timestamp"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// Conversation is a chat session and its ordered messages. Listings leave
// Messages empty and report MessageCount only.
type Conversation struct {
	ID             string
	AccountID      ledger.AccountID
	Title          string
	ModelName      string
	Messages       []Message
	MessageCount   int
	Archived       bool
	TotalTokens    int64
	TotalCost      int64
	Tags           []string
	LastActivityAt time.Time
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Filter selects conversations of one account.
type Filter struct {
	AccountID       string
	IncludeArchived bool
	Tag             string
}

// Page is one window of a listing.
type Page struct {
	Items      []Conversation
	Pagination ledger.PageInfo
}

// Transcript is the ownership-checked message view of a conversation.
type Transcript struct {
	ConversationID string    `json:"conversationId"`
	Title          string    `json:"title"`
	Messages       []Message `json:"messages"`
	TotalTokens    int64     `json:"totalTokens"`
	TotalCost      int64     `json:"totalCost"`
}

// Store persists conversations.
type Store interface {
	CreateConversation(ctx context.Context, conversation Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	// AppendMessage atomically adds message at the end, adds its tokens and
	// cost to the totals, and advances LastActivityAt to at most message time.
	AppendMessage(ctx context.Context, conversationID string, message Message) (Conversation, error)
	// UpdateConversation writes the mutable header fields (title, archived,
	// tags) if the stored version equals expectedVersion.
	UpdateConversation(ctx context.Context, conversation Conversation, expectedVersion int64) (Conversation, error)
	ListConversations(ctx context.Context, filter Filter, page ledger.PageRequest) ([]Conversation, int64, error)
}
