package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Account mirrors the accounts table.
type Account struct {
	ID              string    `gorm:"primaryKey;size:191"`
	Balance         int64     `gorm:"not null;default:0"`
	Tier            string    `gorm:"size:32;not null"`
	ChatMessages    int64     `gorm:"not null;default:0"`
	ImagesGenerated int64     `gorm:"not null;default:0"`
	VideosCreated   int64     `gorm:"not null;default:0"`
	MusicGenerated  int64     `gorm:"not null;default:0"`
	AudioGenerated  int64     `gorm:"not null;default:0"`
	CreditsSpent    int64     `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Generation mirrors the generations table. Tags are kept twice: as JSON for
// reads and as a ",tag," delimited column for portable filtering.
type Generation struct {
	ID               string         `gorm:"primaryKey;size:64"`
	AccountID        string         `gorm:"size:191;not null;index:idx_generations_account_created,priority:1"`
	Category         string         `gorm:"size:16;not null;index"`
	Prompt           string         `gorm:"type:text;not null"`
	NegativePrompt   string         `gorm:"type:text"`
	Parameters       datatypes.JSON `gorm:"not null"`
	CreditsCost      int64          `gorm:"not null"`
	Status           string         `gorm:"size:16;not null;index:idx_generations_status_updated,priority:1"`
	Result           datatypes.JSON
	ErrorMessage     string `gorm:"type:text"`
	ProcessingTimeMs int64  `gorm:"not null;default:0"`
	Public           bool   `gorm:"not null;default:false;index"`
	Likes            int64  `gorm:"not null;default:0"`
	Downloads        int64  `gorm:"not null;default:0"`
	Tags             datatypes.JSON
	TagIndex         string    `gorm:"size:1200;not null;default:''"`
	Debited          bool      `gorm:"not null;default:false"`
	Refunded         bool      `gorm:"not null;default:false"`
	Version          int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;index:idx_generations_account_created,priority:2"`
	UpdatedAt        time.Time `gorm:"not null;index:idx_generations_status_updated,priority:2"`
}

func (Generation) TableName() string { return "generations" }

// Conversation mirrors the conversations table.
type Conversation struct {
	ID             string `gorm:"primaryKey;size:64"`
	AccountID      string `gorm:"size:191;not null;index:idx_conversations_account_activity,priority:1"`
	Title          string `gorm:"size:255;not null"`
	ModelName      string `gorm:"size:64;not null"`
	Archived       bool   `gorm:"not null;default:false"`
	MessageCount   int    `gorm:"not null;default:0"`
	TotalTokens    int64  `gorm:"not null;default:0"`
	TotalCost      int64  `gorm:"not null;default:0"`
	Tags           datatypes.JSON
	TagIndex       string    `gorm:"size:1200;not null;default:''"`
	LastActivityAt time.Time `gorm:"not null;index:idx_conversations_account_activity,priority:2"`
	Version        int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// Message mirrors the conversation_messages table. Seq is the 1-based
// position inside the conversation.
type Message struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"size:64;not null;uniqueIndex:idx_messages_conversation_seq,priority:1"`
	Seq            int    `gorm:"not null;uniqueIndex:idx_messages_conversation_seq,priority:2"`
	Role           string `gorm:"size:16;not null"`
	Content        string `gorm:"type:text;not null"`
	Metadata       datatypes.JSON
	CreatedAt      time.Time `gorm:"not null"`
}

func (Message) TableName() string { return "conversation_messages" }

// Order mirrors the orders table.
type Order struct {
	ID             string          `gorm:"primaryKey;size:64"`
	AccountID      string          `gorm:"size:191;not null;index:idx_orders_account_created,priority:1"`
	Number         string          `gorm:"size:64;not null;uniqueIndex:idx_orders_number"`
	Type           string          `gorm:"size:16;not null"`
	Status         string          `gorm:"size:16;not null"`
	Items          datatypes.JSON  `gorm:"not null"`
	Subtotal       decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	Tax            decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	Discount       decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	Total          decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	Currency       string          `gorm:"size:3;not null"`
	PaymentMethod  string          `gorm:"size:16"`
	PaymentID      string          `gorm:"size:191;index"`
	RefundID       string          `gorm:"size:191"`
	RefundAmount   decimal.Decimal `gorm:"type:decimal(20,2);not null"`
	Metadata       datatypes.JSON
	BillingAddress datatypes.JSON
	Notes          string `gorm:"type:text"`
	Fulfilled      bool   `gorm:"not null;default:false"`
	PaidAt         *time.Time
	RefundedAt     *time.Time
	Version        int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;index:idx_orders_account_created,priority:2"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Order) TableName() string { return "orders" }

// Models lists every table managed by the store, in migration order.
func Models() []any {
	return []any{&Account{}, &Generation{}, &Conversation{}, &Message{}, &Order{}}
}
