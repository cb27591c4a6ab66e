package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultStartingBalance is granted to every newly opened account.
const DefaultStartingBalance int64 = 100

// AccountID identifies an account; it is the auth provider's user id.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

func (accountID AccountID) String() string { return accountID.value }

// IsZero reports whether the id was never set.
func (accountID AccountID) IsZero() bool { return accountID.value == "" }

// Tier is the membership level of an account.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a tier name.
func ParseTier(raw string) (Tier, error) {
	switch tier := Tier(strings.ToLower(strings.TrimSpace(raw))); tier {
	case TierFree, TierPro, TierEnterprise:
		return tier, nil
	default:
		return "", NewValidationError("tier", "unsupported tier %q", raw)
	}
}

func (tier Tier) String() string { return string(tier) }

// UsageCategory names a per-account usage counter.
type UsageCategory string

const (
	UsageChat  UsageCategory = "chat"
	UsageImage UsageCategory = "image"
	UsageVideo UsageCategory = "video"
	UsageMusic UsageCategory = "music"
	UsageAudio UsageCategory = "audio"
)

// ParseUsageCategory validates a usage category.
func ParseUsageCategory(raw string) (UsageCategory, error) {
	switch category := UsageCategory(strings.ToLower(strings.TrimSpace(raw))); category {
	case UsageChat, UsageImage, UsageVideo, UsageMusic, UsageAudio:
		return category, nil
	default:
		return "", NewValidationError("category", "unsupported usage category %q", raw)
	}
}

func (category UsageCategory) String() string { return string(category) }

// Usage holds the activity counters of an account.
type Usage struct {
	ChatMessages    int64 `json:"chatMessages"`
	ImagesGenerated int64 `json:"imagesGenerated"`
	VideosCreated   int64 `json:"videosCreated"`
	MusicGenerated  int64 `json:"musicGenerated"`
	AudioGenerated  int64 `json:"audioGenerated"`
}

// Count returns the counter for a category.
func (usage Usage) Count(category UsageCategory) int64 {
	switch category {
	case UsageChat:
		return usage.ChatMessages
	case UsageImage:
		return usage.ImagesGenerated
	case UsageVideo:
		return usage.VideosCreated
	case UsageMusic:
		return usage.MusicGenerated
	case UsageAudio:
		return usage.AudioGenerated
	default:
		return 0
	}
}

// Add returns a copy with delta applied to one counter, clamped at zero.
func (usage Usage) Add(category UsageCategory, delta int64) Usage {
	clamp := func(value int64) int64 {
		if value < 0 {
			return 0
		}
		return value
	}
	switch category {
	case UsageChat:
		usage.ChatMessages = clamp(usage.ChatMessages + delta)
	case UsageImage:
		usage.ImagesGenerated = clamp(usage.ImagesGenerated + delta)
	case UsageVideo:
		usage.VideosCreated = clamp(usage.VideosCreated + delta)
	case UsageMusic:
		usage.MusicGenerated = clamp(usage.MusicGenerated + delta)
	case UsageAudio:
		usage.AudioGenerated = clamp(usage.AudioGenerated + delta)
	}
	return usage
}

// Account is the authoritative credits and usage record of a user.
type Account struct {
	ID           AccountID
	Balance      int64
	Tier         Tier
	Usage        Usage
	CreditsSpent int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store persists accounts. Every mutating method must apply its change as a
// single atomic update and return the resulting record.
type Store interface {
	CreateAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	// DebitAccount subtracts amount only when the balance covers it and
	// reports InsufficientBalanceError otherwise.
	DebitAccount(ctx context.Context, accountID AccountID, amount int64, at time.Time) (Account, error)
	CreditAccount(ctx context.Context, accountID AccountID, amount int64, at time.Time) (Account, error)
	// AdjustUsage adds delta to a usage counter without letting it drop below zero.
	AdjustUsage(ctx context.Context, accountID AccountID, category UsageCategory, delta int64, at time.Time) (Account, error)
	SetAccountTier(ctx context.Context, accountID AccountID, tier Tier, at time.Time) (Account, error)
}
