package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const (
	MaxPromptLength         = 2000
	MaxNegativePromptLength = 1000
	MaxTagLength            = 50
	MaxTags                 = 20

	DefaultQuality  = QualityStandard
	DefaultSize     = "1024x1024"
	DefaultSteps    = 20
	DefaultCFGScale = 7.0
	MaxSeed         = 1_000_000
)

// ErrNotFound reports a missing generation request.
var ErrNotFound = fmt.Errorf("generation request %w", ledger.ErrNotFound)

// Category is the kind of content a request produces.
type Category string

const (
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
	CategoryAudio Category = "audio"
	CategoryMusic Category = "music"
	CategoryText  Category = "text"
)

// ParseCategory validates a category name.
func ParseCategory(raw string) (Category, error) {
	switch category := Category(strings.ToLower(strings.TrimSpace(raw))); category {
	case CategoryImage, CategoryVideo, CategoryAudio, CategoryMusic, CategoryText:
		return category, nil
	default:
		return "", ledger.NewValidationError("category", "must be one of image, video, audio, music, text")
	}
}

// UsageCategory maps the request category onto the account counter it moves.
func (category Category) UsageCategory() ledger.UsageCategory {
	switch category {
	case CategoryImage:
		return ledger.UsageImage
	case CategoryVideo:
		return ledger.UsageVideo
	case CategoryAudio:
		return ledger.UsageAudio
	case CategoryMusic:
		return ledger.UsageMusic
	default:
		return ledger.UsageChat
	}
}

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus validates a status name.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return status, nil
	default:
		return "", ledger.NewValidationError("status", "unsupported status %q", raw)
	}
}

// Terminal reports whether no further transition is possible.
func (status Status) Terminal() bool {
	return status == StatusCompleted || status == StatusFailed
}

// Quality is the requested output quality preset.
type Quality string

const (
	QualityDraft    Quality = "draft"
	QualityStandard Quality = "standard"
	QualityHigh     Quality = "high"
	QualityUltra    Quality = "ultra"
)

// Parameters is the provider parameter bag. Well-known keys are typed; any
// other provider specific value goes into Extra.
type Parameters struct {
	Model    string         `json:"model,omitempty"`
	Style    string         `json:"style,omitempty"`
	Quality  Quality        `json:"quality,omitempty"`
	Size     string         `json:"size,omitempty"`
	Steps    int            `json:"steps,omitempty"`
	CFGScale float64        `json:"cfgScale,omitempty"`
	Seed     *int64         `json:"seed,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Result is what the provider produced.
type Result struct {
	URLs            []string       `json:"urls,omitempty"`
	Text            string         `json:"text,omitempty"`
	DurationSeconds float64        `json:"duration,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Empty reports whether the result carries no output.
func (result Result) Empty() bool {
	return len(result.URLs) == 0 && strings.TrimSpace(result.Text) == ""
}

// Request is one tracked invocation of a generation capability.
type Request struct {
	ID               string
	AccountID        ledger.AccountID
	Category         Category
	Prompt           string
	NegativePrompt   string
	Parameters       Parameters
	CreditsCost      int64
	Status           Status
	Result           *Result
	ErrorMessage     string
	ProcessingTimeMs int64
	Public           bool
	Likes            int64
	Downloads        int64
	Tags             []string
	// Debited is set once CreditsCost has been taken from the account.
	Debited   bool
	Refunded  bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Counter names an atomically incremented request counter.
type Counter string

const (
	CounterLikes     Counter = "likes"
	CounterDownloads Counter = "downloads"
)

// Filter selects requests for listing. Zero values match everything.
type Filter struct {
	AccountID   string
	Category    Category
	Status      Status
	Public      *bool
	Tag         string
	SortByLikes bool
}

// CategoryStats summarizes the requests of one account in one category.
// AverageProcessingTimeMs covers completed requests only and is zero when
// none completed.
type CategoryStats struct {
	Category                Category
	Count                   int64
	TotalCreditsCost        int64
	AverageProcessingTimeMs float64
}

// Page is one window of a listing.
type Page struct {
	Items      []Request       `json:"items"`
	Pagination ledger.PageInfo `json:"pagination"`
}

// Store persists generation requests.
type Store interface {
	CreateGeneration(ctx context.Context, request Request) error
	DeleteGeneration(ctx context.Context, id string) error
	GetGeneration(ctx context.Context, id string) (Request, error)
	// UpdateGeneration writes request only if the stored version equals
	// expectedVersion and fails with ledger.ErrConflict otherwise.
	UpdateGeneration(ctx context.Context, request Request, expectedVersion int64) (Request, error)
	IncrementGenerationCounter(ctx context.Context, id string, counter Counter, delta int64) (Request, error)
	ListGenerations(ctx context.Context, filter Filter, page ledger.PageRequest) ([]Request, int64, error)
	// ListStaleGenerations returns unfinished requests last touched before
	// cutoff, plus failed debited requests whose cost was never returned.
	ListStaleGenerations(ctx context.Context, cutoff time.Time, limit int) ([]Request, error)
	// GenerationStats groups the requests of accountID by category, ordered
	// by category name.
	GenerationStats(ctx context.Context, accountID string) ([]CategoryStats, error)
}
