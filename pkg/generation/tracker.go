package generation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const (
	staleFailureMessage = "generation timed out"
	defaultSweepLimit   = 100
)

var errNoChange = errors.New("no change")

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the logger used for best-effort side effects.
func WithLogger(logger *zap.Logger) TrackerOption {
	return func(tracker *Tracker) {
		if logger != nil {
			tracker.logger = logger
		}
	}
}

// WithSeedSource overrides the random seed assigned to requests without one.
func WithSeedSource(source func() int64) TrackerOption {
	return func(tracker *Tracker) {
		if source != nil {
			tracker.seedSource = source
		}
	}
}

// Tracker owns the lifecycle of generation requests and keeps the ledger in
// step with it: a request is debited on creation and refunded on failure.
type Tracker struct {
	store      Store
	accounts   *ledger.Service
	logger     *zap.Logger
	seedSource func() int64
}

// NewTracker wires a Tracker.
func NewTracker(store Store, accounts *ledger.Service, options ...TrackerOption) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: generation store is nil", ledger.ErrInvalidServiceConfig)
	}
	if accounts == nil {
		return nil, fmt.Errorf("%w: ledger service is nil", ledger.ErrInvalidServiceConfig)
	}
	tracker := &Tracker{
		store:      store,
		accounts:   accounts,
		logger:     zap.NewNop(),
		seedSource: func() int64 { return rand.Int64N(MaxSeed) },
	}
	for _, option := range options {
		if option != nil {
			option(tracker)
		}
	}
	return tracker, nil
}

// Create persists a pending request, debits its cost and then records the
// debit on the request. When the debit is rejected the request is removed
// again and the ledger error is returned. Only requests marked Debited are
// ever refunded, so a request orphaned between the steps cannot mint credits.
func (tracker *Tracker) Create(ctx context.Context, input CreateInput) (Request, error) {
	validated, err := validateCreateInput(input, tracker.seedSource)
	if err != nil {
		return Request{}, err
	}
	if _, err := tracker.accounts.Account(ctx, input.AccountID); err != nil {
		return Request{}, err
	}
	id, err := ledger.NewEntityID(ledger.PrefixGeneration)
	if err != nil {
		return Request{}, err
	}
	now := tracker.accounts.Now()
	request := Request{
		ID:             id,
		AccountID:      input.AccountID,
		Category:       validated.category,
		Prompt:         validated.prompt,
		NegativePrompt: validated.negativePrompt,
		Parameters:     validated.parameters,
		CreditsCost:    validated.creditsCost,
		Status:         StatusPending,
		Public:         input.Public,
		Tags:           validated.tags,
		Debited:        validated.creditsCost == 0,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tracker.store.CreateGeneration(ctx, request); err != nil {
		return Request{}, err
	}
	if request.CreditsCost > 0 {
		if _, debitErr := tracker.accounts.Debit(ctx, request.AccountID, request.CreditsCost); debitErr != nil {
			if deleteErr := tracker.store.DeleteGeneration(context.WithoutCancel(ctx), request.ID); deleteErr != nil {
				tracker.logger.Error("generation rollback failed",
					zap.String("generation_id", request.ID),
					zap.String("account_id", request.AccountID.String()),
					zap.Error(deleteErr))
			}
			return Request{}, debitErr
		}
		debited, err := tracker.markDebited(ctx, request)
		if err != nil {
			return Request{}, err
		}
		request = debited
	}
	if _, usageErr := tracker.accounts.RecordUsage(ctx, request.AccountID, request.Category.UsageCategory(), 1); usageErr != nil {
		tracker.logger.Warn("generation usage not recorded",
			zap.String("generation_id", request.ID),
			zap.Error(usageErr))
	}
	return request, nil
}

// markDebited records a successful debit on request. If the write cannot be
// made the debit is returned and the request removed, since without the mark
// the cost would never be refunded.
func (tracker *Tracker) markDebited(ctx context.Context, request Request) (Request, error) {
	marked, err := tracker.transition(ctx, request.ID, func(current Request, at time.Time) (Request, error) {
		if current.Debited {
			return current, errNoChange
		}
		current.Debited = true
		current.UpdatedAt = at
		return current, nil
	})
	if err != nil {
		detached := context.WithoutCancel(ctx)
		if _, creditErr := tracker.accounts.Credit(detached, request.AccountID, request.CreditsCost); creditErr != nil {
			tracker.logger.Error("generation debit not returned",
				zap.String("generation_id", request.ID),
				zap.String("account_id", request.AccountID.String()),
				zap.Int64("credits", request.CreditsCost),
				zap.Error(creditErr))
		}
		if deleteErr := tracker.store.DeleteGeneration(detached, request.ID); deleteErr != nil {
			tracker.logger.Error("generation rollback failed",
				zap.String("generation_id", request.ID),
				zap.String("account_id", request.AccountID.String()),
				zap.Error(deleteErr))
		}
		return Request{}, err
	}
	// A request failed before its debit was recorded still owes the refund.
	if marked.Status == StatusFailed && !marked.Refunded {
		return tracker.Fail(ctx, marked.ID, marked.ErrorMessage)
	}
	return marked, nil
}

// Get returns a request by id.
func (tracker *Tracker) Get(ctx context.Context, id string) (Request, error) {
	return tracker.store.GetGeneration(ctx, id)
}

// GetOwned returns a request only when accountID owns it or it is public.
func (tracker *Tracker) GetOwned(ctx context.Context, accountID ledger.AccountID, id string) (Request, error) {
	request, err := tracker.store.GetGeneration(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if request.AccountID != accountID && !request.Public {
		return Request{}, ledger.ErrUnauthorized
	}
	return request, nil
}

// List returns one page of requests matching filter. Listings are ordered by
// creation time, newest first, or by likes when SortByLikes is set.
func (tracker *Tracker) List(ctx context.Context, filter Filter, page ledger.PageRequest) (Page, error) {
	normalized := page.Normalize()
	items, total, err := tracker.store.ListGenerations(ctx, filter, normalized)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []Request{}
	}
	return Page{Items: items, Pagination: ledger.NewPageInfo(normalized, total)}, nil
}

// Stats summarizes the requests of accountID per category.
func (tracker *Tracker) Stats(ctx context.Context, accountID ledger.AccountID) ([]CategoryStats, error) {
	if accountID.IsZero() {
		return nil, ledger.NewValidationError("accountId", "is required")
	}
	stats, err := tracker.store.GenerationStats(ctx, accountID.String())
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []CategoryStats{}
	}
	return stats, nil
}

// MarkProcessing records that the provider call was dispatched.
func (tracker *Tracker) MarkProcessing(ctx context.Context, id string) (Request, error) {
	return tracker.transition(ctx, id, func(current Request, at time.Time) (Request, error) {
		return MarkProcessing(current, at)
	})
}

// MarkCompleted stores the provider result.
func (tracker *Tracker) MarkCompleted(ctx context.Context, id string, result Result, processingTimeMs int64) (Request, error) {
	return tracker.transition(ctx, id, func(current Request, at time.Time) (Request, error) {
		return MarkCompleted(current, result, processingTimeMs, at)
	})
}

// MarkFailed records the failure without touching the ledger. Use Fail to
// also return the reserved credits.
func (tracker *Tracker) MarkFailed(ctx context.Context, id string, errorMessage string) (Request, error) {
	return tracker.transition(ctx, id, func(current Request, at time.Time) (Request, error) {
		return MarkFailed(current, errorMessage, at)
	})
}

// Fail marks the request failed and returns its cost to the account, then
// reverses the usage count. The refund is claimed on the request before the
// credit is issued, so repeated or concurrent calls refund at most once.
// Requests whose debit was never recorded are failed without a refund.
func (tracker *Tracker) Fail(ctx context.Context, id string, errorMessage string) (Request, error) {
	claimed := false
	request, err := tracker.transition(ctx, id, func(current Request, at time.Time) (Request, error) {
		claimed = false
		next := current
		if current.Status != StatusFailed {
			var transitionErr error
			next, transitionErr = MarkFailed(current, errorMessage, at)
			if transitionErr != nil {
				return current, transitionErr
			}
		}
		if next.Refunded || !next.Debited {
			if next.Status == current.Status {
				return current, errNoChange
			}
			return next, nil
		}
		next.Refunded = true
		next.UpdatedAt = at
		claimed = true
		return next, nil
	})
	if err != nil || !claimed {
		return request, err
	}
	if request.CreditsCost > 0 {
		if _, creditErr := tracker.accounts.Credit(ctx, request.AccountID, request.CreditsCost); creditErr != nil {
			reverted, revertErr := tracker.transition(context.WithoutCancel(ctx), id, func(current Request, at time.Time) (Request, error) {
				if !current.Refunded {
					return current, errNoChange
				}
				current.Refunded = false
				current.UpdatedAt = at
				return current, nil
			})
			if revertErr != nil {
				tracker.logger.Error("generation refund claim not released",
					zap.String("generation_id", id),
					zap.Int64("credits", request.CreditsCost),
					zap.Error(revertErr))
				return request, creditErr
			}
			return reverted, creditErr
		}
	}
	if _, usageErr := tracker.accounts.RecordUsage(ctx, request.AccountID, request.Category.UsageCategory(), -1); usageErr != nil {
		tracker.logger.Warn("generation usage not reversed",
			zap.String("generation_id", id),
			zap.Error(usageErr))
	}
	return request, nil
}

// ExpireStale fails and refunds requests that stayed unfinished longer than
// olderThan, and finishes refunds that were never issued. It returns how many
// requests it settled.
func (tracker *Tracker) ExpireStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	cutoff := tracker.accounts.Now().Add(-olderThan)
	stale, err := tracker.store.ListStaleGenerations(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	var sweepErr error
	for _, request := range stale {
		if _, failErr := tracker.Fail(ctx, request.ID, staleFailureMessage); failErr != nil {
			tracker.logger.Warn("stale generation not settled",
				zap.String("generation_id", request.ID),
				zap.Error(failErr))
			sweepErr = errors.Join(sweepErr, failErr)
			continue
		}
		settled++
	}
	return settled, sweepErr
}

// SetVisibility publishes or hides a request owned by accountID.
func (tracker *Tracker) SetVisibility(ctx context.Context, accountID ledger.AccountID, id string, public bool) (Request, error) {
	return tracker.ownedTransition(ctx, accountID, id, func(current Request, at time.Time) (Request, error) {
		if current.Public == public {
			return current, errNoChange
		}
		current.Public = public
		current.UpdatedAt = at
		return current, nil
	})
}

// AddTag tags a request owned by accountID.
func (tracker *Tracker) AddTag(ctx context.Context, accountID ledger.AccountID, id string, tag string) (Request, error) {
	return tracker.ownedTransition(ctx, accountID, id, func(current Request, at time.Time) (Request, error) {
		return AddTag(current, tag, at)
	})
}

// RemoveTag untags a request owned by accountID.
func (tracker *Tracker) RemoveTag(ctx context.Context, accountID ledger.AccountID, id string, tag string) (Request, error) {
	return tracker.ownedTransition(ctx, accountID, id, func(current Request, at time.Time) (Request, error) {
		return RemoveTag(current, tag, at)
	})
}

// Like increments the like counter of a request visible to accountID.
func (tracker *Tracker) Like(ctx context.Context, accountID ledger.AccountID, id string) (Request, error) {
	return tracker.increment(ctx, accountID, id, CounterLikes)
}

// Download increments the download counter of a request visible to accountID.
func (tracker *Tracker) Download(ctx context.Context, accountID ledger.AccountID, id string) (Request, error) {
	return tracker.increment(ctx, accountID, id, CounterDownloads)
}

func (tracker *Tracker) increment(ctx context.Context, accountID ledger.AccountID, id string, counter Counter) (Request, error) {
	if _, err := tracker.GetOwned(ctx, accountID, id); err != nil {
		return Request{}, err
	}
	return tracker.store.IncrementGenerationCounter(ctx, id, counter, 1)
}

func (tracker *Tracker) ownedTransition(ctx context.Context, accountID ledger.AccountID, id string, apply func(Request, time.Time) (Request, error)) (Request, error) {
	return tracker.transition(ctx, id, func(current Request, at time.Time) (Request, error) {
		if current.AccountID != accountID {
			return current, ledger.ErrUnauthorized
		}
		return apply(current, at)
	})
}

// transition re-reads the request and applies a pure step under optimistic
// concurrency until the versioned write succeeds.
func (tracker *Tracker) transition(ctx context.Context, id string, apply func(Request, time.Time) (Request, error)) (Request, error) {
	var updated Request
	err := ledger.RetryOnConflict(ctx, 0, func(ctx context.Context) error {
		current, err := tracker.store.GetGeneration(ctx, id)
		if err != nil {
			return err
		}
		next, err := apply(current, tracker.accounts.Now())
		if errors.Is(err, errNoChange) {
			updated = current
			return nil
		}
		if err != nil {
			return err
		}
		updated, err = tracker.store.UpdateGeneration(ctx, next, current.Version)
		return err
	})
	if err != nil {
		return Request{}, err
	}
	return updated, nil
}
