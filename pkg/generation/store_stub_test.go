package generation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

type stubStore struct {
	mutex     sync.Mutex
	requests  map[string]Request
	createErr error
	updateErr error
}

func newStubStore() *stubStore {
	return &stubStore{requests: map[string]Request{}}
}

func (store *stubStore) CreateGeneration(_ context.Context, request Request) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.createErr != nil {
		return store.createErr
	}
	store.requests[request.ID] = request
	return nil
}

func (store *stubStore) DeleteGeneration(_ context.Context, id string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.requests, id)
	return nil
}

func (store *stubStore) GetGeneration(_ context.Context, id string) (Request, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	request, exists := store.requests[id]
	if !exists {
		return Request{}, ErrNotFound
	}
	return request, nil
}

func (store *stubStore) UpdateGeneration(_ context.Context, request Request, expectedVersion int64) (Request, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.updateErr != nil {
		return Request{}, store.updateErr
	}
	current, exists := store.requests[request.ID]
	if !exists {
		return Request{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return Request{}, ledger.ErrConflict
	}
	request.Version = expectedVersion + 1
	store.requests[request.ID] = request
	return request, nil
}

func (store *stubStore) IncrementGenerationCounter(_ context.Context, id string, counter Counter, delta int64) (Request, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	request, exists := store.requests[id]
	if !exists {
		return Request{}, ErrNotFound
	}
	switch counter {
	case CounterLikes:
		request.Likes += delta
	case CounterDownloads:
		request.Downloads += delta
	}
	store.requests[id] = request
	return request, nil
}

func (store *stubStore) ListGenerations(_ context.Context, filter Filter, page ledger.PageRequest) ([]Request, int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	matched := make([]Request, 0, len(store.requests))
	for _, request := range store.requests {
		if filter.AccountID != "" && request.AccountID.String() != filter.AccountID {
			continue
		}
		if filter.Category != "" && request.Category != filter.Category {
			continue
		}
		if filter.Status != "" && request.Status != filter.Status {
			continue
		}
		if filter.Public != nil && request.Public != *filter.Public {
			continue
		}
		matched = append(matched, request)
	}
	sort.Slice(matched, func(left, right int) bool {
		return matched[left].CreatedAt.After(matched[right].CreatedAt)
	})
	total := int64(len(matched))
	start := page.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + page.Normalize().PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (store *stubStore) ListStaleGenerations(_ context.Context, cutoff time.Time, limit int) ([]Request, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var stale []Request
	for _, request := range store.requests {
		unfinished := !request.Status.Terminal() && request.UpdatedAt.Before(cutoff)
		unrefunded := request.Status == StatusFailed && request.Debited && !request.Refunded
		if unfinished || unrefunded {
			stale = append(stale, request)
		}
		if len(stale) == limit {
			break
		}
	}
	return stale, nil
}

func (store *stubStore) GenerationStats(_ context.Context, accountID string) ([]CategoryStats, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	byCategory := map[Category]*CategoryStats{}
	completed := map[Category]int64{}
	for _, request := range store.requests {
		if request.AccountID.String() != accountID {
			continue
		}
		entry, exists := byCategory[request.Category]
		if !exists {
			entry = &CategoryStats{Category: request.Category}
			byCategory[request.Category] = entry
		}
		entry.Count++
		entry.TotalCreditsCost += request.CreditsCost
		if request.Status == StatusCompleted {
			completed[request.Category]++
			entry.AverageProcessingTimeMs += float64(request.ProcessingTimeMs)
		}
	}
	stats := make([]CategoryStats, 0, len(byCategory))
	for category, entry := range byCategory {
		if completed[category] > 0 {
			entry.AverageProcessingTimeMs /= float64(completed[category])
		}
		stats = append(stats, *entry)
	}
	sort.Slice(stats, func(left, right int) bool {
		return stats[left].Category < stats[right].Category
	})
	return stats, nil
}

func (store *stubStore) snapshot(id string) (Request, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	request, exists := store.requests[id]
	return request, exists
}

func (store *stubStore) count() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.requests)
}
