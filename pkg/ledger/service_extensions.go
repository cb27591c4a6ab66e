package ledger

import (
	"context"
	"errors"
	"time"
)

// RetryOnConflict runs attempt until it stops failing with ErrConflict or
// the attempt budget is spent. Version-checked updates use it to re-read and
// re-apply a transition after losing a race.
func RetryOnConflict(ctx context.Context, attempts int, attempt func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = defaultConflictAttempts
	}
	var err error
	for index := 0; index < attempts; index++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = attempt(ctx)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(index+1) * time.Millisecond)
	}
	return err
}

// PageRequest selects a window of a listing.
type PageRequest struct {
	Page     int
	PageSize int
}

// Normalize applies defaults and bounds: page 1, 20 rows, at most 100.
func (request PageRequest) Normalize() PageRequest {
	if request.Page < 1 {
		request.Page = 1
	}
	if request.PageSize < 1 {
		request.PageSize = defaultPageSize
	}
	if request.PageSize > maxPageSize {
		request.PageSize = maxPageSize
	}
	return request
}

// Offset returns the number of rows to skip.
func (request PageRequest) Offset() int {
	normalized := request.Normalize()
	return (normalized.Page - 1) * normalized.PageSize
}

// PageInfo describes the window returned by a listing.
type PageInfo struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"pageSize"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
}

// NewPageInfo computes pagination metadata for total matching rows.
func NewPageInfo(request PageRequest, total int64) PageInfo {
	normalized := request.Normalize()
	pageSize := int64(normalized.PageSize)
	return PageInfo{
		Page:       normalized.Page,
		PageSize:   normalized.PageSize,
		Total:      total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}
}
