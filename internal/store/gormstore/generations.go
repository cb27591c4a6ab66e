package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

var generationCounterColumns = map[generation.Counter]string{
	generation.CounterLikes:     "likes",
	generation.CounterDownloads: "downloads",
}

func (store *Store) CreateGeneration(ctx context.Context, request generation.Request) error {
	model, err := generationModel(request)
	if err != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectGeneration, errorCodeDuplicate, ledger.ErrDuplicate)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) DeleteGeneration(ctx context.Context, id string) error {
	result := store.db.WithContext(ctx).Where("id = ?", id).Delete(&Generation{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGeneration, errorCodeDelete, generation.ErrNotFound)
	}
	return nil
}

func (store *Store) GetGeneration(ctx context.Context, id string) (generation.Request, error) {
	var model Generation
	err := store.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, generation.ErrNotFound)
	}
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, err)
	}
	return mapGeneration(model)
}

// UpdateGeneration leaves likes and downloads alone; they move only through
// IncrementGenerationCounter and would otherwise be clobbered by stale reads.
func (store *Store) UpdateGeneration(ctx context.Context, request generation.Request, expectedVersion int64) (generation.Request, error) {
	model, err := generationModel(request)
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	var updated generation.Request
	err = store.withTx(ctx, func(txStore *Store) error {
		result := txStore.db.WithContext(ctx).
			Model(&Generation{}).
			Where("id = ? AND version = ?", request.ID, expectedVersion).
			Updates(map[string]any{
				"status":             model.Status,
				"result":             model.Result,
				"error_message":      model.ErrorMessage,
				"processing_time_ms": model.ProcessingTimeMs,
				"public":             model.Public,
				"tags":               model.Tags,
				"tag_index":          model.TagIndex,
				"debited":            model.Debited,
				"refunded":           model.Refunded,
				"version":            expectedVersion + 1,
				"updated_at":         model.UpdatedAt,
			})
		if result.Error != nil {
			return wrapStoreError(errorSubjectGeneration, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			if _, err := txStore.GetGeneration(ctx, request.ID); err != nil {
				return err
			}
			return wrapStoreError(errorSubjectGeneration, errorCodeUpdate, ledger.ErrConflict)
		}
		current, err := txStore.GetGeneration(ctx, request.ID)
		if err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return generation.Request{}, err
	}
	return updated, nil
}

func (store *Store) IncrementGenerationCounter(ctx context.Context, id string, counter generation.Counter, delta int64) (generation.Request, error) {
	column, ok := generationCounterColumns[counter]
	if !ok {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeUpdate,
			ledger.NewValidationError("counter", "unsupported counter %q", counter))
	}
	var updated generation.Request
	err := store.withTx(ctx, func(txStore *Store) error {
		result := txStore.db.WithContext(ctx).
			Model(&Generation{}).
			Where("id = ?", id).
			UpdateColumn(column, gorm.Expr(column+" + ?", delta))
		if result.Error != nil {
			return wrapStoreError(errorSubjectGeneration, errorCodeUpdate, result.Error)
		}
		current, err := txStore.GetGeneration(ctx, id)
		if err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return generation.Request{}, err
	}
	return updated, nil
}

func (store *Store) ListGenerations(ctx context.Context, filter generation.Filter, page ledger.PageRequest) ([]generation.Request, int64, error) {
	query := store.db.WithContext(ctx).Model(&Generation{})
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.Category != "" {
		query = query.Where("category = ?", string(filter.Category))
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Public != nil {
		query = query.Where("public = ?", *filter.Public)
	}
	if filter.Tag != "" {
		query = query.Where("tag_index LIKE ?", tagPattern(filter.Tag))
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	if filter.SortByLikes {
		query = query.Order("likes DESC")
	}
	var rows []Generation
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Offset(page.Offset()).
		Limit(page.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	requests, err := mapGenerations(rows)
	if err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

func (store *Store) ListStaleGenerations(ctx context.Context, cutoff time.Time, limit int) ([]generation.Request, error) {
	var rows []Generation
	err := store.db.WithContext(ctx).
		Where("(status IN ? AND updated_at < ?) OR (status = ? AND debited = ? AND refunded = ?)",
			[]string{string(generation.StatusPending), string(generation.StatusProcessing)},
			cutoff.UTC(),
			string(generation.StatusFailed),
			true,
			false).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	return mapGenerations(rows)
}

type generationStatsRow struct {
	Category              string
	Count                 int64
	TotalCost             int64
	AverageProcessingTime sql.NullFloat64
}

func (store *Store) GenerationStats(ctx context.Context, accountID string) ([]generation.CategoryStats, error) {
	var rows []generationStatsRow
	err := store.db.WithContext(ctx).
		Model(&Generation{}).
		Select("category, COUNT(*) AS count, COALESCE(SUM(credits_cost), 0) AS total_cost, "+
			"AVG(CASE WHEN status = ? THEN processing_time_ms END) AS average_processing_time",
			string(generation.StatusCompleted)).
		Where("account_id = ?", accountID).
		Group("category").
		Order("category ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGeneration, errorCodeStats, err)
	}
	stats := make([]generation.CategoryStats, 0, len(rows))
	for _, row := range rows {
		category, err := generation.ParseCategory(row.Category)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
		}
		stats = append(stats, generation.CategoryStats{
			Category:                category,
			Count:                   row.Count,
			TotalCreditsCost:        row.TotalCost,
			AverageProcessingTimeMs: row.AverageProcessingTime.Float64,
		})
	}
	return stats, nil
}

func generationModel(request generation.Request) (Generation, error) {
	parameters, err := encodeJSON(request.Parameters)
	if err != nil {
		return Generation{}, err
	}
	model := Generation{
		ID:               request.ID,
		AccountID:        request.AccountID.String(),
		Category:         string(request.Category),
		Prompt:           request.Prompt,
		NegativePrompt:   request.NegativePrompt,
		Parameters:       parameters,
		CreditsCost:      request.CreditsCost,
		Status:           string(request.Status),
		ErrorMessage:     request.ErrorMessage,
		ProcessingTimeMs: request.ProcessingTimeMs,
		Public:           request.Public,
		Likes:            request.Likes,
		Downloads:        request.Downloads,
		TagIndex:         tagIndex(request.Tags),
		Debited:          request.Debited,
		Refunded:         request.Refunded,
		Version:          request.Version,
		CreatedAt:        request.CreatedAt.UTC(),
		UpdatedAt:        request.UpdatedAt.UTC(),
	}
	if request.Result != nil {
		if model.Result, err = encodeJSON(request.Result); err != nil {
			return Generation{}, err
		}
	}
	if model.Tags, err = encodeJSON(nonNilStrings(request.Tags)); err != nil {
		return Generation{}, err
	}
	return model, nil
}

func mapGeneration(model Generation) (generation.Request, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	category, err := generation.ParseCategory(model.Category)
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	status, err := generation.ParseStatus(model.Status)
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	request := generation.Request{
		ID:               model.ID,
		AccountID:        accountID,
		Category:         category,
		Prompt:           model.Prompt,
		NegativePrompt:   model.NegativePrompt,
		CreditsCost:      model.CreditsCost,
		Status:           status,
		ErrorMessage:     model.ErrorMessage,
		ProcessingTimeMs: model.ProcessingTimeMs,
		Public:           model.Public,
		Likes:            model.Likes,
		Downloads:        model.Downloads,
		Debited:          model.Debited,
		Refunded:         model.Refunded,
		Version:          model.Version,
		CreatedAt:        model.CreatedAt.UTC(),
		UpdatedAt:        model.UpdatedAt.UTC(),
	}
	if err := decodeJSON(model.Parameters, &request.Parameters); err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	if len(model.Result) > 0 && string(model.Result) != "null" {
		var result generation.Result
		if err := decodeJSON(model.Result, &result); err != nil {
			return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
		}
		request.Result = &result
	}
	if err := decodeJSON(model.Tags, &request.Tags); err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	if len(request.Tags) == 0 {
		request.Tags = nil
	}
	return request, nil
}

func mapGenerations(rows []Generation) ([]generation.Request, error) {
	requests := make([]generation.Request, 0, len(rows))
	for _, row := range rows {
		request, err := mapGeneration(row)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
