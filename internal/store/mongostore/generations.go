package mongostore

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

type parametersDocument struct {
	Model    string         `bson:"model,omitempty"`
	Style    string         `bson:"style,omitempty"`
	Quality  string         `bson:"quality,omitempty"`
	Size     string         `bson:"size,omitempty"`
	Steps    int            `bson:"steps,omitempty"`
	CFGScale float64        `bson:"cfg_scale,omitempty"`
	Seed     *int64         `bson:"seed,omitempty"`
	Extra    map[string]any `bson:"extra,omitempty"`
}

type resultDocument struct {
	URLs            []string       `bson:"urls,omitempty"`
	Text            string         `bson:"text,omitempty"`
	DurationSeconds float64        `bson:"duration_seconds,omitempty"`
	Metadata        map[string]any `bson:"metadata,omitempty"`
}

type generationDocument struct {
	ID               string             `bson:"_id"`
	AccountID        string             `bson:"account_id"`
	Category         string             `bson:"category"`
	Prompt           string             `bson:"prompt"`
	NegativePrompt   string             `bson:"negative_prompt,omitempty"`
	Parameters       parametersDocument `bson:"parameters"`
	CreditsCost      int64              `bson:"credits_cost"`
	Status           string             `bson:"status"`
	Result           *resultDocument    `bson:"result"`
	ErrorMessage     string             `bson:"error_message"`
	ProcessingTimeMs int64              `bson:"processing_time_ms"`
	Public           bool               `bson:"public"`
	Likes            int64              `bson:"likes"`
	Downloads        int64              `bson:"downloads"`
	Tags             []string           `bson:"tags"`
	Debited          bool               `bson:"debited"`
	Refunded         bool               `bson:"refunded"`
	Version          int64              `bson:"version"`
	CreatedAt        time.Time          `bson:"created_at"`
	UpdatedAt        time.Time          `bson:"updated_at"`
}

func (store *Store) CreateGeneration(ctx context.Context, request generation.Request) error {
	_, err := store.collection(collectionGenerations).InsertOne(ctx, toGenerationDocument(request))
	if mongo.IsDuplicateKeyError(err) {
		return wrapStoreError(errorSubjectGeneration, errorCodeDuplicate, ledger.ErrDuplicate)
	}
	if err != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) DeleteGeneration(ctx context.Context, id string) error {
	result, err := store.collection(collectionGenerations).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return wrapStoreError(errorSubjectGeneration, errorCodeDelete, err)
	}
	if result.DeletedCount == 0 {
		return wrapStoreError(errorSubjectGeneration, errorCodeDelete, generation.ErrNotFound)
	}
	return nil
}

func (store *Store) GetGeneration(ctx context.Context, id string) (generation.Request, error) {
	var document generationDocument
	err := store.collection(collectionGenerations).FindOne(ctx, bson.M{"_id": id}).Decode(&document)
	if isNoDocuments(err) {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, generation.ErrNotFound)
	}
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeGet, err)
	}
	return fromGenerationDocument(document)
}

func (store *Store) UpdateGeneration(ctx context.Context, request generation.Request, expectedVersion int64) (generation.Request, error) {
	document := toGenerationDocument(request)
	update := bson.M{"$set": bson.M{
		"status":             document.Status,
		"result":             document.Result,
		"error_message":      document.ErrorMessage,
		"processing_time_ms": document.ProcessingTimeMs,
		"public":             document.Public,
		"tags":               document.Tags,
		"debited":            document.Debited,
		"refunded":           document.Refunded,
		"version":            expectedVersion + 1,
		"updated_at":         document.UpdatedAt,
	}}
	var updated generationDocument
	err := store.collection(collectionGenerations).
		FindOneAndUpdate(ctx, bson.M{"_id": request.ID, "version": expectedVersion}, update, findAfter()).
		Decode(&updated)
	if isNoDocuments(err) {
		if _, getErr := store.GetGeneration(ctx, request.ID); getErr != nil {
			return generation.Request{}, getErr
		}
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeUpdate, ledger.ErrConflict)
	}
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeUpdate, err)
	}
	return fromGenerationDocument(updated)
}

func (store *Store) IncrementGenerationCounter(ctx context.Context, id string, counter generation.Counter, delta int64) (generation.Request, error) {
	var field string
	switch counter {
	case generation.CounterLikes:
		field = "likes"
	case generation.CounterDownloads:
		field = "downloads"
	default:
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeUpdate,
			ledger.NewValidationError("counter", "unsupported counter %q", counter))
	}
	var updated generationDocument
	err := store.collection(collectionGenerations).
		FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{field: delta}}, findAfter()).
		Decode(&updated)
	if isNoDocuments(err) {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeUpdate, generation.ErrNotFound)
	}
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeUpdate, err)
	}
	return fromGenerationDocument(updated)
}

func (store *Store) ListGenerations(ctx context.Context, filter generation.Filter, page ledger.PageRequest) ([]generation.Request, int64, error) {
	query := generationFilter(filter)
	total, err := store.collection(collectionGenerations).CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	sort := bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}
	if filter.SortByLikes {
		sort = append(bson.D{{Key: "likes", Value: -1}}, sort...)
	}
	cursor, err := store.collection(collectionGenerations).Find(ctx, query, pageOptions(page, sort))
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	var documents []generationDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, 0, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	requests, err := fromGenerationDocuments(documents)
	if err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

func (store *Store) ListStaleGenerations(ctx context.Context, cutoff time.Time, limit int) ([]generation.Request, error) {
	query := bson.M{"$or": bson.A{
		bson.M{
			"status":     bson.M{"$in": bson.A{string(generation.StatusPending), string(generation.StatusProcessing)}},
			"updated_at": bson.M{"$lt": cutoff.UTC()},
		},
		bson.M{"status": string(generation.StatusFailed), "debited": true, "refunded": false},
	}}
	cursor, err := store.collection(collectionGenerations).Find(ctx, query, pageOptions(
		ledger.PageRequest{Page: 1, PageSize: limit},
		bson.D{{Key: "updated_at", Value: 1}},
	))
	if err != nil {
		return nil, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	var documents []generationDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, wrapStoreError(errorSubjectGeneration, errorCodeList, err)
	}
	return fromGenerationDocuments(documents)
}

type generationStatsDocument struct {
	Category              string   `bson:"_id"`
	Count                 int64    `bson:"count"`
	TotalCost             int64    `bson:"total_cost"`
	AverageProcessingTime *float64 `bson:"average_processing_time"`
}

func (store *Store) GenerationStats(ctx context.Context, accountID string) ([]generation.CategoryStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"account_id": accountID}}},
		{{Key: "$group", Value: bson.M{
			"_id":        "$category",
			"count":      bson.M{"$sum": 1},
			"total_cost": bson.M{"$sum": "$credits_cost"},
			"average_processing_time": bson.M{"$avg": bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$status", string(generation.StatusCompleted)}},
				"$processing_time_ms",
				nil,
			}}},
		}}},
		{{Key: "$sort", Value: bson.M{"_id": 1}}},
	}
	cursor, err := store.collection(collectionGenerations).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGeneration, errorCodeStats, err)
	}
	var documents []generationStatsDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return nil, wrapStoreError(errorSubjectGeneration, errorCodeStats, err)
	}
	stats := make([]generation.CategoryStats, 0, len(documents))
	for _, document := range documents {
		category, err := generation.ParseCategory(document.Category)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
		}
		entry := generation.CategoryStats{
			Category:         category,
			Count:            document.Count,
			TotalCreditsCost: document.TotalCost,
		}
		if document.AverageProcessingTime != nil {
			entry.AverageProcessingTimeMs = *document.AverageProcessingTime
		}
		stats = append(stats, entry)
	}
	return stats, nil
}

func generationFilter(filter generation.Filter) bson.M {
	query := bson.M{}
	if filter.AccountID != "" {
		query["account_id"] = filter.AccountID
	}
	if filter.Category != "" {
		query["category"] = string(filter.Category)
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.Public != nil {
		query["public"] = *filter.Public
	}
	if tag := strings.ToLower(strings.TrimSpace(filter.Tag)); tag != "" {
		query["tags"] = tag
	}
	return query
}

func toGenerationDocument(request generation.Request) generationDocument {
	document := generationDocument{
		ID:             request.ID,
		AccountID:      request.AccountID.String(),
		Category:       string(request.Category),
		Prompt:         request.Prompt,
		NegativePrompt: request.NegativePrompt,
		Parameters: parametersDocument{
			Model:    request.Parameters.Model,
			Style:    request.Parameters.Style,
			Quality:  string(request.Parameters.Quality),
			Size:     request.Parameters.Size,
			Steps:    request.Parameters.Steps,
			CFGScale: request.Parameters.CFGScale,
			Seed:     request.Parameters.Seed,
			Extra:    request.Parameters.Extra,
		},
		CreditsCost:      request.CreditsCost,
		Status:           string(request.Status),
		ErrorMessage:     request.ErrorMessage,
		ProcessingTimeMs: request.ProcessingTimeMs,
		Public:           request.Public,
		Likes:            request.Likes,
		Downloads:        request.Downloads,
		Tags:             append([]string{}, request.Tags...),
		Debited:          request.Debited,
		Refunded:         request.Refunded,
		Version:          request.Version,
		CreatedAt:        request.CreatedAt.UTC(),
		UpdatedAt:        request.UpdatedAt.UTC(),
	}
	if request.Result != nil {
		document.Result = &resultDocument{
			URLs:            request.Result.URLs,
			Text:            request.Result.Text,
			DurationSeconds: request.Result.DurationSeconds,
			Metadata:        request.Result.Metadata,
		}
	}
	return document
}

func fromGenerationDocument(document generationDocument) (generation.Request, error) {
	accountID, err := ledger.NewAccountID(document.AccountID)
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	category, err := generation.ParseCategory(document.Category)
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	status, err := generation.ParseStatus(document.Status)
	if err != nil {
		return generation.Request{}, wrapStoreError(errorSubjectGeneration, errorCodeInvalid, err)
	}
	request := generation.Request{
		ID:             document.ID,
		AccountID:      accountID,
		Category:       category,
		Prompt:         document.Prompt,
		NegativePrompt: document.NegativePrompt,
		Parameters: generation.Parameters{
			Model:    document.Parameters.Model,
			Style:    document.Parameters.Style,
			Quality:  generation.Quality(document.Parameters.Quality),
			Size:     document.Parameters.Size,
			Steps:    document.Parameters.Steps,
			CFGScale: document.Parameters.CFGScale,
			Seed:     document.Parameters.Seed,
			Extra:    document.Parameters.Extra,
		},
		CreditsCost:      document.CreditsCost,
		Status:           status,
		ErrorMessage:     document.ErrorMessage,
		ProcessingTimeMs: document.ProcessingTimeMs,
		Public:           document.Public,
		Likes:            document.Likes,
		Downloads:        document.Downloads,
		Debited:          document.Debited,
		Refunded:         document.Refunded,
		Version:          document.Version,
		CreatedAt:        document.CreatedAt.UTC(),
		UpdatedAt:        document.UpdatedAt.UTC(),
	}
	if len(document.Tags) > 0 {
		request.Tags = document.Tags
	}
	if document.Result != nil {
		request.Result = &generation.Result{
			URLs:            document.Result.URLs,
			Text:            document.Result.Text,
			DurationSeconds: document.Result.DurationSeconds,
			Metadata:        document.Result.Metadata,
		}
	}
	return request, nil
}

func fromGenerationDocuments(documents []generationDocument) ([]generation.Request, error) {
	requests := make([]generation.Request, 0, len(documents))
	for _, document := range documents {
		request, err := fromGenerationDocument(document)
		if err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, nil
}
