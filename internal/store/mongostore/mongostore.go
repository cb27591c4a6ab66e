// Package mongostore persists accounts, generations, conversations and orders
// in MongoDB. Conversations embed their messages so an append is a single
// document update.
package mongostore

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const (
	collectionAccounts      = "accounts"
	collectionGenerations   = "generations"
	collectionConversations = "conversations"
	collectionOrders        = "orders"

	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectGeneration   = "generation"
	errorSubjectConversation = "conversation"
	errorSubjectOrder        = "order"
	errorCodeCreate          = "create"
	errorCodeDelete          = "delete"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeUpdate          = "update"
	errorCodeDebit           = "debit"
	errorCodeCredit          = "credit"
	errorCodeUsage           = "usage"
	errorCodeAppend          = "append"
	errorCodeMigrate         = "migrate"
	errorCodeStats           = "stats"
)

// Store implements the account, generation, conversation and order stores
// on a MongoDB database.
type Store struct {
	database *mongo.Database
}

// New returns a Store backed by database.
func New(database *mongo.Database) *Store {
	return &Store{database: database}
}

// Migrate creates the indexes every collection relies on.
func (store *Store) Migrate(ctx context.Context) error {
	for collection, models := range migrationIndexes() {
		if _, err := store.database.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return wrapStoreError(collection, errorCodeMigrate, err)
		}
	}
	return nil
}

func (store *Store) collection(name string) *mongo.Collection {
	return store.database.Collection(name)
}

func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		collectionGenerations: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
			{Keys: bson.D{{Key: "public", Value: 1}, {Key: "likes", Value: -1}}},
			{Keys: bson.D{{Key: "tags", Value: 1}}},
		},
		collectionConversations: {
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "archived", Value: 1}, {Key: "last_activity_at", Value: -1}}},
			{Keys: bson.D{{Key: "tags", Value: 1}}},
		},
		collectionOrders: {
			{
				Keys:    bson.D{{Key: "number", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "payment_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "paid_at", Value: 1}}},
		},
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func findAfter() *options.FindOneAndUpdateOptionsBuilder {
	return options.FindOneAndUpdate().SetReturnDocument(options.After)
}

func pageOptions(page ledger.PageRequest, sort bson.D) *options.FindOptionsBuilder {
	return options.Find().
		SetSort(sort).
		SetSkip(int64(page.Offset())).
		SetLimit(int64(page.PageSize))
}
