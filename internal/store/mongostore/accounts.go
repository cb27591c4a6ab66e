package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

var usageFields = map[ledger.UsageCategory]string{
	ledger.UsageChat:  "usage.chat_messages",
	ledger.UsageImage: "usage.images_generated",
	ledger.UsageVideo: "usage.videos_created",
	ledger.UsageMusic: "usage.music_generated",
	ledger.UsageAudio: "usage.audio_generated",
}

type usageDocument struct {
	ChatMessages    int64 `bson:"chat_messages"`
	ImagesGenerated int64 `bson:"images_generated"`
	VideosCreated   int64 `bson:"videos_created"`
	MusicGenerated  int64 `bson:"music_generated"`
	AudioGenerated  int64 `bson:"audio_generated"`
}

type accountDocument struct {
	ID           string        `bson:"_id"`
	Balance      int64         `bson:"balance"`
	Tier         string        `bson:"tier"`
	Usage        usageDocument `bson:"usage"`
	CreditsSpent int64         `bson:"credits_spent"`
	CreatedAt    time.Time     `bson:"created_at"`
	UpdatedAt    time.Time     `bson:"updated_at"`
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	document := toAccountDocument(account)
	_, err := store.collection(collectionAccounts).InsertOne(ctx, document)
	if mongo.IsDuplicateKeyError(err) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrDuplicate)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return fromAccountDocument(document)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var document accountDocument
	err := store.collection(collectionAccounts).FindOne(ctx, bson.M{"_id": accountID.String()}).Decode(&document)
	if isNoDocuments(err) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return fromAccountDocument(document)
}

// DebitAccount matches only documents whose balance covers amount, so the
// decrement and the check are one atomic operation.
func (store *Store) DebitAccount(ctx context.Context, accountID ledger.AccountID, amount int64, at time.Time) (ledger.Account, error) {
	filter := bson.M{"_id": accountID.String(), "balance": bson.M{"$gte": amount}}
	update := bson.M{
		"$inc": bson.M{"balance": -amount, "credits_spent": amount},
		"$set": bson.M{"updated_at": at.UTC()},
	}
	var document accountDocument
	err := store.collection(collectionAccounts).FindOneAndUpdate(ctx, filter, update, findAfter()).Decode(&document)
	if isNoDocuments(err) {
		current, getErr := store.GetAccount(ctx, accountID)
		if getErr != nil {
			return ledger.Account{}, getErr
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDebit,
			ledger.InsufficientBalanceError{Required: amount, Available: current.Balance})
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDebit, err)
	}
	return fromAccountDocument(document)
}

func (store *Store) CreditAccount(ctx context.Context, accountID ledger.AccountID, amount int64, at time.Time) (ledger.Account, error) {
	return store.updateAccount(ctx, accountID, errorCodeCredit, bson.M{
		"$inc": bson.M{"balance": amount},
		"$set": bson.M{"updated_at": at.UTC()},
	})
}

// AdjustUsage runs as an update pipeline so the clamp at zero is evaluated
// against the stored value.
func (store *Store) AdjustUsage(ctx context.Context, accountID ledger.AccountID, category ledger.UsageCategory, delta int64, at time.Time) (ledger.Account, error) {
	field, ok := usageFields[category]
	if !ok {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUsage,
			ledger.NewValidationError("category", "unsupported usage category %q", category))
	}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: field, Value: bson.M{"$max": bson.A{0, bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$" + field, 0}}, delta}}}}},
			{Key: "updated_at", Value: at.UTC()},
		}}},
	}
	return store.updateAccount(ctx, accountID, errorCodeUsage, pipeline)
}

func (store *Store) SetAccountTier(ctx context.Context, accountID ledger.AccountID, tier ledger.Tier, at time.Time) (ledger.Account, error) {
	return store.updateAccount(ctx, accountID, errorCodeUpdate, bson.M{
		"$set": bson.M{"tier": tier.String(), "updated_at": at.UTC()},
	})
}

func (store *Store) updateAccount(ctx context.Context, accountID ledger.AccountID, code string, update any) (ledger.Account, error) {
	var document accountDocument
	err := store.collection(collectionAccounts).
		FindOneAndUpdate(ctx, bson.M{"_id": accountID.String()}, update, findAfter()).
		Decode(&document)
	if isNoDocuments(err) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	return fromAccountDocument(document)
}

func toAccountDocument(account ledger.Account) accountDocument {
	return accountDocument{
		ID:      account.ID.String(),
		Balance: account.Balance,
		Tier:    account.Tier.String(),
		Usage: usageDocument{
			ChatMessages:    account.Usage.ChatMessages,
			ImagesGenerated: account.Usage.ImagesGenerated,
			VideosCreated:   account.Usage.VideosCreated,
			MusicGenerated:  account.Usage.MusicGenerated,
			AudioGenerated:  account.Usage.AudioGenerated,
		},
		CreditsSpent: account.CreditsSpent,
		CreatedAt:    account.CreatedAt.UTC(),
		UpdatedAt:    account.UpdatedAt.UTC(),
	}
}

func fromAccountDocument(document accountDocument) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(document.ID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	tier, err := ledger.ParseTier(document.Tier)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		ID:      accountID,
		Balance: document.Balance,
		Tier:    tier,
		Usage: ledger.Usage{
			ChatMessages:    document.Usage.ChatMessages,
			ImagesGenerated: document.Usage.ImagesGenerated,
			VideosCreated:   document.Usage.VideosCreated,
			MusicGenerated:  document.Usage.MusicGenerated,
			AudioGenerated:  document.Usage.AudioGenerated,
		},
		CreditsSpent: document.CreditsSpent,
		CreatedAt:    document.CreatedAt.UTC(),
		UpdatedAt:    document.UpdatedAt.UTC(),
	}, nil
}
