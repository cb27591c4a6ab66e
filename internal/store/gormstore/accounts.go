package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

var usageColumns = map[ledger.UsageCategory]string{
	ledger.UsageChat:  "chat_messages",
	ledger.UsageImage: "images_generated",
	ledger.UsageVideo: "videos_created",
	ledger.UsageMusic: "music_generated",
	ledger.UsageAudio: "audio_generated",
}

func (store *Store) CreateAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	model := accountModel(account)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrDuplicate)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return mapAccount(model)
}

func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("id = ?", accountID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(model)
}

// DebitAccount guards the subtraction in the WHERE clause so concurrent
// debits can never drive the balance below zero.
func (store *Store) DebitAccount(ctx context.Context, accountID ledger.AccountID, amount int64, at time.Time) (ledger.Account, error) {
	var account ledger.Account
	err := store.withTx(ctx, func(txStore *Store) error {
		result := txStore.db.WithContext(ctx).
			Model(&Account{}).
			Where("id = ? AND balance >= ?", accountID.String(), amount).
			Updates(map[string]any{
				"balance":       gorm.Expr("balance - ?", amount),
				"credits_spent": gorm.Expr("credits_spent + ?", amount),
				"updated_at":    at,
			})
		if result.Error != nil {
			return wrapStoreError(errorSubjectAccount, errorCodeDebit, result.Error)
		}
		current, err := txStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		// Nothing was subtracted. A credit committed after the guarded UPDATE
		// may already show in current, so the read only settles existence.
		if result.RowsAffected == 0 && amount > 0 {
			return wrapStoreError(errorSubjectAccount, errorCodeDebit,
				ledger.InsufficientBalanceError{Required: amount, Available: current.Balance})
		}
		account = current
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return account, nil
}

func (store *Store) CreditAccount(ctx context.Context, accountID ledger.AccountID, amount int64, at time.Time) (ledger.Account, error) {
	return store.updateAccount(ctx, accountID, errorCodeCredit, map[string]any{
		"balance":    gorm.Expr("balance + ?", amount),
		"updated_at": at,
	})
}

func (store *Store) AdjustUsage(ctx context.Context, accountID ledger.AccountID, category ledger.UsageCategory, delta int64, at time.Time) (ledger.Account, error) {
	column, ok := usageColumns[category]
	if !ok {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUsage,
			ledger.NewValidationError("category", "unsupported usage category %q", category))
	}
	clamped := fmt.Sprintf("CASE WHEN %[1]s + ? < 0 THEN 0 ELSE %[1]s + ? END", column)
	return store.updateAccount(ctx, accountID, errorCodeUsage, map[string]any{
		column:       gorm.Expr(clamped, delta, delta),
		"updated_at": at,
	})
}

func (store *Store) SetAccountTier(ctx context.Context, accountID ledger.AccountID, tier ledger.Tier, at time.Time) (ledger.Account, error) {
	return store.updateAccount(ctx, accountID, errorCodeUpdate, map[string]any{
		"tier":       tier.String(),
		"updated_at": at,
	})
}

func (store *Store) updateAccount(ctx context.Context, accountID ledger.AccountID, code string, assignments map[string]any) (ledger.Account, error) {
	var account ledger.Account
	err := store.withTx(ctx, func(txStore *Store) error {
		result := txStore.db.WithContext(ctx).
			Model(&Account{}).
			Where("id = ?", accountID.String()).
			Updates(assignments)
		if result.Error != nil {
			return wrapStoreError(errorSubjectAccount, code, result.Error)
		}
		// MySQL reports zero affected rows for no-op writes, so existence is
		// settled by the read back.
		current, err := txStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		account = current
		return nil
	})
	if err != nil {
		return ledger.Account{}, err
	}
	return account, nil
}

func accountModel(account ledger.Account) Account {
	return Account{
		ID:              account.ID.String(),
		Balance:         account.Balance,
		Tier:            account.Tier.String(),
		ChatMessages:    account.Usage.ChatMessages,
		ImagesGenerated: account.Usage.ImagesGenerated,
		VideosCreated:   account.Usage.VideosCreated,
		MusicGenerated:  account.Usage.MusicGenerated,
		AudioGenerated:  account.Usage.AudioGenerated,
		CreditsSpent:    account.CreditsSpent,
		CreatedAt:       account.CreatedAt.UTC(),
		UpdatedAt:       account.UpdatedAt.UTC(),
	}
}

func mapAccount(model Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(model.ID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	tier, err := ledger.ParseTier(model.Tier)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return ledger.Account{
		ID:      accountID,
		Balance: model.Balance,
		Tier:    tier,
		Usage: ledger.Usage{
			ChatMessages:    model.ChatMessages,
			ImagesGenerated: model.ImagesGenerated,
			VideosCreated:   model.VideosCreated,
			MusicGenerated:  model.MusicGenerated,
			AudioGenerated:  model.AudioGenerated,
		},
		CreditsSpent: model.CreditsSpent,
		CreatedAt:    model.CreatedAt.UTC(),
		UpdatedAt:    model.UpdatedAt.UTC(),
	}, nil
}
