package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the credits domain logic over a Store.
type Service struct {
	store           Store
	nowFn           func() time.Time
	logger          OperationLogger
	startingBalance int64
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, startingBalance: DefaultStartingBalance}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Now returns the service clock reading in UTC.
func (service *Service) Now() time.Time {
	return service.nowFn().UTC()
}

// OpenAccount returns the account for accountID, creating it with the
// starting balance on first use.
func (service *Service) OpenAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if accountID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	account, err := service.store.GetAccount(ctx, accountID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, err
	}
	now := service.Now()
	account, err = service.store.CreateAccount(ctx, Account{
		ID:        accountID,
		Balance:   service.startingBalance,
		Tier:      TierFree,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.Is(err, ErrDuplicate) {
		return service.store.GetAccount(ctx, accountID)
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenAccount,
		AccountID: accountID,
		Amount:    service.startingBalance,
		Balance:   account.Balance,
		Error:     err,
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// Account returns the current record.
func (service *Service) Account(ctx context.Context, accountID AccountID) (Account, error) {
	if accountID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return service.store.GetAccount(ctx, accountID)
}

// Debit removes amount from the balance and adds it to CreditsSpent. The
// balance never goes negative: an uncovered debit fails with
// InsufficientBalanceError and changes nothing.
func (service *Service) Debit(ctx context.Context, accountID AccountID, amount int64) (Account, error) {
	account, err := service.mutate(ctx, accountID, amount, func(ctx context.Context, at time.Time) (Account, error) {
		return service.store.DebitAccount(ctx, accountID, amount, at)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		AccountID: accountID,
		Amount:    amount,
		Balance:   account.Balance,
		Error:     err,
	})
	return account, err
}

// Credit adds amount to the balance.
func (service *Service) Credit(ctx context.Context, accountID AccountID, amount int64) (Account, error) {
	account, err := service.mutate(ctx, accountID, amount, func(ctx context.Context, at time.Time) (Account, error) {
		return service.store.CreditAccount(ctx, accountID, amount, at)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		AccountID: accountID,
		Amount:    amount,
		Balance:   account.Balance,
		Error:     err,
	})
	return account, err
}

// RecordUsage moves a usage counter by count. Negative counts reverse prior
// usage; counters stay at or above zero.
func (service *Service) RecordUsage(ctx context.Context, accountID AccountID, category UsageCategory, count int64) (Account, error) {
	var (
		account Account
		err     error
	)
	if accountID.IsZero() {
		err = fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	} else if _, parseErr := ParseUsageCategory(category.String()); parseErr != nil {
		err = parseErr
	} else {
		account, err = service.store.AdjustUsage(ctx, accountID, category, count, service.Now())
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRecordUsage,
		AccountID: accountID,
		Amount:    count,
		Category:  category,
		Balance:   account.Balance,
		Error:     err,
	})
	return account, err
}

// SetTier changes the membership tier.
func (service *Service) SetTier(ctx context.Context, accountID AccountID, tier Tier) (Account, error) {
	var (
		account Account
		err     error
	)
	if accountID.IsZero() {
		err = fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	} else if _, parseErr := ParseTier(tier.String()); parseErr != nil {
		err = parseErr
	} else {
		account, err = service.store.SetAccountTier(ctx, accountID, tier, service.Now())
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSetTier,
		AccountID: accountID,
		Tier:      tier,
		Balance:   account.Balance,
		Error:     err,
	})
	return account, err
}

func (service *Service) mutate(ctx context.Context, accountID AccountID, amount int64, apply func(context.Context, time.Time) (Account, error)) (Account, error) {
	if accountID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if amount < 0 {
		return Account{}, NewValidationError("amount", "must not be negative")
	}
	return apply(ctx, service.Now())
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
