// Package ledgertest provides an in-memory ledger.Store for tests.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

// MemoryStore keeps accounts in a mutex-guarded map. Each method is atomic
// with respect to the others, mirroring the single-statement updates of the
// persistent stores.
type MemoryStore struct {
	mutex    sync.Mutex
	accounts map[string]ledger.Account
	failures map[string]error
}

// Operation names accepted by Fail.
const (
	OperationCreate = "create"
	OperationGet    = "get"
	OperationDebit  = "debit"
	OperationCredit = "credit"
	OperationUsage  = "usage"
	OperationTier   = "tier"
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: map[string]ledger.Account{}, failures: map[string]error{}}
}

// Seed inserts or replaces an account.
func (store *MemoryStore) Seed(account ledger.Account) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if account.Tier == "" {
		account.Tier = ledger.TierFree
	}
	store.accounts[account.ID.String()] = account
}

// Fail makes every later call of operation return err until cleared with nil.
func (store *MemoryStore) Fail(operation string, err error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err == nil {
		delete(store.failures, operation)
		return
	}
	store.failures[operation] = err
}

// Snapshot returns the stored account without error handling.
func (store *MemoryStore) Snapshot(accountID ledger.AccountID) ledger.Account {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.accounts[accountID.String()]
}

func (store *MemoryStore) CreateAccount(_ context.Context, account ledger.Account) (ledger.Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failures[OperationCreate]; err != nil {
		return ledger.Account{}, err
	}
	if _, exists := store.accounts[account.ID.String()]; exists {
		return ledger.Account{}, ledger.ErrDuplicate
	}
	store.accounts[account.ID.String()] = account
	return account, nil
}

func (store *MemoryStore) GetAccount(_ context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failures[OperationGet]; err != nil {
		return ledger.Account{}, err
	}
	account, exists := store.accounts[accountID.String()]
	if !exists {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return account, nil
}

func (store *MemoryStore) DebitAccount(_ context.Context, accountID ledger.AccountID, amount int64, at time.Time) (ledger.Account, error) {
	return store.update(OperationDebit, accountID, func(account *ledger.Account) error {
		if account.Balance < amount {
			return ledger.InsufficientBalanceError{Required: amount, Available: account.Balance}
		}
		account.Balance -= amount
		account.CreditsSpent += amount
		account.UpdatedAt = at
		return nil
	})
}

func (store *MemoryStore) CreditAccount(_ context.Context, accountID ledger.AccountID, amount int64, at time.Time) (ledger.Account, error) {
	return store.update(OperationCredit, accountID, func(account *ledger.Account) error {
		account.Balance += amount
		account.UpdatedAt = at
		return nil
	})
}

func (store *MemoryStore) AdjustUsage(_ context.Context, accountID ledger.AccountID, category ledger.UsageCategory, delta int64, at time.Time) (ledger.Account, error) {
	return store.update(OperationUsage, accountID, func(account *ledger.Account) error {
		account.Usage = account.Usage.Add(category, delta)
		account.UpdatedAt = at
		return nil
	})
}

func (store *MemoryStore) SetAccountTier(_ context.Context, accountID ledger.AccountID, tier ledger.Tier, at time.Time) (ledger.Account, error) {
	return store.update(OperationTier, accountID, func(account *ledger.Account) error {
		account.Tier = tier
		account.UpdatedAt = at
		return nil
	})
}

func (store *MemoryStore) update(operation string, accountID ledger.AccountID, apply func(*ledger.Account) error) (ledger.Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.failures[operation]; err != nil {
		return ledger.Account{}, err
	}
	account, exists := store.accounts[accountID.String()]
	if !exists {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err := apply(&account); err != nil {
		return ledger.Account{}, err
	}
	store.accounts[accountID.String()] = account
	return account, nil
}
