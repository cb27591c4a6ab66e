package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger/ledgertest"
)

var fixedNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func newSeededService(test *testing.T, accountID ledger.AccountID, balance int64, options ...ledger.ServiceOption) (*ledger.Service, *ledgertest.MemoryStore) {
	test.Helper()
	store := ledgertest.NewMemoryStore()
	store.Seed(ledger.Account{ID: accountID, Balance: balance, CreatedAt: fixedNow, UpdatedAt: fixedNow})
	service, err := ledger.NewService(store, fixedClock, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service, store
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	if _, err := ledger.NewService(nil, fixedClock); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil store, got %v", err)
	}
	if _, err := ledger.NewService(ledgertest.NewMemoryStore(), nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid config for nil clock, got %v", err)
	}
}

func TestOpenAccountGrantsStartingBalanceOnce(test *testing.T) {
	test.Parallel()
	store := ledgertest.NewMemoryStore()
	service, err := ledger.NewService(store, fixedClock)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	accountID := mustAccountID(test, "  user-1 ")
	account, err := service.OpenAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("open account: %v", err)
	}
	if account.Balance != ledger.DefaultStartingBalance || account.Tier != ledger.TierFree {
		test.Fatalf("unexpected opened account: %+v", account)
	}
	if account.ID.String() != "user-1" {
		test.Fatalf("expected trimmed id, got %q", account.ID.String())
	}
	if _, err := service.Debit(context.Background(), accountID, 30); err != nil {
		test.Fatalf("debit: %v", err)
	}
	reopened, err := service.OpenAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("reopen account: %v", err)
	}
	if reopened.Balance != 70 {
		test.Fatalf("expected reopen to keep balance 70, got %d", reopened.Balance)
	}
}

func TestOpenAccountHonoursStartingBalanceOption(test *testing.T) {
	test.Parallel()
	service, err := ledger.NewService(ledgertest.NewMemoryStore(), fixedClock, ledger.WithStartingBalance(5))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	account, err := service.OpenAccount(context.Background(), mustAccountID(test, "user-2"))
	if err != nil {
		test.Fatalf("open account: %v", err)
	}
	if account.Balance != 5 {
		test.Fatalf("expected starting balance 5, got %d", account.Balance)
	}
}

func TestDebitTracksSpending(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	service, _ := newSeededService(test, accountID, 10)
	account, err := service.Debit(context.Background(), accountID, 4)
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if account.Balance != 6 || account.CreditsSpent != 4 {
		test.Fatalf("unexpected account after debit: %+v", account)
	}
}

func TestDebitRejectsUncoveredAmount(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	service, store := newSeededService(test, accountID, 5)
	_, err := service.Debit(context.Background(), accountID, 10)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		test.Fatalf("expected insufficient balance, got %v", err)
	}
	var balanceError ledger.InsufficientBalanceError
	if !errors.As(err, &balanceError) || balanceError.Required != 10 || balanceError.Available != 5 {
		test.Fatalf("expected required 10 available 5, got %+v", balanceError)
	}
	if snapshot := store.Snapshot(accountID); snapshot.Balance != 5 || snapshot.CreditsSpent != 0 {
		test.Fatalf("expected untouched account, got %+v", snapshot)
	}
}

func TestDebitValidatesInput(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	service, _ := newSeededService(test, accountID, 5)
	if _, err := service.Debit(context.Background(), accountID, -1); !errors.Is(err, ledger.ErrValidation) {
		test.Fatalf("expected validation error for negative amount, got %v", err)
	}
	if _, err := service.Debit(context.Background(), ledger.AccountID{}, 1); !errors.Is(err, ledger.ErrInvalidAccountID) {
		test.Fatalf("expected invalid account id, got %v", err)
	}
	if _, err := service.Debit(context.Background(), mustAccountID(test, "ghost"), 1); !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected account not found, got %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	service, store := newSeededService(test, accountID, 10)
	const workers = 25
	var succeeded atomic.Int64
	var waitGroup sync.WaitGroup
	for index := 0; index < workers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Debit(context.Background(), accountID, 3)
			if err == nil {
				succeeded.Add(1)
				return
			}
			if !errors.Is(err, ledger.ErrInsufficientBalance) {
				test.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	waitGroup.Wait()
	if succeeded.Load() != 3 {
		test.Fatalf("expected exactly three debits to succeed, got %d", succeeded.Load())
	}
	if snapshot := store.Snapshot(accountID); snapshot.Balance != 1 || snapshot.CreditsSpent != 9 {
		test.Fatalf("unexpected final account: %+v", snapshot)
	}
}

func TestCreditRestoresBalance(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	service, _ := newSeededService(test, accountID, 10)
	if _, err := service.Debit(context.Background(), accountID, 4); err != nil {
		test.Fatalf("debit: %v", err)
	}
	account, err := service.Credit(context.Background(), accountID, 4)
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if account.Balance != 10 {
		test.Fatalf("expected balance restored to 10, got %d", account.Balance)
	}
}

func TestRecordUsageClampsAtZero(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	service, _ := newSeededService(test, accountID, 10)
	if _, err := service.RecordUsage(context.Background(), accountID, ledger.UsageImage, 2); err != nil {
		test.Fatalf("record usage: %v", err)
	}
	account, err := service.RecordUsage(context.Background(), accountID, ledger.UsageImage, -5)
	if err != nil {
		test.Fatalf("reverse usage: %v", err)
	}
	if account.Usage.ImagesGenerated != 0 {
		test.Fatalf("expected clamped counter, got %d", account.Usage.ImagesGenerated)
	}
	if _, err := service.RecordUsage(context.Background(), accountID, ledger.UsageCategory("text"), 1); !errors.Is(err, ledger.ErrValidation) {
		test.Fatalf("expected validation error for unknown category, got %v", err)
	}
}

func TestSetTierValidatesTier(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	service, _ := newSeededService(test, accountID, 10)
	account, err := service.SetTier(context.Background(), accountID, ledger.TierPro)
	if err != nil {
		test.Fatalf("set tier: %v", err)
	}
	if account.Tier != ledger.TierPro {
		test.Fatalf("expected pro tier, got %s", account.Tier)
	}
	if _, err := service.SetTier(context.Background(), accountID, ledger.Tier("platinum")); !errors.Is(err, ledger.ErrValidation) {
		test.Fatalf("expected validation error, got %v", err)
	}
}

func TestRetryOnConflictStopsOnSuccess(test *testing.T) {
	test.Parallel()
	calls := 0
	err := ledger.RetryOnConflict(context.Background(), 4, func(context.Context) error {
		calls++
		if calls < 3 {
			return ledger.WrapError("store", "generation", "update", ledger.ErrConflict)
		}
		return nil
	})
	if err != nil || calls != 3 {
		test.Fatalf("expected success on third attempt, got err=%v calls=%d", err, calls)
	}
}

func TestRetryOnConflictGivesUp(test *testing.T) {
	test.Parallel()
	calls := 0
	err := ledger.RetryOnConflict(context.Background(), 2, func(context.Context) error {
		calls++
		return ledger.ErrConflict
	})
	if !errors.Is(err, ledger.ErrConflict) || calls != 2 {
		test.Fatalf("expected conflict after two attempts, got err=%v calls=%d", err, calls)
	}
	other := errors.New("boom")
	calls = 0
	err = ledger.RetryOnConflict(context.Background(), 5, func(context.Context) error {
		calls++
		return other
	})
	if !errors.Is(err, other) || calls != 1 {
		test.Fatalf("expected non-conflict error to stop immediately, got err=%v calls=%d", err, calls)
	}
}

func TestPageInfo(test *testing.T) {
	test.Parallel()
	info := ledger.NewPageInfo(ledger.PageRequest{Page: 2, PageSize: 10}, 25)
	if info.Page != 2 || info.PageSize != 10 || info.Total != 25 || info.TotalPages != 3 {
		test.Fatalf("unexpected page info: %+v", info)
	}
	normalized := ledger.PageRequest{Page: 0, PageSize: 1000}.Normalize()
	if normalized.Page != 1 || normalized.PageSize != 100 {
		test.Fatalf("unexpected normalized request: %+v", normalized)
	}
	if offset := (ledger.PageRequest{Page: 3}).Offset(); offset != 40 {
		test.Fatalf("expected offset 40, got %d", offset)
	}
}
