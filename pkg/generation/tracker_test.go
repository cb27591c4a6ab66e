package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger/ledgertest"
)

type trackerFixture struct {
	tracker  *Tracker
	store    *stubStore
	accounts *ledgertest.MemoryStore
	clock    *fakeClock
}

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (clock *fakeClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

func newTrackerFixture(test *testing.T, accountID ledger.AccountID, balance int64) trackerFixture {
	test.Helper()
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 9, 0, 0, 0, time.UTC)}
	accounts := ledgertest.NewMemoryStore()
	accounts.Seed(ledger.Account{ID: accountID, Balance: balance})
	ledgerService, err := ledger.NewService(accounts, clock.Now)
	if err != nil {
		test.Fatalf("ledger init: %v", err)
	}
	store := newStubStore()
	tracker, err := NewTracker(store, ledgerService, WithSeedSource(func() int64 { return 4242 }))
	if err != nil {
		test.Fatalf("tracker init: %v", err)
	}
	return trackerFixture{tracker: tracker, store: store, accounts: accounts, clock: clock}
}

func mustAccountID(test *testing.T, raw string) ledger.AccountID {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func cost(value int64) *int64 { return &value }

func imageInput(accountID ledger.AccountID, credits int64) CreateInput {
	return CreateInput{
		AccountID:   accountID,
		Category:    "image",
		Prompt:      "a lighthouse at dusk",
		CreditsCost: cost(credits),
	}
}

func TestCreateDebitsAndRecordsUsage(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 5)
	request, err := fixture.tracker.Create(context.Background(), imageInput(accountID, 5))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if request.Status != StatusPending || request.CreditsCost != 5 || !request.Debited || request.Version != 2 {
		test.Fatalf("unexpected request: %+v", request)
	}
	account := fixture.accounts.Snapshot(accountID)
	if account.Balance != 0 || account.CreditsSpent != 5 || account.Usage.ImagesGenerated != 1 {
		test.Fatalf("unexpected account after create: %+v", account)
	}
	if _, exists := fixture.store.snapshot(request.ID); !exists {
		test.Fatalf("expected persisted request")
	}
}

func TestCreateAppliesParameterDefaults(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 10)
	request, err := fixture.tracker.Create(context.Background(), imageInput(accountID, 1))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	parameters := request.Parameters
	if parameters.Quality != QualityStandard || parameters.Size != DefaultSize || parameters.Steps != DefaultSteps || parameters.CFGScale != DefaultCFGScale {
		test.Fatalf("unexpected defaults: %+v", parameters)
	}
	if parameters.Seed == nil || *parameters.Seed != 4242 {
		test.Fatalf("expected generated seed, got %v", parameters.Seed)
	}
}

func TestCreateRejectedDebitLeavesNoRequest(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 3)
	_, err := fixture.tracker.Create(context.Background(), imageInput(accountID, 5))
	var balanceError ledger.InsufficientBalanceError
	if !errors.As(err, &balanceError) || balanceError.Required != 5 || balanceError.Available != 3 {
		test.Fatalf("expected insufficient balance 5/3, got %v", err)
	}
	if fixture.store.count() != 0 {
		test.Fatalf("expected request to be rolled back, found %d", fixture.store.count())
	}
	account := fixture.accounts.Snapshot(accountID)
	if account.Balance != 3 || account.Usage.ImagesGenerated != 0 {
		test.Fatalf("expected untouched account, got %+v", account)
	}
}

func TestCreateValidatesInput(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 10)
	testCases := []struct {
		name  string
		input CreateInput
		field string
	}{
		{name: "category", input: CreateInput{AccountID: accountID, Category: "hologram", Prompt: "x", CreditsCost: cost(1)}, field: "category"},
		{name: "prompt", input: CreateInput{AccountID: accountID, Category: "image", Prompt: "   ", CreditsCost: cost(1)}, field: "prompt"},
		{name: "cost", input: CreateInput{AccountID: accountID, Category: "image", Prompt: "x"}, field: "creditsCost"},
		{name: "negative cost", input: CreateInput{AccountID: accountID, Category: "image", Prompt: "x", CreditsCost: cost(-1)}, field: "creditsCost"},
		{name: "steps", input: CreateInput{AccountID: accountID, Category: "image", Prompt: "x", CreditsCost: cost(1), Parameters: Parameters{Steps: 500}}, field: "parameters.steps"},
	}
	for _, testCase := range testCases {
		_, err := fixture.tracker.Create(context.Background(), testCase.input)
		var validationError ledger.ValidationError
		if !errors.As(err, &validationError) || validationError.Field != testCase.field {
			test.Fatalf("%s: expected validation error on %s, got %v", testCase.name, testCase.field, err)
		}
	}
	if fixture.store.count() != 0 {
		test.Fatalf("expected nothing persisted")
	}
}

func TestCreateUnknownAccount(test *testing.T) {
	test.Parallel()
	fixture := newTrackerFixture(test, mustAccountID(test, "user-1"), 10)
	_, err := fixture.tracker.Create(context.Background(), imageInput(mustAccountID(test, "ghost"), 1))
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected account not found, got %v", err)
	}
}

func TestFailRefundsReservedCost(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 5)
	ctx := context.Background()
	request, err := fixture.tracker.Create(ctx, imageInput(accountID, 5))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := fixture.tracker.MarkProcessing(ctx, request.ID); err != nil {
		test.Fatalf("processing: %v", err)
	}
	failed, err := fixture.tracker.Fail(ctx, request.ID, "timeout")
	if err != nil {
		test.Fatalf("fail: %v", err)
	}
	if failed.Status != StatusFailed || failed.ErrorMessage != "timeout" || !failed.Refunded {
		test.Fatalf("unexpected failed request: %+v", failed)
	}
	account := fixture.accounts.Snapshot(accountID)
	if account.Balance != 5 || account.Usage.ImagesGenerated != 0 {
		test.Fatalf("expected balance and usage restored, got %+v", account)
	}
	if _, err := fixture.tracker.Fail(ctx, request.ID, "timeout"); err != nil {
		test.Fatalf("repeated fail: %v", err)
	}
	if account := fixture.accounts.Snapshot(accountID); account.Balance != 5 {
		test.Fatalf("expected a single refund, balance %d", account.Balance)
	}
}

func TestConcurrentFailRefundsOnce(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 10)
	ctx := context.Background()
	request, err := fixture.tracker.Create(ctx, imageInput(accountID, 10))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	var waitGroup sync.WaitGroup
	for index := 0; index < 8; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if _, err := fixture.tracker.Fail(ctx, request.ID, "provider error"); err != nil && !errors.Is(err, ledger.ErrConflict) {
				test.Errorf("fail: %v", err)
			}
		}()
	}
	waitGroup.Wait()
	if account := fixture.accounts.Snapshot(accountID); account.Balance != 10 {
		test.Fatalf("expected exactly one refund, balance %d", account.Balance)
	}
}

func TestFailReleasesClaimWhenCreditFails(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 4)
	ctx := context.Background()
	request, err := fixture.tracker.Create(ctx, imageInput(accountID, 4))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	fixture.accounts.Fail(ledgertest.OperationCredit, errors.New("ledger offline"))
	if _, err := fixture.tracker.Fail(ctx, request.ID, "boom"); err == nil {
		test.Fatalf("expected credit failure to surface")
	}
	stored, _ := fixture.store.snapshot(request.ID)
	if stored.Status != StatusFailed || stored.Refunded {
		test.Fatalf("expected failed and unrefunded request, got %+v", stored)
	}
	fixture.accounts.Fail(ledgertest.OperationCredit, nil)
	settled, err := fixture.tracker.ExpireStale(ctx, time.Hour, 10)
	if err != nil || settled != 1 {
		test.Fatalf("expected sweep to settle one request, got %d %v", settled, err)
	}
	if account := fixture.accounts.Snapshot(accountID); account.Balance != 4 {
		test.Fatalf("expected refund after sweep, balance %d", account.Balance)
	}
}

func TestCompletedRequestCannotFail(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 4)
	ctx := context.Background()
	request, err := fixture.tracker.Create(ctx, imageInput(accountID, 2))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := fixture.tracker.MarkProcessing(ctx, request.ID); err != nil {
		test.Fatalf("processing: %v", err)
	}
	completed, err := fixture.tracker.MarkCompleted(ctx, request.ID, Result{URLs: []string{"https://cdn.example.com/x.png"}}, 900)
	if err != nil {
		test.Fatalf("complete: %v", err)
	}
	if completed.Version != 4 {
		test.Fatalf("expected version 4, got %d", completed.Version)
	}
	if _, err := fixture.tracker.Fail(ctx, request.ID, "late"); !errors.Is(err, ledger.ErrInvalidStateTransition) {
		test.Fatalf("expected invalid transition, got %v", err)
	}
	if account := fixture.accounts.Snapshot(accountID); account.Balance != 2 {
		test.Fatalf("expected no refund for completed request, balance %d", account.Balance)
	}
}

func TestExpireStaleFailsOldPendingRequests(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 10)
	ctx := context.Background()
	old, err := fixture.tracker.Create(ctx, imageInput(accountID, 3))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	fixture.clock.Advance(2 * time.Hour)
	fresh, err := fixture.tracker.Create(ctx, imageInput(accountID, 3))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	settled, err := fixture.tracker.ExpireStale(ctx, time.Hour, 0)
	if err != nil || settled != 1 {
		test.Fatalf("expected one settled request, got %d %v", settled, err)
	}
	if stored, _ := fixture.store.snapshot(old.ID); stored.Status != StatusFailed || stored.ErrorMessage != staleFailureMessage {
		test.Fatalf("expected old request failed, got %+v", stored)
	}
	if stored, _ := fixture.store.snapshot(fresh.ID); stored.Status != StatusPending {
		test.Fatalf("expected fresh request pending, got %+v", stored)
	}
	if account := fixture.accounts.Snapshot(accountID); account.Balance != 7 {
		test.Fatalf("expected balance 7, got %d", account.Balance)
	}
}

func TestExpireStaleNeverRefundsUndebitedRequest(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 10)
	ctx := context.Background()
	now := fixture.clock.Now()
	orphan := Request{
		ID:          "gen_orphan",
		AccountID:   accountID,
		Category:    CategoryImage,
		Prompt:      "a lighthouse at dusk",
		CreditsCost: 5,
		Status:      StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := fixture.store.CreateGeneration(ctx, orphan); err != nil {
		test.Fatalf("seed: %v", err)
	}
	fixture.clock.Advance(time.Hour)

	settled, err := fixture.tracker.ExpireStale(ctx, 10*time.Minute, 10)
	if err != nil || settled != 1 {
		test.Fatalf("expected the orphan settled, got %d %v", settled, err)
	}
	if account := fixture.accounts.Snapshot(accountID); account.Balance != 10 {
		test.Fatalf("expected untouched balance 10, got %d", account.Balance)
	}
	stored, _ := fixture.store.snapshot(orphan.ID)
	if stored.Status != StatusFailed || stored.Refunded {
		test.Fatalf("expected failed request without refund, got %+v", stored)
	}
	settled, err = fixture.tracker.ExpireStale(ctx, 10*time.Minute, 10)
	if err != nil || settled != 0 {
		test.Fatalf("expected nothing left to settle, got %d %v", settled, err)
	}
	if _, err := fixture.tracker.Fail(ctx, orphan.ID, "again"); err != nil {
		test.Fatalf("repeated fail: %v", err)
	}
	if account := fixture.accounts.Snapshot(accountID); account.Balance != 10 {
		test.Fatalf("expected balance 10 after repeated fail, got %d", account.Balance)
	}
}

func TestCreateReturnsDebitWhenItCannotBeRecorded(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 10)
	fixture.store.updateErr = errors.New("disk full")

	if _, err := fixture.tracker.Create(context.Background(), imageInput(accountID, 4)); err == nil {
		test.Fatalf("expected create to fail when the debit cannot be recorded")
	}
	if fixture.store.count() != 0 {
		test.Fatalf("expected request to be rolled back, found %d", fixture.store.count())
	}
	account := fixture.accounts.Snapshot(accountID)
	if account.Balance != 10 || account.Usage.ImagesGenerated != 0 {
		test.Fatalf("expected debit returned and no usage, got %+v", account)
	}
}

func TestStatsGroupsRequestsByCategory(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 100)
	ctx := context.Background()
	for _, processingMs := range []int64{1000, 3000} {
		request, err := fixture.tracker.Create(ctx, imageInput(accountID, 4))
		if err != nil {
			test.Fatalf("create: %v", err)
		}
		if _, err := fixture.tracker.MarkProcessing(ctx, request.ID); err != nil {
			test.Fatalf("processing: %v", err)
		}
		if _, err := fixture.tracker.MarkCompleted(ctx, request.ID, Result{URLs: []string{"https://cdn.example.com/x.png"}}, processingMs); err != nil {
			test.Fatalf("complete: %v", err)
		}
	}
	if _, err := fixture.tracker.Create(ctx, imageInput(accountID, 4)); err != nil {
		test.Fatalf("create pending: %v", err)
	}
	if _, err := fixture.tracker.Create(ctx, CreateInput{AccountID: accountID, Category: "music", Prompt: "lo-fi beat", CreditsCost: cost(10)}); err != nil {
		test.Fatalf("create music: %v", err)
	}

	stats, err := fixture.tracker.Stats(ctx, accountID)
	if err != nil {
		test.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 {
		test.Fatalf("expected two categories, got %+v", stats)
	}
	image, music := stats[0], stats[1]
	if image.Category != CategoryImage || image.Count != 3 || image.TotalCreditsCost != 12 || image.AverageProcessingTimeMs != 2000 {
		test.Fatalf("unexpected image stats: %+v", image)
	}
	if music.Category != CategoryMusic || music.Count != 1 || music.TotalCreditsCost != 10 || music.AverageProcessingTimeMs != 0 {
		test.Fatalf("unexpected music stats: %+v", music)
	}

	empty, err := fixture.tracker.Stats(ctx, mustAccountID(test, "nobody"))
	if err != nil || empty == nil || len(empty) != 0 {
		test.Fatalf("expected empty stats, got %+v %v", empty, err)
	}
	var validationError ledger.ValidationError
	if _, err := fixture.tracker.Stats(ctx, ledger.AccountID{}); !errors.As(err, &validationError) {
		test.Fatalf("expected validation error for missing account, got %v", err)
	}
}

func TestOwnershipGuards(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	stranger := mustAccountID(test, "stranger")
	fixture := newTrackerFixture(test, owner, 10)
	ctx := context.Background()
	request, err := fixture.tracker.Create(ctx, imageInput(owner, 1))
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if _, err := fixture.tracker.SetVisibility(ctx, stranger, request.ID, true); !errors.Is(err, ledger.ErrUnauthorized) {
		test.Fatalf("expected unauthorized visibility change, got %v", err)
	}
	if _, err := fixture.tracker.Like(ctx, stranger, request.ID); !errors.Is(err, ledger.ErrUnauthorized) {
		test.Fatalf("expected unauthorized like on private request, got %v", err)
	}
	if _, err := fixture.tracker.SetVisibility(ctx, owner, request.ID, true); err != nil {
		test.Fatalf("publish: %v", err)
	}
	liked, err := fixture.tracker.Like(ctx, stranger, request.ID)
	if err != nil || liked.Likes != 1 {
		test.Fatalf("expected like on public request, got %+v %v", liked, err)
	}
	downloaded, err := fixture.tracker.Download(ctx, owner, request.ID)
	if err != nil || downloaded.Downloads != 1 {
		test.Fatalf("expected download counted, got %+v %v", downloaded, err)
	}
	tagged, err := fixture.tracker.AddTag(ctx, owner, request.ID, "Sunset")
	if err != nil || len(tagged.Tags) != 1 {
		test.Fatalf("expected tag added, got %+v %v", tagged, err)
	}
}

func TestListPaginates(test *testing.T) {
	test.Parallel()
	accountID := mustAccountID(test, "user-1")
	fixture := newTrackerFixture(test, accountID, 100)
	ctx := context.Background()
	for index := 0; index < 5; index++ {
		fixture.clock.Advance(time.Minute)
		if _, err := fixture.tracker.Create(ctx, imageInput(accountID, 1)); err != nil {
			test.Fatalf("create: %v", err)
		}
	}
	page, err := fixture.tracker.List(ctx, Filter{AccountID: accountID.String(), Category: CategoryImage}, ledger.PageRequest{Page: 2, PageSize: 2})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.Pagination.Total != 5 || page.Pagination.TotalPages != 3 || page.Pagination.Page != 2 {
		test.Fatalf("unexpected page: %+v", page.Pagination)
	}
	empty, err := fixture.tracker.List(ctx, Filter{AccountID: "nobody"}, ledger.PageRequest{})
	if err != nil || empty.Items == nil || len(empty.Items) != 0 {
		test.Fatalf("expected empty non-nil page, got %+v %v", empty, err)
	}
}
