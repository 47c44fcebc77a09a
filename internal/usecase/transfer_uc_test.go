package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/repository"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	users []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, userIDs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userIDs...)
	return nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*domain.CommitEvent
	err    error
}

func (r *recordingDispatcher) Publish(_ context.Context, ev *domain.CommitEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type engineFixture struct {
	store       *repository.MemoryStore
	pool        *FanoutPool
	invalidator *recordingInvalidator
	dispatcher  *recordingDispatcher
	uc          *TransferUsecase
}

func newEngineFixture(t *testing.T, lockTimeout, transferTimeout time.Duration) *engineFixture {
	t.Helper()
	logger := zap.NewNop()
	store := repository.NewMemoryStore(lockTimeout)
	pool := NewFanoutPool(2, 256, time.Second, logger)
	pool.Start()
	t.Cleanup(pool.Stop)

	f := &engineFixture{
		store:       store,
		pool:        pool,
		invalidator: &recordingInvalidator{},
		dispatcher:  &recordingDispatcher{},
	}
	f.uc = NewTransferUsecase(store, f.invalidator, f.dispatcher, NewAuditor(store, pool, logger), pool, transferTimeout, logger)
	return f
}

func (f *engineFixture) account(t *testing.T, id, number, owner, balance string) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), &domain.Account{
		ID:            id,
		AccountNumber: number,
		OwnerUserID:   owner,
		AccountType:   domain.AccountSavings,
		Balance:       decimal.RequireFromString(balance),
		Currency:      "USD",
		Status:        domain.AccountActive,
	}))
}

func (f *engineFixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	a, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func transfer(from, toNumber, user, amount string) domain.TransferRequest {
	return domain.TransferRequest{
		FromAccountID:    from,
		ToAccountNumber:  toNumber,
		Amount:           decimal.RequireFromString(amount),
		RequestingUserID: user,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestExecuteMovesFundsThenRejectsOverdraft(t *testing.T) {
	f := newEngineFixture(t, time.Second, 5*time.Second)
	f.account(t, "acc-s", "1000000001", "user-s", "100.00")
	f.account(t, "acc-r", "1000000002", "user-r", "50.00")

	res, err := f.uc.Execute(context.Background(), transfer("acc-s", "1000000002", "user-s", "30.00"))
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(dec("70.00")))
	assert.True(t, res.Amount.Equal(dec("30.00")))
	assert.Regexp(t, `^TXN\d+[0-9A-F]{8}$`, res.ReferenceNumber)
	assert.True(t, f.balance(t, "acc-s").Equal(dec("70.00")))
	assert.True(t, f.balance(t, "acc-r").Equal(dec("80.00")))

	history, err := f.store.History(context.Background(), domain.HistoryQuery{AccountID: "acc-s"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.TxCompleted, history[0].Status)
	assert.True(t, history[0].BalanceAfter.Equal(dec("70.00")))

	_, err = f.uc.Execute(context.Background(), transfer("acc-s", "1000000002", "user-s", "80.00"))
	require.ErrorIs(t, err, xerrors.ErrInsufficientBalance)
	var terr *domain.TransferError
	require.True(t, errors.As(err, &terr))
	assert.NotEmpty(t, terr.ReferenceNumber)
	assert.NotEqual(t, res.ReferenceNumber, terr.ReferenceNumber)

	assert.True(t, f.balance(t, "acc-s").Equal(dec("70.00")))
	assert.True(t, f.balance(t, "acc-r").Equal(dec("80.00")))
	assert.Equal(t, 1, f.store.TransactionCount())
}

func TestExecuteRejections(t *testing.T) {
	f := newEngineFixture(t, time.Second, 5*time.Second)
	f.account(t, "acc-s", "1000000001", "user-s", "100.00")
	f.account(t, "acc-r", "1000000002", "user-r", "50.00")
	f.account(t, "acc-f", "1000000003", "user-r", "10.00")
	require.NoError(t, f.store.SetStatus("acc-f", domain.AccountFrozen))

	tests := []struct {
		name string
		req  domain.TransferRequest
		want error
		kind xerrors.Kind
	}{
		{"zero amount", transfer("acc-s", "1000000002", "user-s", "0"), xerrors.ErrInvalidAmount, xerrors.KindValidation},
		{"negative amount", transfer("acc-s", "1000000002", "user-s", "-1"), xerrors.ErrInvalidAmount, xerrors.KindValidation},
		{"self transfer", transfer("acc-s", "1000000001", "user-s", "1.00"), xerrors.ErrSelfTransfer, xerrors.KindSelfTransfer},
		{"not the owner", transfer("acc-s", "1000000002", "user-r", "1.00"), xerrors.ErrAccountAccessDenied, xerrors.KindAuthorization},
		{"unknown sender", transfer("acc-x", "1000000002", "user-s", "1.00"), xerrors.ErrAccountNotFound, xerrors.KindNotFound},
		{"unknown recipient", transfer("acc-s", "1999999999", "user-s", "1.00"), xerrors.ErrRecipientNotFound, xerrors.KindNotFound},
		{"frozen recipient", transfer("acc-s", "1000000003", "user-s", "1.00"), xerrors.ErrRecipientNotFound, xerrors.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.uc.Execute(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, xerrors.KindOf(err))
		})
	}

	assert.True(t, f.balance(t, "acc-s").Equal(dec("100.00")))
	assert.Equal(t, 0, f.store.TransactionCount())
	assert.Empty(t, f.store.LockTrace())
}

// staleLookupStore answers recipient lookups with the account as it was
// before a status change, the way a read replica or an earlier read would.
type staleLookupStore struct {
	*repository.MemoryStore
	stale map[string]*domain.Account
}

func (s *staleLookupStore) GetByNumber(ctx context.Context, number string) (*domain.Account, error) {
	if a, ok := s.stale[number]; ok {
		cp := *a
		return &cp, nil
	}
	return s.MemoryStore.GetByNumber(ctx, number)
}

func TestExecuteRechecksRecipientStatusUnderLock(t *testing.T) {
	for _, status := range []domain.AccountStatus{domain.AccountClosed, domain.AccountFrozen} {
		t.Run(string(status), func(t *testing.T) {
			f := newEngineFixture(t, time.Second, 5*time.Second)
			f.account(t, "acc-s", "1000000001", "user-s", "100.00")
			f.account(t, "acc-r", "1000000002", "user-r", "50.00")

			active, err := f.store.GetByNumber(context.Background(), "1000000002")
			require.NoError(t, err)
			require.NoError(t, f.store.SetStatus("acc-r", status))

			stale := &staleLookupStore{MemoryStore: f.store, stale: map[string]*domain.Account{"1000000002": active}}
			uc := NewTransferUsecase(stale, f.invalidator, f.dispatcher, nil, f.pool, 5*time.Second, zap.NewNop())

			_, err = uc.Execute(context.Background(), transfer("acc-s", "1000000002", "user-s", "30.00"))
			require.ErrorIs(t, err, xerrors.ErrRecipientNotFound)

			assert.ElementsMatch(t, []string{"acc-r", "acc-s"}, f.store.LockTrace())
			assert.True(t, f.balance(t, "acc-s").Equal(dec("100.00")))
			assert.True(t, f.balance(t, "acc-r").Equal(dec("50.00")))
			assert.Equal(t, 0, f.store.TransactionCount())
			assert.Zero(t, f.dispatcher.count())
		})
	}
}

func TestExecuteLocksInAscendingIDOrder(t *testing.T) {
	f := newEngineFixture(t, time.Second, 5*time.Second)
	f.account(t, "acc-a", "1000000001", "user-a", "100.00")
	f.account(t, "acc-b", "1000000002", "user-b", "100.00")

	_, err := f.uc.Execute(context.Background(), transfer("acc-b", "1000000001", "user-b", "10.00"))
	require.NoError(t, err)
	_, err = f.uc.Execute(context.Background(), transfer("acc-a", "1000000002", "user-a", "10.00"))
	require.NoError(t, err)

	assert.Equal(t, []string{"acc-a", "acc-b", "acc-a", "acc-b"}, f.store.LockTrace())
}

func TestExecuteConservesBalanceUnderContention(t *testing.T) {
	f := newEngineFixture(t, 5*time.Second, 10*time.Second)
	f.account(t, "acc-s", "1000000001", "user-s", "100.00")
	f.account(t, "acc-r", "1000000002", "user-r", "0.00")
	before := f.store.TotalBalance()

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.uc.Execute(context.Background(), transfer("acc-s", "1000000002", "user-s", "5.00"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, xerrors.ErrInsufficientBalance):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), ok.Load())
	assert.Equal(t, int32(30), insufficient.Load())
	assert.True(t, f.balance(t, "acc-s").IsZero())
	assert.True(t, f.balance(t, "acc-r").Equal(dec("100.00")))
	assert.True(t, before.Equal(f.store.TotalBalance()))
	assert.Equal(t, 20, f.store.TransactionCount())
}

func TestExecuteOppositeDirectionsTerminate(t *testing.T) {
	f := newEngineFixture(t, 5*time.Second, 10*time.Second)
	f.account(t, "acc-a", "1000000001", "user-a", "50.00")
	f.account(t, "acc-b", "1000000002", "user-b", "50.00")
	before := f.store.TotalBalance()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = f.uc.Execute(context.Background(), transfer("acc-a", "1000000002", "user-a", "7.00"))
			}()
			go func() {
				defer wg.Done()
				_, _ = f.uc.Execute(context.Background(), transfer("acc-b", "1000000001", "user-b", "3.00"))
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposing transfers did not terminate")
	}
	assert.True(t, before.Equal(f.store.TotalBalance()))
	assert.False(t, f.balance(t, "acc-a").IsNegative())
	assert.False(t, f.balance(t, "acc-b").IsNegative())
}

// holdLock keeps accountID locked until the returned func is called.
func holdLock(t *testing.T, store *repository.MemoryStore, accountID string) func() {
	t.Helper()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx repository.AccountTx) error {
			_, err := tx.LockAccount(ctx, accountID)
			close(held)
			<-release
			return err
		})
	}()
	<-held
	return func() { close(release) }
}

func TestExecuteReportsBusyOnLockTimeout(t *testing.T) {
	f := newEngineFixture(t, 50*time.Millisecond, 5*time.Second)
	f.account(t, "acc-s", "1000000001", "user-s", "100.00")
	f.account(t, "acc-r", "1000000002", "user-r", "0.00")

	release := holdLock(t, f.store, "acc-r")
	_, err := f.uc.Execute(context.Background(), transfer("acc-s", "1000000002", "user-s", "10.00"))
	release()

	require.ErrorIs(t, err, xerrors.ErrBusy)
	assert.True(t, xerrors.Retryable(err))
	assert.True(t, f.balance(t, "acc-s").Equal(dec("100.00")))
}

func TestExecuteReportsTimeoutWhenDeadlinePasses(t *testing.T) {
	f := newEngineFixture(t, 5*time.Second, 50*time.Millisecond)
	f.account(t, "acc-s", "1000000001", "user-s", "100.00")
	f.account(t, "acc-r", "1000000002", "user-r", "0.00")

	release := holdLock(t, f.store, "acc-s")
	_, err := f.uc.Execute(context.Background(), transfer("acc-s", "1000000002", "user-s", "10.00"))
	release()

	require.Error(t, err)
	assert.Equal(t, xerrors.KindTimeout, xerrors.KindOf(err))
	assert.True(t, xerrors.Retryable(err))
	assert.Equal(t, 0, f.store.TransactionCount())
}

func TestExecuteReplaysIdempotencyKey(t *testing.T) {
	f := newEngineFixture(t, time.Second, 5*time.Second)
	f.account(t, "acc-s", "1000000001", "user-s", "100.00")
	f.account(t, "acc-r", "1000000002", "user-r", "0.00")

	req := transfer("acc-s", "1000000002", "user-s", "25.00")
	req.IdempotencyKey = "pay-rent-october"

	first, err := f.uc.Execute(context.Background(), req)
	require.NoError(t, err)
	second, err := f.uc.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ReferenceNumber, second.ReferenceNumber)
	assert.True(t, f.balance(t, "acc-s").Equal(dec("75.00")))
	assert.Equal(t, 1, f.store.TransactionCount())
}

func TestExecuteFansOutOnlyAfterCommit(t *testing.T) {
	f := newEngineFixture(t, time.Second, 5*time.Second)
	f.account(t, "acc-s", "1000000001", "user-s", "10.00")
	f.account(t, "acc-r", "1000000002", "user-r", "0.00")
	f.dispatcher.err = errors.New("subscriber gone")

	_, err := f.uc.Execute(context.Background(), transfer("acc-s", "1000000002", "user-s", "50.00"))
	require.ErrorIs(t, err, xerrors.ErrInsufficientBalance)

	res, err := f.uc.Execute(context.Background(), transfer("acc-s", "1000000002", "user-s", "10.00"))
	require.NoError(t, err, "publish failure must not fail the transfer")

	f.pool.Stop()

	require.Equal(t, 1, f.dispatcher.count())
	ev := f.dispatcher.events[0]
	assert.Equal(t, domain.EventNewTransaction, ev.Type)
	assert.Equal(t, "acc-s", ev.FromAccountID)
	assert.Equal(t, "acc-r", ev.ToAccountID)
	assert.Equal(t, res.ReferenceNumber, ev.Transaction.ReferenceNumber)
	assert.ElementsMatch(t, []string{"user-s", "user-r"}, f.invalidator.users)

	entries := f.store.AuditEntries()
	require.Len(t, entries, 2)
	outcomes := map[domain.AuditOutcome]string{}
	for _, e := range entries {
		outcomes[e.Outcome] = e.Reason
	}
	assert.Equal(t, "insufficient_funds", outcomes[domain.AuditFailure])
	assert.Contains(t, outcomes, domain.AuditSuccess)
}
