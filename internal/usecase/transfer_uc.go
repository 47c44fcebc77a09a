package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/repository"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"
	"github.com/avu-1/CREDORA/pkg/utils/id"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CacheInvalidator drops every memoized view derived from the users' accounts.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userIDs ...string) error
}

// NotificationDispatcher fans a commit event out to live subscribers.
type NotificationDispatcher interface {
	Publish(ctx context.Context, ev *domain.CommitEvent) error
}

type TransferUsecase struct {
	accounts    repository.AccountStore
	invalidator CacheInvalidator
	dispatcher  NotificationDispatcher
	auditor     *Auditor
	pool        *FanoutPool
	timeout     time.Duration
	logger      *zap.Logger

	now func() time.Time
}

func NewTransferUsecase(
	accounts repository.AccountStore,
	invalidator CacheInvalidator,
	dispatcher NotificationDispatcher,
	auditor *Auditor,
	pool *FanoutPool,
	timeout time.Duration,
	logger *zap.Logger,
) *TransferUsecase {
	return &TransferUsecase{
		accounts:    accounts,
		invalidator: invalidator,
		dispatcher:  dispatcher,
		auditor:     auditor,
		pool:        pool,
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Execute moves req.Amount from the caller's account to the account addressed
// by req.ToAccountNumber as one atomic unit. The result is returned as soon as
// the store commits; cache invalidation, notification and audit run later on
// the fan-out pool. Every error is a *domain.TransferError carrying the
// reference number generated for this attempt.
func (uc *TransferUsecase) Execute(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	start := uc.now()
	ref := id.GenerateReferenceNumber(start)
	defer func() {
		transferDuration.Observe(time.Since(start).Seconds())
	}()

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, uc.fail(req, ref, err)
	}

	if req.IdempotencyKey != "" {
		if prior, err := uc.accounts.FindByIdempotencyKey(ctx, req.RequestingUserID, req.IdempotencyKey); err == nil {
			return uc.replay(req, prior), nil
		} else if !errors.Is(err, xerrors.ErrNotFound) {
			return nil, uc.fail(req, ref, fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err))
		}
	}

	if uc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.timeout)
		defer cancel()
	}

	sender, recipient, err := uc.resolve(ctx, req)
	if err != nil {
		return nil, uc.fail(req, ref, err)
	}

	committed, err := uc.commit(ctx, req, ref, sender.ID, recipient.ID)
	if err != nil {
		if errors.Is(err, xerrors.ErrDuplicateIdempotencyKey) && req.IdempotencyKey != "" {
			// a concurrent request with the same key won the race
			if prior, ferr := uc.accounts.FindByIdempotencyKey(context.WithoutCancel(ctx), req.RequestingUserID, req.IdempotencyKey); ferr == nil {
				return uc.replay(req, prior), nil
			}
		}
		return nil, uc.fail(req, ref, normalizeStoreError(err))
	}
	committed.FromAccountNumber = sender.AccountNumber
	committed.ToAccountNumber = recipient.AccountNumber

	transfersTotal.WithLabelValues("completed").Inc()
	uc.logger.Info("transfer committed",
		zap.String("reference", ref),
		zap.String("from", sender.ID),
		zap.String("to", recipient.ID),
		zap.Stringer("amount", req.Amount),
		zap.Duration("duration", time.Since(start)))

	uc.afterCommit(req, committed, sender.OwnerUserID, recipient.OwnerUserID)
	return domain.ResultFromTransaction(committed), nil
}

// resolve performs the lock-free precondition checks. They are repeated
// under lock by commit.
func (uc *TransferUsecase) resolve(ctx context.Context, req domain.TransferRequest) (*domain.Account, *domain.Account, error) {
	sender, err := uc.accounts.GetByID(ctx, req.FromAccountID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, nil, xerrors.ErrAccountNotFound
		}
		return nil, nil, lookupError(err)
	}
	if sender.OwnerUserID != req.RequestingUserID {
		return nil, nil, xerrors.ErrAccountAccessDenied
	}
	if !sender.IsActive() {
		return nil, nil, xerrors.ErrAccountInactive
	}

	recipient, err := uc.accounts.GetByNumber(ctx, req.ToAccountNumber)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, nil, xerrors.ErrRecipientNotFound
		}
		return nil, nil, lookupError(err)
	}
	if recipient.ID == sender.ID {
		return nil, nil, xerrors.ErrSelfTransfer
	}
	if !recipient.IsActive() {
		return nil, nil, xerrors.ErrRecipientNotFound
	}
	return sender, recipient, nil
}

func lookupError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, xerrors.ErrTimeout) {
		return errors.Join(xerrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", xerrors.ErrStoreUnavailable, err)
}

// lockOrder returns the two ids in ascending order.
func lockOrder(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

func (uc *TransferUsecase) commit(ctx context.Context, req domain.TransferRequest, ref, fromID, toID string) (*domain.Transaction, error) {
	var committed *domain.Transaction

	err := uc.accounts.WithinTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		locked := make(map[string]*domain.Account, 2)
		for _, accountID := range lockOrder(fromID, toID) {
			a, err := tx.LockAccount(ctx, accountID)
			if err != nil {
				if errors.Is(err, xerrors.ErrNotFound) {
					if accountID == fromID {
						return xerrors.ErrAccountNotFound
					}
					return xerrors.ErrRecipientNotFound
				}
				return err
			}
			locked[accountID] = a
		}

		sender, recipient := locked[fromID], locked[toID]
		if sender.OwnerUserID != req.RequestingUserID {
			return xerrors.ErrAccountAccessDenied
		}
		if !sender.IsActive() {
			return xerrors.ErrAccountInactive
		}
		if !recipient.IsActive() {
			return xerrors.ErrRecipientNotFound
		}
		if sender.Balance.LessThan(req.Amount) {
			return xerrors.ErrInsufficientBalance
		}

		balanceAfter, err := tx.ApplyTransfer(ctx, fromID, toID, req.Amount)
		if err != nil {
			return err
		}

		now := uc.now().UTC()
		t := &domain.Transaction{
			ID:              uuid.NewString(),
			FromAccountID:   fromID,
			ToAccountID:     toID,
			TransactionType: domain.TransactionTypeTransfer,
			Amount:          req.Amount,
			Currency:        sender.Currency,
			Status:          domain.TxCompleted,
			Description:     req.Description,
			ReferenceNumber: ref,
			BalanceAfter:    balanceAfter,
			InitiatedBy:     req.RequestingUserID,
			CompletedAt:     &now,
		}
		if req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			t.IdempotencyKey = &key
		}
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return err
		}
		committed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// normalizeStoreError keeps taxonomy errors as they are and folds deadline
// expiry into ErrTimeout.
func normalizeStoreError(err error) error {
	if xerrors.KindOf(err) != xerrors.KindInternal {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, xerrors.ErrTimeout) {
			return errors.Join(xerrors.ErrTimeout, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) {
		return errors.Join(xerrors.ErrTimeout, err)
	}
	return err
}

func (uc *TransferUsecase) afterCommit(req domain.TransferRequest, t *domain.Transaction, fromUserID, toUserID string) {
	if uc.invalidator != nil {
		uc.pool.Submit(&FanoutTask{
			Kind: FanoutKindInvalidate,
			Ref:  t.ReferenceNumber,
			Run: func(ctx context.Context) error {
				return uc.invalidator.Invalidate(ctx, fromUserID, toUserID)
			},
		})
	}
	if uc.dispatcher != nil {
		ev := domain.NewCommitEvent(t, fromUserID, toUserID)
		uc.pool.Submit(&FanoutTask{
			Kind: FanoutKindPublish,
			Ref:  t.ReferenceNumber,
			Run: func(ctx context.Context) error {
				return uc.dispatcher.Publish(ctx, ev)
			},
		})
	}
	uc.auditor.Record(&domain.AuditEntry{
		Action:          domain.AuditActionTransfer,
		ActorUserID:     req.RequestingUserID,
		Outcome:         domain.AuditSuccess,
		ReferenceNumber: t.ReferenceNumber,
		RequestID:       req.RequestID,
		IPAddress:       req.IPAddress,
		UserAgent:       req.UserAgent,
		Metadata: map[string]interface{}{
			"from_account_id": t.FromAccountID,
			"to_account_id":   t.ToAccountID,
			"amount":          t.Amount.String(),
			"balance_after":   t.BalanceAfter.String(),
		},
	})
}

func (uc *TransferUsecase) replay(req domain.TransferRequest, prior *domain.Transaction) *domain.TransferResult {
	transfersTotal.WithLabelValues("replayed").Inc()
	uc.logger.Info("transfer replayed from idempotency key",
		zap.String("reference", prior.ReferenceNumber),
		zap.String("user_id", req.RequestingUserID))
	res := domain.ResultFromTransaction(prior)
	res.Replayed = true
	return res
}

func (uc *TransferUsecase) fail(req domain.TransferRequest, ref string, err error) error {
	reason := xerrors.Reason(err)
	transfersTotal.WithLabelValues(reason).Inc()

	fields := []zap.Field{
		zap.String("reference", ref),
		zap.String("from", req.FromAccountID),
		zap.String("to_number", req.ToAccountNumber),
		zap.String("reason", reason),
		zap.Error(err),
	}
	if xerrors.KindOf(err) == xerrors.KindInternal {
		uc.logger.Error("transfer failed", fields...)
	} else {
		uc.logger.Info("transfer rejected", fields...)
	}

	uc.auditor.Record(&domain.AuditEntry{
		Action:          domain.AuditActionTransfer,
		ActorUserID:     req.RequestingUserID,
		Outcome:         domain.AuditFailure,
		Reason:          reason,
		ReferenceNumber: ref,
		RequestID:       req.RequestID,
		IPAddress:       req.IPAddress,
		UserAgent:       req.UserAgent,
		Metadata: map[string]interface{}{
			"from_account_id":   req.FromAccountID,
			"to_account_number": req.ToAccountNumber,
			"amount":            req.Amount.String(),
		},
	})
	return &domain.TransferError{ReferenceNumber: ref, Err: err}
}
