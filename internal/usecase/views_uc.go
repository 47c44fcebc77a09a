package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/repository"
	"github.com/avu-1/CREDORA/pkg/utils/cache"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"

	"go.uber.org/zap"
)

type ViewTTLs struct {
	Profile  time.Duration
	Accounts time.Duration
	Balance  time.Duration
	History  time.Duration
}

// ViewUsecase serves read models through a read-through redis cache. Every
// cached key is recorded in the owner's index set so Invalidate can drop
// them together. A cache failure degrades to a store read, never an error.
type ViewUsecase struct {
	cache    *cache.Cache
	accounts repository.AccountStore
	users    repository.UserStore
	ttl      ViewTTLs
	logger   *zap.Logger
}

func NewViewUsecase(c *cache.Cache, accounts repository.AccountStore, users repository.UserStore, ttl ViewTTLs, logger *zap.Logger) *ViewUsecase {
	return &ViewUsecase{cache: c, accounts: accounts, users: users, ttl: ttl, logger: logger}
}

func userIndex(userID string) string { return cache.Key("user:keys", userID) }

func (uc *ViewUsecase) readCached(ctx context.Context, ns, key string, dst interface{}) bool {
	raw, err := uc.cache.Get(ctx, ns, key)
	if err != nil {
		if !errors.Is(err, cache.Nil) {
			uc.logger.Warn("cache read failed", zap.String("key", cache.Key(ns, key)), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		uc.logger.Warn("cache entry corrupt", zap.String("key", cache.Key(ns, key)), zap.Error(err))
		return false
	}
	return true
}

func (uc *ViewUsecase) writeCached(ctx context.Context, userID, ns, key string, v interface{}, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		uc.logger.Warn("cache encode failed", zap.String("key", cache.Key(ns, key)), zap.Error(err))
		return
	}
	if err := uc.cache.SetTracked(ctx, userIndex(userID), ns, key, raw, ttl); err != nil {
		uc.logger.Warn("cache write failed", zap.String("key", cache.Key(ns, key)), zap.Error(err))
	}
}

// Accounts lists the user's accounts. fresh skips the cache read.
func (uc *ViewUsecase) Accounts(ctx context.Context, userID string, fresh bool) ([]*domain.Account, error) {
	key := "accounts:" + userID
	var out []*domain.Account
	if !fresh && uc.readCached(ctx, "user", key, &out) {
		return out, nil
	}
	out, err := uc.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	if out == nil {
		out = []*domain.Account{}
	}
	uc.writeCached(ctx, userID, "user", key, out, uc.ttl.Accounts)
	return out, nil
}

func (uc *ViewUsecase) owned(ctx context.Context, userID, accountID string, fresh bool) (*domain.Account, error) {
	list, err := uc.Accounts(ctx, userID, fresh)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		if a.ID == accountID {
			return a, nil
		}
	}
	return nil, xerrors.ErrAccountAccessDenied
}

// Account returns one of the caller's accounts. It shares the balance TTL
// because it carries the balance.
func (uc *ViewUsecase) Account(ctx context.Context, userID, accountID string, fresh bool) (*domain.Account, error) {
	if _, err := uc.owned(ctx, userID, accountID, fresh); err != nil {
		return nil, err
	}

	var a domain.Account
	if !fresh && uc.readCached(ctx, "account", accountID, &a) {
		return &a, nil
	}
	got, err := uc.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, xerrors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	uc.writeCached(ctx, userID, "account", accountID, got, uc.ttl.Balance)
	return got, nil
}

func (uc *ViewUsecase) Balance(ctx context.Context, userID, accountID string, fresh bool) (*domain.Balance, error) {
	if _, err := uc.owned(ctx, userID, accountID, fresh); err != nil {
		return nil, err
	}

	var b domain.Balance
	if !fresh && uc.readCached(ctx, "balance", accountID, &b) {
		return &b, nil
	}
	a, err := uc.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, xerrors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	b = domain.Balance{
		AccountID:     a.ID,
		AccountNumber: a.AccountNumber,
		Balance:       a.Balance,
		Currency:      a.Currency,
	}
	uc.writeCached(ctx, userID, "balance", accountID, b, uc.ttl.Balance)
	return &b, nil
}

func (uc *ViewUsecase) History(ctx context.Context, userID string, q domain.HistoryQuery, fresh bool) ([]*domain.Transaction, error) {
	q.Clamp()
	if _, err := uc.owned(ctx, userID, q.AccountID, fresh); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s:%d:%d", q.AccountID, q.Limit, q.Offset)
	var out []*domain.Transaction
	if !fresh && uc.readCached(ctx, "history", key, &out) {
		return out, nil
	}
	out, err := uc.accounts.History(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	uc.writeCached(ctx, userID, "history", key, out, uc.ttl.History)
	return out, nil
}

func (uc *ViewUsecase) Profile(ctx context.Context, userID string, fresh bool) (*domain.Profile, error) {
	key := "profile:" + userID
	var p domain.Profile
	if !fresh && uc.readCached(ctx, "user", key, &p) {
		return &p, nil
	}
	u, err := uc.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	accounts, err := uc.Accounts(ctx, userID, fresh)
	if err != nil {
		return nil, err
	}
	p = domain.Profile{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Accounts:  accounts,
	}
	uc.writeCached(ctx, userID, "user", key, p, uc.ttl.Profile)
	return &p, nil
}

// Invalidate removes every cached view derived from the users' accounts.
// Deleting absent keys is a no-op, so repeated calls are harmless.
func (uc *ViewUsecase) Invalidate(ctx context.Context, userIDs ...string) error {
	var errs []error
	seen := make(map[string]struct{}, len(userIDs))
	for _, uid := range userIDs {
		if uid == "" {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		err := uc.cache.DeleteTracked(ctx, userIndex(uid),
			cache.Key("user", "profile:"+uid),
			cache.Key("user", "accounts:"+uid),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalidate %s: %w", uid, err))
		}
	}
	return errors.Join(errs...)
}
