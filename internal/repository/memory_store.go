package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps accounts, users, transactions and audit entries in
// process. Each account row has its own exclusive lock held for the life of a
// WithinTx call, so it exhibits the same blocking behaviour as row locks.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*domain.Account
	byNumber     map[string]string
	users        map[string]*domain.User
	byEmail      map[string]string
	transactions []*domain.Transaction
	idempotency  map[string]*domain.Transaction
	audit        []*domain.AuditEntry

	rowLocks    map[string]chan struct{}
	lockTimeout time.Duration

	// lockTrace records every row lock acquisition, in order.
	traceMu   sync.Mutex
	lockTrace []string
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*domain.Account),
		byNumber:    make(map[string]string),
		users:       make(map[string]*domain.User),
		byEmail:     make(map[string]string),
		idempotency: make(map[string]*domain.Transaction),
		rowLocks:    make(map[string]chan struct{}),
		lockTimeout: lockTimeout,
	}
}

func cloneAccount(a *domain.Account) *domain.Account {
	c := *a
	return &c
}

func cloneTransaction(t *domain.Transaction) *domain.Transaction {
	c := *t
	return &c
}

func idempotencyIndex(userID, key string) string { return userID + "\x00" + key }

func (s *MemoryStore) GetByID(_ context.Context, accountID string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *MemoryStore) GetByNumber(_ context.Context, accountNumber string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[accountNumber]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return cloneAccount(s.accounts[id]), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Account
	for _, a := range s.accounts {
		if a.OwnerUserID == userID {
			out = append(out, cloneAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, a *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAccountLocked(a)
}

func (s *MemoryStore) createAccountLocked(a *domain.Account) error {
	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	if _, exists := s.byNumber[a.AccountNumber]; exists {
		return fmt.Errorf("account number %s already exists", a.AccountNumber)
	}
	if a.Balance.IsNegative() {
		return xerrors.ErrInvalidAmount
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	s.accounts[a.ID] = cloneAccount(a)
	s.byNumber[a.AccountNumber] = a.ID
	s.rowLocks[a.ID] = make(chan struct{}, 1)
	return nil
}

func (s *MemoryStore) History(_ context.Context, q domain.HistoryQuery) ([]*domain.Transaction, error) {
	q.Clamp()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*domain.Transaction
	// transactions is append-only in commit order, so walk it backwards
	for i := len(s.transactions) - 1; i >= 0; i-- {
		t := s.transactions[i]
		if t.FromAccountID == q.AccountID || t.ToAccountID == q.AccountID {
			matched = append(matched, t)
		}
	}
	if q.Offset >= len(matched) {
		return []*domain.Transaction{}, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]*domain.Transaction, 0, len(matched))
	for _, t := range matched {
		out = append(out, s.withNumbersLocked(t))
	}
	return out, nil
}

func (s *MemoryStore) withNumbersLocked(t *domain.Transaction) *domain.Transaction {
	c := cloneTransaction(t)
	if a, ok := s.accounts[c.FromAccountID]; ok {
		c.FromAccountNumber = a.AccountNumber
	}
	if a, ok := s.accounts[c.ToAccountID]; ok {
		c.ToAccountNumber = a.AccountNumber
	}
	return c
}

func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, userID, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.idempotency[idempotencyIndex(userID, key)]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return s.withNumbersLocked(t), nil
}

// WithinTx stages writes in a memTx and publishes them only when fn succeeds.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx AccountTx) error) error {
	tx := &memTx{store: s, staged: make(map[string]*domain.Account)}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Join(xerrors.ErrTimeout, err)
	}
	return tx.commit()
}

// LockTrace returns the order in which row locks were acquired.
func (s *MemoryStore) LockTrace() []string {
	s.traceMu.Lock()
	defer s.traceMu.Unlock()
	return append([]string(nil), s.lockTrace...)
}

// TotalBalance sums every account balance.
func (s *MemoryStore) TotalBalance() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, a := range s.accounts {
		total = total.Add(a.Balance)
	}
	return total
}

// TransactionCount is the number of committed transactions.
func (s *MemoryStore) TransactionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transactions)
}

// SetStatus changes an account's status outside any transfer.
func (s *MemoryStore) SetStatus(accountID string, status domain.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return xerrors.ErrNotFound
	}
	a.Status = status
	return nil
}

type memTx struct {
	store  *MemoryStore
	held   []chan struct{}
	staged map[string]*domain.Account
	txns   []*domain.Transaction
}

func (t *memTx) LockAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	s := t.store
	s.mu.RLock()
	lock, ok := s.rowLocks[accountID]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.ErrNotFound
	}

	var timeout <-chan time.Time
	if s.lockTimeout > 0 {
		timer := time.NewTimer(s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case lock <- struct{}{}:
	case <-timeout:
		return nil, xerrors.ErrBusy
	case <-ctx.Done():
		return nil, errors.Join(xerrors.ErrTimeout, ctx.Err())
	}
	t.held = append(t.held, lock)

	s.traceMu.Lock()
	s.lockTrace = append(s.lockTrace, accountID)
	s.traceMu.Unlock()

	return t.current(accountID), nil
}

func (t *memTx) current(accountID string) *domain.Account {
	if a, ok := t.staged[accountID]; ok {
		return cloneAccount(a)
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return cloneAccount(t.store.accounts[accountID])
}

func (t *memTx) ApplyTransfer(_ context.Context, fromID, toID string, amount decimal.Decimal) (decimal.Decimal, error) {
	from, to := t.current(fromID), t.current(toID)
	if !from.IsActive() || !to.IsActive() || from.Balance.LessThan(amount) {
		return decimal.Zero, xerrors.ErrConcurrentModification
	}
	now := time.Now().UTC()
	from.Balance = from.Balance.Sub(amount)
	from.UpdatedAt = now
	to.Balance = to.Balance.Add(amount)
	to.UpdatedAt = now
	t.staged[fromID] = from
	t.staged[toID] = to
	return from.Balance, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *domain.Transaction) error {
	tr.CreatedAt = time.Now().UTC()
	t.txns = append(t.txns, cloneTransaction(tr))
	return nil
}

func (t *memTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tr := range t.txns {
		if tr.IdempotencyKey == nil {
			continue
		}
		if _, dup := s.idempotency[idempotencyIndex(tr.InitiatedBy, *tr.IdempotencyKey)]; dup {
			return xerrors.ErrDuplicateIdempotencyKey
		}
	}
	for id, a := range t.staged {
		s.accounts[id] = a
	}
	for _, tr := range t.txns {
		s.transactions = append(s.transactions, tr)
		if tr.IdempotencyKey != nil {
			s.idempotency[idempotencyIndex(tr.InitiatedBy, *tr.IdempotencyKey)] = tr
		}
	}
	return nil
}

func (t *memTx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		<-t.held[i]
	}
	t.held = nil
}

// CreateWithAccount implements UserStore.
func (s *MemoryStore) CreateWithAccount(_ context.Context, u *domain.User, a *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(u.Email)
	if _, exists := s.byEmail[email]; exists {
		return xerrors.ErrUserAlreadyExists
	}
	u.CreatedAt = time.Now().UTC()
	if err := s.createAccountLocked(a); err != nil {
		return err
	}
	c := *u
	s.users[u.ID] = &c
	s.byEmail[email] = u.ID
	return nil
}

// GetByEmail implements UserStore.
func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, xerrors.ErrUserNotFound
	}
	c := *s.users[id]
	return &c, nil
}

// UserByID implements the lookup half of UserStore; see MemoryUsers.
func (s *MemoryStore) UserByID(_ context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, xerrors.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

// Insert implements AuditStore.
func (s *MemoryStore) Insert(_ context.Context, e *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.audit) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	c := *e
	s.audit = append(s.audit, &c)
	return nil
}

// AuditEntries returns a copy of the recorded audit log.
func (s *MemoryStore) AuditEntries() []domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.audit))
	for _, e := range s.audit {
		out = append(out, *e)
	}
	return out
}

// MemoryUsers adapts MemoryStore to UserStore; GetByID collides with the
// account lookup of the same name.
type MemoryUsers struct{ *MemoryStore }

func (m MemoryUsers) GetByID(ctx context.Context, userID string) (*domain.User, error) {
	return m.UserByID(ctx, userID)
}
