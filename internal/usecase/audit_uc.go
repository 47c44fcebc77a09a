package usecase

import (
	"context"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/repository"

	"go.uber.org/zap"
)

// Auditor writes audit entries through the fan-out pool so they never share
// the fate of the transaction they describe.
type Auditor struct {
	store  repository.AuditStore
	pool   *FanoutPool
	logger *zap.Logger
}

func NewAuditor(store repository.AuditStore, pool *FanoutPool, logger *zap.Logger) *Auditor {
	return &Auditor{store: store, pool: pool, logger: logger}
}

func (a *Auditor) Record(entry *domain.AuditEntry) {
	if a == nil || a.store == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	a.pool.Submit(&FanoutTask{
		Kind: FanoutKindAudit,
		Ref:  entry.ReferenceNumber,
		Run: func(ctx context.Context) error {
			return a.store.Insert(ctx, entry)
		},
	})
}
