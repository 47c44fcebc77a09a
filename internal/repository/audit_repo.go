package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/avu-1/CREDORA/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PGAuditStore struct {
	db *pgxpool.Pool
}

func NewPGAuditStore(db *pgxpool.Pool) *PGAuditStore {
	return &PGAuditStore{db: db}
}

func (r *PGAuditStore) Insert(ctx context.Context, e *domain.AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	q := `
		INSERT INTO audit_logs (
			action, actor_user_id, outcome, reason, reference_number,
			request_id, ip_address, user_agent, metadata
		) VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING id, created_at`
	err = r.db.QueryRow(ctx, q,
		e.Action, e.ActorUserID, e.Outcome, e.Reason, e.ReferenceNumber,
		e.RequestID, e.IPAddress, e.UserAgent, meta,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}
