package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/avu-1/CREDORA/internal/domain"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGUserStore struct {
	db *pgxpool.Pool
}

func NewPGUserStore(db *pgxpool.Pool) *PGUserStore {
	return &PGUserStore{db: db}
}

const userColumns = `id, email, password_hash, first_name, last_name, is_active, created_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.IsActive, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, xerrors.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

func (r *PGUserStore) CreateWithAccount(ctx context.Context, u *domain.User, a *domain.Account) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin signup: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	q := `
		INSERT INTO users (id, email, password_hash, first_name, last_name, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	err = tx.QueryRow(ctx, q, u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.IsActive).Scan(&u.CreatedAt)
	if err != nil {
		if xerrors.ParsePGErrorCode(err) == "23505" {
			return xerrors.ErrUserAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	if err = insertAccount(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PGUserStore) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUser(r.db.QueryRow(ctx, q, email))
}

func (r *PGUserStore) GetByID(ctx context.Context, userID string) (*domain.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, q, userID))
}
