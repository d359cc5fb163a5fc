package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/portal/internal/rbac"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindByEmail fetches the credential record of a tenant user.
func (r *PGRepository) FindByEmail(ctx context.Context, tenantID, email string) (Account, error) {
	var (
		acct   Account
		role   string
		status string
		hash   *string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, email, role, status, password_hash
FROM users WHERE tenant_id = $1 AND lower(email) = $2`, tenantID, email).
		Scan(&acct.ID, &acct.TenantID, &acct.Email, &role, &status, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("auth: find account: %w", err)
	}
	acct.Role = rbac.Role(role)
	acct.Active = status == "ACTIVE"
	if hash != nil {
		acct.PasswordHash = *hash
	}
	return acct, nil
}

var _ Repository = (*PGRepository)(nil)
