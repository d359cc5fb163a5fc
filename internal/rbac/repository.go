package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/portal/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const customRoleColumns = `id, tenant_id, name, description, rank, permissions, created_at, updated_at`

// ListCustomRoles returns the tenant's custom roles ordered by rank then name.
func (r *Repository) ListCustomRoles(ctx context.Context, tenantID string) ([]CustomRole, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+customRoleColumns+` FROM custom_roles WHERE tenant_id = $1 ORDER BY rank, name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []CustomRole
	for rows.Next() {
		role, err := scanCustomRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetCustomRole fetches a custom role by ID.
func (r *Repository) GetCustomRole(ctx context.Context, tenantID string, id int64) (CustomRole, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+customRoleColumns+` FROM custom_roles WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	role, err := scanCustomRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return CustomRole{}, ErrNotFound
	}
	return role, err
}

// CreateCustomRole inserts a custom role.
func (r *Repository) CreateCustomRole(ctx context.Context, role CustomRole) (CustomRole, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO custom_roles (tenant_id, name, description, rank, permissions, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING `+customRoleColumns,
		role.TenantID, role.Name, role.Description, role.Rank, permissionStrings(role.Permissions), role.CreatedAt)
	created, err := scanCustomRole(row)
	if isUniqueViolation(err) {
		return CustomRole{}, ErrRoleExists
	}
	return created, err
}

// UpdateCustomRole updates an existing custom role.
func (r *Repository) UpdateCustomRole(ctx context.Context, role CustomRole) (CustomRole, error) {
	row := r.pool.QueryRow(ctx, `UPDATE custom_roles SET name = $3, description = $4, rank = $5, permissions = $6, updated_at = $7
WHERE tenant_id = $1 AND id = $2 RETURNING `+customRoleColumns,
		role.TenantID, role.ID, role.Name, role.Description, role.Rank, permissionStrings(role.Permissions), role.UpdatedAt)
	updated, err := scanCustomRole(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return CustomRole{}, ErrNotFound
	case isUniqueViolation(err):
		return CustomRole{}, ErrRoleExists
	}
	return updated, err
}

// DeleteCustomRole removes a role by ID. Returns ErrNotFound if nothing was
// deleted and ErrRoleInUse while users still hold the role.
func (r *Repository) DeleteCustomRole(ctx context.Context, tenantID string, id int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		role, err := scanCustomRole(tx.QueryRow(ctx, `SELECT `+customRoleColumns+` FROM custom_roles WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var holders int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM users WHERE tenant_id = $1 AND role = $2`, tenantID, string(role.Key())).Scan(&holders); err != nil {
			return err
		}
		if holders > 0 {
			return ErrRoleInUse
		}
		_, err = tx.Exec(ctx, `DELETE FROM custom_roles WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		return err
	})
}

// GetUserAccess reads role and explicit permissions from users. A NULL
// permission column yields nil Permissions, meaning role defaults apply.
func (r *Repository) GetUserAccess(ctx context.Context, tenantID string, userID int64) (UserAccess, error) {
	var (
		access UserAccess
		role   string
		perms  []string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, role, permissions, updated_at FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, userID).
		Scan(&access.UserID, &access.TenantID, &role, &perms, &access.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserAccess{}, ErrNotFound
	}
	if err != nil {
		return UserAccess{}, err
	}
	access.Role = Role(role)
	if perms != nil {
		access.Permissions = toPermissions(perms)
	}
	return access, nil
}

// SaveUserAccess stores role and explicit permissions on users.
func (r *Repository) SaveUserAccess(ctx context.Context, access UserAccess) (UserAccess, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET role = $3, permissions = $4, updated_at = $5 WHERE tenant_id = $1 AND id = $2`,
		access.TenantID, access.UserID, string(access.Role), permissionStrings(access.Permissions), access.UpdatedAt)
	if err != nil {
		return UserAccess{}, err
	}
	if tag.RowsAffected() == 0 {
		return UserAccess{}, ErrNotFound
	}
	return access, nil
}

func scanCustomRole(row pgx.Row) (CustomRole, error) {
	var (
		role  CustomRole
		perms []string
	)
	if err := row.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.Rank, &perms, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return CustomRole{}, err
	}
	role.Permissions = toPermissions(perms)
	return role, nil
}

func permissionStrings(perms []Permission) []string {
	if perms == nil {
		return nil
	}
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func toPermissions(raw []string) []Permission {
	out := make([]Permission, len(raw))
	for i, p := range raw {
		out[i] = Permission(p)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
