package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerline/portal/internal/rbac"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, tenant_id, email, name, role, status, permissions, created_at, updated_at`

// ListUsers returns users matching the filter ordered by name.
func (r *Repository) ListUsers(ctx context.Context, filter Filter) ([]User, error) {
	var (
		where = []string{"tenant_id = $1"}
		args  = []any{filter.TenantID}
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Role != "" {
		add("role = $%d", string(filter.Role))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Query != "" {
		add("(name ILIKE $%[1]d OR email ILIKE $%[1]d)", "%"+filter.Query+"%")
	}
	if len(filter.IDs) > 0 {
		add("id = ANY($%d)", filter.IDs)
	}
	args = append(args, filter.Limit)
	query := fmt.Sprintf(`SELECT %s FROM users WHERE %s ORDER BY name, id LIMIT $%d`, userColumns, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser returns one user of the tenant.
func (r *Repository) GetUser(ctx context.Context, tenantID string, id int64) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return user, err
}

// UpdateUser writes role, status and permissions.
func (r *Repository) UpdateUser(ctx context.Context, user User) (User, error) {
	var perms []string
	if user.Permissions != nil {
		perms = make([]string, len(user.Permissions))
		for i, p := range user.Permissions {
			perms[i] = string(p)
		}
	}
	row := r.pool.QueryRow(ctx, `UPDATE users SET role = $3, status = $4, permissions = $5, updated_at = $6
WHERE tenant_id = $1 AND id = $2 RETURNING `+userColumns,
		user.TenantID, user.ID, string(user.Role), string(user.Status), perms, user.UpdatedAt)
	updated, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return updated, err
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user   User
		role   string
		status string
		perms  []string
	)
	if err := row.Scan(&user.ID, &user.TenantID, &user.Email, &user.Name, &role, &status, &perms, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	user.Role = rbac.Role(role)
	user.Status = Status(status)
	if perms != nil {
		user.Permissions = make([]rbac.Permission, len(perms))
		for i, p := range perms {
			user.Permissions[i] = rbac.Permission(p)
		}
	}
	return user, nil
}
