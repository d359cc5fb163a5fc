package bulkops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryPort persists operations and their per-user items.
type RepositoryPort interface {
	CreateOperation(ctx context.Context, rec Record) error
	GetOperation(ctx context.Context, tenantID, id string) (Record, error)
	UpdateOperation(ctx context.Context, rec Record) error
	ListOperations(ctx context.Context, tenantID string, limit int) ([]Record, error)
	SaveItem(ctx context.Context, item Item) error
	ListItems(ctx context.Context, operationID string) ([]Item, error)
}

// Repository is the pgx implementation of RepositoryPort.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const operationColumns = `id, tenant_id, operation, user_ids, status, total, succeeded, failed, warnings, details, created_by, created_at, updated_at, completed_at`

// CreateOperation inserts a new record.
func (r *Repository) CreateOperation(ctx context.Context, rec Record) error {
	op, details, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO bulk_operations (`+operationColumns+`, type)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.TenantID, op, rec.UserIDs, string(rec.Status), rec.Total, rec.Succeeded, rec.Failed, rec.Warnings,
		details, rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt, rec.CompletedAt, string(rec.Operation.Type()))
	if err != nil {
		return fmt.Errorf("bulkops: insert operation: %w", err)
	}
	return nil
}

// GetOperation loads one record scoped to the tenant.
func (r *Repository) GetOperation(ctx context.Context, tenantID, id string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM bulk_operations WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// UpdateOperation writes status, counters and details.
func (r *Repository) UpdateOperation(ctx context.Context, rec Record) error {
	_, details, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE bulk_operations
SET status = $3, succeeded = $4, failed = $5, warnings = $6, details = $7, updated_at = $8, completed_at = $9
WHERE tenant_id = $1 AND id = $2`,
		rec.TenantID, rec.ID, string(rec.Status), rec.Succeeded, rec.Failed, rec.Warnings, details, rec.UpdatedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("bulkops: update operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOperations returns the most recent operations of a tenant.
func (r *Repository) ListOperations(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+operationColumns+` FROM bulk_operations WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveItem upserts the outcome for one user.
func (r *Repository) SaveItem(ctx context.Context, item Item) error {
	before, err := json.Marshal(item.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(item.After)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO bulk_operation_items (operation_id, user_id, status, before, after, message)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (operation_id, user_id) DO UPDATE SET status = EXCLUDED.status, after = EXCLUDED.after, message = EXCLUDED.message`,
		item.OperationID, item.UserID, string(item.Status), before, after, item.Message)
	if err != nil {
		return fmt.Errorf("bulkops: save item: %w", err)
	}
	return nil
}

// ListItems returns items in user order.
func (r *Repository) ListItems(ctx context.Context, operationID string) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT operation_id, user_id, status, before, after, message FROM bulk_operation_items WHERE operation_id = $1 ORDER BY user_id`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var (
			item          Item
			status        string
			before, after []byte
		)
		if err := rows.Scan(&item.OperationID, &item.UserID, &status, &before, &after, &item.Message); err != nil {
			return nil, err
		}
		item.Status = ItemStatus(status)
		if err := json.Unmarshal(before, &item.Before); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(after, &item.After); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func encodeRecord(rec Record) ([]byte, []byte, error) {
	op, err := json.Marshal(rec.Operation)
	if err != nil {
		return nil, nil, fmt.Errorf("bulkops: encode operation: %w", err)
	}
	details := rec.Details
	if details == nil {
		details = []string{}
	}
	rawDetails, err := json.Marshal(details)
	if err != nil {
		return nil, nil, fmt.Errorf("bulkops: encode details: %w", err)
	}
	return op, rawDetails, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec         Record
		op, details []byte
		status      string
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &op, &rec.UserIDs, &status, &rec.Total, &rec.Succeeded, &rec.Failed, &rec.Warnings,
		&details, &rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if err := json.Unmarshal(op, &rec.Operation); err != nil {
		return Record{}, fmt.Errorf("bulkops: decode operation: %w", err)
	}
	if err := json.Unmarshal(details, &rec.Details); err != nil {
		return Record{}, fmt.Errorf("bulkops: decode details: %w", err)
	}
	return rec, nil
}
