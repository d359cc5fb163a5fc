package exports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryPort persists schedules.
type RepositoryPort interface {
	List(ctx context.Context, tenantID string) ([]Schedule, error)
	Get(ctx context.Context, tenantID, id string) (Schedule, error)
	Create(ctx context.Context, s Schedule) error
	Update(ctx context.Context, s Schedule) error
	Delete(ctx context.Context, tenantID, id string) error
	// ClaimDue leases up to limit active schedules whose next run is at or
	// before now. A leased schedule is not returned again until the lease
	// expires or MarkRun is called.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Schedule, error)
	MarkRun(ctx context.Context, id string, ranAt, next time.Time, lastErr string) error
}

// Repository is the pgx implementation of RepositoryPort.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const scheduleColumns = `id, tenant_id, name, frequency, format, recipients, day_of_week, day_of_month, run_time, timezone,
filter, integrations, paused, next_run_at, last_run_at, last_error, created_by, created_at, updated_at`

// List returns the tenant's schedules by name.
func (r *Repository) List(ctx context.Context, tenantID string) ([]Schedule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM export_schedules WHERE tenant_id = $1 ORDER BY name, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("exports: list schedules: %w", err)
	}
	return collect(rows)
}

// Get loads one schedule scoped to the tenant.
func (r *Repository) Get(ctx context.Context, tenantID, id string) (Schedule, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM export_schedules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	s, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return s, err
}

// Create inserts s.
func (r *Repository) Create(ctx context.Context, s Schedule) error {
	filter, integrations, err := encodeSchedule(s)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO export_schedules (`+scheduleColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		s.ID, s.TenantID, s.Name, string(s.Frequency), string(s.Format), s.Recipients, s.DayOfWeek, s.DayOfMonth, s.Time, s.Timezone,
		filter, integrations, s.Paused, s.NextRunAt, s.LastRunAt, s.LastError, s.CreatedBy, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("exports: insert schedule: %w", err)
	}
	return nil
}

// Update overwrites the editable fields and next run of s.
func (r *Repository) Update(ctx context.Context, s Schedule) error {
	filter, integrations, err := encodeSchedule(s)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE export_schedules SET name = $3, frequency = $4, format = $5, recipients = $6,
day_of_week = $7, day_of_month = $8, run_time = $9, timezone = $10, filter = $11, integrations = $12, paused = $13,
next_run_at = $14, updated_at = $15
WHERE tenant_id = $1 AND id = $2`,
		s.TenantID, s.ID, s.Name, string(s.Frequency), string(s.Format), s.Recipients, s.DayOfWeek, s.DayOfMonth, s.Time, s.Timezone,
		filter, integrations, s.Paused, s.NextRunAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("exports: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a schedule.
func (r *Repository) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM export_schedules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("exports: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDue implements RepositoryPort with SKIP LOCKED so concurrent workers
// never claim the same schedule.
func (r *Repository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Schedule, error) {
	rows, err := r.pool.Query(ctx, `UPDATE export_schedules SET locked_until = $2
WHERE id IN (
	SELECT id FROM export_schedules
	WHERE NOT paused AND next_run_at <= $1 AND (locked_until IS NULL OR locked_until < $1)
	ORDER BY next_run_at
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING `+scheduleColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("exports: claim due: %w", err)
	}
	return collect(rows)
}

// MarkRun records a run and releases the lease.
func (r *Repository) MarkRun(ctx context.Context, id string, ranAt, next time.Time, lastErr string) error {
	_, err := r.pool.Exec(ctx, `UPDATE export_schedules SET last_run_at = $2, next_run_at = $3, last_error = $4, locked_until = NULL
WHERE id = $1`, id, ranAt, next, lastErr)
	if err != nil {
		return fmt.Errorf("exports: mark run: %w", err)
	}
	return nil
}

func encodeSchedule(s Schedule) ([]byte, []byte, error) {
	filter, err := json.Marshal(s.Filter)
	if err != nil {
		return nil, nil, fmt.Errorf("exports: encode filter: %w", err)
	}
	integrations, err := json.Marshal(s.Integrations)
	if err != nil {
		return nil, nil, fmt.Errorf("exports: encode integrations: %w", err)
	}
	return filter, integrations, nil
}

func collect(rows pgx.Rows) ([]Schedule, error) {
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanSchedule(row pgx.Row) (Schedule, error) {
	var (
		s            Schedule
		frequency    string
		format       string
		filter       []byte
		integrations []byte
	)
	if err := row.Scan(&s.ID, &s.TenantID, &s.Name, &frequency, &format, &s.Recipients, &s.DayOfWeek, &s.DayOfMonth,
		&s.Time, &s.Timezone, &filter, &integrations, &s.Paused, &s.NextRunAt, &s.LastRunAt, &s.LastError,
		&s.CreatedBy, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Schedule{}, err
	}
	s.Frequency = Frequency(frequency)
	s.Format = Format(format)
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &s.Filter); err != nil {
			return Schedule{}, fmt.Errorf("exports: decode filter: %w", err)
		}
	}
	if len(integrations) > 0 {
		if err := json.Unmarshal(integrations, &s.Integrations); err != nil {
			return Schedule{}, fmt.Errorf("exports: decode integrations: %w", err)
		}
	}
	return s, nil
}
