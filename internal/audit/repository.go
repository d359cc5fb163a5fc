package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository reads audit_logs from Postgres.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// TimelineWindow implements Repository. A zero Limit returns every match.
func (r *PgRepository) TimelineWindow(ctx context.Context, q TimelineQuery) ([]TimelineRow, error) {
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT occurred_at, actor_id, action, entity, entity_id, meta FROM audit_logs WHERE tenant_id = $1`)
	args = append(args, q.TenantID)
	add := func(clause string, value any) {
		args = append(args, value)
		sb.WriteString(" AND ")
		sb.WriteString(strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if !q.From.IsZero() {
		add("occurred_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		add("occurred_at < ?", q.To.Add(24*time.Hour))
	}
	if v := strings.TrimSpace(q.Actor); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			add("actor_id = ?", id)
		}
	}
	if v := strings.TrimSpace(q.Entity); v != "" {
		add("entity = ?", v)
	}
	if v := strings.TrimSpace(q.Action); v != "" {
		add("action = ?", v)
	}
	sb.WriteString(" ORDER BY occurred_at DESC, id DESC")
	if q.Limit > 0 {
		args = append(args, q.Limit, q.Offset)
		sb.WriteString(" LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args)))
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			meta []byte
		)
		if err := rows.Scan(&row.At, &row.ActorID, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &row.Meta)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
