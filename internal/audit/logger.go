package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is a single audit record.
type Entry struct {
	TenantID string
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Logger writes records into audit_logs.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger returns a new Logger.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Record persists the log entry.
func (l *Logger) Record(ctx context.Context, entry Entry) error {
	if l == nil || l.pool == nil {
		return errors.New("audit: logger not initialised")
	}
	if err := entry.check(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !entry.At.IsZero() {
		at = &entry.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (tenant_id, actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		entry.TenantID, entry.ActorID, entry.Action, entry.Entity, entry.EntityID, metaJSON, at)
	return err
}

func (e Entry) check() error {
	if e.Action == "" || e.Entity == "" || e.EntityID == "" {
		return errors.New("audit: entry requires action/entity/entity_id")
	}
	return nil
}

// MemoryRecorder keeps entries in memory.
type MemoryRecorder struct {
	Entries []Entry
	Err     error
}

// Record implements Recorder.
func (m *MemoryRecorder) Record(_ context.Context, entry Entry) error {
	if m.Err != nil {
		return m.Err
	}
	if err := entry.check(); err != nil {
		return err
	}
	m.Entries = append(m.Entries, entry)
	return nil
}
