package editor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/portal/internal/rbac"
)

// DismissalStore remembers suggestions the operator dismissed.
type DismissalStore interface {
	Dismiss(ctx context.Context, p rbac.Permission) error
	Dismissed(ctx context.Context) (map[rbac.Permission]struct{}, error)
}

// MemoryDismissals lives as long as one editor session.
type MemoryDismissals struct {
	mu  sync.Mutex
	set map[rbac.Permission]struct{}
}

// NewMemoryDismissals returns an empty session-local store.
func NewMemoryDismissals() *MemoryDismissals {
	return &MemoryDismissals{set: make(map[rbac.Permission]struct{})}
}

// Dismiss implements DismissalStore.
func (m *MemoryDismissals) Dismiss(_ context.Context, p rbac.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set[p] = struct{}{}
	return nil
}

// Dismissed implements DismissalStore.
func (m *MemoryDismissals) Dismissed(context.Context) (map[rbac.Permission]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[rbac.Permission]struct{}, len(m.set))
	for p := range m.set {
		out[p] = struct{}{}
	}
	return out, nil
}

// RedisDismissals keeps dismissals per operator and subject across sessions.
type RedisDismissals struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisDismissals scopes the store to one operator looking at one subject.
// A zero ttl keeps entries until removed.
func NewRedisDismissals(client *redis.Client, tenantID string, operatorID, subjectID int64, ttl time.Duration) *RedisDismissals {
	return &RedisDismissals{
		client: client,
		key:    fmt.Sprintf("portal:dismissed:%s:%d:%d", tenantID, operatorID, subjectID),
		ttl:    ttl,
	}
}

// Dismiss implements DismissalStore.
func (r *RedisDismissals) Dismiss(ctx context.Context, p rbac.Permission) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.key, string(p))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("editor: dismiss: %w", err)
	}
	return nil
}

// Dismissed implements DismissalStore.
func (r *RedisDismissals) Dismissed(ctx context.Context) (map[rbac.Permission]struct{}, error) {
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("editor: load dismissals: %w", err)
	}
	out := make(map[rbac.Permission]struct{}, len(members))
	for _, m := range members {
		out[rbac.Permission(m)] = struct{}{}
	}
	return out, nil
}
