package bulkops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProgressStore keeps the latest progress snapshot per operation. Save
// ignores snapshots whose Version is not newer than the stored one.
type ProgressStore interface {
	Save(ctx context.Context, tenantID string, p Progress) (bool, error)
	Get(ctx context.Context, tenantID, id string) (Progress, bool, error)
}

// saveIfNewer writes ARGV[2] when no snapshot exists or ARGV[1] is greater
// than the stored version.
var saveIfNewer = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "version")
if current and tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[1], "payload", ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

// RedisProgress stores snapshots in Redis hashes.
type RedisProgress struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisProgress constructs the store. Snapshots expire after ttl; the
// operation record remains the durable fallback.
func NewRedisProgress(client *redis.Client, ttl time.Duration) *RedisProgress {
	return &RedisProgress{client: client, ttl: ttl}
}

func progressKey(tenantID, id string) string {
	return fmt.Sprintf("portal:bulk:%s:%s:progress", tenantID, id)
}

// Save implements ProgressStore.
func (r *RedisProgress) Save(ctx context.Context, tenantID string, p Progress) (bool, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("bulkops: encode progress: %w", err)
	}
	res, err := saveIfNewer.Run(ctx, r.client, []string{progressKey(tenantID, p.ID)}, p.Version, string(raw), r.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("bulkops: save progress: %w", err)
	}
	return res == 1, nil
}

// Get implements ProgressStore.
func (r *RedisProgress) Get(ctx context.Context, tenantID, id string) (Progress, bool, error) {
	raw, err := r.client.HGet(ctx, progressKey(tenantID, id), "payload").Result()
	if errors.Is(err, redis.Nil) {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, fmt.Errorf("bulkops: load progress: %w", err)
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Progress{}, false, fmt.Errorf("bulkops: decode progress: %w", err)
	}
	return p, true, nil
}

// MemoryProgress is an in-process ProgressStore.
type MemoryProgress struct {
	mu    sync.Mutex
	items map[string]Progress
}

// NewMemoryProgress returns an empty store.
func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{items: map[string]Progress{}}
}

// Save implements ProgressStore.
func (m *MemoryProgress) Save(_ context.Context, tenantID string, p Progress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "/" + p.ID
	if cur, ok := m.items[key]; ok && cur.Version >= p.Version {
		return false, nil
	}
	m.items[key] = p
	return true, nil
}

// Get implements ProgressStore.
func (m *MemoryProgress) Get(_ context.Context, tenantID, id string) (Progress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[tenantID+"/"+id]
	return p, ok, nil
}
