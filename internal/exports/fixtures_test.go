package exports

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ledgerline/portal/internal/audit"
	"github.com/ledgerline/portal/internal/notify"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/users"
)

type actor struct {
	id     int64
	tenant string
}

func (a actor) GetID() int64        { return a.id }
func (a actor) GetTenantID() string { return a.tenant }
func (a actor) GetRole() string     { return string(rbac.RoleAdmin) }
func (a actor) IsSuperUser() bool   { return false }

var admin = actor{id: 1, tenant: "acme"}

var errBoom = errors.New("boom")

type memRepo struct {
	mu     sync.Mutex
	byID   map[string]Schedule
	leased map[string]time.Time
	runs   []string
	err    error
}

func newMemRepo() *memRepo {
	return &memRepo{byID: map[string]Schedule{}, leased: map[string]time.Time{}}
}

func (m *memRepo) List(_ context.Context, tenantID string) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.byID {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, m.err
}

func (m *memRepo) Get(_ context.Context, tenantID, id string) (Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.TenantID != tenantID {
		return Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *memRepo) Create(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.byID[s.ID] = s
	return nil
}

func (m *memRepo) Update(_ context.Context, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; !ok {
		return ErrNotFound
	}
	m.byID[s.ID] = s
	return nil
}

func (m *memRepo) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[id]; !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

func (m *memRepo) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var due []Schedule
	for id, s := range m.byID {
		if s.Paused || s.NextRunAt.After(now) {
			continue
		}
		if until, ok := m.leased[id]; ok && !until.Before(now) {
			continue
		}
		due = append(due, s)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for _, s := range due {
		m.leased[s.ID] = now.Add(lease)
	}
	return due, nil
}

func (m *memRepo) MarkRun(_ context.Context, id string, ranAt, next time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byID[id]
	s.LastRunAt = &ranAt
	s.NextRunAt = next
	s.LastError = lastErr
	m.byID[id] = s
	delete(m.leased, id)
	m.runs = append(m.runs, id)
	return nil
}

func (m *memRepo) schedule(id string) Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

type stubDirectory struct {
	list   []users.User
	err    error
	filter users.Filter
}

func (d *stubDirectory) ListUsers(_ context.Context, filter users.Filter) ([]users.User, error) {
	d.filter = filter
	if d.err != nil {
		return nil, d.err
	}
	var out []users.User
	for _, u := range d.list {
		if u.TenantID != filter.TenantID {
			continue
		}
		if filter.Role != "" && u.Role != filter.Role {
			continue
		}
		if filter.Status != "" && u.Status != filter.Status {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

type memStore struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *memStore) Put(_ context.Context, key, contentType string, data []byte) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.objects[key] = data
	s.types[key] = contentType
	return nil
}

func (s *memStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return "https://files.test/" + key + "?ttl=" + ttl.String(), nil
}

type sentMail struct {
	to, subject, body string
}

type stubMailer struct {
	sent []sentMail
	fail map[string]bool
}

func (m *stubMailer) EnqueueMail(_ context.Context, to, subject, body string) error {
	if m.fail[to] {
		return errBoom
	}
	m.sent = append(m.sent, sentMail{to, subject, body})
	return nil
}

type stubNotifier struct {
	targets []notify.Target
	msgs    []notify.Message
	err     error
}

func (n *stubNotifier) Dispatch(_ context.Context, targets []notify.Target, msg notify.Message) ([]notify.Receipt, error) {
	n.targets = append(n.targets, targets...)
	n.msgs = append(n.msgs, msg)
	return nil, n.err
}

var directory = []users.User{
	{ID: 1, TenantID: "acme", Name: "Ada", Email: "ada@acme.test", Role: rbac.RoleAdmin, Status: users.StatusActive, CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
	{ID: 2, TenantID: "acme", Name: "Bo, Jr.", Email: "bo@acme.test", Role: rbac.RoleClient, Status: users.StatusActive, CreatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
	{ID: 3, TenantID: "acme", Name: "Cy", Email: "cy@acme.test", Role: rbac.RoleClient, Status: users.StatusSuspended},
	{ID: 4, TenantID: "other", Name: "Di", Email: "di@other.test", Role: rbac.RoleClient, Status: users.StatusActive},
}

var _ audit.Recorder = (*audit.MemoryRecorder)(nil)
