package bulkops

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerline/portal/internal/audit"
	"github.com/ledgerline/portal/internal/events"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/shared"
	"github.com/ledgerline/portal/internal/users"
)

type actor struct {
	id     int64
	tenant string
	role   rbac.Role
	super  bool
}

func (a actor) GetID() int64        { return a.id }
func (a actor) GetTenantID() string { return a.tenant }
func (a actor) GetRole() string     { return string(a.role) }
func (a actor) IsSuperUser() bool   { return a.super }

var admin = actor{id: 1, tenant: "acme", role: rbac.RoleAdmin}

type stubEngines struct {
	engine *rbac.Engine
	err    error
}

func (s stubEngines) EngineFor(context.Context, string) (*rbac.Engine, error) {
	return s.engine, s.err
}

type stubDirectory struct {
	mu        sync.Mutex
	users     map[int64]users.User
	failIDs   map[int64]error
	updateLog []int64
}

func newDirectory() *stubDirectory {
	d := &stubDirectory{users: map[int64]users.User{}, failIDs: map[int64]error{}}
	for _, u := range []users.User{
		{ID: 1, TenantID: "acme", Name: "Ada", Email: "ada@acme.test", Role: rbac.RoleAdmin, Status: users.StatusActive},
		{ID: 2, TenantID: "acme", Name: "Bo", Email: "bo@acme.test", Role: rbac.RoleClient, Status: users.StatusActive},
		{ID: 3, TenantID: "acme", Name: "Cy", Email: "cy@acme.test", Role: rbac.RoleTeamMember, Status: users.StatusActive},
		{ID: 4, TenantID: "acme", Name: "Di", Email: "di@acme.test", Role: rbac.RoleTeamLead, Status: users.StatusSuspended},
		{ID: 5, TenantID: "acme", Name: "Ed", Email: "ed@acme.test", Role: rbac.RoleSuperAdmin, Status: users.StatusActive},
	} {
		d.users[u.ID] = u
	}
	return d
}

func (d *stubDirectory) UsersByID(_ context.Context, tenantID string, ids []int64) ([]users.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []users.User
	for _, id := range ids {
		if u, ok := d.users[id]; ok && u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *stubDirectory) GetUser(_ context.Context, tenantID string, id int64) (users.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok || u.TenantID != tenantID {
		return users.User{}, users.ErrNotFound
	}
	return u, nil
}

func (d *stubDirectory) UpdateUser(_ context.Context, u users.User) (users.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failIDs[u.ID]; err != nil {
		return users.User{}, err
	}
	d.users[u.ID] = u
	d.updateLog = append(d.updateLog, u.ID)
	return u, nil
}

func (d *stubDirectory) get(id int64) users.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[id]
}

type memKeys struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (m *memKeys) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]struct{}{}
	}
	if _, ok := m.keys[module+"/"+key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[module+"/"+key] = struct{}{}
	return nil
}

func (m *memKeys) Delete(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, module+"/"+key)
	return nil
}

type stubEnqueuer struct {
	ids []string
	err error
}

func (s *stubEnqueuer) EnqueueBulkExecute(_ context.Context, _, id string) error {
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, id)
	return nil
}

type stubMailer struct {
	mu  sync.Mutex
	to  []string
	err error
}

func (s *stubMailer) EnqueueMail(_ context.Context, to, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.to = append(s.to, to)
	return nil
}

type memRepo struct {
	mu    sync.Mutex
	ops   map[string]Record
	items map[string]map[int64]Item
	err   error
}

func newMemRepo() *memRepo {
	return &memRepo{ops: map[string]Record{}, items: map[string]map[int64]Item{}}
}

func (m *memRepo) CreateOperation(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[rec.ID] = rec
	return nil
}

func (m *memRepo) GetOperation(_ context.Context, tenantID, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.ops[id]
	if !ok || rec.TenantID != tenantID {
		return Record{}, ErrNotFound
	}
	rec.Details = append([]string(nil), rec.Details...)
	return rec, nil
}

func (m *memRepo) UpdateOperation(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ops[rec.ID]; !ok {
		return ErrNotFound
	}
	rec.Details = append([]string(nil), rec.Details...)
	m.ops[rec.ID] = rec
	return nil
}

func (m *memRepo) ListOperations(_ context.Context, tenantID string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Record{}
	for _, rec := range m.ops {
		if rec.TenantID == tenantID && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memRepo) SaveItem(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.items[item.OperationID] == nil {
		m.items[item.OperationID] = map[int64]Item{}
	}
	m.items[item.OperationID][item.UserID] = item
	return nil
}

func (m *memRepo) ListItems(_ context.Context, id string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, item := range m.items[id] {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// versionLog records every snapshot the service tries to store. With
// failTerminal set, terminal snapshots are rejected like a cache outage.
type versionLog struct {
	*MemoryProgress
	mu           sync.Mutex
	saved        []Progress
	failTerminal bool
}

func (v *versionLog) Save(ctx context.Context, tenantID string, p Progress) (bool, error) {
	v.mu.Lock()
	v.saved = append(v.saved, p)
	fail := v.failTerminal && p.Status.Terminal()
	v.mu.Unlock()
	if fail {
		return false, errBoom
	}
	return v.MemoryProgress.Save(ctx, tenantID, p)
}

type fixture struct {
	svc      *Service
	repo     *memRepo
	dir      *stubDirectory
	keys     *memKeys
	enqueuer *stubEnqueuer
	mailer   *stubMailer
	progress *versionLog
	events   *events.Recorder
	audit    *audit.MemoryRecorder
	engine   *rbac.Engine
}

func newEngine(t *testing.T) *rbac.Engine {
	t.Helper()
	policy, err := rbac.DefaultPolicy()
	require.NoError(t, err)
	engine, err := rbac.NewEngine(policy)
	require.NoError(t, err)
	return engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newMemRepo(),
		dir:      newDirectory(),
		keys:     &memKeys{},
		enqueuer: &stubEnqueuer{},
		mailer:   &stubMailer{},
		progress: &versionLog{MemoryProgress: NewMemoryProgress()},
		events:   &events.Recorder{},
		audit:    &audit.MemoryRecorder{},
		engine:   newEngine(t),
	}
	f.svc = NewService(Deps{
		Repo:        f.repo,
		Snapshots:   f.progress,
		Users:       f.dir,
		Engines:     stubEngines{engine: f.engine},
		Keys:        f.keys,
		Enqueuer:    f.enqueuer,
		Mailer:      f.mailer,
		Publisher:   f.events,
		Audit:       f.audit,
		Concurrency: 2,
		Now:         func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) },
	})
	return f
}

func roleChange(role rbac.Role, ids ...int64) Request {
	return Request{RequestID: "req-" + string(role), UserIDs: ids, Operation: Operation{Config: RoleChangeConfig{Role: role}}}
}

var errBoom = errors.New("boom")
