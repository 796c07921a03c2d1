package admission

import (
	"context"
	"sort"
	"sync"
)

type memJobStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	order    []string
	inflight map[string]string
	admitErr error
	admits   int
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[string]*Job{}, inflight: map[string]string{}}
}

func cloneJob(j *Job) *Job {
	c := *j
	c.StatusHistory = append([]StatusEvent(nil), j.StatusHistory...)
	return &c
}

func (m *memJobStore) Admit(ctx context.Context, job *Job) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admitErr != nil {
		return 0, m.admitErr
	}
	if id, ok := m.inflight[job.DedupKey]; ok {
		if held := m.jobs[id]; held != nil && held.Status.InFlight() {
			return 0, ErrInFlight
		}
	}
	m.jobs[job.ID] = cloneJob(job)
	m.order = append(m.order, job.ID)
	m.inflight[job.DedupKey] = job.ID
	m.admits++
	return int64(m.activeLocked()), nil
}

func (m *memJobStore) activeLocked() int {
	n := 0
	for _, j := range m.jobs {
		if !j.Archived {
			n++
		}
	}
	return n
}

func (m *memJobStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (m *memJobStore) ListActive(context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, id := range m.order {
		if j := m.jobs[id]; !j.Archived {
			out = append(out, cloneJob(j))
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (m *memJobStore) Transition(_ context.Context, id string, upd StatusUpdate) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if upd.Guard != nil {
		if err := upd.Guard(j.Status); err != nil {
			return nil, err
		}
	}
	j.Status = upd.Status
	j.StatusHistory = append([]StatusEvent{{Status: upd.Status}}, j.StatusHistory...)
	if upd.Result != nil {
		j.Output, j.Stdout, j.Stderr, j.ExitCode = upd.Result.Output, upd.Result.Stdout, upd.Result.Stderr, upd.Result.ExitCode
	}
	if !upd.Status.InFlight() && m.inflight[j.DedupKey] == id {
		delete(m.inflight, j.DedupKey)
	}
	return cloneJob(j), nil
}

func (m *memJobStore) Archive(_ context.Context, id string, guard func(Status) error) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if err := guard(j.Status); err != nil {
		return nil, err
	}
	j.Archived = true
	return cloneJob(j), nil
}

func (m *memJobStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type memUserStore struct {
	mu      sync.Mutex
	users   map[string]*User
	lookErr error
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: map[string]*User{}}
}

func (m *memUserStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return ErrUserExists
	}
	c := *u
	m.users[u.Username] = &c
	return nil
}

func (m *memUserStore) GetUser(_ context.Context, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[name]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (m *memUserStore) GetUserByCredential(_ context.Context, digest string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookErr != nil {
		return nil, m.lookErr
	}
	for _, u := range m.users {
		if u.CredentialHash == digest {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *memUserStore) ListUsers(context.Context) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Username < out[b].Username })
	return out, nil
}

func (m *memUserStore) UpdateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.Username]
	if !ok {
		return ErrUserNotFound
	}
	c := *u
	c.CredentialHash = existing.CredentialHash
	m.users[u.Username] = &c
	return nil
}

func (m *memUserStore) SetCredential(_ context.Context, name, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[name]
	if !ok {
		return ErrUserNotFound
	}
	u.CredentialHash = digest
	return nil
}

func (m *memUserStore) DeleteUser(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[name]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, name)
	return nil
}

type stubCache struct {
	mu      sync.Mutex
	result  CacheResult
	queries []map[string]any
}

func (c *stubCache) Query(_ context.Context, normalized map[string]any) CacheResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, normalized)
	return c.result
}

type stubLiveness struct {
	alive bool
	err   error
	calls int
}

func (s *stubLiveness) IsBackendAlive(context.Context) (bool, error) {
	s.calls++
	return s.alive, s.err
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []AccessEntry
}

func (r *captureRecorder) Record(e AccessEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *captureRecorder) illegal() []AccessEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AccessEntry
	for _, e := range r.entries {
		if e.Kind == AccessIllegal {
			out = append(out, e)
		}
	}
	return out
}

func (r *captureRecorder) ListIllegal(_ context.Context, limit int64) ([]AccessEntry, error) {
	return capEntries(r.illegal(), limit), nil
}

func (r *captureRecorder) ListRecent(_ context.Context, limit int64) ([]AccessEntry, error) {
	r.mu.Lock()
	var out []AccessEntry
	for _, e := range r.entries {
		if e.Kind == AccessAudit {
			out = append(out, e)
		}
	}
	r.mu.Unlock()
	return capEntries(out, limit), nil
}

func capEntries(out []AccessEntry, limit int64) []AccessEntry {
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out
}

type capturePublisher struct {
	mu     sync.Mutex
	events []JobEvent
}

func (p *capturePublisher) PublishJobEvent(evt JobEvent) {
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

func (p *capturePublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}
