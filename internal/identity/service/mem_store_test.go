package service

import (
	"context"
	"sort"
	"sync"
	"time"

	accessdomain "github.com/kunihei/memocrm-docker/internal/accesstoken/domain"
	refreshdomain "github.com/kunihei/memocrm-docker/internal/refreshtoken/domain"
	refreshrepo "github.com/kunihei/memocrm-docker/internal/refreshtoken/repository"
	userdomain "github.com/kunihei/memocrm-docker/internal/user/domain"
)

// memStore is an in-memory Store. InTx holds a store-wide lock for the whole transaction, which
// gives the same exclusion as SELECT ... FOR UPDATE on a single row, and restores a snapshot on error.
type memStore struct {
	txMu sync.Mutex

	mu      sync.Mutex
	users   map[int64]*userdomain.User
	refresh map[int64]*refreshdomain.RefreshToken
	access  map[string]*accessdomain.AccessToken
	nextSeq int64
	txCount int
	failOn  map[string]error

	// userLocks counts GetByIDForUpdate calls.
	userLocks int
	// failNext errors are returned by the next InTx calls before fn runs.
	failNext []error
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[int64]*userdomain.User),
		refresh: make(map[int64]*refreshdomain.RefreshToken),
		access:  make(map[string]*accessdomain.AccessToken),
		failOn:  make(map[string]error),
	}
}

func (m *memStore) addUser(u *userdomain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *memStore) Repos() Repos {
	return Repos{Users: memUsers{m}, RefreshTokens: memRefresh{m}, AccessTokens: memAccess{m}}
}

func (m *memStore) InTx(ctx context.Context, fn func(r Repos) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	m.txCount++
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		m.mu.Unlock()
		return err
	}
	refreshSnap := make(map[int64]refreshdomain.RefreshToken, len(m.refresh))
	for k, v := range m.refresh {
		refreshSnap[k] = *v
	}
	accessSnap := make(map[string]accessdomain.AccessToken, len(m.access))
	for k, v := range m.access {
		accessSnap[k] = *v
	}
	seqSnap := m.nextSeq
	m.mu.Unlock()

	if err := fn(m.Repos()); err != nil {
		m.mu.Lock()
		m.refresh = make(map[int64]*refreshdomain.RefreshToken, len(refreshSnap))
		for k, v := range refreshSnap {
			v := v
			m.refresh[k] = &v
		}
		m.access = make(map[string]*accessdomain.AccessToken, len(accessSnap))
		for k, v := range accessSnap {
			v := v
			m.access[k] = &v
		}
		m.nextSeq = seqSnap
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) fail(op string) error {
	return m.failOn[op]
}

// refreshRows returns copies of all refresh rows ordered by sequence ID.
func (m *memStore) refreshRows() []refreshdomain.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]refreshdomain.RefreshToken, 0, len(m.refresh))
	for _, t := range m.refresh {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out
}

func (m *memStore) accessRow(id string) *accessdomain.AccessToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.access[id]; ok {
		c := *t
		return &c
	}
	return nil
}

type memUsers struct{ m *memStore }

func (r memUsers) GetByID(_ context.Context, id int64) (*userdomain.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("users.GetByID"); err != nil {
		return nil, err
	}
	if u, ok := r.m.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (r memUsers) GetByIDForUpdate(_ context.Context, id int64) (*userdomain.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("users.GetByIDForUpdate"); err != nil {
		return nil, err
	}
	r.m.userLocks++
	if u, ok := r.m.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (r memUsers) GetByEmail(_ context.Context, email string) (*userdomain.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("users.GetByEmail"); err != nil {
		return nil, err
	}
	for _, u := range r.m.users {
		if userdomain.NormalizeEmail(u.Email) == userdomain.NormalizeEmail(email) {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

type memRefresh struct{ m *memStore }

func (r memRefresh) Create(_ context.Context, t *refreshdomain.RefreshToken) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("refresh.Create"); err != nil {
		return err
	}
	t.Sanitize()
	r.m.nextSeq++
	t.SequenceID = r.m.nextSeq
	t.CreatedAt = time.Now().UTC()
	c := *t
	r.m.refresh[c.SequenceID] = &c
	return nil
}

func (r memRefresh) GetByHashForUpdate(_ context.Context, hash string) (*refreshdomain.RefreshToken, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("refresh.GetByHashForUpdate"); err != nil {
		return nil, err
	}
	for _, t := range r.m.refresh {
		if t.TokenHash == hash {
			c := *t
			return &c, nil
		}
	}
	return nil, nil
}

func (r memRefresh) MarkRotated(_ context.Context, id int64, at time.Time, replacedBy int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.refresh[id]
	if !ok || t.RevokedAt != nil {
		return refreshrepo.ErrNotActive
	}
	t.RevokedAt = &at
	t.ReplacedByID = &replacedBy
	return nil
}

func (r memRefresh) RevokeActive(_ context.Context, ownerID int64, device string, at time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for _, t := range r.m.refresh {
		if t.OwnerID != ownerID || !t.IsActive(at) {
			continue
		}
		if device != "" && t.DeviceName != device {
			continue
		}
		at := at
		t.RevokedAt = &at
		n++
	}
	return n, nil
}

type memAccess struct{ m *memStore }

func (r memAccess) Create(_ context.Context, t *accessdomain.AccessToken) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("access.Create"); err != nil {
		return err
	}
	t.CreatedAt = time.Now().UTC()
	c := *t
	r.m.access[c.ID] = &c
	return nil
}

func (r memAccess) GetByID(_ context.Context, id string) (*accessdomain.AccessToken, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if t, ok := r.m.access[id]; ok {
		c := *t
		return &c, nil
	}
	return nil, nil
}

func (r memAccess) RevokeByID(_ context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if t, ok := r.m.access[id]; ok && t.RevokedAt == nil {
		t.RevokedAt = &at
	}
	return nil
}

func (r memAccess) RevokeActive(_ context.Context, ownerID int64, device string, at time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for _, t := range r.m.access {
		if t.OwnerID != ownerID || t.RevokedAt != nil {
			continue
		}
		if device != "" && t.DeviceName != device {
			continue
		}
		at := at
		t.RevokedAt = &at
		n++
	}
	return n, nil
}
