package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"ephem/metrics"
	"ephem/pkg/domain"
	"ephem/svc/cache"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
)

// Memory is the in-process store. Every field is guarded by mu; the caches
// carry their own locks but are only touched with mu held.
type Memory struct {
	mu         sync.Mutex
	pastes     *cache.LRU[domain.Paste]
	public     map[string]int64
	owned      map[string]map[string]struct{}
	users      map[string]domain.UserRecord
	emails     map[string]string
	sessions   *expirable.LRU[string, string]
	rates      *cache.LRU[int]
	ops        int
	sweepEvery int
}

func NewMemory(size, sweepEvery int) (*Memory, error) {
	if sweepEvery <= 0 {
		sweepEvery = 100
	}
	m := &Memory{
		public:     make(map[string]int64),
		owned:      make(map[string]map[string]struct{}),
		users:      make(map[string]domain.UserRecord),
		emails:     make(map[string]string),
		sweepEvery: sweepEvery,
	}
	var err error
	m.pastes, err = cache.NewLRU[domain.Paste](size, func(id string, _ domain.Paste) {
		delete(m.public, id)
	})
	if err != nil {
		return nil, errors.Wrap(err, "paste cache")
	}
	m.rates, err = cache.NewLRU[int](size, nil)
	if err != nil {
		return nil, errors.Wrap(err, "rate cache")
	}
	m.sessions = expirable.NewLRU[string, string](size, nil, domain.SessionLifetime)
	return m, nil
}

func (m *Memory) Name() string { return "memory" }

func memExpiry(p *domain.Paste) int64 {
	ms, ok := p.ExpiresAtMillis()
	if !ok {
		return 0
	}
	return ms
}

// tick counts an operation and sweeps once every sweepEvery of them.
func (m *Memory) tick(nowMs int64) {
	m.ops++
	if m.ops < m.sweepEvery {
		return
	}
	m.ops = 0
	m.sweepLocked(nowMs)
}

func (m *Memory) sweepLocked(nowMs int64) int {
	n := m.pastes.Sweep(nowMs)
	n += m.rates.Sweep(nowMs)
	if n > 0 {
		metrics.SweptRecords.Add(float64(n))
	}
	return n
}

// Sweep drops expired records and returns how many went.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = 0
	return m.sweepLocked(now.UnixMilli())
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pastes.Len()
}

func (m *Memory) SavePaste(_ context.Context, p *domain.Paste) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick(p.CreatedAt)
	m.pastes.Set(p.ID, *p, memExpiry(p))
	if p.Listed() {
		m.public[p.ID] = p.CreatedAt
	}
	return nil
}

func (m *Memory) LoadPaste(_ context.Context, id string, now time.Time) (*domain.Paste, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := now.UnixMilli()
	m.tick(nowMs)
	p, ok := m.pastes.Get(id, nowMs)
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) LoadPastes(_ context.Context, ids []string, now time.Time) ([]*domain.Paste, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := now.UnixMilli()
	m.tick(nowMs)
	out := make([]*domain.Paste, len(ids))
	for i, id := range ids {
		if p, ok := m.pastes.Peek(id, nowMs); ok {
			out[i] = &p
		}
	}
	return out, nil
}

func (m *Memory) PasteExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pastes.Expiry(id)
	return ok, nil
}

func (m *Memory) IncrViews(_ context.Context, id string, now time.Time, retention time.Duration) (*domain.Paste, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := now.UnixMilli()
	m.tick(nowMs)
	p, ok := m.pastes.Get(id, nowMs)
	if !ok {
		return nil, false, nil
	}
	if !domain.IsAvailable(&p, now) {
		return &p, false, nil
	}
	p.ViewCount++
	exp, _ := m.pastes.Expiry(id)
	if domain.ViewsExhausted(&p) {
		var remaining time.Duration
		if exp > 0 {
			remaining = time.Duration(exp-nowMs) * time.Millisecond
		}
		exp = nowMs + exhaustedExpiry(remaining, retention).Milliseconds()
	}
	m.pastes.Set(id, p, exp)
	return &p, true, nil
}

func (m *Memory) PublicIDs(_ context.Context, offset, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || offset < 0 || offset >= len(m.public) {
		return nil, nil
	}
	ids := make([]string, 0, len(m.public))
	for id := range m.public {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.public[ids[i]], m.public[ids[j]]
		if a != b {
			return a > b
		}
		return ids[i] > ids[j]
	})
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end], nil
}

func (m *Memory) UnindexPublic(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.public, id)
	}
	return nil
}

func (m *Memory) AddUserPaste(_ context.Context, userID, pasteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.owned[userID]
	if !ok {
		set = make(map[string]struct{})
		m.owned[userID] = set
	}
	set[pasteID] = struct{}{}
	return nil
}

func (m *Memory) UserPasteIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.owned[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Memory) SaveUser(_ context.Context, rec *domain.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.emails[rec.Email]; taken {
		return domain.ErrEmailTaken
	}
	m.users[rec.ID] = *rec
	m.emails[rec.Email] = rec.ID
	return nil
}

func (m *Memory) LoadUser(_ context.Context, id string) (*domain.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) LoadUserByEmail(_ context.Context, email string) (*domain.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.emails[email]
	if !ok {
		return nil, nil
	}
	rec, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) SaveSession(_ context.Context, token, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions.Add(token, userID)
	return nil
}

func (m *Memory) LoadSession(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uid, _ := m.sessions.Get(token)
	return uid, nil
}

func (m *Memory) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions.Remove(token)
	return nil
}

func (m *Memory) RateLimit(_ context.Context, key string, limit int, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := time.Now().UnixMilli()
	n, ok := m.rates.Get(key, nowMs)
	if !ok {
		m.rates.Set(key, 1, nowMs+window.Milliseconds())
		return 1, nil
	}
	if n > limit {
		return n, nil
	}
	exp, _ := m.rates.Expiry(key)
	m.rates.Set(key, n+1, exp)
	return n + 1, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
