package reconcile

import (
	"context"
	"sync"
	"time"
)

// DefaultSessionTTL is how long an untouched session is kept
const DefaultSessionTTL = 2 * time.Hour

// SessionStore keeps in-flight reconciliation sessions. Update runs fn
// against the stored session with exclusive access and persists the result
// only when fn succeeds. fn must not perform network calls.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, id string) error
}

type memoryEntry struct {
	session *Session
	expires time.Time
}

// MemoryStore is a process-local SessionStore
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a MemoryStore whose sessions expire after ttl of
// inactivity
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return NewMemoryStoreWithClock(ttl, time.Now)
}

// NewMemoryStoreWithClock creates a MemoryStore with a custom clock (for testing)
func NewMemoryStoreWithClock(ttl time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
		now:      now,
	}
}

func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	m.sessions[s.ID] = memoryEntry{session: s.clone(), expires: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return entry.session.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	working := entry.session.clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	m.sessions[id] = memoryEntry{session: working, expires: m.now().Add(m.ttl)}
	return working.clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(id); err != nil {
		return err
	}
	delete(m.sessions, id)
	return nil
}

// lookup must be called with mu held
func (m *MemoryStore) lookup(id string) (memoryEntry, error) {
	entry, ok := m.sessions[id]
	if !ok {
		return memoryEntry{}, ErrSessionNotFound
	}
	if !m.now().Before(entry.expires) {
		delete(m.sessions, id)
		return memoryEntry{}, ErrSessionNotFound
	}
	return entry, nil
}

// sweep drops expired sessions; must be called with mu held
func (m *MemoryStore) sweep() {
	now := m.now()
	for id, entry := range m.sessions {
		if !now.Before(entry.expires) {
			delete(m.sessions, id)
		}
	}
}
