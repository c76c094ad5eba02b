package cursor

import (
	"sync"
	"time"
)

// janitorInterval is how often expired cursors are swept. Expiry is
// also checked on read, so the sweep only bounds memory.
const janitorInterval = time.Minute

// MemoryStore is an in-process Store with sliding TTL expiry. Cursor
// state is cheap to lose: an expired token just means the frontend
// re-runs the query.
type MemoryStore struct {
	ttl time.Duration
	now clock

	mu      sync.Mutex
	entries map[string]*memoryEntry
	stop    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	state    State
	lastUsed time.Time
}

// NewMemoryStore creates a store whose cursors expire after ttl of
// inactivity. Stop must be called to end the sweep goroutine.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Stop ends the background sweep.
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if now.Sub(e.lastUsed) > s.ttl {
			delete(s.entries, key)
		}
	}
}

// key namespaces tokens per frontend. The NUL separator cannot occur in
// a frontend id or a uuid token.
func key(frontendID, token string) string {
	return frontendID + "\x00" + token
}

func (s *MemoryStore) Save(frontendID, token string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key(frontendID, token)] = &memoryEntry{state: st, lastUsed: s.now()}
	return nil
}

func (s *MemoryStore) Get(frontendID, token string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.liveLocked(frontendID, token)
	if err != nil {
		return State{}, err
	}
	e.lastUsed = s.now()
	return e.state, nil
}

func (s *MemoryStore) Advance(frontendID, token string, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.liveLocked(frontendID, token)
	if err != nil {
		return err
	}
	e.state.Offset = offset
	e.lastUsed = s.now()
	return nil
}

func (s *MemoryStore) Delete(frontendID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key(frontendID, token))
	return nil
}

// liveLocked returns the entry for a token, expiring it lazily.
func (s *MemoryStore) liveLocked(frontendID, token string) (*memoryEntry, error) {
	k := key(frontendID, token)
	e, ok := s.entries[k]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().Sub(e.lastUsed) > s.ttl {
		delete(s.entries, k)
		return nil, ErrNotFound
	}
	return e, nil
}
