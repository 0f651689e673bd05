package emergency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMissing is returned by TTLStore.Get for absent or expired keys.
var ErrMissing = errors.New("key missing")

// TTLStore is a key/value store whose entries expire.
type TTLStore interface {
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value and its remaining lifetime.
	Get(ctx context.Context, key string) ([]byte, time.Duration, error)
	Del(ctx context.Context, key string) error
}

type ttlEntry struct {
	value   []byte
	expires time.Time
}

// MemoryTTL is the in-process TTLStore. Expiry is checked on every read; expired
// entries are dropped lazily.
type MemoryTTL struct {
	mu  sync.Mutex
	m   map[string]ttlEntry
	now func() time.Time
}

func NewMemoryTTL() *MemoryTTL {
	return &MemoryTTL{m: map[string]ttlEntry{}, now: time.Now}
}

// live returns the entry when present and unexpired. Callers hold mu.
func (s *MemoryTTL) live(key string) (ttlEntry, bool) {
	e, ok := s.m[key]
	if !ok {
		return ttlEntry{}, false
	}
	if !s.now().Before(e.expires) {
		delete(s.m, key)
		return ttlEntry{}, false
	}
	return e, true
}

func (s *MemoryTTL) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.m[key] = ttlEntry{value: append([]byte(nil), value...), expires: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryTTL) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		delete(s.m, key)
		return nil
	}
	s.m[key] = ttlEntry{value: append([]byte(nil), value...), expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryTTL) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, 0, ErrMissing
	}
	return append([]byte(nil), e.value...), e.expires.Sub(s.now()), nil
}

func (s *MemoryTTL) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
