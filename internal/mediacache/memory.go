package mediacache

import (
	"context"
	"sync"
	"time"

	"github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"

	"github.com/golang/groupcache/lru"
)

// MemoryStore is a process-local Store bounded by entry count (least recently
// used groups are evicted first) and by age since the last insert.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

type group struct {
	fragments []domain.Fragment
	seen      map[int]struct{}
	touched   time.Time
}

func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		cache: lru.New(maxEntries),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *MemoryStore) Record(_ context.Context, f domain.Fragment) (int, error) {
	key := KeyOf(f)

	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.lookup(key)
	if g == nil {
		g = &group{seen: make(map[int]struct{})}
		s.cache.Add(key, g)
	}
	if _, dup := g.seen[f.MessageID]; dup {
		return len(g.fragments), nil
	}
	g.seen[f.MessageID] = struct{}{}
	g.fragments = append(g.fragments, f)
	g.touched = s.now()
	return len(g.fragments), nil
}

func (s *MemoryStore) Count(_ context.Context, key Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.lookup(key); g != nil {
		return len(g.fragments), nil
	}
	return 0, nil
}

func (s *MemoryStore) Fragments(_ context.Context, key Key) ([]domain.Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.lookup(key)
	if g == nil {
		return nil, nil
	}
	out := make([]domain.Fragment, len(g.fragments))
	copy(out, g.fragments)
	return out, nil
}

// Len returns the number of groups currently held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Clear()
	return nil
}

// lookup returns the live group for key, dropping it if expired. Caller holds mu.
func (s *MemoryStore) lookup(key Key) *group {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil
	}
	g := v.(*group)
	if s.now().Sub(g.touched) > s.ttl {
		s.cache.Remove(key)
		return nil
	}
	return g
}
