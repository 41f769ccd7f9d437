package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/querymesh/querymesh/internal/embedding"
)

// MemoryStore keeps entries in process. It backs the "memory" cache backend
// used in development and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	vec       []float32
	entry     Entry
	expiresAt time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, entries: map[string]memoryEntry{}}
}

func (m *MemoryStore) Search(_ context.Context, vec []float32, radius float64, topK int) ([]ScoredEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	hits := make([]ScoredEntry, 0)
	for key, stored := range m.entries {
		if !now.Before(stored.expiresAt) {
			continue
		}
		distance := 1 - embedding.Cosine(vec, stored.vec)
		if distance > radius {
			continue
		}
		entry := stored.entry
		entry.Key = key
		hits = append(hits, ScoredEntry{Entry: entry, Distance: distance})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance == hits[j].Distance {
			return hits[i].Key < hits[j].Key
		}
		return hits[i].Distance < hits[j].Distance
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, vec []float32, entry Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{
		vec:       append([]float32(nil), vec...),
		entry:     entry,
		expiresAt: m.now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for key, stored := range m.entries {
		if !now.Before(stored.expiresAt) {
			delete(m.entries, key)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
