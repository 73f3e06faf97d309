package cache

import (
	"sync"
	"time"

	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/clock"
	"github.com/ktatikon/dex-mobile-v5-sub001/pkg/models"
)

// Store is the in-memory cache shared by every synchronizer in the process.
// Records are keyed by Subject.Key, so subjects with equal fields share a slot.
type Store struct {
	mu      sync.RWMutex
	records map[string]models.CachedRecord
	clock   clock.Clock
}

func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		records: make(map[string]models.CachedRecord),
		clock:   clk,
	}
}

// Get returns the record for subject whether or not it is still fresh.
func (s *Store) Get(subject models.Subject) (models.CachedRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[subject.Key()]
	return rec, ok
}

// GetFresh returns the record only while it is within its TTL.
func (s *Store) GetFresh(subject models.Subject) (models.CachedRecord, bool) {
	rec, ok := s.Get(subject)
	if !ok || !rec.IsFresh(s.clock.Now()) {
		return models.CachedRecord{}, false
	}
	return rec, true
}

// Put overwrites the record for subject and stamps it with the current time.
func (s *Store) Put(subject models.Subject, payload models.Payload, ttl time.Duration) {
	rec := models.CachedRecord{
		Subject:   subject,
		Payload:   payload,
		FetchedAt: s.clock.Now(),
		TTL:       ttl,
	}

	s.mu.Lock()
	s.records[subject.Key()] = rec
	s.mu.Unlock()
}

// EvictExpired drops every record that is no longer fresh at now.
func (s *Store) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, rec := range s.records {
		if !rec.IsFresh(now) {
			delete(s.records, key)
			evicted++
		}
	}
	return evicted
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
