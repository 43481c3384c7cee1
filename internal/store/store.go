// Package store provides the capacity- and TTL-bounded session store
// shared by the history manager and the extraction endpoints.
//
// DESIGN: One coarse-grained mutex guards every operation. Readers and
// writers take the same lock: hold times are sub-millisecond map passes,
// never a network call, so fine-grained locking buys nothing here.
//
// EVICTION: On Put at capacity, entries older than the TTL (by last
// access) are expired first; if still full, the single entry with the
// smallest createdAt is evicted. Eviction is by creation time while TTL
// expiry is by access time - a deliberately simple policy, not LRU. The
// asymmetry is documented behavior, not a bug.
package store

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Default bounds applied when the config leaves them zero.
const (
	DefaultMaxSessions = 1000
	DefaultSessionTTL  = 1 * time.Hour

	cleanupInterval = 5 * time.Minute
)

type entry struct {
	value        interface{}
	createdAt    time.Time
	lastAccessed time.Time
}

// SessionStore is the in-memory key/value store for session state.
type SessionStore struct {
	mu          sync.Mutex
	data        map[string]*entry
	maxSessions int
	ttl         time.Duration
	stopChan    chan struct{}
	stopped     bool

	// now is swappable so eviction and expiry are testable without sleeps.
	now func() time.Time
}

// New creates a session store and starts its background cleanup sweep.
func New(maxSessions int, ttl time.Duration) *SessionStore {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := &SessionStore{
		data:        make(map[string]*entry),
		maxSessions: maxSessions,
		ttl:         ttl,
		stopChan:    make(chan struct{}),
		now:         time.Now,
	}
	go s.cleanup()
	return s
}

// Put stores a value, evicting as needed to stay within maxSessions.
func (s *SessionStore) Put(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	if _, exists := s.data[key]; !exists && len(s.data) >= s.maxSessions {
		s.expireLocked()
		if len(s.data) >= s.maxSessions {
			s.evictOldestCreatedLocked()
		}
	}

	now := s.now()
	if e, exists := s.data[key]; exists {
		e.value = value
		e.lastAccessed = now
		return
	}
	s.data[key] = &entry{value: value, createdAt: now, lastAccessed: now}
}

// Get returns the stored value. A hit refreshes lastAccessed; an entry
// past its TTL reads as absent.
func (s *SessionStore) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	now := s.now()
	if now.Sub(e.lastAccessed) > s.ttl {
		delete(s.data, key)
		return nil, false
	}
	e.lastAccessed = now
	return e.value, true
}

// Remove deletes a key. Removing an absent key is a no-op.
func (s *SessionStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Len returns the current entry count.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Close stops the cleanup goroutine and drops all entries.
func (s *SessionStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
		s.data = make(map[string]*entry)
	}
}

// SetClock overrides the time source. Test hook.
func (s *SessionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// expireLocked removes entries whose last access is older than the TTL.
func (s *SessionStore) expireLocked() {
	cutoff := s.now().Add(-s.ttl)
	for key, e := range s.data {
		if e.lastAccessed.Before(cutoff) {
			delete(s.data, key)
		}
	}
}

// evictOldestCreatedLocked removes the single entry with the smallest
// createdAt. Oldest-created, not oldest-accessed.
func (s *SessionStore) evictOldestCreatedLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, e := range s.data {
		if first || e.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.createdAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(s.data, oldestKey)
		log.Debug().Str("session", oldestKey).Msg("evicted oldest-created session at capacity")
	}
}

// cleanup periodically removes expired entries.
func (s *SessionStore) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.stopped {
				s.expireLocked()
			}
			s.mu.Unlock()
		}
	}
}
