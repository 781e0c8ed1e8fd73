package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/picoscratch/mintgate/natsclient"
)

type memoryEntry struct {
	value    []byte
	revision uint64
	written  time.Time
}

// MemoryStore is an in-process Store with NATS KV semantics: per-key
// revisions, subject-style key filters and an optional bucket TTL measured
// from the last write. One instance shared by several routers simulates a
// cluster.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	revision uint64
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a store. A zero ttl never expires entries.
func NewMemoryStore(now func() time.Time, ttl time.Duration) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		now:     now,
	}
}

// NewMemory creates a directory backed by two memory stores. heartbeatTTL
// expires node heartbeats against the now clock.
func NewMemory(now func() time.Time, heartbeatTTL time.Duration, opts ...Option) *KV {
	if now == nil {
		now = time.Now
	}
	opts = append([]Option{WithClock(now)}, opts...)
	return NewKV(NewMemoryStore(now, 0), NewMemoryStore(now, heartbeatTTL), opts...)
}

// live must be called with mu held
func (s *MemoryStore) live(key string) (*memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.ttl > 0 && s.now().Sub(e.written) > s.ttl {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

// write must be called with mu held
func (s *MemoryStore) write(key string, value []byte) uint64 {
	s.revision++
	stored := make([]byte, len(value))
	copy(stored, value)
	s.entries[key] = &memoryEntry{value: stored, revision: s.revision, written: s.now()}
	return s.revision
}

// Get returns a copy of the value at key
func (s *MemoryStore) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return &natsclient.KVEntry{Key: key, Value: value, Revision: e.revision}, nil
}

// Exists reports whether key holds a live value
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(key)
	return ok, nil
}

// Put writes value unconditionally
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, value), nil
}

// Create writes value only if key is absent
func (s *MemoryStore) Create(_ context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return 0, natsclient.ErrKVKeyExists
	}
	return s.write(key, value), nil
}

// Update writes value only if key is still at revision
func (s *MemoryStore) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok || e.revision != revision {
		return 0, natsclient.ErrKVRevisionMismatch
	}
	return s.write(key, value), nil
}

// UpdateWithRetry applies updateFn atomically. A missing key is passed as
// nil and created; an error from updateFn is returned as is.
func (s *MemoryStore) UpdateWithRetry(_ context.Context, key string, updateFn func([]byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	if e, ok := s.live(key); ok {
		current = make([]byte, len(e.value))
		copy(current, e.value)
	}
	next, err := updateFn(current)
	if err != nil {
		return err
	}
	s.write(key, next)
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// DeleteRevision removes key only if it is still at revision
func (s *MemoryStore) DeleteRevision(_ context.Context, key string, revision uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil
	}
	if e.revision != revision {
		return natsclient.ErrKVRevisionMismatch
	}
	delete(s.entries, key)
	return nil
}

// Keys returns the sorted live keys matching any filter; no filter matches
// everything.
func (s *MemoryStore) Keys(_ context.Context, filters ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.entries {
		if _, ok := s.live(key); !ok {
			continue
		}
		if len(filters) == 0 || matchesAny(key, filters) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func matchesAny(key string, filters []string) bool {
	for _, f := range filters {
		if subjectMatch(f, key) {
			return true
		}
	}
	return false
}

// subjectMatch applies NATS wildcard rules: "*" matches one token, a
// trailing ">" matches one or more.
func subjectMatch(filter, key string) bool {
	ft := strings.Split(filter, ".")
	kt := strings.Split(key, ".")

	for i, tok := range ft {
		if tok == ">" {
			return len(kt) > i
		}
		if i >= len(kt) {
			return false
		}
		if tok != "*" && tok != kt[i] {
			return false
		}
	}
	return len(ft) == len(kt)
}
