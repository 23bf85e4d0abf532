package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps records in process. Peers sharing one MemoryStore behave
// like players connected through a perfect relay.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	fanout  *fanout
	offline bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]Record{},
		fanout:  newFanout(),
	}
}

// SetOffline makes every operation fail with ErrStoreUnavailable.
func (s *MemoryStore) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.offline = offline
}

func (s *MemoryStore) Put(_ context.Context, path string, fields Record) error {
	if !validPath(path) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	s.mu.Lock()

	if s.offline {
		s.mu.Unlock()

		return ErrStoreUnavailable
	}

	err := checkSealed(path, s.records[path], fields)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	merged := merge(s.records[path], fields)
	s.records[path] = merged

	// publish under the write lock so per-path order matches write order
	s.fanout.publish(Update{Path: path, Record: clone(merged)})
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Get(_ context.Context, path string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.offline {
		return nil, ErrStoreUnavailable
	}

	record, ok := s.records[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	return clone(record), nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) (map[string]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.offline {
		return nil, ErrStoreUnavailable
	}

	result := map[string]Record{}

	for path, record := range s.records {
		if path != prefix && Covers(prefix, path) {
			result[path] = clone(record)
		}
	}

	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, path string, fn func(Update)) (func(), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.offline {
		return nil, ErrStoreUnavailable
	}

	return s.fanout.subscribe(ctx, path, fn), nil
}
