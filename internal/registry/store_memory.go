package registry

import (
	"context"
	"sync"
)

// MemoryRecordStore is an in-memory implementation of RecordStore.
type MemoryRecordStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]*Record),
	}
}

// Save stores or updates a record.
func (s *MemoryRecordStore) Save(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Make a copy to prevent external modifications
	recordCopy := *record
	s.records[record.ID] = &recordCopy
	return nil
}

// Get retrieves a record. Returns nil if it does not exist.
func (s *MemoryRecordStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[id]
	if !exists {
		return nil, nil
	}

	recordCopy := *record
	return &recordCopy, nil
}

// Delete removes a record.
func (s *MemoryRecordStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

// List returns all records.
func (s *MemoryRecordStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Record, 0, len(s.records))
	for _, record := range s.records {
		recordCopy := *record
		result = append(result, &recordCopy)
	}
	return result, nil
}

// Ensure MemoryRecordStore implements RecordStore interface
var _ RecordStore = (*MemoryRecordStore)(nil)
