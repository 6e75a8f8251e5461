package journal

import (
	"context"
	"slices"
	"sync"

	"mailprov/internal/provision"
	"mailprov/pkg/platform/sentinel"
)

// MemoryStore implements Journal with an in-memory map. For tests and
// local development only; it does not survive restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]provision.MailboxRecord
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]provision.MailboxRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, identityID string) (*provision.MailboxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[identityID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	// Copy out so callers cannot mutate the stored record in place.
	record.Aliases = slices.Clone(record.Aliases)
	return &record, nil
}

func (s *MemoryStore) Commit(ctx context.Context, record *provision.MailboxRecord) error {
	if record == nil || record.IdentityID == "" {
		return sentinel.ErrJournalWrite
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *record
	stored.Aliases = slices.Clone(record.Aliases)
	s.records[record.IdentityID] = stored
	return nil
}

// Len reports the number of journaled identities.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
