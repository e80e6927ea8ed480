package memory

import (
	"context"
	"sort"
	"sync"

	"reserve-bridge/internal/domain"
	"reserve-bridge/internal/storage"
)

// SettlementJournal is an in-memory implementation of storage.SettlementJournal.
type SettlementJournal struct {
	mu      sync.RWMutex
	entries []*domain.JournalEntry
}

// NewSettlementJournal creates a new in-memory journal.
func NewSettlementJournal() *SettlementJournal {
	return &SettlementJournal{}
}

// Append writes one journal entry.
func (j *SettlementJournal) Append(_ context.Context, e *domain.JournalEntry) error {
	if e == nil || e.SettlementID == "" {
		return storage.ErrInvalidInput
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	copy := *e
	j.entries = append(j.entries, &copy)
	return nil
}

// GetBySettlementID retrieves all entries for a settlement, ordered by timestamp ASC.
func (j *SettlementJournal) GetBySettlementID(_ context.Context, settlementID string) ([]*domain.JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var result []*domain.JournalEntry
	for _, e := range j.entries {
		if e.SettlementID == settlementID {
			copy := *e
			result = append(result, &copy)
		}
	}

	sort.SliceStable(result, func(i, k int) bool {
		return result[i].Timestamp < result[k].Timestamp
	})

	return result, nil
}

// SettlementIDs returns the distinct settlement ids in insertion order.
func (j *SettlementJournal) SettlementIDs() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, e := range j.entries {
		if _, ok := seen[e.SettlementID]; ok {
			continue
		}
		seen[e.SettlementID] = struct{}{}
		ids = append(ids, e.SettlementID)
	}
	return ids
}

var _ storage.SettlementJournal = (*SettlementJournal)(nil)
