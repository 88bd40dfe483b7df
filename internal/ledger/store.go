package ledger

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence abstraction for promotion records. Implementations
// must make Append durable before returning: a crash after a successful
// Append must not lose the record, and a failed Append must leave the log as
// if the promotion never happened.
type Store interface {
	// Append durably persists a new record.
	Append(ctx context.Context, rec *PromotionRecord) error

	// LatestRecord returns the record with the highest logical index across
	// all environments, or ErrNotFound when the ledger is empty.
	LatestRecord(ctx context.Context) (*PromotionRecord, error)

	// LatestByEnvironment returns the current state of env: the record with
	// the highest logical index targeting env.
	LatestByEnvironment(ctx context.Context, env string) (*PromotionRecord, error)

	// LineageByContract returns every record for contractHash across all
	// environments, ordered by logical index.
	LineageByContract(ctx context.Context, contractHash string) ([]PromotionRecord, error)

	// HasPromotion reports whether env holds a record for contractHash.
	HasPromotion(ctx context.Context, env, contractHash string) (bool, error)

	// List returns all records ordered by logical index.
	List(ctx context.Context) ([]PromotionRecord, error)

	// Ping validates the store is reachable/healthy.
	Ping(ctx context.Context) error
}

// MemoryStore is an in-memory Store for tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records []PromotionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, rec *PromotionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemoryStore) LatestRecord(ctx context.Context) (*PromotionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *PromotionRecord
	for i := range m.records {
		if latest == nil || m.records[i].LogicalIndex > latest.LogicalIndex {
			latest = &m.records[i]
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (m *MemoryStore) LatestByEnvironment(ctx context.Context, env string) (*PromotionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *PromotionRecord
	for i := range m.records {
		if m.records[i].Environment != env {
			continue
		}
		if latest == nil || m.records[i].LogicalIndex > latest.LogicalIndex {
			latest = &m.records[i]
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (m *MemoryStore) LineageByContract(ctx context.Context, contractHash string) ([]PromotionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var lineage []PromotionRecord
	for _, rec := range m.records {
		if rec.ContractHash == contractHash {
			lineage = append(lineage, rec)
		}
	}
	sort.Slice(lineage, func(i, j int) bool {
		return lineage[i].LogicalIndex < lineage[j].LogicalIndex
	})
	return lineage, nil
}

func (m *MemoryStore) HasPromotion(ctx context.Context, env, contractHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.Environment == env && rec.ContractHash == contractHash {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]PromotionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PromotionRecord, len(m.records))
	copy(out, m.records)
	sort.Slice(out, func(i, j int) bool {
		return out[i].LogicalIndex < out[j].LogicalIndex
	})
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
