package appservice

import (
	"context"
	"sync"
)

// A TransactionIDStore remembers the last transaction ID each application
// service acknowledged, so counters survive restarts and an already-accepted
// ID is never reused. Implementations must be safe for concurrent use.
//
// The storage/postgres and storage/sqlite packages provide database-backed
// implementations.
type TransactionIDStore interface {
	// LastTransactionID returns the last acknowledged ID for the service, or
	// zero if the service has never completed a transaction.
	LastTransactionID(ctx context.Context, serviceID string) (int64, error)
	// SetLastTransactionID records an acknowledged ID. Implementations should
	// never move the recorded ID backwards.
	SetLastTransactionID(ctx context.Context, serviceID string, txnID int64) error
}

// MemoryStore is a TransactionIDStore that keeps counters in memory. Suitable
// for tests and for deployments that accept transaction IDs restarting from
// one, at the cost of services seeing duplicate IDs across restarts.
type MemoryStore struct {
	mu   sync.Mutex
	last map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[string]int64)}
}

// LastTransactionID implements TransactionIDStore.
func (s *MemoryStore) LastTransactionID(_ context.Context, serviceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[serviceID], nil
}

// SetLastTransactionID implements TransactionIDStore.
func (s *MemoryStore) SetLastTransactionID(_ context.Context, serviceID string, txnID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txnID > s.last[serviceID] {
		s.last[serviceID] = txnID
	}
	return nil
}
