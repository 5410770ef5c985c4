// Package ledger provides the idempotency ledger: settled payments keyed
// by transaction signature, with atomic check-then-insert semantics.
package ledger

import (
	"context"
	"fmt"
	"sync"

	settle "github.com/pardonsim/settle"
)

// MemoryStore is an in-memory PaymentStore for single-instance
// deployments. The mutex makes Create an atomic check-then-insert, the
// equivalent of a unique constraint on signature. For shared deployments,
// implement settle.PaymentStore over a backend with a real unique index.
//
// The store is append-only: records are never deleted and never demoted
// from verified.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]settle.PaymentRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]settle.PaymentRecord),
	}
}

// FindBySignature returns a copy of the record for a signature, or
// (nil, nil) when none exists.
func (s *MemoryStore) FindBySignature(_ context.Context, signature string) (*settle.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[signature]
	if !ok {
		return nil, nil
	}
	out := record
	return &out, nil
}

// Create inserts a record, failing with ErrDuplicateSignature when one
// already exists for the signature. Check and insert happen under one
// lock, so concurrent duplicate attempts resolve to exactly one insert.
func (s *MemoryStore) Create(_ context.Context, record *settle.PaymentRecord) error {
	if record == nil || record.Signature == "" {
		return fmt.Errorf("payment record requires a signature")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Signature]; exists {
		return fmt.Errorf("%w: %s", settle.ErrDuplicateSignature, record.Signature)
	}
	s.records[record.Signature] = *record
	return nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

var _ settle.PaymentStore = (*MemoryStore)(nil)
