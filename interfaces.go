package settle

import (
	"context"

	solana "github.com/gagliardetto/solana-go"
)

// FacilitatorClient submits a signed payment to the settlement facilitator
// and classifies the response. Implementations retry transient failures
// internally; the returned result is the reduction of the attempt trail,
// never an error for a classified facilitator outcome. An error return
// means the client itself could not operate (e.g. request construction).
type FacilitatorClient interface {
	Settle(ctx context.Context, intent PaymentIntent) (*FacilitatorResult, error)
}

// SettlementVerifier re-derives a settlement's true outcome from the system
// of record when the facilitator's report is untrusted, absent, or
// contradictory. The orchestrator never reports success unless either the
// facilitator's claimed signature or an independently discovered transfer
// is confirmed through this interface.
//
// Alternate facilitators or chains substitute their own implementation
// without touching the orchestrator.
type SettlementVerifier interface {
	Reconcile(ctx context.Context, query ReconcileQuery) (*OnChainEvidence, error)
}

// FreshnessChecker decides whether a transaction's blockhash anchor is
// still within its validity window. A nil error means settlement may
// proceed; implementations return ErrCodeTransactionExpired only when the
// anchor is definitely stale. Freshness is a cost-saving optimization, not
// a correctness gate: accessor failures must not block settlement.
type FreshnessChecker interface {
	Check(ctx context.Context, tx *solana.Transaction) error
}

// PaymentStore persists settled payments keyed by transaction signature.
// Create must be atomic check-then-insert: a second Create for the same
// signature fails with ErrDuplicateSignature, which is what keeps
// concurrent duplicate attempts correct. Writes are append-only; records
// are never deleted or demoted from verified.
type PaymentStore interface {
	// FindBySignature returns the record for a signature, or (nil, nil)
	// when none exists.
	FindBySignature(ctx context.Context, signature string) (*PaymentRecord, error)
	// Create inserts a new record, failing with ErrDuplicateSignature if
	// one already exists for the signature.
	Create(ctx context.Context, record *PaymentRecord) error
}
