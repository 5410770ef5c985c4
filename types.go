package settle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Token identifies the SPL token a payment is denominated in.
type Token struct {
	// Symbol is the human-readable ticker (e.g. "PARDON").
	Symbol string `json:"symbol" validate:"required"`
	// Mint is the base58 token mint address.
	Mint string `json:"mint" validate:"required"`
	// Decimals is the token's decimal precision. Amount tolerance during
	// reconciliation is derived from this, one minor unit.
	Decimals uint8 `json:"decimals"`
}

// PaymentIntent is the request to pay. It is produced by the calling
// collaborator (the message-send endpoint) and is immutable once created.
type PaymentIntent struct {
	// Payer is the base58 wallet address the signed transaction spends from.
	Payer string `json:"payer" validate:"required"`
	// Recipient is the base58 wallet address expected to receive the funds.
	Recipient string `json:"recipient" validate:"required"`
	// Amount is the payment amount in token units (not minor units).
	Amount decimal.Decimal `json:"amount" validate:"required"`
	// Token is the asset the amount is denominated in.
	Token Token `json:"token"`
	// PaymentID is the caller-supplied opaque identifier used for
	// service-type classification downstream. Passed through to the
	// facilitator as metadata, never interpreted here.
	PaymentID string `json:"paymentId"`
	// Resource identifies what is being paid for.
	Resource string `json:"resource"`
	// Description is a human-readable summary of the service.
	Description string `json:"description"`
	// Metadata carries arbitrary extra fields for observability.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// SignedTransaction is the base64-encoded, client-signed transaction blob.
	SignedTransaction string `json:"signedTransaction" validate:"required"`
}

// MinorUnits returns the intent amount in the token's smallest unit,
// formatted as a decimal string (e.g. 1.5 with 6 decimals -> "1500000").
func (p PaymentIntent) MinorUnits() string {
	return p.Amount.Shift(int32(p.Token.Decimals)).Truncate(0).String()
}

// AttemptOutcome classifies a single facilitator call.
type AttemptOutcome string

const (
	// AttemptOK means the facilitator answered 2xx with a parseable body.
	// The body's success field is a hint, not ground truth.
	AttemptOK AttemptOutcome = "ok"
	// AttemptClientError means the facilitator answered 4xx. Terminal.
	AttemptClientError AttemptOutcome = "client-error"
	// AttemptServerError means the facilitator answered 5xx. Transient.
	AttemptServerError AttemptOutcome = "server-error"
	// AttemptNetworkError means the call failed at the transport layer.
	// Treated identically to a server error for retry purposes.
	AttemptNetworkError AttemptOutcome = "network-error"
)

// SettlementAttempt records one call to the facilitator. Attempts are
// created per retry and never mutated; the orchestrator reduces the
// sequence to one decision.
type SettlementAttempt struct {
	Number     int            `json:"number"`
	StatusCode int            `json:"statusCode"`
	Body       string         `json:"body,omitempty"`
	Outcome    AttemptOutcome `json:"outcome"`
	// Signature is a transaction signature extracted from an error body,
	// if the facilitator embedded one.
	Signature string `json:"signature,omitempty"`
}

// FacilitatorResult is the facilitator client's reduction of its attempt
// sequence. Success is what the facilitator claims, not what happened.
type FacilitatorResult struct {
	// Success reports the body's success field on a 2xx response.
	Success bool
	// Transaction is the signature the facilitator claims to have settled,
	// or one extracted from an error body.
	Transaction string
	// ErrorReason is the facilitator's stated failure reason, if any.
	ErrorReason string
	// ClientError is set on a terminal 4xx response.
	ClientError bool
	// Exhausted is set when all retries were spent on 5xx/network errors.
	Exhausted bool
	// Attempts is the full attempt trail, oldest first.
	Attempts []SettlementAttempt
}

// EvidenceStatus classifies what the reconciler found on the ledger.
type EvidenceStatus string

const (
	// EvidenceConfirmed means a matching, unfailed transaction was found.
	EvidenceConfirmed EvidenceStatus = "confirmed"
	// EvidenceFailed means the transaction landed but failed execution.
	EvidenceFailed EvidenceStatus = "failed"
	// EvidenceNotFound means no matching transaction was observed within
	// the lookback window and polling budget. Funds may or may not have
	// moved; the caller must not assume either.
	EvidenceNotFound EvidenceStatus = "not-found"
)

// OnChainEvidence is the result of querying the ledger directly. Used only
// when facilitator evidence is insufficient or untrusted.
type OnChainEvidence struct {
	Status    EvidenceStatus
	Signature string
	Payer     string
	Recipient string
	Amount    decimal.Decimal
	BlockTime time.Time
	Detail    string
}

// ReconcileQuery describes the transfer the reconciler should look for.
type ReconcileQuery struct {
	Payer     string
	Recipient string
	Mint      string
	Decimals  uint8
	Amount    decimal.Decimal
	// Hint is a signature reported by the facilitator, confirmed first
	// when present.
	Hint string
}

// PaymentRecord is the durable outcome and the unit of idempotency.
// Uniqueness is enforced on Signature; a record with Verified=true for a
// given signature is never created twice.
type PaymentRecord struct {
	Signature  string          `json:"signature"`
	Payer      string          `json:"payer"`
	Recipient  string          `json:"recipient"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Verified   bool            `json:"verified"`
	VerifiedAt time.Time       `json:"verifiedAt"`
	// Error explains a failed or duplicate-detected attempt.
	Error string `json:"error,omitempty"`
}

// OutcomeStatus is the terminal state of a settlement.
type OutcomeStatus string

const (
	StatusSettled     OutcomeStatus = "settled"
	StatusDuplicate   OutcomeStatus = "duplicate"
	StatusUnconfirmed OutcomeStatus = "unconfirmed"
	StatusRejected    OutcomeStatus = "rejected"
)

// ExplorerRefs carries explorer URLs for a settled transaction.
type ExplorerRefs struct {
	Solscan  string `json:"solscan"`
	X402Scan string `json:"x402scan"`
}

// NewExplorerRefs builds explorer references for a transaction signature.
func NewExplorerRefs(signature string) *ExplorerRefs {
	return &ExplorerRefs{
		Solscan:  fmt.Sprintf("https://solscan.io/tx/%s", signature),
		X402Scan: fmt.Sprintf("https://www.x402scan.com/tx/%s?chain=solana", signature),
	}
}

// Outcome is the single, typed result of a settlement request. Exactly one
// is produced per SettlePayment call; no terminal state is re-entered for
// the same signature.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	Signature string        `json:"signature,omitempty"`
	Payer     string        `json:"payer,omitempty"`
	// ExplorerRefs is set on Settled outcomes.
	ExplorerRefs *ExplorerRefs `json:"explorerRefs,omitempty"`
	// Existing references the original record on Duplicate outcomes.
	Existing *PaymentRecord `json:"existing,omitempty"`
	// Code is the machine-readable error code on Rejected and Unconfirmed
	// outcomes (see errors.go).
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Settled reports whether the outcome delivered value to the caller.
// Duplicate counts: the original settlement already paid for the service.
func (o Outcome) Settled() bool {
	return o.Status == StatusSettled || o.Status == StatusDuplicate
}
