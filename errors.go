package settle

import (
	"errors"
	"fmt"
)

// PaymentError is a settlement-specific error with a machine-readable code.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes surfaced through Outcome.Code and PaymentError.Code.
const (
	// ErrCodeInvalidIntent means the PaymentIntent failed validation.
	ErrCodeInvalidIntent = "invalid_intent"
	// ErrCodeMalformedTransaction means the blob did not decode to a
	// well-formed transaction. Caller input error, no retry.
	ErrCodeMalformedTransaction = "malformed_transaction"
	// ErrCodeUnsignedTransaction means the transaction carries no signature.
	ErrCodeUnsignedTransaction = "unsigned_transaction"
	// ErrCodeTransactionExpired means the blockhash anchor is past its
	// validity window. Callers should prompt for a fresh signature.
	ErrCodeTransactionExpired = "transaction_expired"
	// ErrCodeFacilitatorRejected means the facilitator returned a terminal
	// 4xx (malformed request or rejected by policy).
	ErrCodeFacilitatorRejected = "facilitator_rejected"
	// ErrCodeFacilitatorTransient marks a retryable facilitator failure.
	// Retried internally, never surfaced in an Outcome.
	ErrCodeFacilitatorTransient = "facilitator_transient"
	// ErrCodeSettlementUnconfirmed means neither the facilitator nor the
	// ledger confirmed the transfer. Funds may or may not have moved: the
	// caller must not re-submit the same signed blob, only allow the user
	// to construct a fresh payment.
	ErrCodeSettlementUnconfirmed = "settlement_unconfirmed"
	// ErrCodeDuplicateSettlement means a verified record already exists
	// for the signature. Surfaced as success, not as an error.
	ErrCodeDuplicateSettlement = "duplicate_settlement"
	// ErrCodeOnChainRejected means the transaction executed but failed
	// on-chain. Terminal; safe to retry with a new transaction.
	ErrCodeOnChainRejected = "onchain_rejected"
)

// NewPaymentError creates a payment error with the given code.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorCode extracts the payment error code from err, or "" if err is not a
// PaymentError.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// ErrDuplicateSignature is returned by PaymentStore.Create when a record
// already exists for the signature. The store's uniqueness constraint is
// the engine's single serialization point.
var ErrDuplicateSignature = errors.New("payment record already exists for signature")
