// Package settle implements the payment settlement and reconciliation
// engine: it takes a client-signed transaction, drives it through a
// third-party settlement facilitator, and reconciles the outcome against
// the chain so the caller receives exactly one typed, idempotent result
// even when the facilitator is unreliable, slow, or wrong about the
// outcome.
package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pardonsim/settle/codec"
	"github.com/pardonsim/settle/logger"
	"github.com/pardonsim/settle/metrics"
)

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	// Facilitator submits payments to the settlement facilitator.
	Facilitator FacilitatorClient
	// Verifier confirms outcomes against the chain.
	Verifier SettlementVerifier
	// Freshness pre-checks the blockhash anchor. Optional; when nil the
	// engine skips straight to the facilitator.
	Freshness FreshnessChecker
	// Store is the idempotency ledger.
	Store PaymentStore
}

// Engine is the settlement orchestrator. Each SettlePayment call runs the
// state machine Pending -> FreshnessChecked -> FacilitatorAttempted ->
// {Confirmed | Reconciling} -> {Settled | Duplicate | Unconfirmed |
// Rejected}. Engines are safe for concurrent use; the store is the only
// shared mutable state.
type Engine struct {
	facilitator FacilitatorClient
	verifier    SettlementVerifier
	freshness   FreshnessChecker
	store       PaymentStore

	log      logger.Logger
	metrics  metrics.Recorder
	validate *validator.Validate
	now      func() time.Time
}

// NewEngine builds an Engine from its collaborators.
func NewEngine(cfg EngineConfig, opts ...Option) (*Engine, error) {
	if cfg.Facilitator == nil {
		return nil, fmt.Errorf("facilitator client is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("settlement verifier is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("payment store is required")
	}

	e := &Engine{
		facilitator: cfg.Facilitator,
		verifier:    cfg.Verifier,
		freshness:   cfg.Freshness,
		store:       cfg.Store,
		log:         logger.NoopLogger{},
		metrics:     metrics.NoopRecorder{},
		validate:    validator.New(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SettlePayment settles a payment intent and returns the terminal outcome.
// It never panics past its own boundary and never returns an error: every
// path, including cancellation, resolves to a typed Outcome.
func (e *Engine) SettlePayment(ctx context.Context, intent PaymentIntent) Outcome {
	start := time.Now()
	out := e.settle(ctx, intent)

	labels := map[string]string{"status": string(out.Status)}
	e.metrics.IncCounter("settlement_outcome", labels)
	e.metrics.ObserveLatency("settle_payment", time.Since(start), labels)

	e.log.Info("settlement finished", map[string]any{
		"status":    string(out.Status),
		"signature": auditSignature(out.Signature),
		"payer":     intent.Payer,
		"recipient": intent.Recipient,
		"amount":    intent.Amount.String(),
		"paymentId": intent.PaymentID,
		"code":      out.Code,
	})
	return out
}

func (e *Engine) settle(ctx context.Context, intent PaymentIntent) Outcome {
	if err := e.validate.Struct(intent); err != nil {
		return Outcome{
			Status: StatusRejected,
			Code:   ErrCodeInvalidIntent,
			Reason: err.Error(),
		}
	}

	tx, err := codec.Decode(intent.SignedTransaction)
	if err != nil {
		code := ErrCodeMalformedTransaction
		if errors.Is(err, codec.ErrUnsignedTransaction) {
			code = ErrCodeUnsignedTransaction
		}
		return Outcome{Status: StatusRejected, Code: code, Reason: err.Error()}
	}
	signature := codec.PrimarySignature(tx).String()

	// Idempotency pre-check: a verified record short-circuits before any
	// state-changing call.
	if existing := e.lookupVerified(ctx, signature); existing != nil {
		return e.duplicate(existing)
	}

	// Freshness is a fast-fail cost saver. Only a definite expiry stops
	// settlement; accessor trouble proceeds optimistically because the
	// reconciler, not this check, is the correctness gate.
	if e.freshness != nil {
		if err := e.freshness.Check(ctx, tx); err != nil {
			if ErrorCode(err) == ErrCodeTransactionExpired {
				return Outcome{
					Status:    StatusRejected,
					Signature: signature,
					Code:      ErrCodeTransactionExpired,
					Reason:    "blockhash anchor is past its validity window; sign a fresh transaction",
				}
			}
			e.log.Warn("freshness check errored, proceeding", map[string]any{
				"signature": signature,
				"error":     err.Error(),
			})
		}
	}

	res, err := e.facilitator.Settle(ctx, intent)
	if err != nil {
		// The client could not even classify an attempt. Treat like an
		// exhausted facilitator and let the chain decide.
		e.log.Warn("facilitator client failed, reconciling on-chain", map[string]any{
			"signature": signature,
			"error":     err.Error(),
		})
		res = &FacilitatorResult{Exhausted: true}
	}
	e.metrics.IncCounter("facilitator_calls_total", map[string]string{
		"status": facilitatorStatus(res),
	})

	if res.ClientError {
		// 4xx is terminal: the facilitator rejected the request itself.
		return Outcome{
			Status:    StatusRejected,
			Signature: signature,
			Code:      ErrCodeFacilitatorRejected,
			Reason:    res.ErrorReason,
		}
	}

	// Every remaining path goes through the verifier, including a claimed
	// success: the facilitator's word is a hint, never ground truth.
	query := ReconcileQuery{
		Payer:     intent.Payer,
		Recipient: intent.Recipient,
		Mint:      intent.Token.Mint,
		Decimals:  intent.Token.Decimals,
		Amount:    intent.Amount,
		Hint:      res.Transaction,
	}
	evidence, rerr := e.verifier.Reconcile(ctx, query)
	if rerr != nil || evidence == nil {
		reason := "reconciliation failed"
		if rerr != nil {
			reason = rerr.Error()
		}
		if ctx.Err() != nil {
			reason = "reconciliation cancelled before evidence was gathered"
		}
		return Outcome{
			Status:    StatusUnconfirmed,
			Signature: signature,
			Code:      ErrCodeSettlementUnconfirmed,
			Reason:    reason,
		}
	}

	switch evidence.Status {
	case EvidenceConfirmed:
		return e.finalize(ctx, intent, evidence)

	case EvidenceFailed:
		e.recordFailure(ctx, intent, evidence)
		return Outcome{
			Status:    StatusRejected,
			Signature: evidence.Signature,
			Code:      ErrCodeOnChainRejected,
			Reason:    evidence.Detail,
		}

	default: // EvidenceNotFound
		reason := evidence.Detail
		if reason == "" {
			reason = "no matching transfer found on-chain within the lookback window"
		}
		return Outcome{
			Status:    StatusUnconfirmed,
			Signature: signature,
			Code:      ErrCodeSettlementUnconfirmed,
			Reason:    reason,
		}
	}
}

// finalize writes the verified record and maps the insert result to
// Settled or Duplicate. The store's uniqueness constraint on signature is
// what keeps concurrent duplicate attempts at exactly one Settled.
func (e *Engine) finalize(ctx context.Context, intent PaymentIntent, ev *OnChainEvidence) Outcome {
	record := &PaymentRecord{
		Signature:  ev.Signature,
		Payer:      intent.Payer,
		Recipient:  intent.Recipient,
		Amount:     intent.Amount,
		Currency:   intent.Token.Symbol,
		Verified:   true,
		VerifiedAt: e.now(),
	}

	if err := e.store.Create(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateSignature) {
			if existing := e.lookupVerified(ctx, ev.Signature); existing != nil {
				return e.duplicate(existing)
			}
			// The slot is held by an unverified record: the transfer is
			// confirmed but this signature already failed terminally once.
			// Surface the confirmation; the audit trail has both entries.
		} else {
			// The transfer is confirmed on-chain; failing the caller now
			// would deny a service that was paid for. Log loudly so the
			// missing record is repaired from the audit trail.
			e.log.Error("confirmed settlement could not be recorded", map[string]any{
				"signature": ev.Signature,
				"error":     err.Error(),
			})
		}
	}

	return Outcome{
		Status:       StatusSettled,
		Signature:    ev.Signature,
		Payer:        intent.Payer,
		ExplorerRefs: NewExplorerRefs(ev.Signature),
	}
}

// recordFailure appends a terminal-failure record for audit. Best effort;
// a write failure only loses diagnostics, not correctness.
func (e *Engine) recordFailure(ctx context.Context, intent PaymentIntent, ev *OnChainEvidence) {
	record := &PaymentRecord{
		Signature:  ev.Signature,
		Payer:      intent.Payer,
		Recipient:  intent.Recipient,
		Amount:     intent.Amount,
		Currency:   intent.Token.Symbol,
		Verified:   false,
		VerifiedAt: e.now(),
		Error:      ev.Detail,
	}
	if err := e.store.Create(ctx, record); err != nil && !errors.Is(err, ErrDuplicateSignature) {
		e.log.Warn("failed settlement could not be recorded", map[string]any{
			"signature": ev.Signature,
			"error":     err.Error(),
		})
	}
}

func (e *Engine) duplicate(existing *PaymentRecord) Outcome {
	e.metrics.IncCounter("duplicate_settlements_total", map[string]string{"status": "duplicate"})
	return Outcome{
		Status:       StatusDuplicate,
		Signature:    existing.Signature,
		Payer:        existing.Payer,
		Existing:     existing,
		ExplorerRefs: NewExplorerRefs(existing.Signature),
		Code:         ErrCodeDuplicateSettlement,
	}
}

// lookupVerified returns the verified record for a signature, or nil. Read
// failures are logged and ignored: the pre-check is an optimization, the
// Create-time uniqueness constraint is the guarantee.
func (e *Engine) lookupVerified(ctx context.Context, signature string) *PaymentRecord {
	existing, err := e.store.FindBySignature(ctx, signature)
	if err != nil {
		e.log.Warn("idempotency lookup failed", map[string]any{
			"signature": signature,
			"error":     err.Error(),
		})
		return nil
	}
	if existing != nil && existing.Verified {
		return existing
	}
	return nil
}

func facilitatorStatus(res *FacilitatorResult) string {
	switch {
	case res.ClientError:
		return "client-error"
	case res.Exhausted:
		return "exhausted"
	case res.Success:
		return "claimed-success"
	default:
		return "claimed-failure"
	}
}

// auditSignature substitutes a synthetic placeholder when a terminal
// outcome has no real signature, so every audit line carries an identifier.
func auditSignature(signature string) string {
	if signature != "" {
		return signature
	}
	return "unsigned-" + uuid.NewString()
}
