// Package reconcile re-derives a settlement's true outcome from the ledger
// when the facilitator's report is untrusted, absent, or contradictory.
// The facilitator's HTTP status is a hint; the chain is the system of
// record.
package reconcile

import (
	"context"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	settle "github.com/pardonsim/settle"
	"github.com/pardonsim/settle/chain"
	"github.com/pardonsim/settle/logger"
)

// Defaults for the reconciliation budget.
const (
	// DefaultLookback bounds how far back the payer's signature history
	// is scanned for a matching transfer.
	DefaultLookback = 5 * time.Minute
	// DefaultSignatureLimit bounds how many recent signatures are fetched.
	DefaultSignatureLimit = 20
	// DefaultPollAttempts bounds confirmation polling for a hinted
	// signature that has not propagated yet.
	DefaultPollAttempts = 4
	// DefaultPollInterval spaces the confirmation polls.
	DefaultPollInterval = 3 * time.Second
)

// Config configures a Reconciler.
type Config struct {
	Reader chain.Reader
	Logger logger.Logger

	// Lookback, SignatureLimit, PollAttempts and PollInterval override the
	// defaults when non-zero.
	Lookback       time.Duration
	SignatureLimit int
	PollAttempts   int
	PollInterval   time.Duration

	// now is a test hook for the lookback cutoff.
	now func() time.Time
}

// Reconciler confirms transfers directly against the chain. It is
// read-only and safe for concurrent use.
type Reconciler struct {
	reader   chain.Reader
	log      logger.Logger
	lookback time.Duration
	sigLimit int
	pollN    int
	pollGap  time.Duration
	now      func() time.Time
}

// New builds a Reconciler.
func New(cfg Config) *Reconciler {
	r := &Reconciler{
		reader:   cfg.Reader,
		log:      cfg.Logger,
		lookback: cfg.Lookback,
		sigLimit: cfg.SignatureLimit,
		pollN:    cfg.PollAttempts,
		pollGap:  cfg.PollInterval,
		now:      cfg.now,
	}
	if r.log == nil {
		r.log = logger.NoopLogger{}
	}
	if r.lookback == 0 {
		r.lookback = DefaultLookback
	}
	if r.sigLimit == 0 {
		r.sigLimit = DefaultSignatureLimit
	}
	if r.pollN == 0 {
		r.pollN = DefaultPollAttempts
	}
	if r.pollGap == 0 {
		r.pollGap = DefaultPollInterval
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Reconcile looks for on-chain evidence of the queried transfer, in order
// of preference:
//
//  1. Confirm the hinted signature directly.
//  2. Scan the payer's recent signatures inside the lookback window for an
//     unfailed transaction whose token-balance delta credits the expected
//     recipient with the expected amount, within one minor unit.
//  3. Poll for the hinted signature to propagate, up to the poll budget.
//
// A cancelled reconciliation yields EvidenceNotFound rather than an error:
// the caller maps it to an unconfirmed outcome without losing evidence
// already persisted elsewhere.
func (r *Reconciler) Reconcile(ctx context.Context, q settle.ReconcileQuery) (*settle.OnChainEvidence, error) {
	hint, hasHint := parseHint(q.Hint)

	if hasHint {
		ev, found := r.confirmSignature(ctx, hint, q)
		if found {
			return ev, nil
		}
	}

	if ev := r.scanRecent(ctx, q); ev != nil {
		return ev, nil
	}

	if hasHint {
		if ev := r.pollSignature(ctx, hint, q); ev != nil {
			return ev, nil
		}
	}

	return &settle.OnChainEvidence{
		Status:    settle.EvidenceNotFound,
		Payer:     q.Payer,
		Recipient: q.Recipient,
	}, nil
}

// confirmSignature fetches the hinted signature once. The second return is
// false when the ledger has not seen the signature yet.
func (r *Reconciler) confirmSignature(ctx context.Context, sig solana.Signature, q settle.ReconcileQuery) (*settle.OnChainEvidence, bool) {
	tx, err := r.reader.GetTransaction(ctx, sig)
	if err != nil {
		r.log.Warn("hinted signature lookup failed", map[string]any{
			"signature": sig.String(),
			"error":     err.Error(),
		})
		return nil, false
	}
	if tx == nil {
		return nil, false
	}
	return r.evidenceFromTx(tx, q), true
}

// scanRecent enumerates the payer's recent history for a matching
// transfer: unfailed, inside the lookback window, crediting the expected
// recipient with the expected amount for the expected mint.
func (r *Reconciler) scanRecent(ctx context.Context, q settle.ReconcileQuery) *settle.OnChainEvidence {
	payer, err := solana.PublicKeyFromBase58(q.Payer)
	if err != nil {
		r.log.Warn("payer address does not parse, skipping history scan", map[string]any{
			"payer": q.Payer,
			"error": err.Error(),
		})
		return nil
	}

	sigs, err := r.reader.RecentSignatures(ctx, payer, r.sigLimit)
	if err != nil {
		r.log.Warn("recent signature scan failed", map[string]any{
			"payer": q.Payer,
			"error": err.Error(),
		})
		return nil
	}

	cutoff := r.now().Add(-r.lookback)
	tolerance := amountTolerance(q.Decimals)

	for _, info := range sigs {
		if ctx.Err() != nil {
			return nil
		}
		if info.Failed {
			continue
		}
		if !info.BlockTime.IsZero() && info.BlockTime.Before(cutoff) {
			// History is newest first; everything past here is stale.
			break
		}

		tx, err := r.reader.GetTransaction(ctx, info.Signature)
		if err != nil || tx == nil || tx.Failed {
			continue
		}
		if matchesTransfer(tx, q, tolerance) {
			return &settle.OnChainEvidence{
				Status:    settle.EvidenceConfirmed,
				Signature: tx.Signature.String(),
				Payer:     q.Payer,
				Recipient: q.Recipient,
				Amount:    q.Amount,
				BlockTime: tx.BlockTime,
			}
		}
	}
	return nil
}

// pollSignature waits for a hinted signature to propagate, bounded by the
// poll budget. Ledger visibility can lag the facilitator's response.
func (r *Reconciler) pollSignature(ctx context.Context, sig solana.Signature, q settle.ReconcileQuery) *settle.OnChainEvidence {
	for attempt := 0; attempt < r.pollN; attempt++ {
		select {
		case <-ctx.Done():
			return &settle.OnChainEvidence{
				Status:    settle.EvidenceNotFound,
				Payer:     q.Payer,
				Recipient: q.Recipient,
				Detail:    "reconciliation cancelled while awaiting confirmation",
			}
		case <-time.After(r.pollGap):
		}

		ev, found := r.confirmSignature(ctx, sig, q)
		if found {
			return ev
		}
	}
	return nil
}

// evidenceFromTx classifies a fetched transaction.
func (r *Reconciler) evidenceFromTx(tx *chain.TxResult, q settle.ReconcileQuery) *settle.OnChainEvidence {
	if tx.Failed {
		return &settle.OnChainEvidence{
			Status:    settle.EvidenceFailed,
			Signature: tx.Signature.String(),
			Payer:     q.Payer,
			Recipient: q.Recipient,
			BlockTime: tx.BlockTime,
			Detail:    tx.ErrText,
		}
	}
	return &settle.OnChainEvidence{
		Status:    settle.EvidenceConfirmed,
		Signature: tx.Signature.String(),
		Payer:     q.Payer,
		Recipient: q.Recipient,
		Amount:    observedAmount(tx, q),
		BlockTime: tx.BlockTime,
	}
}

// matchesTransfer reports whether the transaction credited the expected
// recipient with the expected amount of the expected mint, within
// tolerance.
func matchesTransfer(tx *chain.TxResult, q settle.ReconcileQuery, tolerance decimal.Decimal) bool {
	for _, t := range tx.Transfers {
		if t.Mint != q.Mint || t.Owner != q.Recipient {
			continue
		}
		if t.Delta.Sub(q.Amount).Abs().LessThanOrEqual(tolerance) {
			return true
		}
	}
	return false
}

// observedAmount returns the recipient's credited amount when visible,
// falling back to the expected amount.
func observedAmount(tx *chain.TxResult, q settle.ReconcileQuery) decimal.Decimal {
	for _, t := range tx.Transfers {
		if t.Mint == q.Mint && t.Owner == q.Recipient && t.Delta.IsPositive() {
			return t.Delta
		}
	}
	return q.Amount
}

// amountTolerance is one minor unit of the token, derived from its decimal
// count so tokens with different precision keep a proportionate epsilon.
func amountTolerance(decimals uint8) decimal.Decimal {
	return decimal.New(1, -int32(decimals))
}

func parseHint(hint string) (solana.Signature, bool) {
	if hint == "" {
		return solana.Signature{}, false
	}
	sig, err := solana.SignatureFromBase58(hint)
	if err != nil {
		return solana.Signature{}, false
	}
	return sig, true
}

var _ settle.SettlementVerifier = (*Reconciler)(nil)
