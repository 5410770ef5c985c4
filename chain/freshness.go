package chain

import (
	"context"

	solana "github.com/gagliardetto/solana-go"

	settle "github.com/pardonsim/settle"
	"github.com/pardonsim/settle/logger"
)

// FreshnessGuard checks a transaction's blockhash anchor against current
// chain state before a settlement attempt is spent on it. A stale anchor
// cannot possibly settle, so failing here saves a facilitator call.
//
// Freshness is a cost-saving optimization, not a correctness gate: when
// the chain accessor itself errors the guard logs and lets settlement
// proceed rather than blocking on a secondary check's availability.
type FreshnessGuard struct {
	reader Reader
	log    logger.Logger
}

// NewFreshnessGuard builds a guard over the given chain reader.
func NewFreshnessGuard(reader Reader, log logger.Logger) *FreshnessGuard {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &FreshnessGuard{reader: reader, log: log}
}

// Check returns ErrCodeTransactionExpired when the anchor is definitely
// past its validity window, nil otherwise.
func (g *FreshnessGuard) Check(ctx context.Context, tx *solana.Transaction) error {
	anchor := tx.Message.RecentBlockhash

	valid, err := g.reader.IsBlockhashValid(ctx, anchor)
	if err != nil {
		g.log.Warn("blockhash validity unavailable, proceeding to settlement", map[string]any{
			"blockhash": anchor.String(),
			"error":     err.Error(),
		})
		return nil
	}
	if !valid {
		return settle.NewPaymentError(
			settle.ErrCodeTransactionExpired,
			"transaction blockhash is no longer valid",
			map[string]interface{}{"blockhash": anchor.String()},
		)
	}
	return nil
}

var _ settle.FreshnessChecker = (*FreshnessGuard)(nil)
