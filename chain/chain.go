// Package chain reads settlement evidence from the Solana ledger: blockhash
// validity, transaction results, and recent signature history.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// TokenTransfer is the net token-balance movement one transaction caused
// for one (owner, mint) pair, in token units. Positive deltas are credits.
type TokenTransfer struct {
	Mint  string
	Owner string
	Delta decimal.Decimal
}

// TxResult is the ledger's view of one transaction.
type TxResult struct {
	Signature solana.Signature
	// Failed is set when the transaction landed but failed execution.
	Failed bool
	// ErrText carries the execution error for diagnostics.
	ErrText   string
	BlockTime time.Time
	Transfers []TokenTransfer
}

// SignatureInfo is one entry of an address's recent signature history.
type SignatureInfo struct {
	Signature solana.Signature
	BlockTime time.Time
	Failed    bool
}

// Reader is the chain-state accessor the engine depends on. The RPC
// implementation lives in this package; tests substitute their own.
type Reader interface {
	// LatestBlockhash returns the current recency anchor.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	// IsBlockhashValid reports whether an anchor is still inside its
	// validity window.
	IsBlockhashValid(ctx context.Context, hash solana.Hash) (bool, error)
	// GetTransaction fetches a transaction by signature. Returns
	// (nil, nil) when the ledger has not seen it.
	GetTransaction(ctx context.Context, signature solana.Signature) (*TxResult, error)
	// RecentSignatures lists the address's most recent transaction
	// signatures, newest first, up to limit.
	RecentSignatures(ctx context.Context, address solana.PublicKey, limit int) ([]SignatureInfo, error)
}

// RPCReader implements Reader over a Solana JSON-RPC endpoint.
type RPCReader struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

// NewRPCReader builds a Reader for the given RPC URL.
func NewRPCReader(rpcURL string) *RPCReader {
	return &RPCReader{
		client:     rpc.New(rpcURL),
		commitment: rpc.CommitmentConfirmed,
	}
}

func (r *RPCReader) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := r.client.GetLatestBlockhash(ctx, r.commitment)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

func (r *RPCReader) IsBlockhashValid(ctx context.Context, hash solana.Hash) (bool, error) {
	out, err := r.client.IsBlockhashValid(ctx, hash, r.commitment)
	if err != nil {
		return false, fmt.Errorf("is blockhash valid: %w", err)
	}
	return out.Value, nil
}

func (r *RPCReader) GetTransaction(ctx context.Context, signature solana.Signature) (*TxResult, error) {
	maxVersion := uint64(0)
	out, err := r.client.GetTransaction(ctx, signature, &rpc.GetTransactionOpts{
		Commitment:                     r.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}
	if out == nil {
		return nil, nil
	}

	result := &TxResult{Signature: signature}
	if out.BlockTime != nil {
		result.BlockTime = out.BlockTime.Time()
	}
	if out.Meta != nil {
		if out.Meta.Err != nil {
			result.Failed = true
			result.ErrText = fmt.Sprintf("%v", out.Meta.Err)
		}
		result.Transfers = tokenDeltas(out.Meta)
	}
	return result, nil
}

func (r *RPCReader) RecentSignatures(ctx context.Context, address solana.PublicKey, limit int) ([]SignatureInfo, error) {
	out, err := r.client.GetSignaturesForAddressWithOpts(ctx, address, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: r.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("get signatures for %s: %w", address, err)
	}

	infos := make([]SignatureInfo, 0, len(out))
	for _, s := range out {
		if s == nil {
			continue
		}
		info := SignatureInfo{
			Signature: s.Signature,
			Failed:    s.Err != nil,
		}
		if s.BlockTime != nil {
			info.BlockTime = s.BlockTime.Time()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// tokenDeltas reduces pre/post token balances to net per-(owner, mint)
// movements in token units.
func tokenDeltas(meta *rpc.TransactionMeta) []TokenTransfer {
	type key struct {
		owner string
		mint  string
	}
	pre := make(map[key]decimal.Decimal)
	post := make(map[key]decimal.Decimal)

	collect := func(balances []rpc.TokenBalance, into map[key]decimal.Decimal) {
		for _, b := range balances {
			if b.Owner == nil || b.UiTokenAmount == nil {
				continue
			}
			amount, err := decimal.NewFromString(b.UiTokenAmount.Amount)
			if err != nil {
				continue
			}
			k := key{owner: b.Owner.String(), mint: b.Mint.String()}
			into[k] = into[k].Add(amount.Shift(-int32(b.UiTokenAmount.Decimals)))
		}
	}
	collect(meta.PreTokenBalances, pre)
	collect(meta.PostTokenBalances, post)

	seen := make(map[key]bool)
	var transfers []TokenTransfer
	appendDelta := func(k key) {
		if seen[k] {
			return
		}
		seen[k] = true
		delta := post[k].Sub(pre[k])
		if delta.IsZero() {
			return
		}
		transfers = append(transfers, TokenTransfer{Mint: k.mint, Owner: k.owner, Delta: delta})
	}
	for k := range post {
		appendDelta(k)
	}
	for k := range pre {
		appendDelta(k)
	}
	return transfers
}

var _ Reader = (*RPCReader)(nil)
