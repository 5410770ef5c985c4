package settle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	settle "github.com/pardonsim/settle"
	"github.com/pardonsim/settle/ledger"
)

// signedIntent builds an intent around a freshly signed transfer and
// returns it with the transaction's base58 signature.
func signedIntent(t *testing.T) (settle.PaymentIntent, string) {
	t.Helper()

	payer := solana.NewWallet()
	recipient := solana.NewWallet().PublicKey()

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(system.NewTransferInstruction(1_000_000, payer.PublicKey(), recipient).Build()).
		SetRecentBlockHash(solana.Hash(payer.PublicKey())).
		SetFeePayer(payer.PublicKey()).
		Build()
	require.NoError(t, err)

	sigs, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)

	blob, err := tx.ToBase64()
	require.NoError(t, err)

	intent := settle.PaymentIntent{
		Payer:     payer.PublicKey().String(),
		Recipient: recipient.String(),
		Amount:    decimal.RequireFromString("1.000000"),
		Token: settle.Token{
			Symbol:   "PARDON",
			Mint:     "A38LewMbt9t9HvNUrsPtHQPHLfEPVT5rfadN4VqBbonk",
			Decimals: 6,
		},
		PaymentID:         "wht-trump_donald-insider_info-1700000000",
		Resource:          "/api/chat/send",
		Description:       "Insider Info",
		SignedTransaction: blob,
	}
	return intent, sigs[0].String()
}

type fakeFacilitator struct {
	mu     sync.Mutex
	result *settle.FacilitatorResult
	err    error
	calls  int
}

func (f *fakeFacilitator) Settle(context.Context, settle.PaymentIntent) (*settle.FacilitatorResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := *f.result
	return &out, f.err
}

func (f *fakeFacilitator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeVerifier struct {
	mu       sync.Mutex
	evidence *settle.OnChainEvidence
	err      error
	calls    int
	lastHint string
}

func (v *fakeVerifier) Reconcile(_ context.Context, q settle.ReconcileQuery) (*settle.OnChainEvidence, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.lastHint = q.Hint
	return v.evidence, v.err
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type fakeFreshness struct{ err error }

func (f fakeFreshness) Check(context.Context, *solana.Transaction) error { return f.err }

func claimedSuccess(signature string) *settle.FacilitatorResult {
	return &settle.FacilitatorResult{Success: true, Transaction: signature}
}

func confirmed(signature string) *settle.OnChainEvidence {
	return &settle.OnChainEvidence{
		Status:    settle.EvidenceConfirmed,
		Signature: signature,
		BlockTime: time.Now(),
	}
}

func newEngine(t *testing.T, cfg settle.EngineConfig) *settle.Engine {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = ledger.NewMemoryStore()
	}
	engine, err := settle.NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	fac := &fakeFacilitator{}
	ver := &fakeVerifier{}
	store := ledger.NewMemoryStore()

	_, err := settle.NewEngine(settle.EngineConfig{Verifier: ver, Store: store})
	assert.Error(t, err)
	_, err = settle.NewEngine(settle.EngineConfig{Facilitator: fac, Store: store})
	assert.Error(t, err)
	_, err = settle.NewEngine(settle.EngineConfig{Facilitator: fac, Verifier: ver})
	assert.Error(t, err)
	_, err = settle.NewEngine(settle.EngineConfig{Facilitator: fac, Verifier: ver, Store: store})
	assert.NoError(t, err)
}

func TestSettlePayment_ClaimedSuccessConfirmed(t *testing.T) {
	intent, sig := signedIntent(t)
	fac := &fakeFacilitator{result: claimedSuccess(sig)}
	ver := &fakeVerifier{evidence: confirmed(sig)}
	store := ledger.NewMemoryStore()

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver, Store: store})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusSettled, out.Status)
	assert.True(t, out.Settled())
	assert.Equal(t, sig, out.Signature)
	require.NotNil(t, out.ExplorerRefs)
	assert.Contains(t, out.ExplorerRefs.Solscan, sig)
	assert.Contains(t, out.ExplorerRefs.X402Scan, sig)

	// The claimed signature was handed to the verifier as a hint, and even
	// a claimed success was verified.
	assert.Equal(t, 1, ver.callCount())
	ver.mu.Lock()
	assert.Equal(t, sig, ver.lastHint)
	ver.mu.Unlock()

	record, err := store.FindBySignature(context.Background(), sig)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.Verified)
	assert.Equal(t, "PARDON", record.Currency)
}

// A facilitator 500 after the transaction landed still settles: the
// verifier finds the transfer on-chain.
func TestSettlePayment_ExhaustedFacilitatorConfirmedOnChain(t *testing.T) {
	intent, sig := signedIntent(t)
	fac := &fakeFacilitator{result: &settle.FacilitatorResult{Exhausted: true}}
	ver := &fakeVerifier{evidence: confirmed(sig)}

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusSettled, out.Status)
	assert.Equal(t, sig, out.Signature)
}

func TestSettlePayment_DuplicateShortCircuits(t *testing.T) {
	intent, sig := signedIntent(t)
	store := ledger.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &settle.PaymentRecord{
		Signature: sig,
		Payer:     intent.Payer,
		Verified:  true,
	}))

	fac := &fakeFacilitator{result: claimedSuccess(sig)}
	ver := &fakeVerifier{evidence: confirmed(sig)}

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver, Store: store})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusDuplicate, out.Status)
	assert.True(t, out.Settled())
	assert.Equal(t, settle.ErrCodeDuplicateSettlement, out.Code)
	require.NotNil(t, out.Existing)
	assert.Equal(t, sig, out.Existing.Signature)
	// No money was moved for the replay.
	assert.Equal(t, 0, fac.callCount())
	assert.Equal(t, 0, ver.callCount())
}

func TestSettlePayment_UnverifiedRecordDoesNotShortCircuit(t *testing.T) {
	intent, sig := signedIntent(t)
	store := ledger.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &settle.PaymentRecord{
		Signature: sig,
		Verified:  false,
		Error:     "on-chain execution failed",
	}))

	fac := &fakeFacilitator{result: claimedSuccess(sig)}
	ver := &fakeVerifier{evidence: confirmed(sig)}

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver, Store: store})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusSettled, out.Status)
	assert.Equal(t, 1, fac.callCount())
}

func TestSettlePayment_ExpiredAnchorRejectedBeforeFacilitator(t *testing.T) {
	intent, sig := signedIntent(t)
	fac := &fakeFacilitator{result: claimedSuccess(sig)}
	ver := &fakeVerifier{evidence: confirmed(sig)}
	stale := fakeFreshness{err: settle.NewPaymentError(
		settle.ErrCodeTransactionExpired, "transaction blockhash is no longer valid", nil,
	)}

	engine := newEngine(t, settle.EngineConfig{
		Facilitator: fac, Verifier: ver, Freshness: stale,
	})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusRejected, out.Status)
	assert.Equal(t, settle.ErrCodeTransactionExpired, out.Code)
	assert.Equal(t, 0, fac.callCount())
}

func TestSettlePayment_FreshnessCheckErrorProceeds(t *testing.T) {
	intent, sig := signedIntent(t)
	fac := &fakeFacilitator{result: claimedSuccess(sig)}
	ver := &fakeVerifier{evidence: confirmed(sig)}

	engine := newEngine(t, settle.EngineConfig{
		Facilitator: fac,
		Verifier:    ver,
		Freshness:   fakeFreshness{err: errors.New("rpc unavailable")},
	})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusSettled, out.Status)
	assert.Equal(t, 1, fac.callCount())
}

func TestSettlePayment_FacilitatorClientErrorRejects(t *testing.T) {
	intent, _ := signedIntent(t)
	fac := &fakeFacilitator{result: &settle.FacilitatorResult{
		ClientError: true,
		ErrorReason: "facilitator rejected request (422): invalid_exact_svm_payload",
	}}
	ver := &fakeVerifier{evidence: confirmed("unused")}

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusRejected, out.Status)
	assert.Equal(t, settle.ErrCodeFacilitatorRejected, out.Code)
	assert.Contains(t, out.Reason, "invalid_exact_svm_payload")
	// A terminal 4xx never reaches the chain.
	assert.Equal(t, 0, ver.callCount())
}

func TestSettlePayment_OnChainFailureRejects(t *testing.T) {
	intent, sig := signedIntent(t)
	fac := &fakeFacilitator{result: claimedSuccess(sig)}
	ver := &fakeVerifier{evidence: &settle.OnChainEvidence{
		Status:    settle.EvidenceFailed,
		Signature: sig,
		Detail:    "InstructionError: insufficient funds",
	}}
	store := ledger.NewMemoryStore()

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver, Store: store})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusRejected, out.Status)
	assert.Equal(t, settle.ErrCodeOnChainRejected, out.Code)
	assert.Contains(t, out.Reason, "insufficient funds")

	// The terminal failure is recorded for audit, unverified.
	record, err := store.FindBySignature(context.Background(), sig)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.Verified)
}

func TestSettlePayment_NoEvidenceIsUnconfirmed(t *testing.T) {
	intent, _ := signedIntent(t)
	fac := &fakeFacilitator{result: &settle.FacilitatorResult{Exhausted: true}}
	ver := &fakeVerifier{evidence: &settle.OnChainEvidence{Status: settle.EvidenceNotFound}}

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusUnconfirmed, out.Status)
	assert.Equal(t, settle.ErrCodeSettlementUnconfirmed, out.Code)
	assert.False(t, out.Settled())
}

func TestSettlePayment_VerifierErrorIsUnconfirmed(t *testing.T) {
	intent, sig := signedIntent(t)
	fac := &fakeFacilitator{result: claimedSuccess(sig)}
	ver := &fakeVerifier{err: errors.New("rpc unavailable")}

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusUnconfirmed, out.Status)
	assert.Equal(t, settle.ErrCodeSettlementUnconfirmed, out.Code)
}

func TestSettlePayment_FacilitatorClientFailureStillReconciles(t *testing.T) {
	intent, sig := signedIntent(t)
	fac := &fakeFacilitator{err: errors.New("request could not be marshalled")}
	ver := &fakeVerifier{evidence: confirmed(sig)}

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver})
	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusSettled, out.Status)
	assert.Equal(t, 1, ver.callCount())
}

func TestSettlePayment_InvalidIntent(t *testing.T) {
	valid, _ := signedIntent(t)

	tests := []struct {
		name   string
		mutate func(*settle.PaymentIntent)
	}{
		{name: "missing payer", mutate: func(i *settle.PaymentIntent) { i.Payer = "" }},
		{name: "missing recipient", mutate: func(i *settle.PaymentIntent) { i.Recipient = "" }},
		{name: "missing transaction", mutate: func(i *settle.PaymentIntent) { i.SignedTransaction = "" }},
		{name: "missing token symbol", mutate: func(i *settle.PaymentIntent) { i.Token.Symbol = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac := &fakeFacilitator{result: &settle.FacilitatorResult{}}
			ver := &fakeVerifier{evidence: confirmed("unused")}
			engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver})

			intent := valid
			tt.mutate(&intent)
			out := engine.SettlePayment(context.Background(), intent)

			assert.Equal(t, settle.StatusRejected, out.Status)
			assert.Equal(t, settle.ErrCodeInvalidIntent, out.Code)
			assert.Equal(t, 0, fac.callCount())
		})
	}
}

func TestSettlePayment_MalformedTransaction(t *testing.T) {
	intent, _ := signedIntent(t)
	intent.SignedTransaction = "!!!not-a-transaction!!!"

	fac := &fakeFacilitator{result: &settle.FacilitatorResult{}}
	ver := &fakeVerifier{evidence: confirmed("unused")}
	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver})

	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusRejected, out.Status)
	assert.Equal(t, settle.ErrCodeMalformedTransaction, out.Code)
	assert.Equal(t, 0, fac.callCount())
}

func TestSettlePayment_UnsignedTransaction(t *testing.T) {
	payer := solana.NewWallet()
	recipient := solana.NewWallet().PublicKey()

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(system.NewTransferInstruction(1, payer.PublicKey(), recipient).Build()).
		SetRecentBlockHash(solana.Hash(payer.PublicKey())).
		SetFeePayer(payer.PublicKey()).
		Build()
	require.NoError(t, err)
	blob, err := tx.ToBase64()
	require.NoError(t, err)

	intent, _ := signedIntent(t)
	intent.SignedTransaction = blob

	fac := &fakeFacilitator{result: &settle.FacilitatorResult{}}
	ver := &fakeVerifier{evidence: confirmed("unused")}
	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver})

	out := engine.SettlePayment(context.Background(), intent)

	assert.Equal(t, settle.StatusRejected, out.Status)
	assert.Equal(t, settle.ErrCodeUnsignedTransaction, out.Code)
}

// Concurrent settlements of the same signed transaction resolve to exactly
// one Settled; the rest observe the stored record as Duplicate.
func TestSettlePayment_ConcurrentSameSignature(t *testing.T) {
	intent, sig := signedIntent(t)
	fac := &fakeFacilitator{result: claimedSuccess(sig)}
	ver := &fakeVerifier{evidence: confirmed(sig)}
	store := ledger.NewMemoryStore()

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver, Store: store})

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make(chan settle.Outcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- engine.SettlePayment(context.Background(), intent)
		}()
	}
	wg.Wait()
	close(outcomes)

	var settled, duplicate int
	for out := range outcomes {
		switch out.Status {
		case settle.StatusSettled:
			settled++
		case settle.StatusDuplicate:
			duplicate++
		default:
			t.Errorf("unexpected status %s (%s)", out.Status, out.Reason)
		}
		assert.True(t, out.Settled())
	}
	assert.Equal(t, 1, settled, "exactly one call records the settlement")
	assert.Equal(t, workers-1, duplicate)
	assert.Equal(t, 1, store.Len())
}

func TestSettlePayment_CancelledContextIsUnconfirmed(t *testing.T) {
	intent, _ := signedIntent(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fac := &fakeFacilitator{result: &settle.FacilitatorResult{Exhausted: true}}
	ver := &fakeVerifier{err: context.Canceled}

	engine := newEngine(t, settle.EngineConfig{Facilitator: fac, Verifier: ver})
	out := engine.SettlePayment(ctx, intent)

	assert.Equal(t, settle.StatusUnconfirmed, out.Status)
	assert.Contains(t, out.Reason, "cancelled")
}
