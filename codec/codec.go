// Package codec decodes and validates client-signed transaction blobs.
// It is pure: no I/O, no side effects.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// ErrMalformedTransaction means the blob did not decode to a well-formed
// transaction in either the versioned or the legacy wire format.
var ErrMalformedTransaction = errors.New("malformed transaction")

// ErrUnsignedTransaction means the parsed transaction carries no usable
// signature.
var ErrUnsignedTransaction = errors.New("transaction has no signatures")

// Decode parses a base64-encoded, client-signed transaction blob.
//
// The wire decoder dispatches on the message version prefix byte, so both
// the versioned and the legacy transaction formats are accepted.
func Decode(blob string) (*solana.Transaction, error) {
	if blob == "" {
		return nil, fmt.Errorf("%w: empty blob", ErrMalformedTransaction)
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		// Some wallets emit unpadded base64.
		raw, err = base64.RawStdEncoding.DecodeString(blob)
		if err != nil {
			return nil, fmt.Errorf("%w: not valid base64: %s", ErrMalformedTransaction, err)
		}
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedTransaction, err)
	}

	if !hasSignature(tx) {
		return nil, ErrUnsignedTransaction
	}

	return tx, nil
}

// PrimarySignature returns the transaction's first signature, the
// idempotency key for the whole settlement path.
func PrimarySignature(tx *solana.Transaction) solana.Signature {
	if len(tx.Signatures) == 0 {
		return solana.Signature{}
	}
	return tx.Signatures[0]
}

func hasSignature(tx *solana.Transaction) bool {
	for _, sig := range tx.Signatures {
		if !sig.IsZero() {
			return true
		}
	}
	return false
}
