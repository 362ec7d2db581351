package vaulttree

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	ErrInvalidTimelock     = fmt.Errorf("invalid timelock")
	ErrInvalidPreimageHash = fmt.Errorf("preimage hash must be 32 bytes")
	ErrInvalidPubkey       = fmt.Errorf("invalid public key")
	ErrSamePubkeys         = fmt.Errorf("borrower and lender public keys must be distinct")
	ErrMissingSignature    = fmt.Errorf("missing signature")
	ErrPreimageMismatch    = fmt.Errorf("preimage does not match hash commitment")
	ErrLeafNotFound        = fmt.Errorf("leaf not found in tree")
)

// 0250929b74c1a04954b78b4b60c595c211f8b853e6e84bfa2be95712a7b0dd59e6
var unspendablePoint = []byte{
	0x02, 0x50, 0x92, 0x9b, 0x74, 0xc1, 0xa0, 0x49, 0x54, 0xb7, 0x8b, 0x4b, 0x60, 0xc5, 0x95, 0xc2,
	0x11, 0xf8, 0xb8, 0x53, 0xe6, 0xe8, 0x4b, 0xfa, 0x2b, 0xe9, 0x57, 0x12, 0xa7, 0xb0, 0xdd, 0x59,
	0xe6,
}

// UnspendableKey returns the NUMS point used as the taproot internal key.
// No private key is known for this point, so the key path can never be signed:
// every spend of an escrow or collateral output must reveal a script leaf.
func UnspendableKey() *secp256k1.PublicKey {
	key, _ := secp256k1.ParsePubKey(unspendablePoint)
	return key
}

// ParseXOnlyPubKey parses a hex-encoded public key, accepting both the
// 32-byte x-only and the 33-byte compressed encodings.
func ParseXOnlyPubKey(keyHex string) (*secp256k1.PublicKey, error) {
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPubkey, err)
	}

	switch len(keyBytes) {
	case schnorr.PubKeyBytesLen:
		key, err := schnorr.ParsePubKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPubkey, err)
		}
		return key, nil
	case secp256k1.PubKeyBytesLenCompressed:
		key, err := secp256k1.ParsePubKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPubkey, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: expected 32 or 33 bytes, got %d", ErrInvalidPubkey, len(keyBytes))
	}
}

// ParsePreimageHash parses a hex-encoded 32-byte sha256 commitment.
func ParsePreimageHash(hashHex string) ([]byte, error) {
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPreimageHash, err)
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPreimageHash, len(hash))
	}
	return hash, nil
}
