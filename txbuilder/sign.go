package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const schnorrSigLen = 64

// SignTapscript signs a tapscript sighash with a BIP340 schnorr signature.
// Auxiliary nonce randomness comes from the library's secure source.
func SignTapscript(privKey *secp256k1.PrivateKey, sighash []byte) ([]byte, error) {
	if privKey == nil {
		return nil, fmt.Errorf("missing private key")
	}
	if len(sighash) != 32 {
		return nil, fmt.Errorf("sighash must be 32 bytes, got %d", len(sighash))
	}

	sig, err := schnorr.Sign(privKey, sighash)
	if err != nil {
		return nil, err
	}

	return sig.Serialize(), nil
}

// VerifyTapscriptSig verifies a schnorr signature over a tapscript sighash.
// It accepts the 64-byte form and the 65-byte form with an appended sighash
// type flag, and returns false on any malformed input.
func VerifyTapscriptSig(pubkey *secp256k1.PublicKey, sighash, sigBytes []byte) bool {
	if pubkey == nil || len(sighash) != 32 {
		return false
	}

	if len(sigBytes) == schnorrSigLen+1 {
		sigBytes = sigBytes[:schnorrSigLen]
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}

	return sig.Verify(sighash, pubkey)
}

// SerializeSignature appends the sighash type flag only when it is not
// SIGHASH_DEFAULT, per BIP341.
func SerializeSignature(sig []byte, hashType txscript.SigHashType) []byte {
	if hashType == txscript.SigHashDefault {
		return sig
	}
	return append(sig, byte(hashType))
}
