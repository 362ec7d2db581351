package common

import (
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// TaprootMerkleProof carries the control block and revealed script needed to
// spend a specific leaf of a taproot script tree.
type TaprootMerkleProof struct {
	ControlBlock []byte
	Script       []byte
}

type TaprootTree interface {
	GetTaprootMerkleProof(leafhash chainhash.Hash) (*TaprootMerkleProof, error)
	GetRoot() chainhash.Hash
	GetLeaves() []chainhash.Hash
}

func P2TRScript(taprootKey *secp256k1.PublicKey) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(taprootKey)).
		Script()
}

// P2TRAddress encodes the tweaked output key as a bech32m witness v1 address
// with the network's human-readable prefix.
func P2TRAddress(taprootKey *secp256k1.PublicKey, net Network) (string, error) {
	params, err := net.ChainParams()
	if err != nil {
		return "", err
	}

	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(taprootKey), params)
	if err != nil {
		return "", err
	}

	return addr.EncodeAddress(), nil
}
