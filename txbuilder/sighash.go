package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TaprootLeafSighash computes the BIP341 script path signature hash for the
// given input spending leafScript. Every input of the packet must carry its
// witness utxo, the digest commits to all prevout amounts and scripts.
func TaprootLeafSighash(
	partial *psbt.Packet, inputIndex int, leafScript []byte,
) ([]byte, error) {
	if inputIndex < 0 || inputIndex >= len(partial.Inputs) {
		return nil, fmt.Errorf("input index %d out of range", inputIndex)
	}

	prevouts := make(map[wire.OutPoint]*wire.TxOut)

	for i, input := range partial.Inputs {
		if input.WitnessUtxo == nil {
			return nil, fmt.Errorf("missing witness utxo on input #%d", i)
		}

		outpoint := partial.UnsignedTx.TxIn[i].PreviousOutPoint
		prevouts[outpoint] = input.WitnessUtxo
	}

	prevoutFetcher := txscript.NewMultiPrevOutFetcher(prevouts)

	return txscript.CalcTapscriptSignaturehash(
		txscript.NewTxSigHashes(partial.UnsignedTx, prevoutFetcher),
		txscript.SigHashDefault,
		partial.UnsignedTx,
		inputIndex,
		prevoutFetcher,
		txscript.NewBaseTapLeaf(leafScript),
	)
}
