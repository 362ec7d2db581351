package common

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// ComputeTapscriptSpendFee estimates the fee for a transaction spending a
// single tapscript input and paying the given output script classes.
// witnessSize is the total size of the witness stack elements pushed on top of
// the revealed script and control block (signatures and preimage).
func ComputeTapscriptSpendFee(
	feeRate chainfee.SatPerKVByte,
	tapscript *waddrmgr.Tapscript,
	witnessSize int,
	outputScriptClasses []txscript.ScriptClass,
) (btcutil.Amount, error) {
	txWeightEstimator := &input.TxWeightEstimator{}

	txWeightEstimator.AddTapscriptInput(
		lntypes.WeightUnit(witnessSize),
		tapscript,
	)

	for _, class := range outputScriptClasses {
		switch class {
		case txscript.PubKeyHashTy:
			txWeightEstimator.AddP2PKHOutput()
		case txscript.ScriptHashTy:
			txWeightEstimator.AddP2SHOutput()
		case txscript.WitnessV0PubKeyHashTy:
			txWeightEstimator.AddP2WKHOutput()
		case txscript.WitnessV0ScriptHashTy:
			txWeightEstimator.AddP2WSHOutput()
		case txscript.WitnessV1TaprootTy:
			txWeightEstimator.AddP2TROutput()
		default:
			return 0, fmt.Errorf("unknown output script class: %v", class)
		}
	}

	fee := feeRate.FeeForVSize(lntypes.VByte(txWeightEstimator.VSize()))
	return btcutil.Amount(uint64(fee.ToUnit(btcutil.AmountSatoshi))), nil
}
