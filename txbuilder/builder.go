package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/optimalbrew/vaultero/common"
	"github.com/optimalbrew/vaultero/vaulttree"
)

var (
	ErrInsufficientAmount = fmt.Errorf("insufficient input amount")
	ErrDustOutput         = fmt.Errorf("output amount below dust threshold")
	ErrMissingInput       = fmt.Errorf("missing input")
)

// LeafIntent declares which leaf of the escrow output a collateral
// transaction is pre-built to spend. The two leaves share the input but
// require different sequence numbers.
type LeafIntent int

const (
	// IntentCsvEscape spends the timelocked leaf, the input sequence must
	// encode the leaf's relative locktime per BIP68.
	IntentCsvEscape LeafIntent = iota
	// IntentHashlock spends the cooperative leaf, the sequence only has to
	// keep locktime semantics disabled.
	IntentHashlock
)

// witness element sizes for fee estimation, each with its varint prefix
const (
	schnorrSigWitnessSize = 64 + 1
	preimageWitnessSize   = 32 + 1
)

// VaultInput is a taproot outpoint together with the leaf data needed to
// spend it through one of its script paths.
type VaultInput struct {
	Outpoint  *wire.OutPoint
	Amount    int64
	Tapscript *waddrmgr.Tapscript
}

// BuildEscrowTx builds the unsigned transaction funding the escrow output.
// The funding input is a caller-selected utxo, the difference between its
// value and escrowAmount is consumed as the network fee.
func BuildEscrowTx(
	funding *wire.OutPoint,
	fundingUtxo *wire.TxOut,
	escrowPkScript []byte,
	escrowAmount int64,
) (*psbt.Packet, error) {
	if funding == nil {
		return nil, fmt.Errorf("%w: funding outpoint", ErrMissingInput)
	}

	escrowOut := &wire.TxOut{
		Value:    escrowAmount,
		PkScript: escrowPkScript,
	}

	if escrowAmount <= 0 || txrules.IsDustOutput(escrowOut, txrules.DefaultRelayFeePerKb) {
		return nil, fmt.Errorf("%w: %d sats", ErrDustOutput, escrowAmount)
	}

	if fundingUtxo.Value <= escrowAmount {
		return nil, fmt.Errorf(
			"%w: funding %d sats cannot cover escrow %d sats plus fee",
			ErrInsufficientAmount, fundingUtxo.Value, escrowAmount,
		)
	}

	ptx, err := psbt.New(
		[]*wire.OutPoint{funding},
		[]*wire.TxOut{escrowOut},
		2, 0,
		[]uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return nil, err
	}

	ptx.Inputs[0].WitnessUtxo = fundingUtxo

	return ptx, nil
}

// BuildCollateralTx builds the unsigned transaction spending the escrow
// output into the collateral output, with an optional origination fee output
// paid to the lender. The origination fee output comes first, matching the
// output order the protocol fixes.
func BuildCollateralTx(
	escrow VaultInput,
	collateralPkScript []byte,
	collateralAmount int64,
	feePkScript []byte,
	originationFee int64,
	intent LeafIntent,
	feeRate chainfee.SatPerKVByte,
) (*psbt.Packet, error) {
	if escrow.Outpoint == nil || escrow.Tapscript == nil {
		return nil, fmt.Errorf("%w: escrow input", ErrMissingInput)
	}

	sequence, witnessSize, err := intentSequence(intent, escrow.Tapscript.RevealedScript)
	if err != nil {
		return nil, err
	}

	outputs := make([]*wire.TxOut, 0, 2)

	if feePkScript != nil {
		feeOut := &wire.TxOut{
			Value:    originationFee,
			PkScript: feePkScript,
		}
		if originationFee <= 0 || txrules.IsDustOutput(feeOut, txrules.DefaultRelayFeePerKb) {
			return nil, fmt.Errorf("%w: origination fee %d sats", ErrDustOutput, originationFee)
		}
		outputs = append(outputs, feeOut)
	} else {
		originationFee = 0
	}

	collateralOut := &wire.TxOut{
		Value:    collateralAmount,
		PkScript: collateralPkScript,
	}
	if collateralAmount <= 0 || txrules.IsDustOutput(collateralOut, txrules.DefaultRelayFeePerKb) {
		return nil, fmt.Errorf("%w: collateral %d sats", ErrDustOutput, collateralAmount)
	}
	outputs = append(outputs, collateralOut)

	minFee, err := minSpendFee(feeRate, escrow.Tapscript, witnessSize, outputs)
	if err != nil {
		return nil, err
	}

	required := collateralAmount + originationFee + int64(minFee)
	if escrow.Amount < required {
		return nil, fmt.Errorf(
			"%w: escrow %d sats, need %d sats (short %d)",
			ErrInsufficientAmount, escrow.Amount, required, required-escrow.Amount,
		)
	}

	return newSpendPacket(escrow, outputs, sequence)
}

// BuildSweepTx builds the unsigned transaction spending a vault output in
// full to a single destination, minus the fee at feeRate. The spend path is
// inferred from the revealed leaf script: a timelocked leaf sets the BIP68
// sequence, a hashlocked leaf leaves locktime semantics disabled.
func BuildSweepTx(
	input VaultInput,
	destPkScript []byte,
	feeRate chainfee.SatPerKVByte,
) (*psbt.Packet, error) {
	if input.Outpoint == nil || input.Tapscript == nil {
		return nil, fmt.Errorf("%w: sweep input", ErrMissingInput)
	}

	closure, err := vaulttree.DecodeClosure(input.Tapscript.RevealedScript)
	if err != nil {
		return nil, err
	}

	sequence := wire.MaxTxInSequenceNum - 1
	witnessSize := schnorrSigWitnessSize

	switch c := closure.(type) {
	case *vaulttree.CSVSigClosure:
		sequence, err = common.BIP68Sequence(c.Locktime)
		if err != nil {
			return nil, err
		}
	case *vaulttree.HashSigClosure:
		witnessSize = schnorrSigWitnessSize + preimageWitnessSize
	case *vaulttree.HashMultisigClosure:
		witnessSize = 2*schnorrSigWitnessSize + preimageWitnessSize
	}

	sweepOut := &wire.TxOut{
		Value:    input.Amount,
		PkScript: destPkScript,
	}

	fee, err := minSpendFee(feeRate, input.Tapscript, witnessSize, []*wire.TxOut{sweepOut})
	if err != nil {
		return nil, err
	}

	sweepOut.Value = input.Amount - int64(fee)
	if sweepOut.Value <= 0 || txrules.IsDustOutput(sweepOut, txrules.DefaultRelayFeePerKb) {
		return nil, fmt.Errorf(
			"%w: %d sats after %d sats fee",
			ErrInsufficientAmount, sweepOut.Value, fee,
		)
	}

	return newSpendPacket(input, []*wire.TxOut{sweepOut}, sequence)
}

func intentSequence(intent LeafIntent, leafScript []byte) (uint32, int, error) {
	switch intent {
	case IntentCsvEscape:
		closure := &vaulttree.CSVSigClosure{}
		valid, err := closure.Decode(leafScript)
		if err != nil {
			return 0, 0, err
		}
		if !valid {
			return 0, 0, fmt.Errorf("leaf script is not a timelocked escape path")
		}

		sequence, err := common.BIP68Sequence(closure.Locktime)
		if err != nil {
			return 0, 0, err
		}
		return sequence, schnorrSigWitnessSize, nil
	case IntentHashlock:
		return wire.MaxTxInSequenceNum - 1, 2*schnorrSigWitnessSize + preimageWitnessSize, nil
	default:
		return 0, 0, fmt.Errorf("unknown leaf intent %d", intent)
	}
}

func newSpendPacket(
	input VaultInput, outputs []*wire.TxOut, sequence uint32,
) (*psbt.Packet, error) {
	ptx, err := psbt.New(
		[]*wire.OutPoint{input.Outpoint},
		outputs,
		2, 0,
		[]uint32{sequence},
	)
	if err != nil {
		return nil, err
	}

	prevoutScript, err := TaprootUtxoScript(input.Tapscript)
	if err != nil {
		return nil, err
	}

	controlBlockBytes, err := input.Tapscript.ControlBlock.ToBytes()
	if err != nil {
		return nil, err
	}

	ptx.Inputs[0].WitnessUtxo = &wire.TxOut{
		Value:    input.Amount,
		PkScript: prevoutScript,
	}
	ptx.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{
		{
			ControlBlock: controlBlockBytes,
			Script:       input.Tapscript.RevealedScript,
			LeafVersion:  txscript.BaseLeafVersion,
		},
	}

	return ptx, nil
}

// TaprootUtxoScript recomputes the P2TR output script committed to by a
// revealed leaf and its control block.
func TaprootUtxoScript(tapscript *waddrmgr.Tapscript) ([]byte, error) {
	rootHash := tapscript.ControlBlock.RootHash(tapscript.RevealedScript)
	taprootKey := txscript.ComputeTaprootOutputKey(vaulttree.UnspendableKey(), rootHash)
	return common.P2TRScript(taprootKey)
}

func minSpendFee(
	feeRate chainfee.SatPerKVByte,
	tapscript *waddrmgr.Tapscript,
	witnessSize int,
	outputs []*wire.TxOut,
) (btcutil.Amount, error) {
	classes := make([]txscript.ScriptClass, 0, len(outputs))
	for _, out := range outputs {
		classes = append(classes, txscript.GetScriptClass(out.PkScript))
	}

	return common.ComputeTapscriptSpendFee(feeRate, tapscript, witnessSize, classes)
}
