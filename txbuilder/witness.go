package txbuilder

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/optimalbrew/vaultero/common"
)

// RawTxHex serializes the packet's unsigned transaction to wire-format hex.
func RawTxHex(partial *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := partial.UnsignedTx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// ParseRawTx deserializes a wire-format hex transaction.
func ParseRawTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid raw tx hex: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid raw tx: %w", err)
	}

	return tx, nil
}

// RebuildSpendPacket reconstructs the psbt carrier for a transaction
// received as raw hex, so the sighash can be recomputed independently of the
// party that built it. The prevout script is recomputed from the control
// block rather than trusted from the sender.
func RebuildSpendPacket(
	rawHex string,
	inputIndex int,
	inputAmount int64,
	leafScript, controlBlock []byte,
) (*psbt.Packet, error) {
	tx, err := ParseRawTx(rawHex)
	if err != nil {
		return nil, err
	}

	if inputIndex < 0 || inputIndex >= len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range", inputIndex)
	}

	ptx, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}

	parsedControlBlock, err := txscript.ParseControlBlock(controlBlock)
	if err != nil {
		return nil, fmt.Errorf("invalid control block: %w", err)
	}

	rootHash := parsedControlBlock.RootHash(leafScript)
	prevoutScript, err := taprootScriptFromRoot(parsedControlBlock, rootHash)
	if err != nil {
		return nil, err
	}

	ptx.Inputs[inputIndex].WitnessUtxo = &wire.TxOut{
		Value:    inputAmount,
		PkScript: prevoutScript,
	}
	ptx.Inputs[inputIndex].TaprootLeafScript = []*psbt.TaprootTapLeafScript{
		{
			ControlBlock: controlBlock,
			Script:       leafScript,
			LeafVersion:  txscript.BaseLeafVersion,
		},
	}

	return ptx, nil
}

func taprootScriptFromRoot(
	controlBlock *txscript.ControlBlock, rootHash []byte,
) ([]byte, error) {
	taprootKey := txscript.ComputeTaprootOutputKey(controlBlock.InternalKey, rootHash)
	return common.P2TRScript(taprootKey)
}

// FinalizeWitness attaches the witness stack to the given input and
// serializes the transaction to broadcastable wire-format hex.
func FinalizeWitness(
	partial *psbt.Packet, inputIndex int, witness wire.TxWitness,
) (string, error) {
	if inputIndex < 0 || inputIndex >= len(partial.UnsignedTx.TxIn) {
		return "", fmt.Errorf("input index %d out of range", inputIndex)
	}

	tx := partial.UnsignedTx.Copy()
	tx.TxIn[inputIndex].Witness = witness

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf.Bytes()), nil
}
