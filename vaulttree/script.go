package vaulttree

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/optimalbrew/vaultero/common"
)

// Closure is a single spending condition committed to as a tapscript leaf.
// Decode recognizes a serialized leaf script and populates the closure from
// it, Witness assembles the full witness stack for the script path spend.
type Closure interface {
	Leaf() (*txscript.TapLeaf, error)
	Decode(script []byte) (bool, error)
	Witness(controlBlock []byte, opts map[string][]byte) (wire.TxWitness, error)
}

// CSVSigClosure is the timelocked escape path: after Locktime has elapsed
// relative to the output confirmation, Pubkey can spend with a single
// signature.
type CSVSigClosure struct {
	Pubkey   *secp256k1.PublicKey
	Locktime common.RelativeLocktime
}

// HashMultisigClosure is the cooperative path: it requires the sha256
// preimage of PreimageHash plus signatures from both BorrowerPubkey and
// LenderPubkey.
type HashMultisigClosure struct {
	PreimageHash   []byte
	BorrowerPubkey *secp256k1.PublicKey
	LenderPubkey   *secp256k1.PublicKey
}

// HashSigClosure requires the sha256 preimage of PreimageHash plus a single
// signature from Pubkey.
type HashSigClosure struct {
	PreimageHash []byte
	Pubkey       *secp256k1.PublicKey
}

func DecodeClosure(script []byte) (Closure, error) {
	var closure Closure

	closure = &CSVSigClosure{}
	if valid, err := closure.Decode(script); err == nil && valid {
		return closure, nil
	}

	closure = &HashMultisigClosure{}
	if valid, err := closure.Decode(script); err == nil && valid {
		return closure, nil
	}

	closure = &HashSigClosure{}
	if valid, err := closure.Decode(script); err == nil && valid {
		return closure, nil
	}

	return nil, fmt.Errorf("invalid closure script")
}

func (c *CSVSigClosure) Leaf() (*txscript.TapLeaf, error) {
	script, err := encodeCsvWithChecksigScript(c.Pubkey, c.Locktime)
	if err != nil {
		return nil, err
	}

	tapLeaf := txscript.NewBaseTapLeaf(script)
	return &tapLeaf, nil
}

func (c *CSVSigClosure) Decode(script []byte) (bool, error) {
	csvIndex := bytes.Index(
		script, []byte{txscript.OP_CHECKSEQUENCEVERIFY, txscript.OP_DROP},
	)
	if csvIndex == -1 || csvIndex == 0 {
		return false, nil
	}

	sequence := script[:csvIndex]
	if len(sequence) > 1 {
		sequence = sequence[1:]
	}

	locktime, err := common.BIP68DecodeSequence(sequence)
	if err != nil {
		return false, err
	}

	checksigScript := script[csvIndex+2:]
	valid, pubkey, err := decodeChecksigScript(checksigScript)
	if err != nil {
		return false, err
	}

	if !valid {
		return false, nil
	}

	rebuilt, err := encodeCsvWithChecksigScript(pubkey, *locktime)
	if err != nil {
		return false, err
	}

	if !bytes.Equal(rebuilt, script) {
		return false, nil
	}

	c.Pubkey = pubkey
	c.Locktime = *locktime

	return valid, nil
}

// Witness expects opts["sig"]. The resulting stack is
// [sig, script, controlBlock].
func (c *CSVSigClosure) Witness(controlBlock []byte, opts map[string][]byte) (wire.TxWitness, error) {
	sig, ok := opts["sig"]
	if !ok {
		return nil, fmt.Errorf("%w: sig", ErrMissingSignature)
	}

	leaf, err := c.Leaf()
	if err != nil {
		return nil, err
	}

	return wire.TxWitness{sig, leaf.Script, controlBlock}, nil
}

func (c *HashMultisigClosure) Leaf() (*txscript.TapLeaf, error) {
	if len(c.PreimageHash) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPreimageHash, len(c.PreimageHash))
	}

	lenderKeyBytes := schnorr.SerializePubKey(c.LenderPubkey)
	borrowerKeyBytes := schnorr.SerializePubKey(c.BorrowerPubkey)

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).
		AddData(c.PreimageHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(lenderKeyBytes).
		AddOp(txscript.OP_CHECKSIG).
		AddData(borrowerKeyBytes).
		AddOp(txscript.OP_CHECKSIGADD).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_NUMEQUAL).
		Script()
	if err != nil {
		return nil, err
	}

	tapLeaf := txscript.NewBaseTapLeaf(script)
	return &tapLeaf, nil
}

func (c *HashMultisigClosure) Decode(script []byte) (bool, error) {
	valid, hash, rest := decodeHashlockPrefix(script)
	if !valid {
		return false, nil
	}

	valid, lenderKey, err := decodeChecksigScript(rest)
	if err != nil || !valid {
		return false, err
	}

	if len(rest) < 34 {
		return false, nil
	}

	valid, borrowerKey, err := decodeChecksigScript(rest[33:])
	if err != nil || !valid {
		return false, err
	}

	c.PreimageHash = hash
	c.LenderPubkey = lenderKey
	c.BorrowerPubkey = borrowerKey

	rebuilt, err := c.Leaf()
	if err != nil {
		return false, err
	}

	if !bytes.Equal(rebuilt.Script, script) {
		return false, nil
	}

	return true, nil
}

// Witness expects opts["borrowerSig"], opts["lenderSig"] and
// opts["preimage"]. The preimage sits on top of the stack, then the lender
// signature, then the borrower signature, matching the order the script
// consumes them.
func (c *HashMultisigClosure) Witness(controlBlock []byte, opts map[string][]byte) (wire.TxWitness, error) {
	borrowerSig, ok := opts["borrowerSig"]
	if !ok {
		return nil, fmt.Errorf("%w: borrowerSig", ErrMissingSignature)
	}

	lenderSig, ok := opts["lenderSig"]
	if !ok {
		return nil, fmt.Errorf("%w: lenderSig", ErrMissingSignature)
	}

	preimage, ok := opts["preimage"]
	if !ok {
		return nil, fmt.Errorf("missing preimage for hash %x", c.PreimageHash)
	}

	digest := sha256.Sum256(preimage)
	if !bytes.Equal(digest[:], c.PreimageHash) {
		return nil, ErrPreimageMismatch
	}

	leaf, err := c.Leaf()
	if err != nil {
		return nil, err
	}

	return wire.TxWitness{borrowerSig, lenderSig, preimage, leaf.Script, controlBlock}, nil
}

func (c *HashSigClosure) Leaf() (*txscript.TapLeaf, error) {
	if len(c.PreimageHash) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPreimageHash, len(c.PreimageHash))
	}

	keyBytes := schnorr.SerializePubKey(c.Pubkey)

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SHA256).
		AddData(c.PreimageHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(keyBytes).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, err
	}

	tapLeaf := txscript.NewBaseTapLeaf(script)
	return &tapLeaf, nil
}

func (c *HashSigClosure) Decode(script []byte) (bool, error) {
	valid, hash, rest := decodeHashlockPrefix(script)
	if !valid {
		return false, nil
	}

	valid, pubkey, err := decodeChecksigScript(rest)
	if err != nil || !valid {
		return false, err
	}

	c.PreimageHash = hash
	c.Pubkey = pubkey

	rebuilt, err := c.Leaf()
	if err != nil {
		return false, err
	}

	if !bytes.Equal(rebuilt.Script, script) {
		return false, nil
	}

	return true, nil
}

// Witness expects opts["sig"] and opts["preimage"]. The resulting stack is
// [sig, preimage, script, controlBlock].
func (c *HashSigClosure) Witness(controlBlock []byte, opts map[string][]byte) (wire.TxWitness, error) {
	sig, ok := opts["sig"]
	if !ok {
		return nil, fmt.Errorf("%w: sig", ErrMissingSignature)
	}

	preimage, ok := opts["preimage"]
	if !ok {
		return nil, fmt.Errorf("missing preimage for hash %x", c.PreimageHash)
	}

	digest := sha256.Sum256(preimage)
	if !bytes.Equal(digest[:], c.PreimageHash) {
		return nil, ErrPreimageMismatch
	}

	leaf, err := c.Leaf()
	if err != nil {
		return nil, err
	}

	return wire.TxWitness{sig, preimage, leaf.Script, controlBlock}, nil
}

// decodeHashlockPrefix matches the OP_SHA256 <32 bytes> OP_EQUALVERIFY
// prefix shared by the hashlocked closures. It returns the committed hash
// and the remainder of the script after the prefix.
func decodeHashlockPrefix(script []byte) (bool, []byte, []byte) {
	if len(script) < 35 {
		return false, nil, nil
	}

	if script[0] != txscript.OP_SHA256 || script[1] != txscript.OP_DATA_32 {
		return false, nil, nil
	}

	if script[34] != txscript.OP_EQUALVERIFY {
		return false, nil, nil
	}

	return true, script[2:34], script[35:]
}

func decodeChecksigScript(script []byte) (bool, *secp256k1.PublicKey, error) {
	data32Index := bytes.Index(script, []byte{txscript.OP_DATA_32})
	if data32Index == -1 {
		return false, nil, nil
	}

	// the push may be truncated in a hostile script
	if data32Index+33 > len(script) {
		return false, nil, nil
	}

	key := script[data32Index+1 : data32Index+33]

	pubkey, err := schnorr.ParsePubKey(key)
	if err != nil {
		return false, nil, err
	}

	return true, pubkey, nil
}

// checkSequenceVerifyScript without checksig
func encodeCsvScript(locktime common.RelativeLocktime) ([]byte, error) {
	sequence, err := common.BIP68Sequence(locktime)
	if err != nil {
		return nil, err
	}

	return txscript.NewScriptBuilder().
		AddInt64(int64(sequence)).
		AddOps([]byte{
			txscript.OP_CHECKSEQUENCEVERIFY,
			txscript.OP_DROP,
		}).
		Script()
}

// checkSequenceVerifyScript + checksig
func encodeCsvWithChecksigScript(
	pubkey *secp256k1.PublicKey, locktime common.RelativeLocktime,
) ([]byte, error) {
	script, err := encodeChecksigScript(pubkey)
	if err != nil {
		return nil, err
	}

	csvScript, err := encodeCsvScript(locktime)
	if err != nil {
		return nil, err
	}

	return append(csvScript, script...), nil
}

func encodeChecksigScript(pubkey *secp256k1.PublicKey) ([]byte, error) {
	key := schnorr.SerializePubKey(pubkey)
	return txscript.NewScriptBuilder().AddData(key).
		AddOp(txscript.OP_CHECKSIG).Script()
}
