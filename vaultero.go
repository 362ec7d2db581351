// Package vaultero builds and signs the taproot transactions backing
// btc-collateralized loans: a borrower locks funds into an escrow output,
// and a lender can atomically move them into a collateral output once the
// loan secret is revealed on the external ledger. Both outputs are
// script-path-only, every spend reveals either a timelocked escape leaf or a
// hashlocked cooperative leaf.
package vaultero

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/optimalbrew/vaultero/common"
	"github.com/optimalbrew/vaultero/loan"
	"github.com/optimalbrew/vaultero/txbuilder"
	"github.com/optimalbrew/vaultero/vaulttree"
)

// escrow and collateral leaf indexes, fixed by the tree construction
const (
	EscapeLeafIndex   = 0
	HashlockLeafIndex = 1
)

var (
	ErrInvalidSignature   = fmt.Errorf("signature does not verify against the leaf sighash")
	ErrUnexpectedLeaf     = fmt.Errorf("leaf script does not match the expected spending path")
	ErrWrongInternalKey   = fmt.Errorf("control block does not commit to the unspendable internal key")
	ErrWrongLenderKey     = fmt.Errorf("leaf script names a different lender key")
	ErrCommitmentMismatch = fmt.Errorf("hash commitment does not match the leaf script")
)

// VaultParams are the loan parameters both outputs derive from. Timelock is
// the relative locktime in blocks of the escape leaf: the borrower's on the
// escrow side, the lender's on the collateral side.
type VaultParams struct {
	BorrowerPubkey *secp256k1.PublicKey
	LenderPubkey   *secp256k1.PublicKey
	HashCommitment []byte
	TimelockBlocks int64
}

func (p VaultParams) escrowScript() (*vaulttree.EscrowScript, error) {
	locktime, err := common.RelativeLocktimeBlocks(p.TimelockBlocks)
	if err != nil {
		return nil, err
	}
	if len(p.HashCommitment) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", vaulttree.ErrInvalidPreimageHash, len(p.HashCommitment))
	}

	return &vaulttree.EscrowScript{
		BorrowerPubkey: p.BorrowerPubkey,
		LenderPubkey:   p.LenderPubkey,
		PreimageHash:   p.HashCommitment,
		Timelock:       locktime,
	}, nil
}

func (p VaultParams) collateralScript() (*vaulttree.CollateralScript, error) {
	locktime, err := common.RelativeLocktimeBlocks(p.TimelockBlocks)
	if err != nil {
		return nil, err
	}
	if len(p.HashCommitment) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", vaulttree.ErrInvalidPreimageHash, len(p.HashCommitment))
	}

	return &vaulttree.CollateralScript{
		BorrowerPubkey: p.BorrowerPubkey,
		LenderPubkey:   p.LenderPubkey,
		PreimageHash:   p.HashCommitment,
		Timelock:       locktime,
	}, nil
}

// DeriveEscrowAddress returns the bech32m address of the escrow output.
// Derivation is deterministic: the same parameters always yield the same
// address.
func DeriveEscrowAddress(p VaultParams, net common.Network) (string, error) {
	escrow, err := p.escrowScript()
	if err != nil {
		return "", err
	}
	return escrow.Address(net)
}

// DeriveCollateralAddress returns the bech32m address of the collateral
// output.
func DeriveCollateralAddress(p VaultParams, net common.Network) (string, error) {
	collateral, err := p.collateralScript()
	if err != nil {
		return "", err
	}
	return collateral.Address(net)
}

// BuildEscrowTransaction builds the unsigned transaction funding the escrow
// output from a caller-selected utxo and returns it as wire-format hex.
func BuildEscrowTransaction(
	p VaultParams,
	fundingTxid string, fundingVout uint32,
	fundingValue int64, fundingPkScript []byte,
	escrowAmount int64,
) (string, error) {
	escrow, err := p.escrowScript()
	if err != nil {
		return "", err
	}

	taprootKey, _, err := escrow.TapTree()
	if err != nil {
		return "", err
	}

	escrowPkScript, err := common.P2TRScript(taprootKey)
	if err != nil {
		return "", err
	}

	txid, err := chainhash.NewHashFromStr(fundingTxid)
	if err != nil {
		return "", fmt.Errorf("invalid funding txid: %w", err)
	}

	ptx, err := txbuilder.BuildEscrowTx(
		wire.NewOutPoint(txid, fundingVout),
		&wire.TxOut{Value: fundingValue, PkScript: fundingPkScript},
		escrowPkScript,
		escrowAmount,
	)
	if err != nil {
		return "", err
	}

	return txbuilder.RawTxHex(ptx)
}

// BuildCollateralTransaction builds the unsigned transaction spending the
// escrow output into the collateral output, plus the origination fee output
// paid to the lender's key when originationFee is positive. The leaf intent
// picks the input sequence required by the targeted escrow leaf.
func BuildCollateralTransaction(
	escrowParams, collateralParams VaultParams,
	escrowTxid string, escrowVout uint32, escrowAmount int64,
	collateralAmount, originationFee int64,
	intent txbuilder.LeafIntent,
	feeRate chainfee.SatPerKVByte,
) (string, error) {
	input, err := escrowInput(escrowParams, escrowTxid, escrowVout, escrowAmount, leafIndexForIntent(intent))
	if err != nil {
		return "", err
	}

	collateral, err := collateralParams.collateralScript()
	if err != nil {
		return "", err
	}

	collateralKey, _, err := collateral.TapTree()
	if err != nil {
		return "", err
	}

	collateralPkScript, err := common.P2TRScript(collateralKey)
	if err != nil {
		return "", err
	}

	var feePkScript []byte
	if originationFee > 0 {
		feePkScript, err = common.P2TRScript(escrowParams.LenderPubkey)
		if err != nil {
			return "", err
		}
	}

	ptx, err := txbuilder.BuildCollateralTx(
		*input,
		collateralPkScript, collateralAmount,
		feePkScript, originationFee,
		intent,
		feeRate,
	)
	if err != nil {
		return "", err
	}

	return txbuilder.RawTxHex(ptx)
}

// SignAsBorrower signs the given leaf of the escrow spend and packages the
// signature with everything the lender needs to verify and complete it. The
// borrower signs before the loan secret exists on the ledger, the preimage
// is never part of the package.
func SignAsBorrower(
	borrowerKey *secp256k1.PrivateKey,
	loanID string,
	escrowParams VaultParams,
	rawTxHex string,
	escrowTxid string, escrowVout uint32, escrowAmount int64,
	leafIndex int,
	collateralAmount, originationFee int64,
) (*loan.SignaturePackage, error) {
	escrow, err := escrowParams.escrowScript()
	if err != nil {
		return nil, err
	}

	proof, err := vaulttree.LeafProof(escrow, leafIndex)
	if err != nil {
		return nil, err
	}

	ptx, err := txbuilder.RebuildSpendPacket(
		rawTxHex, 0, escrowAmount, proof.Script, proof.ControlBlock,
	)
	if err != nil {
		return nil, err
	}

	sighash, err := txbuilder.TaprootLeafSighash(ptx, 0, proof.Script)
	if err != nil {
		return nil, err
	}

	sig, err := txbuilder.SignTapscript(borrowerKey, sighash)
	if err != nil {
		return nil, err
	}

	taprootKey, _, err := escrow.TapTree()
	if err != nil {
		return nil, err
	}

	pkg := &loan.SignaturePackage{
		LoanID:            loanID,
		Signature:         hex.EncodeToString(sig),
		Txid:              escrowTxid,
		Vout:              escrowVout,
		RawTx:             rawTxHex,
		InputAmount:       escrowAmount,
		LeafIndex:         leafIndex,
		TapleafScript:     hex.EncodeToString(proof.Script),
		ControlBlock:      hex.EncodeToString(proof.ControlBlock),
		EscrowOutputIsOdd: vaulttree.OutputKeyHasOddY(taprootKey),
		BorrowerPubkey:    hex.EncodeToString(schnorr.SerializePubKey(escrowParams.BorrowerPubkey)),
		LenderPubkey:      hex.EncodeToString(schnorr.SerializePubKey(escrowParams.LenderPubkey)),
		HashCommitment:    hex.EncodeToString(escrowParams.HashCommitment),
		Timelock:          uint32(escrowParams.TimelockBlocks),
		CollateralAmount:  collateralAmount,
		OriginationFee:    originationFee,
	}

	if err := pkg.Validate(); err != nil {
		return nil, err
	}

	return pkg, nil
}

// VerifyBorrowerSignature checks the package's signature against the sighash
// recomputed from the package's own transaction and leaf data. It never
// errors: any malformed field yields false, since packages arrive from an
// untrusted channel.
func VerifyBorrowerSignature(pkg *loan.SignaturePackage, borrowerPubkey *secp256k1.PublicKey) bool {
	if pkg == nil || borrowerPubkey == nil {
		return false
	}
	if err := pkg.Validate(); err != nil {
		return false
	}

	leafScript, err := hex.DecodeString(pkg.TapleafScript)
	if err != nil {
		return false
	}

	controlBlock, err := hex.DecodeString(pkg.ControlBlock)
	if err != nil {
		return false
	}

	ptx, err := txbuilder.RebuildSpendPacket(
		pkg.RawTx, 0, pkg.InputAmount, leafScript, controlBlock,
	)
	if err != nil {
		return false
	}

	sighash, err := txbuilder.TaprootLeafSighash(ptx, 0, leafScript)
	if err != nil {
		return false
	}

	sig, err := hex.DecodeString(pkg.Signature)
	if err != nil {
		return false
	}

	return txbuilder.VerifyTapscriptSig(borrowerPubkey, sighash, sig)
}

// CompleteWitnessAsLender verifies the borrower's signature, checks the
// revealed preimage against the committed hash, adds the lender's signature
// and finalizes the transaction to broadcastable hex. This is the only path
// by which the lender can move the escrow, and it requires the secret.
func CompleteWitnessAsLender(
	pkg *loan.SignaturePackage,
	lenderKey *secp256k1.PrivateKey,
	revealedPreimage []byte,
) (string, error) {
	if err := pkg.Validate(); err != nil {
		return "", err
	}

	leafScript, err := hex.DecodeString(pkg.TapleafScript)
	if err != nil {
		return "", fmt.Errorf("%w: tapleaf_script", loan.ErrInvalidSignaturePackage)
	}

	controlBlockBytes, err := hex.DecodeString(pkg.ControlBlock)
	if err != nil {
		return "", fmt.Errorf("%w: control_block", loan.ErrInvalidSignaturePackage)
	}

	parsedControlBlock, err := txscript.ParseControlBlock(controlBlockBytes)
	if err != nil {
		return "", fmt.Errorf("invalid control block: %w", err)
	}
	if !parsedControlBlock.InternalKey.IsEqual(vaulttree.UnspendableKey()) {
		return "", ErrWrongInternalKey
	}

	closure, err := vaulttree.DecodeClosure(leafScript)
	if err != nil {
		return "", err
	}

	hashlock, ok := closure.(*vaulttree.HashMultisigClosure)
	if !ok {
		return "", fmt.Errorf("%w: want hashlocked multisig", ErrUnexpectedLeaf)
	}

	// the leaf must name the signing lender key
	lenderKeyBytes := schnorr.SerializePubKey(lenderKey.PubKey())
	if !bytes.Equal(schnorr.SerializePubKey(hashlock.LenderPubkey), lenderKeyBytes) {
		return "", ErrWrongLenderKey
	}

	committedHash, err := hex.DecodeString(pkg.HashCommitment)
	if err != nil || !bytes.Equal(committedHash, hashlock.PreimageHash) {
		return "", ErrCommitmentMismatch
	}

	ptx, err := txbuilder.RebuildSpendPacket(
		pkg.RawTx, 0, pkg.InputAmount, leafScript, controlBlockBytes,
	)
	if err != nil {
		return "", err
	}

	sighash, err := txbuilder.TaprootLeafSighash(ptx, 0, leafScript)
	if err != nil {
		return "", err
	}

	borrowerSig, err := hex.DecodeString(pkg.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: signature", loan.ErrInvalidSignaturePackage)
	}

	if !txbuilder.VerifyTapscriptSig(hashlock.BorrowerPubkey, sighash, borrowerSig) {
		return "", fmt.Errorf("%w: borrower", ErrInvalidSignature)
	}

	lenderSig, err := txbuilder.SignTapscript(lenderKey, sighash)
	if err != nil {
		return "", err
	}

	witness, err := hashlock.Witness(controlBlockBytes, map[string][]byte{
		"borrowerSig": borrowerSig,
		"lenderSig":   lenderSig,
		"preimage":    revealedPreimage,
	})
	if err != nil {
		return "", err
	}

	return txbuilder.FinalizeWitness(ptx, 0, witness)
}

func leafIndexForIntent(intent txbuilder.LeafIntent) int {
	if intent == txbuilder.IntentCsvEscape {
		return EscapeLeafIndex
	}
	return HashlockLeafIndex
}

func escrowInput(
	p VaultParams, escrowTxid string, escrowVout uint32, escrowAmount int64, leafIndex int,
) (*txbuilder.VaultInput, error) {
	escrow, err := p.escrowScript()
	if err != nil {
		return nil, err
	}

	proof, err := vaulttree.LeafProof(escrow, leafIndex)
	if err != nil {
		return nil, err
	}

	controlBlock, err := txscript.ParseControlBlock(proof.ControlBlock)
	if err != nil {
		return nil, err
	}

	txid, err := chainhash.NewHashFromStr(escrowTxid)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow txid: %w", err)
	}

	return &txbuilder.VaultInput{
		Outpoint: wire.NewOutPoint(txid, escrowVout),
		Amount:   escrowAmount,
		Tapscript: &waddrmgr.Tapscript{
			ControlBlock:   controlBlock,
			RevealedScript: proof.Script,
		},
	}, nil
}
