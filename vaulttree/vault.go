package vaulttree

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/optimalbrew/vaultero/common"
)

// VaultScript describes a script-path-only taproot output with a fixed set
// of spending closures. Leaf index 0 is always the timelocked escape path,
// leaf index 1 the hashlocked cooperative path.
type VaultScript interface {
	Closures() []Closure
	TapTree() (*secp256k1.PublicKey, common.TaprootTree, error)
	Address(net common.Network) (string, error)
}

/*
* EscrowScript locks the borrower collateral during loan origination:
* - Borrower after t (escape if the lender never activates the loan)
* - Preimage and Borrower and Lender (move to the collateral lock)
 */
type EscrowScript struct {
	BorrowerPubkey *secp256k1.PublicKey
	LenderPubkey   *secp256k1.PublicKey
	PreimageHash   []byte
	Timelock       common.RelativeLocktime
}

func (v *EscrowScript) Closures() []Closure {
	return []Closure{
		&CSVSigClosure{
			Pubkey:   v.BorrowerPubkey,
			Locktime: v.Timelock,
		},
		&HashMultisigClosure{
			PreimageHash:   v.PreimageHash,
			BorrowerPubkey: v.BorrowerPubkey,
			LenderPubkey:   v.LenderPubkey,
		},
	}
}

func (v *EscrowScript) TapTree() (*secp256k1.PublicKey, common.TaprootTree, error) {
	if v.BorrowerPubkey.IsEqual(v.LenderPubkey) {
		return nil, nil, ErrSamePubkeys
	}

	return assembleVaultTree(v.Closures())
}

func (v *EscrowScript) Address(net common.Network) (string, error) {
	taprootKey, _, err := v.TapTree()
	if err != nil {
		return "", err
	}

	return common.P2TRAddress(taprootKey, net)
}

/*
* CollateralScript locks the collateral for the life of the loan:
* - Lender after t (seize on default)
* - Preimage and Borrower (reclaim after repayment)
 */
type CollateralScript struct {
	BorrowerPubkey *secp256k1.PublicKey
	LenderPubkey   *secp256k1.PublicKey
	PreimageHash   []byte
	Timelock       common.RelativeLocktime
}

func (v *CollateralScript) Closures() []Closure {
	return []Closure{
		&CSVSigClosure{
			Pubkey:   v.LenderPubkey,
			Locktime: v.Timelock,
		},
		&HashSigClosure{
			PreimageHash: v.PreimageHash,
			Pubkey:       v.BorrowerPubkey,
		},
	}
}

func (v *CollateralScript) TapTree() (*secp256k1.PublicKey, common.TaprootTree, error) {
	if v.BorrowerPubkey.IsEqual(v.LenderPubkey) {
		return nil, nil, ErrSamePubkeys
	}

	return assembleVaultTree(v.Closures())
}

func (v *CollateralScript) Address(net common.Network) (string, error) {
	taprootKey, _, err := v.TapTree()
	if err != nil {
		return "", err
	}

	return common.P2TRAddress(taprootKey, net)
}

// LeafProof returns the serialized leaf script and control block for the
// closure at leafIndex.
func LeafProof(v VaultScript, leafIndex int) (*common.TaprootMerkleProof, error) {
	closures := v.Closures()
	if leafIndex < 0 || leafIndex >= len(closures) {
		return nil, fmt.Errorf("%w: index %d", ErrLeafNotFound, leafIndex)
	}

	leaf, err := closures[leafIndex].Leaf()
	if err != nil {
		return nil, err
	}

	_, tree, err := v.TapTree()
	if err != nil {
		return nil, err
	}

	return tree.GetTaprootMerkleProof(leaf.TapHash())
}

// OutputKeyHasOddY reports the parity of the tweaked output key, which the
// control block commits to in its leading byte.
func OutputKeyHasOddY(taprootKey *secp256k1.PublicKey) bool {
	return taprootKey.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd
}

func assembleVaultTree(closures []Closure) (*secp256k1.PublicKey, common.TaprootTree, error) {
	leaves := make([]txscript.TapLeaf, 0, len(closures))
	for _, closure := range closures {
		leaf, err := closure.Leaf()
		if err != nil {
			return nil, nil, err
		}
		leaves = append(leaves, *leaf)
	}

	tapTree := txscript.AssembleTaprootScriptTree(leaves...)

	root := tapTree.RootNode.TapHash()
	taprootKey := txscript.ComputeTaprootOutputKey(
		UnspendableKey(),
		root[:],
	)

	return taprootKey, vaultTapTree{tapTree}, nil
}

// vaultTapTree is a wrapper around txscript.IndexedTapScriptTree to implement the common.TaprootTree interface
type vaultTapTree struct {
	*txscript.IndexedTapScriptTree
}

func (b vaultTapTree) GetRoot() chainhash.Hash {
	return b.RootNode.TapHash()
}

func (b vaultTapTree) GetTaprootMerkleProof(leafhash chainhash.Hash) (*common.TaprootMerkleProof, error) {
	index, ok := b.LeafProofIndex[leafhash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeafNotFound, leafhash.String())
	}
	proof := b.LeafMerkleProofs[index]

	controlBlock := proof.ToControlBlock(UnspendableKey())
	controlBlockBytes, err := controlBlock.ToBytes()
	if err != nil {
		return nil, err
	}

	return &common.TaprootMerkleProof{
		ControlBlock: controlBlockBytes,
		Script:       proof.Script,
	}, nil
}

func (b vaultTapTree) GetLeaves() []chainhash.Hash {
	leafHashes := make([]chainhash.Hash, 0)
	for hash := range b.LeafProofIndex {
		leafHashes = append(leafHashes, hash)
	}
	return leafHashes
}
