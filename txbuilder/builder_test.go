package txbuilder_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/optimalbrew/vaultero/common"
	"github.com/optimalbrew/vaultero/txbuilder"
	"github.com/optimalbrew/vaultero/vaulttree"
	"github.com/stretchr/testify/require"
)

const feeRate = chainfee.SatPerKVByte(2000)

type escrowFixture struct {
	borrower *secp256k1.PrivateKey
	lender   *secp256k1.PrivateKey
	preimage []byte
	escrow   *vaulttree.EscrowScript
	input    txbuilder.VaultInput
	pkScript []byte
}

func newEscrowFixture(t *testing.T, amount int64, leafIndex int) *escrowFixture {
	t.Helper()

	borrower, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	lender, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	preimage := []byte("loan-0001-preimage")
	hash := sha256.Sum256(preimage)

	locktime, err := common.RelativeLocktimeBlocks(144)
	require.NoError(t, err)

	escrow := &vaulttree.EscrowScript{
		BorrowerPubkey: borrower.PubKey(),
		LenderPubkey:   lender.PubKey(),
		PreimageHash:   hash[:],
		Timelock:       locktime,
	}

	taprootKey, _, err := escrow.TapTree()
	require.NoError(t, err)

	pkScript, err := common.P2TRScript(taprootKey)
	require.NoError(t, err)

	proof, err := vaulttree.LeafProof(escrow, leafIndex)
	require.NoError(t, err)

	controlBlock, err := txscript.ParseControlBlock(proof.ControlBlock)
	require.NoError(t, err)

	txid := chainhash.DoubleHashH([]byte("escrow funding tx"))

	return &escrowFixture{
		borrower: borrower,
		lender:   lender,
		preimage: preimage,
		escrow:   escrow,
		input: txbuilder.VaultInput{
			Outpoint: wire.NewOutPoint(&txid, 0),
			Amount:   amount,
			Tapscript: &waddrmgr.Tapscript{
				ControlBlock:   controlBlock,
				RevealedScript: proof.Script,
			},
		},
		pkScript: pkScript,
	}
}

func p2trScript(t *testing.T, key *secp256k1.PublicKey) []byte {
	t.Helper()
	script, err := common.P2TRScript(key)
	require.NoError(t, err)
	return script
}

func TestBuildEscrowTx(t *testing.T) {
	fixture := newEscrowFixture(t, 1_110_000, 1)

	fundingTxid := chainhash.DoubleHashH([]byte("wallet utxo"))
	funding := wire.NewOutPoint(&fundingTxid, 1)
	fundingUtxo := &wire.TxOut{
		Value:    2_000_000,
		PkScript: p2trScript(t, fixture.borrower.PubKey()),
	}

	ptx, err := txbuilder.BuildEscrowTx(funding, fundingUtxo, fixture.pkScript, 1_110_000)
	require.NoError(t, err)

	require.Len(t, ptx.UnsignedTx.TxIn, 1)
	require.Len(t, ptx.UnsignedTx.TxOut, 1)
	require.Equal(t, int64(1_110_000), ptx.UnsignedTx.TxOut[0].Value)
	require.Equal(t, fixture.pkScript, ptx.UnsignedTx.TxOut[0].PkScript)
	require.Equal(t, int32(2), ptx.UnsignedTx.Version)

	// funding must cover the escrow amount plus a fee
	_, err = txbuilder.BuildEscrowTx(funding, fundingUtxo, fixture.pkScript, 2_000_000)
	require.ErrorIs(t, err, txbuilder.ErrInsufficientAmount)

	_, err = txbuilder.BuildEscrowTx(funding, fundingUtxo, fixture.pkScript, 100)
	require.ErrorIs(t, err, txbuilder.ErrDustOutput)
}

func TestBuildCollateralTxSequences(t *testing.T) {
	hashlockFixture := newEscrowFixture(t, 1_110_000, 1)

	hash := sha256.Sum256(hashlockFixture.preimage)
	locktime, err := common.RelativeLocktimeBlocks(1008)
	require.NoError(t, err)

	collateral := &vaulttree.CollateralScript{
		BorrowerPubkey: hashlockFixture.borrower.PubKey(),
		LenderPubkey:   hashlockFixture.lender.PubKey(),
		PreimageHash:   hash[:],
		Timelock:       locktime,
	}

	collateralKey, _, err := collateral.TapTree()
	require.NoError(t, err)

	ptx, err := txbuilder.BuildCollateralTx(
		hashlockFixture.input,
		p2trScript(t, collateralKey), 1_000_000,
		p2trScript(t, hashlockFixture.lender.PubKey()), 10_000,
		txbuilder.IntentHashlock,
		feeRate,
	)
	require.NoError(t, err)

	require.Equal(t, wire.MaxTxInSequenceNum-1, ptx.UnsignedTx.TxIn[0].Sequence)

	// origination fee first, collateral second
	require.Len(t, ptx.UnsignedTx.TxOut, 2)
	require.Equal(t, int64(10_000), ptx.UnsignedTx.TxOut[0].Value)
	require.Equal(t, int64(1_000_000), ptx.UnsignedTx.TxOut[1].Value)

	outSum := ptx.UnsignedTx.TxOut[0].Value + ptx.UnsignedTx.TxOut[1].Value
	require.Less(t, outSum, hashlockFixture.input.Amount)

	// the timelocked intent encodes the leaf's block count in the sequence
	csvFixture := newEscrowFixture(t, 1_110_000, 0)
	csvPtx, err := txbuilder.BuildCollateralTx(
		csvFixture.input,
		p2trScript(t, collateralKey), 1_000_000,
		nil, 0,
		txbuilder.IntentCsvEscape,
		feeRate,
	)
	require.NoError(t, err)
	require.Equal(t, uint32(144), csvPtx.UnsignedTx.TxIn[0].Sequence)
	require.Len(t, csvPtx.UnsignedTx.TxOut, 1)

	// declaring the timelocked intent against the hashlock leaf must fail
	_, err = txbuilder.BuildCollateralTx(
		hashlockFixture.input,
		p2trScript(t, collateralKey), 1_000_000,
		nil, 0,
		txbuilder.IntentCsvEscape,
		feeRate,
	)
	require.Error(t, err)
}

func TestBuildCollateralTxInsufficient(t *testing.T) {
	fixture := newEscrowFixture(t, 1_000_000, 1)

	_, err := txbuilder.BuildCollateralTx(
		fixture.input,
		p2trScript(t, fixture.borrower.PubKey()), 1_000_000,
		p2trScript(t, fixture.lender.PubKey()), 10_000,
		txbuilder.IntentHashlock,
		feeRate,
	)
	require.ErrorIs(t, err, txbuilder.ErrInsufficientAmount)
}

func TestHashlockSpendValidates(t *testing.T) {
	fixture := newEscrowFixture(t, 1_110_000, 1)

	ptx, err := txbuilder.BuildCollateralTx(
		fixture.input,
		p2trScript(t, fixture.borrower.PubKey()), 1_000_000,
		p2trScript(t, fixture.lender.PubKey()), 10_000,
		txbuilder.IntentHashlock,
		feeRate,
	)
	require.NoError(t, err)

	leafScript := fixture.input.Tapscript.RevealedScript

	sighash, err := txbuilder.TaprootLeafSighash(ptx, 0, leafScript)
	require.NoError(t, err)

	borrowerSig, err := txbuilder.SignTapscript(fixture.borrower, sighash)
	require.NoError(t, err)

	lenderSig, err := txbuilder.SignTapscript(fixture.lender, sighash)
	require.NoError(t, err)

	controlBlock, err := fixture.input.Tapscript.ControlBlock.ToBytes()
	require.NoError(t, err)

	closure := fixture.escrow.Closures()[1]
	witness, err := closure.Witness(controlBlock, map[string][]byte{
		"borrowerSig": borrowerSig,
		"lenderSig":   lenderSig,
		"preimage":    fixture.preimage,
	})
	require.NoError(t, err)

	finalHex, err := txbuilder.FinalizeWitness(ptx, 0, witness)
	require.NoError(t, err)

	raw, err := hex.DecodeString(finalHex)
	require.NoError(t, err)

	finalTx := &wire.MsgTx{}
	require.NoError(t, finalTx.Deserialize(bytes.NewReader(raw)))

	prevOuts := txscript.NewCannedPrevOutputFetcher(fixture.pkScript, fixture.input.Amount)
	sigHashes := txscript.NewTxSigHashes(finalTx, prevOuts)

	vm, err := txscript.NewEngine(
		fixture.pkScript, finalTx, 0, txscript.StandardVerifyFlags,
		nil, sigHashes, fixture.input.Amount, prevOuts,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestBuildSweepTx(t *testing.T) {
	fixture := newEscrowFixture(t, 1_110_000, 0)

	ptx, err := txbuilder.BuildSweepTx(
		fixture.input,
		p2trScript(t, fixture.borrower.PubKey()),
		feeRate,
	)
	require.NoError(t, err)

	// the timelocked leaf drives the input sequence
	require.Equal(t, uint32(144), ptx.UnsignedTx.TxIn[0].Sequence)

	require.Len(t, ptx.UnsignedTx.TxOut, 1)
	require.Less(t, ptx.UnsignedTx.TxOut[0].Value, fixture.input.Amount)
	require.Greater(t, ptx.UnsignedTx.TxOut[0].Value, int64(0))

	// sweeping a dust-sized output must fail
	dust := newEscrowFixture(t, 300, 0)
	_, err = txbuilder.BuildSweepTx(
		dust.input,
		p2trScript(t, dust.borrower.PubKey()),
		feeRate,
	)
	require.ErrorIs(t, err, txbuilder.ErrInsufficientAmount)
}

func TestRebuildSpendPacketRoundTrip(t *testing.T) {
	fixture := newEscrowFixture(t, 1_110_000, 1)

	ptx, err := txbuilder.BuildCollateralTx(
		fixture.input,
		p2trScript(t, fixture.borrower.PubKey()), 1_000_000,
		p2trScript(t, fixture.lender.PubKey()), 10_000,
		txbuilder.IntentHashlock,
		feeRate,
	)
	require.NoError(t, err)

	rawHex, err := txbuilder.RawTxHex(ptx)
	require.NoError(t, err)

	rebuilt, err := txbuilder.RebuildSpendPacket(
		rawHex, 0, fixture.input.Amount,
		fixture.input.Tapscript.RevealedScript,
		ptx.Inputs[0].TaprootLeafScript[0].ControlBlock,
	)
	require.NoError(t, err)

	// the rebuilt carrier recomputes the prevout script from the control
	// block, so both sides must agree on the sighash
	want, err := txbuilder.TaprootLeafSighash(ptx, 0, fixture.input.Tapscript.RevealedScript)
	require.NoError(t, err)

	got, err := txbuilder.TaprootLeafSighash(rebuilt, 0, fixture.input.Tapscript.RevealedScript)
	require.NoError(t, err)

	require.Equal(t, want, got)
	require.Equal(t, fixture.pkScript, rebuilt.Inputs[0].WitnessUtxo.PkScript)
}
