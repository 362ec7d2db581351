package txbuilder_test

import (
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/optimalbrew/vaultero/txbuilder"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
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
	require.Len(t, sighash, 32)

	sig, err := txbuilder.SignTapscript(fixture.borrower, sighash)
	require.NoError(t, err)
	require.Len(t, sig, 64)

	require.True(t, txbuilder.VerifyTapscriptSig(fixture.borrower.PubKey(), sighash, sig))

	// wrong key
	require.False(t, txbuilder.VerifyTapscriptSig(fixture.lender.PubKey(), sighash, sig))

	// any single byte flip in the digest breaks verification
	for i := 0; i < len(sighash); i++ {
		mutated := make([]byte, len(sighash))
		copy(mutated, sighash)
		mutated[i] ^= 0x01
		require.False(t, txbuilder.VerifyTapscriptSig(fixture.borrower.PubKey(), mutated, sig))
	}
}

func TestSighashCommitsToTx(t *testing.T) {
	fixture := newEscrowFixture(t, 1_110_000, 1)

	build := func(collateralAmount int64) []byte {
		ptx, err := txbuilder.BuildCollateralTx(
			fixture.input,
			p2trScript(t, fixture.borrower.PubKey()), collateralAmount,
			p2trScript(t, fixture.lender.PubKey()), 10_000,
			txbuilder.IntentHashlock,
			feeRate,
		)
		require.NoError(t, err)

		sighash, err := txbuilder.TaprootLeafSighash(
			ptx, 0, fixture.input.Tapscript.RevealedScript,
		)
		require.NoError(t, err)
		return sighash
	}

	require.Equal(t, build(1_000_000), build(1_000_000))
	require.NotEqual(t, build(1_000_000), build(1_000_001))

	// the digest commits to the specific leaf, not the whole tree
	ptx, err := txbuilder.BuildCollateralTx(
		fixture.input,
		p2trScript(t, fixture.borrower.PubKey()), 1_000_000,
		p2trScript(t, fixture.lender.PubKey()), 10_000,
		txbuilder.IntentHashlock,
		feeRate,
	)
	require.NoError(t, err)

	otherLeaf := make([]byte, len(fixture.input.Tapscript.RevealedScript))
	copy(otherLeaf, fixture.input.Tapscript.RevealedScript)
	otherLeaf[len(otherLeaf)-1] ^= 0x01

	withLeaf, err := txbuilder.TaprootLeafSighash(ptx, 0, fixture.input.Tapscript.RevealedScript)
	require.NoError(t, err)
	withOther, err := txbuilder.TaprootLeafSighash(ptx, 0, otherLeaf)
	require.NoError(t, err)
	require.NotEqual(t, withLeaf, withOther)
}

func TestVerifyMalformedInputs(t *testing.T) {
	seckey, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)

	sighash := make([]byte, 32)
	sig, err := txbuilder.SignTapscript(seckey, sighash)
	require.NoError(t, err)

	require.False(t, txbuilder.VerifyTapscriptSig(nil, sighash, sig))
	require.False(t, txbuilder.VerifyTapscriptSig(seckey.PubKey(), sighash[:31], sig))
	require.False(t, txbuilder.VerifyTapscriptSig(seckey.PubKey(), sighash, nil))
	require.False(t, txbuilder.VerifyTapscriptSig(seckey.PubKey(), sighash, sig[:10]))

	// the 65-byte form with an appended sighash flag still verifies
	flagged := txbuilder.SerializeSignature(sig, txscript.SigHashAll)
	require.Len(t, flagged, 65)
	require.True(t, txbuilder.VerifyTapscriptSig(seckey.PubKey(), sighash, flagged))

	// default sighash type appends nothing
	require.Len(t, txbuilder.SerializeSignature(sig, txscript.SigHashDefault), 64)
}
