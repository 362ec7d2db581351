package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/waddrmgr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	vaultero "github.com/optimalbrew/vaultero"
	"github.com/optimalbrew/vaultero/common"
	"github.com/optimalbrew/vaultero/internal/config"
	"github.com/optimalbrew/vaultero/loan"
	"github.com/optimalbrew/vaultero/store/badgerdb"
	"github.com/optimalbrew/vaultero/txbuilder"
	"github.com/optimalbrew/vaultero/vaulttree"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	version = "0.1.0"

	cfg *config.Config
)

var (
	preimageCommand = cli.Command{
		Name:  "preimage",
		Usage: "Generate a fresh preimage and register its hash commitment",
		Action: func(ctx *cli.Context) error {
			return generatePreimage(ctx)
		},
		Flags: []cli.Flag{&loanIDFlag},
	}

	escrowAddressCommand = cli.Command{
		Name:  "escrow-address",
		Usage: "Derive the taproot address of the escrow output",
		Action: func(ctx *cli.Context) error {
			return escrowAddress(ctx)
		},
		Flags: []cli.Flag{&borrowerFlag, &lenderFlag, &hashFlag, &timelockFlag, &loanIDFlag},
	}

	collateralAddressCommand = cli.Command{
		Name:  "collateral-address",
		Usage: "Derive the taproot address of the collateral output",
		Action: func(ctx *cli.Context) error {
			return collateralAddress(ctx)
		},
		Flags: []cli.Flag{&borrowerFlag, &lenderFlag, &hashFlag, &timelockFlag},
	}

	buildEscrowCommand = cli.Command{
		Name:  "build-escrow",
		Usage: "Build the unsigned transaction funding the escrow output",
		Action: func(ctx *cli.Context) error {
			return buildEscrow(ctx)
		},
		Flags: []cli.Flag{
			&borrowerFlag, &lenderFlag, &hashFlag, &timelockFlag,
			&fundingTxidFlag, &fundingVoutFlag, &fundingValueFlag, &fundingScriptFlag,
			&amountFlag,
		},
	}

	buildCollateralCommand = cli.Command{
		Name:  "build-collateral",
		Usage: "Build the unsigned transaction moving escrow funds into the collateral output",
		Action: func(ctx *cli.Context) error {
			return buildCollateral(ctx)
		},
		Flags: []cli.Flag{
			&borrowerFlag, &lenderFlag, &hashFlag, &timelockFlag,
			&collateralHashFlag, &collateralTimelockFlag,
			&escrowTxidFlag, &escrowVoutFlag, &escrowAmountFlag,
			&amountFlag, &originationFeeFlag, &intentFlag,
		},
	}

	signCommand = cli.Command{
		Name:  "sign",
		Usage: "Sign the collateral transaction as borrower and write the signature package",
		Action: func(ctx *cli.Context) error {
			return signAsBorrower(ctx)
		},
		Flags: []cli.Flag{
			&borrowerFlag, &lenderFlag, &hashFlag, &timelockFlag,
			&privkeyFlag, &loanIDFlag, &rawTxFlag,
			&escrowTxidFlag, &escrowVoutFlag, &escrowAmountFlag,
			&leafIndexFlag, &amountFlag, &originationFeeFlag, &fileFlag,
		},
	}

	verifyCommand = cli.Command{
		Name:  "verify",
		Usage: "Verify the borrower signature in a signature package",
		Action: func(ctx *cli.Context) error {
			return verifySignature(ctx)
		},
		Flags: []cli.Flag{&fileFlag, &borrowerFlag},
	}

	completeCommand = cli.Command{
		Name:  "complete",
		Usage: "Complete the witness as lender with the revealed preimage",
		Action: func(ctx *cli.Context) error {
			return completeWitness(ctx)
		},
		Flags: []cli.Flag{&fileFlag, &privkeyFlag, &preimageFlag},
	}

	sweepCommand = cli.Command{
		Name:  "sweep",
		Usage: "Spend a vault output in full to your own key through one of its leaves",
		Action: func(ctx *cli.Context) error {
			return sweep(ctx)
		},
		Flags: []cli.Flag{
			&borrowerFlag, &lenderFlag, &hashFlag, &timelockFlag,
			&kindFlag, &leafIndexFlag,
			&escrowTxidFlag, &escrowVoutFlag, &escrowAmountFlag,
			&privkeyFlag, &preimageFlag,
		},
	}
)

var (
	borrowerFlag = cli.StringFlag{
		Name:     "borrower",
		Usage:    "borrower public key (hex, x-only or compressed)",
		Required: true,
	}
	lenderFlag = cli.StringFlag{
		Name:     "lender",
		Usage:    "lender public key (hex, x-only or compressed)",
		Required: true,
	}
	hashFlag = cli.StringFlag{
		Name:     "hash",
		Usage:    "sha256 hash commitment (hex, 32 bytes)",
		Required: true,
	}
	timelockFlag = cli.Int64Flag{
		Name:  "timelock",
		Usage: "relative timelock of the escape leaf in blocks",
		Value: 144,
	}
	collateralHashFlag = cli.StringFlag{
		Name:  "collateral-hash",
		Usage: "hash commitment of the collateral output (hex, 32 bytes)",
	}
	collateralTimelockFlag = cli.Int64Flag{
		Name:  "collateral-timelock",
		Usage: "relative timelock of the lender's seizure leaf in blocks",
		Value: 1008,
	}
	fundingTxidFlag = cli.StringFlag{
		Name:     "funding-txid",
		Usage:    "txid of the funding utxo",
		Required: true,
	}
	fundingVoutFlag = cli.UintFlag{
		Name:  "funding-vout",
		Usage: "vout of the funding utxo",
	}
	fundingValueFlag = cli.Int64Flag{
		Name:     "funding-value",
		Usage:    "value of the funding utxo in sats",
		Required: true,
	}
	fundingScriptFlag = cli.StringFlag{
		Name:     "funding-script",
		Usage:    "output script of the funding utxo (hex)",
		Required: true,
	}
	escrowTxidFlag = cli.StringFlag{
		Name:     "txid",
		Usage:    "txid of the vault output being spent",
		Required: true,
	}
	escrowVoutFlag = cli.UintFlag{
		Name:  "vout",
		Usage: "vout of the vault output being spent",
	}
	escrowAmountFlag = cli.Int64Flag{
		Name:     "input-amount",
		Usage:    "value of the vault output in sats",
		Required: true,
	}
	amountFlag = cli.Int64Flag{
		Name:  "amount",
		Usage: "output amount in sats",
	}
	originationFeeFlag = cli.Int64Flag{
		Name:  "origination-fee",
		Usage: "origination fee paid to the lender in sats, 0 to omit the output",
	}
	intentFlag = cli.StringFlag{
		Name:  "intent",
		Usage: "spending path the transaction is built for: csv or hashlock",
		Value: "hashlock",
	}
	privkeyFlag = cli.StringFlag{
		Name:     "privkey",
		Usage:    "signing private key (hex)",
		Required: true,
		Hidden:   true,
	}
	loanIDFlag = cli.StringFlag{
		Name:  "loan-id",
		Usage: "loan identifier on the external ledger",
	}
	rawTxFlag = cli.StringFlag{
		Name:     "raw-tx",
		Usage:    "unsigned transaction to sign (wire-format hex)",
		Required: true,
	}
	leafIndexFlag = cli.IntFlag{
		Name:  "leaf-index",
		Usage: "leaf being spent: 0 for the escape path, 1 for the hashlock path",
		Value: 1,
	}
	fileFlag = cli.StringFlag{
		Name:     "file",
		Usage:    "signature package file",
		Required: true,
	}
	preimageFlag = cli.StringFlag{
		Name:  "preimage",
		Usage: "revealed preimage (hex)",
	}
	kindFlag = cli.StringFlag{
		Name:  "kind",
		Usage: "vault output kind: escrow or collateral",
		Value: "escrow",
	}
)

func main() {
	app := cli.NewApp()

	app.Version = version
	app.Name = "vaultero"
	app.Usage = "btc collateral vault command line interface"
	app.Commands = append(
		app.Commands,
		&preimageCommand,
		&escrowAddressCommand,
		&collateralAddressCommand,
		&buildEscrowCommand,
		&buildCollateralCommand,
		&signCommand,
		&verifyCommand,
		&completeCommand,
		&sweepCommand,
	)

	app.Before = func(ctx *cli.Context) error {
		c, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("error while loading config: %v", err)
		}
		cfg = c

		log.SetLevel(log.Level(cfg.LogLevel))
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func vaultParams(ctx *cli.Context) (vaultero.VaultParams, error) {
	borrower, err := vaulttree.ParseXOnlyPubKey(ctx.String("borrower"))
	if err != nil {
		return vaultero.VaultParams{}, fmt.Errorf("borrower: %w", err)
	}

	lender, err := vaulttree.ParseXOnlyPubKey(ctx.String("lender"))
	if err != nil {
		return vaultero.VaultParams{}, fmt.Errorf("lender: %w", err)
	}

	hash, err := vaulttree.ParsePreimageHash(ctx.String("hash"))
	if err != nil {
		return vaultero.VaultParams{}, err
	}

	return vaultero.VaultParams{
		BorrowerPubkey: borrower,
		LenderPubkey:   lender,
		HashCommitment: hash,
		TimelockBlocks: ctx.Int64("timelock"),
	}, nil
}

func collateralVaultParams(ctx *cli.Context) (vaultero.VaultParams, error) {
	params, err := vaultParams(ctx)
	if err != nil {
		return vaultero.VaultParams{}, err
	}

	hash, err := vaulttree.ParsePreimageHash(ctx.String("collateral-hash"))
	if err != nil {
		return vaultero.VaultParams{}, fmt.Errorf("collateral-hash: %w", err)
	}

	params.HashCommitment = hash
	params.TimelockBlocks = ctx.Int64("collateral-timelock")
	return params, nil
}

func parsePrivKey(ctx *cli.Context) (*secp256k1.PrivateKey, error) {
	keyBytes, err := hex.DecodeString(ctx.String("privkey"))
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("invalid private key")
	}
	return secp256k1.PrivKeyFromBytes(keyBytes), nil
}

func generatePreimage(ctx *cli.Context) error {
	preimage, hash, err := loan.NewPreimage()
	if err != nil {
		return err
	}

	if loanID := ctx.String("loan-id"); loanID != "" {
		repo, err := badgerdb.NewCommitmentRepository(cfg.Datadir, log.New())
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.Register(context.Background(), hash, loanID); err != nil {
			return err
		}
	}

	return printJSON(map[string]interface{}{
		"preimage":        hex.EncodeToString(preimage),
		"hash_commitment": hex.EncodeToString(hash),
	})
}

func escrowAddress(ctx *cli.Context) error {
	params, err := vaultParams(ctx)
	if err != nil {
		return err
	}

	// accepting loan parameters binds the commitment to this loan
	if loanID := ctx.String("loan-id"); loanID != "" {
		repo, err := badgerdb.NewCommitmentRepository(cfg.Datadir, log.New())
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.Register(context.Background(), params.HashCommitment, loanID); err != nil {
			return err
		}
	}

	addr, err := vaultero.DeriveEscrowAddress(params, cfg.Network)
	if err != nil {
		return err
	}

	return printJSON(map[string]interface{}{
		"address": addr,
		"network": cfg.Network.Name,
	})
}

func collateralAddress(ctx *cli.Context) error {
	params, err := vaultParams(ctx)
	if err != nil {
		return err
	}

	addr, err := vaultero.DeriveCollateralAddress(params, cfg.Network)
	if err != nil {
		return err
	}

	return printJSON(map[string]interface{}{
		"address": addr,
		"network": cfg.Network.Name,
	})
}

func buildEscrow(ctx *cli.Context) error {
	params, err := vaultParams(ctx)
	if err != nil {
		return err
	}

	fundingScript, err := hex.DecodeString(ctx.String("funding-script"))
	if err != nil {
		return fmt.Errorf("invalid funding script: %w", err)
	}

	rawHex, err := vaultero.BuildEscrowTransaction(
		params,
		ctx.String("funding-txid"), uint32(ctx.Uint("funding-vout")),
		ctx.Int64("funding-value"), fundingScript,
		ctx.Int64("amount"),
	)
	if err != nil {
		return err
	}

	return printJSON(map[string]interface{}{
		"raw_tx": rawHex,
	})
}

func buildCollateral(ctx *cli.Context) error {
	escrowParams, err := vaultParams(ctx)
	if err != nil {
		return err
	}

	collateralParams, err := collateralVaultParams(ctx)
	if err != nil {
		return err
	}

	var intent txbuilder.LeafIntent
	switch ctx.String("intent") {
	case "csv":
		intent = txbuilder.IntentCsvEscape
	case "hashlock":
		intent = txbuilder.IntentHashlock
	default:
		return fmt.Errorf("invalid intent %q, want csv or hashlock", ctx.String("intent"))
	}

	rawHex, err := vaultero.BuildCollateralTransaction(
		escrowParams, collateralParams,
		ctx.String("txid"), uint32(ctx.Uint("vout")), ctx.Int64("input-amount"),
		ctx.Int64("amount"), ctx.Int64("origination-fee"),
		intent,
		cfg.FeeRate,
	)
	if err != nil {
		return err
	}

	return printJSON(map[string]interface{}{
		"raw_tx": rawHex,
	})
}

func signAsBorrower(ctx *cli.Context) error {
	params, err := vaultParams(ctx)
	if err != nil {
		return err
	}

	privKey, err := parsePrivKey(ctx)
	if err != nil {
		return err
	}

	pkg, err := vaultero.SignAsBorrower(
		privKey, ctx.String("loan-id"),
		params,
		ctx.String("raw-tx"),
		ctx.String("txid"), uint32(ctx.Uint("vout")), ctx.Int64("input-amount"),
		ctx.Int("leaf-index"),
		ctx.Int64("amount"), ctx.Int64("origination-fee"),
	)
	if err != nil {
		return err
	}

	path := ctx.String("file")
	if err := pkg.Save(path); err != nil {
		return err
	}

	log.Infof("signature package written to %s", path)
	return printJSON(pkg)
}

func verifySignature(ctx *cli.Context) error {
	pkg, err := loan.LoadSignaturePackage(ctx.String("file"))
	if err != nil {
		return err
	}

	borrower, err := vaulttree.ParseXOnlyPubKey(ctx.String("borrower"))
	if err != nil {
		return fmt.Errorf("borrower: %w", err)
	}

	return printJSON(map[string]interface{}{
		"valid": vaultero.VerifyBorrowerSignature(pkg, borrower),
	})
}

func completeWitness(ctx *cli.Context) error {
	pkg, err := loan.LoadSignaturePackage(ctx.String("file"))
	if err != nil {
		return err
	}

	privKey, err := parsePrivKey(ctx)
	if err != nil {
		return err
	}

	preimage, err := hex.DecodeString(ctx.String("preimage"))
	if err != nil {
		return fmt.Errorf("invalid preimage: %w", err)
	}

	finalHex, err := vaultero.CompleteWitnessAsLender(pkg, privKey, preimage)
	if err != nil {
		return err
	}

	return printJSON(map[string]interface{}{
		"final_tx": finalHex,
	})
}

func sweep(ctx *cli.Context) error {
	params, err := vaultParams(ctx)
	if err != nil {
		return err
	}

	privKey, err := parsePrivKey(ctx)
	if err != nil {
		return err
	}

	var script vaulttree.VaultScript
	switch ctx.String("kind") {
	case "escrow":
		escrow, err := escrowVaultScript(params)
		if err != nil {
			return err
		}
		script = escrow
	case "collateral":
		collateral, err := collateralVaultScript(params)
		if err != nil {
			return err
		}
		script = collateral
	default:
		return fmt.Errorf("invalid kind %q, want escrow or collateral", ctx.String("kind"))
	}

	leafIndex := ctx.Int("leaf-index")
	proof, err := vaulttree.LeafProof(script, leafIndex)
	if err != nil {
		return err
	}

	controlBlock, err := txscript.ParseControlBlock(proof.ControlBlock)
	if err != nil {
		return err
	}

	txid, err := chainhash.NewHashFromStr(ctx.String("txid"))
	if err != nil {
		return fmt.Errorf("invalid txid: %w", err)
	}

	input := txbuilder.VaultInput{
		Outpoint: wire.NewOutPoint(txid, uint32(ctx.Uint("vout"))),
		Amount:   ctx.Int64("input-amount"),
		Tapscript: &waddrmgr.Tapscript{
			ControlBlock:   controlBlock,
			RevealedScript: proof.Script,
		},
	}

	destScript, err := common.P2TRScript(privKey.PubKey())
	if err != nil {
		return err
	}

	ptx, err := txbuilder.BuildSweepTx(input, destScript, cfg.FeeRate)
	if err != nil {
		return err
	}

	sighash, err := txbuilder.TaprootLeafSighash(ptx, 0, proof.Script)
	if err != nil {
		return err
	}

	sig, err := txbuilder.SignTapscript(privKey, sighash)
	if err != nil {
		return err
	}

	opts := map[string][]byte{"sig": sig}
	if preimageHex := ctx.String("preimage"); preimageHex != "" {
		preimage, err := hex.DecodeString(preimageHex)
		if err != nil {
			return fmt.Errorf("invalid preimage: %w", err)
		}
		opts["preimage"] = preimage
	}

	witness, err := script.Closures()[leafIndex].Witness(proof.ControlBlock, opts)
	if err != nil {
		return err
	}

	finalHex, err := txbuilder.FinalizeWitness(ptx, 0, witness)
	if err != nil {
		return err
	}

	return printJSON(map[string]interface{}{
		"final_tx": finalHex,
	})
}

func escrowVaultScript(params vaultero.VaultParams) (*vaulttree.EscrowScript, error) {
	locktime, err := common.RelativeLocktimeBlocks(params.TimelockBlocks)
	if err != nil {
		return nil, err
	}
	return &vaulttree.EscrowScript{
		BorrowerPubkey: params.BorrowerPubkey,
		LenderPubkey:   params.LenderPubkey,
		PreimageHash:   params.HashCommitment,
		Timelock:       locktime,
	}, nil
}

func collateralVaultScript(params vaultero.VaultParams) (*vaulttree.CollateralScript, error) {
	locktime, err := common.RelativeLocktimeBlocks(params.TimelockBlocks)
	if err != nil {
		return nil, err
	}
	return &vaulttree.CollateralScript{
		BorrowerPubkey: params.BorrowerPubkey,
		LenderPubkey:   params.LenderPubkey,
		PreimageHash:   params.HashCommitment,
		Timelock:       locktime,
	}, nil
}

func printJSON(resp interface{}) error {
	jsonBytes, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return err
	}

	fmt.Println(string(jsonBytes))
	return nil
}
