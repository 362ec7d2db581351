package loan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

var ErrInvalidSignaturePackage = fmt.Errorf("invalid signature package")

// SignaturePackage is the interchange record the borrower hands to the
// lender out-of-band. It carries everything the lender needs to rebuild the
// collateral transaction, verify the borrower's leaf signature and complete
// the witness once the preimage is revealed. The preimage itself is never
// part of the record.
type SignaturePackage struct {
	LoanID            string `json:"loan_id"`
	Signature         string `json:"signature"`
	Txid              string `json:"txid"`
	Vout              uint32 `json:"vout"`
	RawTx             string `json:"raw_tx"`
	InputAmount       int64  `json:"input_amount"`
	LeafIndex         int    `json:"leaf_index"`
	TapleafScript     string `json:"tapleaf_script"`
	ControlBlock      string `json:"control_block"`
	EscrowOutputIsOdd bool   `json:"escrow_output_is_odd_parity"`
	BorrowerPubkey    string `json:"borrower_pubkey"`
	LenderPubkey      string `json:"lender_pubkey"`
	HashCommitment    string `json:"hash_commitment"`
	Timelock          uint32 `json:"timelock"`
	CollateralAmount  int64  `json:"collateral_amount"`
	OriginationFee    int64  `json:"origination_fee"`
}

func (p *SignaturePackage) Validate() error {
	sig, err := hex.DecodeString(p.Signature)
	if err != nil || (len(sig) != 64 && len(sig) != 65) {
		return fmt.Errorf("%w: signature", ErrInvalidSignaturePackage)
	}
	if _, err := hex.DecodeString(p.RawTx); err != nil || p.RawTx == "" {
		return fmt.Errorf("%w: raw_tx", ErrInvalidSignaturePackage)
	}
	if _, err := hex.DecodeString(p.TapleafScript); err != nil || p.TapleafScript == "" {
		return fmt.Errorf("%w: tapleaf_script", ErrInvalidSignaturePackage)
	}
	controlBlock, err := hex.DecodeString(p.ControlBlock)
	if err != nil || len(controlBlock) < 33 {
		return fmt.Errorf("%w: control_block", ErrInvalidSignaturePackage)
	}
	hash, err := hex.DecodeString(p.HashCommitment)
	if err != nil || len(hash) != 32 {
		return fmt.Errorf("%w: hash_commitment", ErrInvalidSignaturePackage)
	}
	if p.InputAmount <= 0 {
		return fmt.Errorf("%w: input_amount", ErrInvalidSignaturePackage)
	}
	if p.LeafIndex < 0 || p.LeafIndex > 1 {
		return fmt.Errorf("%w: leaf_index", ErrInvalidSignaturePackage)
	}
	return nil
}

// Save writes the record as JSON, the artifact sent to the counterparty.
func (p *SignaturePackage) Save(path string) error {
	if err := p.Validate(); err != nil {
		return err
	}

	buf, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, buf, 0600)
}

// LoadSignaturePackage reads and validates a record received from the
// counterparty. The content is untrusted until Validate and signature
// verification both pass.
func LoadSignaturePackage(path string) (*SignaturePackage, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	pkg := &SignaturePackage{}
	if err := json.Unmarshal(buf, pkg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSignaturePackage, err)
	}

	if err := pkg.Validate(); err != nil {
		return nil, err
	}

	return pkg, nil
}
