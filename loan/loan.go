package loan

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/optimalbrew/vaultero/common"
)

var (
	ErrInvalidLoan       = fmt.Errorf("invalid loan parameters")
	ErrInvalidTransition = fmt.Errorf("invalid loan status transition")
)

// Status tracks loan progression as driven by the external ledger events.
type Status string

const (
	// StatusPending means the borrower requested the loan and funded escrow.
	StatusPending Status = "PENDING"
	// StatusActive means the lender activated the loan, the collateral
	// transaction confirmed.
	StatusActive Status = "ACTIVE"
	// StatusInitFailed means the loan was never activated, the borrower
	// reclaims escrow through the timelocked leaf.
	StatusInitFailed Status = "LOAN_INIT_FAILED"
	// StatusRepaid means the borrower repaid and reclaimed the collateral.
	StatusRepaid Status = "REPAID"
	// StatusDefaulted means the borrower defaulted, the lender claimed the
	// collateral.
	StatusDefaulted Status = "DEFAULTED"
	// StatusSeized means the lender seized the collateral outside a default.
	StatusSeized Status = "SEIZED"
	// StatusUnknown means no loan record exists yet.
	StatusUnknown Status = "UNKNOWN"
)

// Loan describes one collateralized loan between a borrower and a lender.
// Amounts are denominated in satoshis, durations and timelocks in blocks.
type Loan struct {
	ID                 string
	Amount             btcutil.Amount
	InterestRate       float64
	OriginationFee     btcutil.Amount
	Duration           int64
	BorrowerPubkey     *secp256k1.PublicKey
	LenderPubkey       *secp256k1.PublicKey
	BorrowerHash       []byte
	LenderHash         []byte
	EscrowTimelock     common.RelativeLocktime
	CollateralTimelock common.RelativeLocktime
	Status             Status
}

// New validates the parameters and returns the loan in StatusPending,
// assigning a fresh id when none is given.
func New(loan Loan) (*Loan, error) {
	if loan.ID == "" {
		loan.ID = uuid.NewString()
	}
	if loan.Status == "" {
		loan.Status = StatusPending
	}

	if err := loan.Validate(); err != nil {
		return nil, err
	}

	return &loan, nil
}

func (l *Loan) Validate() error {
	if l.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidLoan)
	}
	if l.InterestRate < 0 {
		return fmt.Errorf("%w: interest rate cannot be negative", ErrInvalidLoan)
	}
	if l.OriginationFee < 0 {
		return fmt.Errorf("%w: origination fee cannot be negative", ErrInvalidLoan)
	}
	if l.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidLoan)
	}
	if l.BorrowerPubkey == nil || l.LenderPubkey == nil {
		return fmt.Errorf("%w: borrower and lender must be specified", ErrInvalidLoan)
	}
	if l.BorrowerPubkey.IsEqual(l.LenderPubkey) {
		return fmt.Errorf("%w: borrower and lender keys must be distinct", ErrInvalidLoan)
	}
	if len(l.BorrowerHash) != 32 || len(l.LenderHash) != 32 {
		return fmt.Errorf("%w: hash commitments must be 32 bytes", ErrInvalidLoan)
	}
	if l.EscrowTimelock.Value == 0 || l.CollateralTimelock.Value == 0 {
		return fmt.Errorf("%w: timelocks must be positive", ErrInvalidLoan)
	}
	// the borrower's escape must open before the lender can seize
	if !l.EscrowTimelock.LessThan(l.CollateralTimelock) {
		return fmt.Errorf(
			"%w: escrow timelock must be shorter than collateral timelock", ErrInvalidLoan,
		)
	}
	return nil
}

// Accept moves a pending loan to active.
func (l *Loan) Accept() error {
	return l.transition(StatusPending, StatusActive)
}

// Reject marks a pending loan as failed to initialize.
func (l *Loan) Reject() error {
	return l.transition(StatusPending, StatusInitFailed)
}

// Complete marks an active loan as repaid.
func (l *Loan) Complete() error {
	return l.transition(StatusActive, StatusRepaid)
}

// MarkDefaulted marks an active loan as defaulted.
func (l *Loan) MarkDefaulted() error {
	return l.transition(StatusActive, StatusDefaulted)
}

// MarkSeized marks an active loan's collateral as seized by the lender.
func (l *Loan) MarkSeized() error {
	return l.transition(StatusActive, StatusSeized)
}

func (l *Loan) IsActive() bool {
	return l.Status == StatusActive
}

func (l *Loan) transition(from, to Status) error {
	if l.Status != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, to)
	}
	l.Status = to
	return nil
}
