package loan

import (
	"context"
	"fmt"
)

// ErrCommitmentReused signals that a hash commitment was already bound to an
// earlier loan. Reusing one would let a past counterparty replay the secret.
var ErrCommitmentReused = fmt.Errorf("hash commitment already used")

// CommitmentRepository is an append-only registry of hash commitments seen
// across loans. Register fails with ErrCommitmentReused on a duplicate.
type CommitmentRepository interface {
	Register(ctx context.Context, commitment []byte, loanID string) error
	Contains(ctx context.Context, commitment []byte) (bool, error)
	Close() error
}
