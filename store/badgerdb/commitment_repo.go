package badgerdb

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/optimalbrew/vaultero/loan"
	"github.com/timshannon/badgerhold/v4"
)

const commitmentStoreDir = "commitments"

type usedCommitment struct {
	Commitment string
	LoanID     string
	CreatedAt  int64
}

type commitmentRepository struct {
	store  *badgerhold.Store
	stopGC func()
}

// NewCommitmentRepository opens the append-only hash commitment registry.
// An empty baseDir opens an in-memory store, used in tests.
func NewCommitmentRepository(baseDir string, logger badger.Logger) (loan.CommitmentRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, commitmentStoreDir)
	}
	store, stopGC, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open commitment store: %s", err)
	}

	return &commitmentRepository{store, stopGC}, nil
}

func (r *commitmentRepository) Register(
	ctx context.Context, commitment []byte, loanID string,
) error {
	if len(commitment) != 32 {
		return fmt.Errorf("commitment must be 32 bytes, got %d", len(commitment))
	}

	key := hex.EncodeToString(commitment)
	record := usedCommitment{
		Commitment: key,
		LoanID:     loanID,
		CreatedAt:  time.Now().Unix(),
	}

	if err := r.store.Insert(key, record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("%w: %s", loan.ErrCommitmentReused, key)
		}
		return err
	}
	return nil
}

func (r *commitmentRepository) Contains(
	ctx context.Context, commitment []byte,
) (bool, error) {
	var record usedCommitment
	err := r.store.Get(hex.EncodeToString(commitment), &record)
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *commitmentRepository) Close() error {
	r.stopGC()
	return r.store.Close()
}
