package badgerdb_test

import (
	"context"
	"crypto/sha256"
	"runtime"
	"testing"
	"time"

	"github.com/optimalbrew/vaultero/loan"
	"github.com/optimalbrew/vaultero/store/badgerdb"
	"github.com/stretchr/testify/require"
)

func TestCommitmentRegistry(t *testing.T) {
	repo, err := badgerdb.NewCommitmentRepository("", nil)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	hash := sha256.Sum256([]byte("borrower secret"))

	used, err := repo.Contains(ctx, hash[:])
	require.NoError(t, err)
	require.False(t, used)

	require.NoError(t, repo.Register(ctx, hash[:], "loan-1"))

	used, err = repo.Contains(ctx, hash[:])
	require.NoError(t, err)
	require.True(t, used)

	// a commitment binds to exactly one loan, ever
	err = repo.Register(ctx, hash[:], "loan-2")
	require.ErrorIs(t, err, loan.ErrCommitmentReused)

	other := sha256.Sum256([]byte("another secret"))
	require.NoError(t, repo.Register(ctx, other[:], "loan-2"))

	require.Error(t, repo.Register(ctx, hash[:16], "loan-3"))
}

func TestCommitmentRegistryOnDisk(t *testing.T) {
	dir := t.TempDir()

	repo, err := badgerdb.NewCommitmentRepository(dir, nil)
	require.NoError(t, err)

	ctx := context.Background()
	hash := sha256.Sum256([]byte("persisted secret"))

	require.NoError(t, repo.Register(ctx, hash[:], "loan-1"))
	require.NoError(t, repo.Close())

	reopened, err := badgerdb.NewCommitmentRepository(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	used, err := reopened.Contains(ctx, hash[:])
	require.NoError(t, err)
	require.True(t, used)
}

func TestCommitmentRegistryCloseStopsGC(t *testing.T) {
	ctx := context.Background()
	baseline := runtime.NumGoroutine()

	const cycles = 5
	for i := 0; i < cycles; i++ {
		repo, err := badgerdb.NewCommitmentRepository(t.TempDir(), nil)
		require.NoError(t, err)

		hash := sha256.Sum256([]byte{byte(i)})
		require.NoError(t, repo.Register(ctx, hash[:], "loan-1"))
		require.NoError(t, repo.Close())
	}

	// badger's own goroutines take a moment to unwind after Close
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() < baseline+cycles
	}, 5*time.Second, 100*time.Millisecond)
}
