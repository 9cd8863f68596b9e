package gasbank

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/r3e-faas-sub003/internal/errs"
	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gasbank.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewLedger(st, logging.New("gasbank", "error", "json"))
}

func TestDepositAndWithdraw(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	acc, err := l.Deposit(ctx, "alice", model.ChainNeoN3, 100, "0xabc")
	require.NoError(t, err)
	require.Equal(t, int64(100), acc.Balance)

	// Same proof tx hash credits exactly once.
	acc, err = l.Deposit(ctx, "alice", model.ChainNeoN3, 100, "0xabc")
	require.NoError(t, err)
	require.Equal(t, int64(100), acc.Balance)

	acc, err = l.Withdraw(ctx, "alice", model.ChainNeoN3, 40, "bob")
	require.NoError(t, err)
	require.Equal(t, int64(60), acc.Balance)

	_, err = l.Withdraw(ctx, "alice", model.ChainNeoN3, 1000, "bob")
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)
}

func TestReserveCommitRelease(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, "alice", model.ChainEthereum, 100, "0x1")
	require.NoError(t, err)

	id, err := l.Reserve(ctx, "alice", model.ChainEthereum, 30)
	require.NoError(t, err)

	acc, err := l.Account(ctx, "alice", model.ChainEthereum)
	require.NoError(t, err)
	require.Equal(t, int64(30), acc.Reserved)

	// available = balance - reserved = 70; a second reserve for 80 must fail.
	_, err = l.Reserve(ctx, "alice", model.ChainEthereum, 80)
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)

	require.NoError(t, l.Commit(ctx, id, 10))

	acc, err = l.Account(ctx, "alice", model.ChainEthereum)
	require.NoError(t, err)
	require.Equal(t, int64(0), acc.Reserved)
	require.Equal(t, int64(90), acc.Balance)
}

func TestReleaseReturnsHoldWithoutDebit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, "alice", model.ChainNeoN3, 50, "0x2")
	require.NoError(t, err)

	id, err := l.Reserve(ctx, "alice", model.ChainNeoN3, 50)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, id))

	acc, err := l.Account(ctx, "alice", model.ChainNeoN3)
	require.NoError(t, err)
	require.Equal(t, int64(0), acc.Reserved)
	require.Equal(t, int64(50), acc.Balance)

	// Double release/commit of an already-resolved reservation is rejected.
	require.ErrorIs(t, l.Release(ctx, id), errs.ErrNotFound)
	require.ErrorIs(t, l.Commit(ctx, id, 0), errs.ErrNotFound)
}

// TestReserveRaceExactlyOneWins reproduces spec §8's "Gas reserve race"
// scenario: two concurrent reservations against a balance that can satisfy
// only one of them must leave exactly one winner.
func TestReserveRaceExactlyOneWins(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, "alice", model.ChainNeoN3, 100, "0x3")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = l.Reserve(ctx, "alice", model.ChainNeoN3, 60)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		}
	}
	require.Equal(t, 1, succeeded)

	acc, err := l.Account(ctx, "alice", model.ChainNeoN3)
	require.NoError(t, err)
	require.Equal(t, int64(60), acc.Reserved)
	require.LessOrEqual(t, acc.Reserved, acc.Balance)
}
