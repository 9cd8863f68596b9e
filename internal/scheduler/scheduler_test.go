package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/r3e-faas-sub003/internal/errs"
	"github.com/R3E-Network/r3e-faas-sub003/internal/gasbank"
	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

type fakeRunner struct {
	fn func(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (map[string]any, model.FailureKind, error)
}

func (f *fakeRunner) Run(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (map[string]any, model.FailureKind, error) {
	return f.fn(ctx, fn, inv)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func putFunction(t *testing.T, st *store.Store, fn model.FunctionSpec) {
	t.Helper()
	raw, err := json.Marshal(fn)
	require.NoError(t, err)
	require.NoError(t, st.Put(store.TableFunctions, fn.FunctionID, raw))
}

func waitForState(t *testing.T, st *store.Store, invocationID string, want model.InvocationState, timeout time.Duration) model.Invocation {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		raw, ok, err := st.Get(store.TableRunLog, "inv:"+invocationID)
		if err == nil && ok {
			var inv model.Invocation
			require.NoError(t, json.Unmarshal(raw, &inv))
			if inv.State == want {
				return inv
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("invocation %s never reached state %s", invocationID, want)
	return model.Invocation{}
}

func TestSchedulerRunsAdmittedInvocationToSuccess(t *testing.T) {
	st := newTestStore(t)
	putFunction(t, st, model.FunctionSpec{FunctionID: "fn-1", Limits: model.ResourceLimits{WallClock: time.Second}})

	runner := &fakeRunner{fn: func(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (map[string]any, model.FailureKind, error) {
		return map[string]any{"ok": true}, "", nil
	}}
	s := New(Config{Workers: 2}, st, runner, logging.New("scheduler", "error", "json"))
	defer s.Stop()

	inv := model.Invocation{InvocationID: "inv-1", FunctionID: "fn-1", State: model.StateQueued, Attempt: 1}
	require.NoError(t, s.Enqueue(context.Background(), inv))

	got := waitForState(t, st, "inv-1", model.StateSucceeded, time.Second)
	require.Equal(t, true, got.Result["ok"])
}

func TestSchedulerRejectsWhenPerFunctionQueueFull(t *testing.T) {
	st := newTestStore(t)
	putFunction(t, st, model.FunctionSpec{FunctionID: "fn-1", Limits: model.ResourceLimits{WallClock: time.Second}})

	block := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (map[string]any, model.FailureKind, error) {
		<-block
		return nil, "", nil
	}}
	// Single worker, per-function concurrency 1, per-function queue depth 1:
	// one invocation runs, one more queues, the third must be rejected.
	s := New(Config{Workers: 1, PerFunctionLimit: 1, PerFunctionQueue: 1}, st, runner, logging.New("scheduler", "error", "json"))
	defer func() { close(block); s.Stop() }()

	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, model.Invocation{InvocationID: "inv-a", FunctionID: "fn-1", Attempt: 1}))
	require.NoError(t, s.Enqueue(ctx, model.Invocation{InvocationID: "inv-b", FunctionID: "fn-1", Attempt: 1}))

	err := s.Enqueue(ctx, model.Invocation{InvocationID: "inv-c", FunctionID: "fn-1", Attempt: 1})
	require.ErrorIs(t, err, errs.ErrOverloaded)
}

func TestSchedulerTimesOutSlowInvocation(t *testing.T) {
	st := newTestStore(t)
	putFunction(t, st, model.FunctionSpec{FunctionID: "fn-slow", Limits: model.ResourceLimits{WallClock: 10 * time.Millisecond}})

	runner := &fakeRunner{fn: func(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (map[string]any, model.FailureKind, error) {
		<-ctx.Done()
		return nil, "", ctx.Err()
	}}
	s := New(Config{Workers: 1}, st, runner, logging.New("scheduler", "error", "json"))
	defer s.Stop()

	require.NoError(t, s.Enqueue(context.Background(), model.Invocation{InvocationID: "inv-slow", FunctionID: "fn-slow", Attempt: 1}))
	waitForState(t, st, "inv-slow", model.StateTimeout, time.Second)
}

func TestSchedulerReservesAndCommitsGasOnSuccess(t *testing.T) {
	st := newTestStore(t)
	putFunction(t, st, model.FunctionSpec{
		FunctionID: "fn-1",
		Owner:      "alice",
		Limits:     model.ResourceLimits{WallClock: time.Second, MemoryBytes: 128 * 1024 * 1024},
	})

	ledger := gasbank.NewLedger(newLedgerStore(t), logging.New("gasbank", "error", "json"))
	ctx := context.Background()
	_, err := ledger.Deposit(ctx, "alice", model.ChainCompute, 100000, "0xfund")
	require.NoError(t, err)

	runner := &fakeRunner{fn: func(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (map[string]any, model.FailureKind, error) {
		return map[string]any{"ok": true}, "", nil
	}}
	s := New(Config{Workers: 2, Ledger: ledger}, st, runner, logging.New("scheduler", "error", "json"))
	defer s.Stop()

	require.NoError(t, s.Enqueue(ctx, model.Invocation{InvocationID: "inv-1", FunctionID: "fn-1", Attempt: 1}))
	waitForState(t, st, "inv-1", model.StateSucceeded, time.Second)

	acc, err := ledger.Account(ctx, "alice", model.ChainCompute)
	require.NoError(t, err)
	require.Equal(t, int64(0), acc.Reserved)
	require.LessOrEqual(t, acc.Balance, int64(100000))
}

func TestSchedulerRejectsInsufficientFundsWithoutAdmitting(t *testing.T) {
	st := newTestStore(t)
	putFunction(t, st, model.FunctionSpec{FunctionID: "fn-1", Owner: "bob", Limits: model.ResourceLimits{WallClock: time.Second}})

	ledger := gasbank.NewLedger(newLedgerStore(t), logging.New("gasbank", "error", "json"))

	runner := &fakeRunner{fn: func(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (map[string]any, model.FailureKind, error) {
		return map[string]any{"ok": true}, "", nil
	}}
	s := New(Config{Workers: 1, Ledger: ledger}, st, runner, logging.New("scheduler", "error", "json"))
	defer s.Stop()

	err := s.Enqueue(context.Background(), model.Invocation{InvocationID: "inv-1", FunctionID: "fn-1", Attempt: 1})
	require.ErrorIs(t, err, errs.ErrInsufficientFunds)

	raw, ok, err := st.Get(store.TableRunLog, "inv:inv-1")
	require.NoError(t, err)
	require.True(t, ok)
	var inv model.Invocation
	require.NoError(t, json.Unmarshal(raw, &inv))
	require.Equal(t, model.StateRejected, inv.State)
	require.Equal(t, model.RejectInsufficientFund, inv.FailureKind)
}

func TestSchedulerReleasesGasOnOverloadReject(t *testing.T) {
	st := newTestStore(t)
	putFunction(t, st, model.FunctionSpec{
		FunctionID: "fn-1",
		Owner:      "carol",
		Limits:     model.ResourceLimits{WallClock: time.Second, MemoryBytes: 1024 * 1024},
	})

	ledger := gasbank.NewLedger(newLedgerStore(t), logging.New("gasbank", "error", "json"))
	ctx := context.Background()
	_, err := ledger.Deposit(ctx, "carol", model.ChainCompute, 1_000_000, "0xfund")
	require.NoError(t, err)

	block := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (map[string]any, model.FailureKind, error) {
		<-block
		return nil, "", nil
	}}
	s := New(Config{Workers: 1, PerFunctionLimit: 1, PerFunctionQueue: 1, Ledger: ledger}, st, runner, logging.New("scheduler", "error", "json"))
	defer func() { close(block); s.Stop() }()

	require.NoError(t, s.Enqueue(ctx, model.Invocation{InvocationID: "inv-a", FunctionID: "fn-1", Attempt: 1}))
	require.NoError(t, s.Enqueue(ctx, model.Invocation{InvocationID: "inv-b", FunctionID: "fn-1", Attempt: 1}))

	err = s.Enqueue(ctx, model.Invocation{InvocationID: "inv-c", FunctionID: "fn-1", Attempt: 1})
	require.ErrorIs(t, err, errs.ErrOverloaded)

	acc, err := ledger.Account(ctx, "carol", model.ChainCompute)
	require.NoError(t, err)
	// Two admitted invocations hold a reservation each (1MB * 1s * 100 =
	// 100 per reservation); the rejected third never left one behind.
	require.Equal(t, int64(200), acc.Reserved)
}

func newLedgerStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sched-gasbank.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSchedulerRetriesTransientThenDeadLetters(t *testing.T) {
	st := newTestStore(t)
	putFunction(t, st, model.FunctionSpec{FunctionID: "fn-flaky", Limits: model.ResourceLimits{WallClock: time.Second}})

	var attempts int32
	runner := &fakeRunner{fn: func(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (map[string]any, model.FailureKind, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, "", errs.ErrChainUnavailable
	}}
	s := New(Config{Workers: 1, Retry: RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}}, st, runner, logging.New("scheduler", "error", "json"))
	defer s.Stop()

	require.NoError(t, s.Enqueue(context.Background(), model.Invocation{InvocationID: "inv-flaky", FunctionID: "fn-flaky", Attempt: 1}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if raw, ok, _ := st.Get(store.TableDeadLetters, "inv-flaky"); ok {
			var inv model.Invocation
			require.NoError(t, json.Unmarshal(raw, &inv))
			require.Equal(t, model.FailureExhausted, inv.FailureKind)
			require.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 2)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("invocation was never dead-lettered")
}
