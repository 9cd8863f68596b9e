package sandbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/r3e-faas-sub003/internal/bus"
	"github.com/R3E-Network/r3e-faas-sub003/internal/gasbank"
	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/secrets"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
	"github.com/R3E-Network/r3e-faas-sub003/internal/tee"
	"github.com/R3E-Network/r3e-faas-sub003/internal/triggers"
)

type noopDispatcher struct{}

func (noopDispatcher) Enqueue(ctx context.Context, inv model.Invocation) error { return nil }

type fakeHeightFetcher struct{ height uint64 }

func (f *fakeHeightFetcher) BlockCount(ctx context.Context) (uint64, error) { return f.height, nil }

type fakeOracleFetcher struct{ value any }

func (f *fakeOracleFetcher) Fetch(ctx context.Context) (any, error) { return f.value, nil }

type collectingLogSink struct{ lines []string }

func (s *collectingLogSink) Append(ctx context.Context, functionID, invocationID, level, message string) error {
	s.lines = append(s.lines, message)
	return nil
}

func newTestPool(t *testing.T, logSink LogSink) (*Pool, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sandbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mgr, err := secrets.NewManager(st, []byte("01234567890123456789012345678901"), nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Put(context.Background(), "owner-1", "api-key", "s3cr3t"))

	keys := tee.NewKeyStore(tee.Simulated{}, time.Hour)
	signingKey, err := keys.GenerateKey(context.Background(), "system", nil, model.RotationPolicy{}, time.Hour)
	require.NoError(t, err)

	b, err := bus.New(st, noopDispatcher{})
	require.NoError(t, err)

	deps := Deps{
		Store:   st,
		Secrets: mgr,
		Keys:    keys,
		Bus:     b,
		Chain:   &fakeHeightFetcher{height: 42},
		OracleFeeds: map[string]triggers.OracleFetcher{
			"price-feed": &fakeOracleFetcher{value: 123.45},
		},
		LogSink: logSink,
	}

	pool, err := New(Config{OracleSigningKeyID: signingKey.KeyID}, deps, nil)
	require.NoError(t, err)
	return pool, st
}

func runFn(t *testing.T, pool *Pool, source, handler, owner string) (map[string]any, model.FailureKind, error) {
	t.Helper()
	fn := model.FunctionSpec{
		FunctionID: "fn-1",
		Version:    1,
		Handler:    "module.js#" + handler,
		Source:     source,
		Owner:      owner,
		Limits:     model.ResourceLimits{WallClock: time.Second},
	}
	inv := model.Invocation{InvocationID: "inv-1", FunctionID: "fn-1", Attempt: 1}
	return pool.Run(context.Background(), fn, inv)
}

func TestRunReturnsHandlerResult(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	result, failureKind, err := runFn(t, pool, `function handler(event, context) { return {ok: true, fn: context.functionId}; }`, "handler", "owner-1")
	require.NoError(t, err)
	require.Empty(t, failureKind)
	require.Equal(t, true, result["ok"])
	require.Equal(t, "fn-1", result["fn"])
}

func TestRunCompileErrorReported(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	_, failureKind, err := runFn(t, pool, `function handler( { `, "handler", "owner-1")
	require.Error(t, err)
	require.Equal(t, model.FailureCompileError, failureKind)
}

func TestRunUncaughtThrowReported(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	_, failureKind, err := runFn(t, pool, `function handler(event, context) { throw new Error("boom"); }`, "handler", "owner-1")
	require.Error(t, err)
	require.Equal(t, model.FailureUncaught, failureKind)
}

func TestSecretsBindingResolvesOwnerScopedSecret(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	result, _, err := runFn(t, pool, `function handler(event, context) { return secrets.get("api-key"); }`, "handler", "owner-1")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", result["value"])
}

func TestNeoBindingReportsCachedHeight(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	result, _, err := runFn(t, pool, `function handler(event, context) { return {height: neo.blockHeight()}; }`, "handler", "owner-1")
	require.NoError(t, err)
	require.EqualValues(t, 42, result["height"])
}

func TestOracleBindingRateLimitsPerFunction(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	pool.oracle = NewOracleGateway(map[string]triggers.OracleFetcher{"price-feed": &fakeOracleFetcher{value: 1}}, nil, "", 0.0001, 1)

	_, _, err := runFn(t, pool, `function handler(event, context) { return oracle.fetch("price-feed"); }`, "handler", "owner-1")
	require.NoError(t, err)

	result, _, err := runFn(t, pool, `function handler(event, context) { return oracle.fetch("price-feed"); }`, "handler", "owner-1")
	require.NoError(t, err)
	require.Contains(t, result, "error")
}

func TestStoreBindingRoundTripsPerFunctionState(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	_, _, err := runFn(t, pool, `function handler(event, context) { store.put("counter", 1); return {}; }`, "handler", "owner-1")
	require.NoError(t, err)

	result, _, err := runFn(t, pool, `function handler(event, context) { return {counter: store.get("counter")}; }`, "handler", "owner-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, result["counter"])
}

func TestConsoleLogsFlowToLogSink(t *testing.T) {
	sink := &collectingLogSink{}
	pool, _ := newTestPool(t, sink)
	_, _, err := runFn(t, pool, `function handler(event, context) { console.log("hello", "world"); return {}; }`, "handler", "owner-1")
	require.NoError(t, err)
	require.Len(t, sink.lines, 1)
	require.Contains(t, sink.lines[0], "hello")
}

func TestRunRespectsContextCancellation(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	fn := model.FunctionSpec{
		FunctionID: "fn-slow",
		Version:    1,
		Handler:    "module.js#handler",
		Source:     `function handler(event, context) { while (true) {} }`,
		Owner:      "owner-1",
		Limits:     model.ResourceLimits{WallClock: 10 * time.Millisecond},
	}
	inv := model.Invocation{InvocationID: "inv-slow", FunctionID: "fn-slow", Attempt: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := pool.Run(ctx, fn, inv)
	require.Error(t, err)
}

func TestAutoContractBindingRegistersSubscriptionUsableByBus(t *testing.T) {
	pool, st := newTestPool(t, nil)
	_, _, err := runFn(t, pool, `function handler(event, context) {
		r3e.autoContract.register({Kind: "Notification", Contract: "0xabc"});
		return {};
	}`, "handler", "owner-1")
	require.NoError(t, err)

	all, err := st.Range(store.TableSubscriptions, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestZKBindingIssuesOpaqueHandlesAndVerifies(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	result, _, err := runFn(t, pool, `function handler(event, context) {
		var circuit = zk.compileCircuit("src");
		var key = zk.generateKeys(circuit);
		var proof = zk.prove(key, {});
		return {valid: zk.verify(proof)};
	}`, "handler", "owner-1")
	require.NoError(t, err)
	require.Equal(t, true, result["valid"])
}

func TestGasbankBindingReadsOwnerScopedBalance(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "sandbox-gasbank.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ledger := gasbank.NewLedger(st, logging.New("gasbank", "error", "json"))
	_, err = ledger.Deposit(context.Background(), "owner-1", model.ChainCompute, 500, "0xfund")
	require.NoError(t, err)

	mgr, err := secrets.NewManager(st, []byte("01234567890123456789012345678901"), nil)
	require.NoError(t, err)
	keys := tee.NewKeyStore(tee.Simulated{}, time.Hour)
	b, err := bus.New(st, noopDispatcher{})
	require.NoError(t, err)

	pool, err := New(Config{}, Deps{
		Store:   st,
		Secrets: mgr,
		Keys:    keys,
		Bus:     b,
		Ledger:  ledger,
	}, nil)
	require.NoError(t, err)

	result, _, err := runFn(t, pool, `function handler(event, context) { return gasbank.balance("compute"); }`, "handler", "owner-1")
	require.NoError(t, err)
	require.EqualValues(t, 500, result["balance"])
	require.EqualValues(t, 0, result["reserved"])
}

func TestGasbankBindingReportsNotConfiguredWithoutLedger(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	result, _, err := runFn(t, pool, `function handler(event, context) { return gasbank.balance("compute"); }`, "handler", "owner-1")
	require.NoError(t, err)
	require.Contains(t, result, "error")
}

func TestCodeCacheReusesCompiledProgram(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	_, _, err := runFn(t, pool, `function handler(event, context) { return {n: 1}; }`, "handler", "owner-1")
	require.NoError(t, err)
	_, _, err = runFn(t, pool, `function handler(event, context) { return {n: 1}; }`, "handler", "owner-1")
	require.NoError(t, err)

	invocations, _, cacheEntries := pool.Stats()
	require.EqualValues(t, 2, invocations)
	require.Equal(t, 1, cacheEntries)
}
