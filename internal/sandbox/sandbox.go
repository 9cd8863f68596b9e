// Package sandbox implements C7: an isolated JavaScript runtime per
// invocation with a fixed set of host bindings and no ambient privileges.
// Grounded on the teacher's system/tee/script_engine.go gojaScriptEngine
// (fresh goja.New() runtime per execution, console/secrets/input
// injection, entry-point lookup via goja.AssertFunction, result export
// with a JSON round-trip fallback, ValidateScript via goja.Compile for a
// syntax-only check) and on internal/services/functions/tee_executor.go's
// ctx.Done()-driven vm.Interrupt cancellation and promise-settlement
// handling. Host bindings (§4.7: neo, oracle, tee, secrets, store,
// r3e.autoContract, zk, gasbank, runlog) are generalized from
// sdk_adapter.go's per-namespace goja object pattern.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/R3E-Network/r3e-faas-sub003/internal/bus"
	"github.com/R3E-Network/r3e-faas-sub003/internal/gasbank"
	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/secrets"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
	"github.com/R3E-Network/r3e-faas-sub003/internal/tee"
	"github.com/R3E-Network/r3e-faas-sub003/internal/triggers"
)

// Config configures a Pool.
type Config struct {
	CacheSize      int
	RSSCeilingMB   uint64 // recycle (force a GC sweep) once process heap exceeds this
	OracleRPS      float64
	OracleBurst    int
	ChainCacheTTL  time.Duration
	OracleSigningKeyID string
}

func (c Config) withDefaults() Config {
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
	if c.RSSCeilingMB <= 0 {
		c.RSSCeilingMB = 512
	}
	if c.OracleRPS <= 0 {
		c.OracleRPS = 5
	}
	if c.OracleBurst <= 0 {
		c.OracleBurst = 5
	}
	if c.ChainCacheTTL <= 0 {
		c.ChainCacheTTL = 2 * time.Second
	}
	return c
}

// Pool is C7: it implements scheduler.Runner, compiling and executing
// FunctionSpec sources inside single-use goja runtimes.
type Pool struct {
	cfg Config
	log *logging.Logger

	cache *codeCache

	chain        *ChainCache
	oracle       *OracleGateway
	tee          *teeBinding
	secretsView  *secretsBinding
	fnStore      *functionStore
	autoContract *autoContractBinding
	zk           *zkBinding
	gasbank      *gasbankBinding
	logSink      LogSink

	invocations uint64
	recycles    uint64
}

// Deps wires the host bindings' backing components into the pool.
type Deps struct {
	Store       *store.Store
	Secrets     *secrets.Manager
	Keys        *tee.KeyStore
	Bus         *bus.Bus
	Chain       heightFetcher
	OracleFeeds map[string]triggers.OracleFetcher
	LogSink     LogSink

	// Relay/Ledger back the `gasbank` host binding (spec §4.5/§4.7); either
	// may be nil, which makes that half of the binding report "not
	// configured" rather than panicking.
	Relay  *gasbank.Relay
	Ledger *gasbank.Ledger
}

// New constructs a Pool.
func New(cfg Config, deps Deps, log *logging.Logger) (*Pool, error) {
	cfg = cfg.withDefaults()
	cache, err := newCodeCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:          cfg,
		log:          log,
		cache:        cache,
		chain:        NewChainCache(deps.Chain, cfg.ChainCacheTTL),
		oracle:       NewOracleGateway(deps.OracleFeeds, deps.Keys, cfg.OracleSigningKeyID, cfg.OracleRPS, cfg.OracleBurst),
		tee:          &teeBinding{keys: deps.Keys},
		secretsView:  &secretsBinding{manager: deps.Secrets},
		fnStore:      &functionStore{st: deps.Store},
		autoContract: &autoContractBinding{bus: deps.Bus},
		zk:           newZKBinding(),
		gasbank:      &gasbankBinding{relay: deps.Relay, ledger: deps.Ledger},
		logSink:      deps.LogSink,
	}
	return p, nil
}

func entryPointName(handler string) string {
	for i := len(handler) - 1; i >= 0; i-- {
		if handler[i] == '#' {
			return handler[i+1:]
		}
	}
	if handler == "" {
		return "handler"
	}
	return handler
}

// Run compiles (or reuses a cached compile of) fn's source, executes its
// handler against inv's trigger inside a fresh, single-use goja runtime,
// and reports the outcome. It implements scheduler.Runner.
func (p *Pool) Run(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (map[string]any, model.FailureKind, error) {
	atomic.AddUint64(&p.invocations, 1)
	defer p.maybeRecycle()

	program, err := p.compile(fn)
	if err != nil {
		return nil, model.FailureCompileError, err
	}

	vm := goja.New()
	var logs []string
	if err := p.attachConsole(vm, &logs); err != nil {
		return nil, model.FailureUncaught, err
	}
	if err := p.attachBindings(vm, fn, inv); err != nil {
		return nil, model.FailureBindingDenied, err
	}

	eventMap := triggerToMap(inv.Trigger)
	if err := vm.Set("event", eventMap); err != nil {
		return nil, model.FailureUncaught, err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	if _, err := vm.RunProgram(program); err != nil {
		return nil, model.FailureUncaught, fmt.Errorf("sandbox: load module: %w", err)
	}

	entry, ok := goja.AssertFunction(vm.Get(entryPointName(fn.Handler)))
	if !ok {
		return nil, model.FailureCompileError, fmt.Errorf("sandbox: entry point %q is not a function", entryPointName(fn.Handler))
	}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	resultVal, err := entry(goja.Undefined(), vm.Get("event"), vm.Get("context"))

	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	if p.logSink != nil {
		for _, line := range logs {
			_ = p.logSink.Append(ctx, fn.FunctionID, inv.InvocationID, "info", line)
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, model.FailureUncaught, fmt.Errorf("sandbox: %w", err)
	}

	if fn.Limits.MemoryBytes > 0 && after.HeapAlloc > before.HeapAlloc &&
		int64(after.HeapAlloc-before.HeapAlloc) > fn.Limits.MemoryBytes {
		return nil, model.FailureResourceExceeded, fmt.Errorf("sandbox: memory limit exceeded")
	}

	return exportResult(resultVal), "", nil
}

func (p *Pool) compile(fn model.FunctionSpec) (*goja.Program, error) {
	key := cacheKey(fn)
	if program, ok := p.cache.get(key); ok {
		return program, nil
	}
	program, err := goja.Compile(key, fn.Source, false)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile %s: %w", fn.FunctionID, err)
	}
	p.cache.put(key, program)
	return program, nil
}

func (p *Pool) attachConsole(vm *goja.Runtime, logs *[]string) error {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		*logs = append(*logs, fmt.Sprint(args...))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

// attachBindings injects the fixed host-binding surface (spec §4.7): neo,
// oracle, tee, secrets, store, r3e.autoContract, zk, gasbank, runlog, plus
// a `context` object carrying the caller's identity. Every binding closes
// over fn/inv so a script can only ever act as its own function's owner.
func (p *Pool) attachBindings(vm *goja.Runtime, fn model.FunctionSpec, inv model.Invocation) error {
	ctxObj := vm.NewObject()
	_ = ctxObj.Set("functionId", fn.FunctionID)
	_ = ctxObj.Set("invocationId", inv.InvocationID)
	_ = ctxObj.Set("principal", fn.Owner)
	_ = ctxObj.Set("attempt", inv.Attempt)
	if err := vm.Set("context", ctxObj); err != nil {
		return err
	}

	neoObj := vm.NewObject()
	_ = neoObj.Set("blockHeight", func(call goja.FunctionCall) goja.Value {
		h, err := p.chain.BlockHeight(context.Background())
		if err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(h)
	})
	if err := vm.Set("neo", neoObj); err != nil {
		return err
	}

	oracleObj := vm.NewObject()
	_ = oracleObj.Set("fetch", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return vm.ToValue(map[string]any{"error": "source id required"})
		}
		res, err := p.oracle.Fetch(context.Background(), fn.FunctionID, call.Arguments[0].String())
		if err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(res)
	})
	if err := vm.Set("oracle", oracleObj); err != nil {
		return err
	}

	teeObj := vm.NewObject()
	_ = teeObj.Set("sign", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return vm.ToValue(map[string]any{"error": "keyId and data required"})
		}
		sig, err := p.tee.sign(context.Background(), fn.Owner, call.Arguments[0].String(), []byte(call.Arguments[1].String()))
		if err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(map[string]any{"signature": fmt.Sprintf("%x", sig)})
	})
	_ = teeObj.Set("verify", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 3 {
			return vm.ToValue(map[string]any{"error": "keyId, data and signature required"})
		}
		var sig []byte
		_ = vm.ExportTo(call.Arguments[2], &sig)
		ok, err := p.tee.verify(call.Arguments[0].String(), []byte(call.Arguments[1].String()), sig)
		if err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(map[string]any{"valid": ok})
	})
	if err := vm.Set("tee", teeObj); err != nil {
		return err
	}

	secretsObj := vm.NewObject()
	_ = secretsObj.Set("get", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return vm.ToValue(map[string]any{"error": "secret name required"})
		}
		val, err := p.secretsView.get(context.Background(), fn.Owner, fn.ServiceID, call.Arguments[0].String())
		if err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(map[string]any{"value": val})
	})
	if err := vm.Set("secrets", secretsObj); err != nil {
		return err
	}

	storeObj := vm.NewObject()
	_ = storeObj.Set("get", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return vm.ToValue(map[string]any{"error": "key required"})
		}
		raw, ok, err := p.fnStore.get(fn.FunctionID, call.Arguments[0].String())
		if err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		if !ok {
			return goja.Null()
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return vm.ToValue(string(raw))
		}
		return vm.ToValue(decoded)
	})
	_ = storeObj.Set("put", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return vm.ToValue(map[string]any{"error": "key and value required"})
		}
		raw, err := json.Marshal(call.Arguments[1].Export())
		if err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		if err := p.fnStore.put(fn.FunctionID, call.Arguments[0].String(), raw); err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(map[string]any{"success": true})
	})
	_ = storeObj.Set("delete", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return vm.ToValue(map[string]any{"error": "key required"})
		}
		if err := p.fnStore.delete(fn.FunctionID, call.Arguments[0].String()); err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(map[string]any{"success": true})
	})
	if err := vm.Set("store", storeObj); err != nil {
		return err
	}

	r3eObj := vm.NewObject()
	autoContractObj := vm.NewObject()
	_ = autoContractObj.Set("register", func(call goja.FunctionCall) goja.Value {
		filter := exportFilter(vm, call)
		if err := p.autoContract.register(context.Background(), fn.FunctionID, filter); err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(map[string]any{"success": true})
	})
	_ = autoContractObj.Set("remove", func(call goja.FunctionCall) goja.Value {
		filter := exportFilter(vm, call)
		if err := p.autoContract.remove(context.Background(), fn.FunctionID, filter); err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(map[string]any{"success": true})
	})
	_ = r3eObj.Set("autoContract", autoContractObj)
	if err := vm.Set("r3e", r3eObj); err != nil {
		return err
	}

	zkObj := vm.NewObject()
	_ = zkObj.Set("compileCircuit", func(call goja.FunctionCall) goja.Value {
		src := ""
		if len(call.Arguments) > 0 {
			src = call.Arguments[0].String()
		}
		return vm.ToValue(string(p.zk.compileCircuit(src)))
	})
	_ = zkObj.Set("generateKeys", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return vm.ToValue(map[string]any{"error": "circuit handle required"})
		}
		h, ok := p.zk.generateKeys(zkHandle(call.Arguments[0].String()))
		if !ok {
			return vm.ToValue(map[string]any{"error": "unknown circuit handle"})
		}
		return vm.ToValue(string(h))
	})
	_ = zkObj.Set("prove", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return vm.ToValue(map[string]any{"error": "key handle required"})
		}
		var witness map[string]any
		if len(call.Arguments) > 1 {
			_ = vm.ExportTo(call.Arguments[1], &witness)
		}
		h, ok := p.zk.prove(zkHandle(call.Arguments[0].String()), witness)
		if !ok {
			return vm.ToValue(map[string]any{"error": "unknown key handle"})
		}
		return vm.ToValue(string(h))
	})
	_ = zkObj.Set("verify", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return vm.ToValue(false)
		}
		return vm.ToValue(p.zk.verify(zkHandle(call.Arguments[0].String())))
	})
	if err := vm.Set("zk", zkObj); err != nil {
		return err
	}

	gasbankObj := vm.NewObject()
	_ = gasbankObj.Set("balance", func(call goja.FunctionCall) goja.Value {
		chain := model.ChainCompute
		if len(call.Arguments) > 0 {
			chain = model.Chain(call.Arguments[0].String())
		}
		acc, err := p.gasbank.balance(context.Background(), fn.Owner, chain)
		if err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(map[string]any{"balance": acc.Balance, "reserved": acc.Reserved, "nonce": acc.Nonce})
	})
	_ = gasbankObj.Set("submitMetaTx", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return vm.ToValue(map[string]any{"error": "meta-tx record and max fee required"})
		}
		var rec model.MetaTxRecord
		if err := vm.ExportTo(call.Arguments[0], &rec); err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		var maxFee int64
		if err := vm.ExportTo(call.Arguments[1], &maxFee); err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		out, err := p.gasbank.submit(context.Background(), fn.Owner, rec, maxFee)
		if err != nil {
			return vm.ToValue(map[string]any{"error": err.Error()})
		}
		return vm.ToValue(map[string]any{"state": string(out.State), "tx_hash": out.TxHash, "reason": out.Reason})
	})
	if err := vm.Set("gasbank", gasbankObj); err != nil {
		return err
	}

	runlogObj := vm.NewObject()
	_ = runlogObj.Set("write", func(call goja.FunctionCall) goja.Value {
		if p.logSink == nil || len(call.Arguments) < 1 {
			return goja.Undefined()
		}
		_ = p.logSink.Append(context.Background(), fn.FunctionID, inv.InvocationID, "info", call.Arguments[0].String())
		return goja.Undefined()
	})
	return vm.Set("runlog", runlogObj)
}

func exportFilter(vm *goja.Runtime, call goja.FunctionCall) model.Filter {
	var filter model.Filter
	if len(call.Arguments) > 0 {
		_ = vm.ExportTo(call.Arguments[0], &filter)
	}
	return filter
}

func triggerToMap(rec model.TriggerRecord) map[string]any {
	raw, err := json.Marshal(rec)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func exportResult(val goja.Value) map[string]any {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return map[string]any{}
	}
	exported := val.Export()
	switch v := exported.(type) {
	case map[string]any:
		return v
	default:
		raw, err := json.Marshal(exported)
		if err == nil {
			var m map[string]any
			if json.Unmarshal(raw, &m) == nil {
				return m
			}
		}
		return map[string]any{"result": exported}
	}
}

// maybeRecycle forces a GC sweep once the process heap crosses the
// configured ceiling. Every invocation already runs in a brand-new
// goja.Runtime (discarded at the end of Run), so there is no long-lived
// worker state to reset; this is the practical analogue of the documented
// "recycle on RSS ceiling" policy for a fresh-runtime-per-call design.
func (p *Pool) maybeRecycle() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc/(1024*1024) < p.cfg.RSSCeilingMB {
		return
	}
	atomic.AddUint64(&p.recycles, 1)
	debug.FreeOSMemory()
}

// Stats reports cumulative invocation/recycle counters for C8 metrics.
func (p *Pool) Stats() (invocations, recycles uint64, cacheEntries int) {
	return atomic.LoadUint64(&p.invocations), atomic.LoadUint64(&p.recycles), p.cache.len()
}
