// Package scheduler implements C6: admission control, a bounded FIFO
// queue per function, a fixed worker pool, and a capped-exponential-
// backoff retry policy that eventually dead-letters an invocation.
// Grounded on the teacher's internal/marble/worker.go Worker/WorkerGroup
// lifecycle (Start/Stop via stopCh/doneCh, "already running" guard) for
// the pool's own lifecycle, and on infrastructure/resilience/retry.go's
// Retry (exponential backoff with jitter, capped at MaxDelay) for the
// redelivery policy — generalized from "retry fn() in place" to
// "redeliver the Invocation to its queue after a delay".
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/R3E-Network/r3e-faas-sub003/internal/errs"
	"github.com/R3E-Network/r3e-faas-sub003/internal/gasbank"
	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

// Runner executes one invocation of fn's code to completion or until ctx
// is canceled. It is implemented by C7 (the sandbox pool).
type Runner interface {
	Run(ctx context.Context, fn model.FunctionSpec, inv model.Invocation) (result map[string]any, failureKind model.FailureKind, err error)
}

// RetryPolicy bounds the capped-exponential-backoff redelivery of
// Transient(*) failures before an invocation is dead-lettered.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryPolicy mirrors the teacher's DefaultRetryConfig.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (p RetryPolicy) delayFor(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		delta := float64(d) * p.Jitter
		d += time.Duration(rand.Float64()*delta*2 - delta)
	}
	return d
}

// Observer is notified of every terminal and intermediate Invocation state
// transition; C8 (internal/runlog) implements this to maintain its
// incremental per-function metrics aggregate.
type Observer interface {
	Observe(ctx context.Context, inv model.Invocation)
}

// Config configures a Scheduler.
type Config struct {
	Workers          int
	GlobalQueueDepth int
	PerFunctionQueue int
	PerFunctionLimit int
	DefaultWallClock time.Duration
	Retry            RetryPolicy
	Observer         Observer

	// Ledger backs admission condition (c) — "Gas-Bank reserve(owner,
	// estimated_cost) succeeded" (spec §4.6). A nil Ledger disables the
	// reservation check (useful in tests that aren't exercising C5),
	// admitting purely on the concurrency caps (a)/(b).
	Ledger   *gasbank.Ledger
	GasChain model.Chain
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.GlobalQueueDepth <= 0 {
		c.GlobalQueueDepth = c.Workers * 4
	}
	if c.PerFunctionQueue <= 0 {
		c.PerFunctionQueue = 64
	}
	if c.PerFunctionLimit <= 0 {
		c.PerFunctionLimit = 4
	}
	if c.DefaultWallClock <= 0 {
		c.DefaultWallClock = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	if c.GasChain == "" {
		c.GasChain = model.ChainCompute
	}
	return c
}

// estimatedCost prices an admission reservation from a function's declared
// resource limits, the same memory/wall-clock formula the teacher's
// EstimateFee("functions", ...) uses for its functions service type.
func estimatedCost(fn model.FunctionSpec) int64 {
	memMB := fn.Limits.MemoryBytes / (1024 * 1024)
	if memMB <= 0 {
		memMB = 128
	}
	secs := fn.Limits.WallClock.Seconds()
	if secs <= 0 {
		secs = 10
	}
	return int64(float64(memMB) * secs * 100)
}

// actualCost prices the settlement of a completed invocation's reservation
// from what it actually used, applying the same formula as estimatedCost to
// the observed memory peak and run duration.
func actualCost(inv model.Invocation) int64 {
	memMB := inv.MemoryPeak / (1024 * 1024)
	if memMB <= 0 {
		memMB = 1
	}
	secs := inv.EndedAt.Sub(inv.StartedAt).Seconds()
	if secs <= 0 {
		return 0
	}
	return int64(float64(memMB) * secs * 100)
}

// Scheduler is the C6 admission/dispatch component. It implements
// bus.Dispatcher.
type Scheduler struct {
	cfg    Config
	st     *store.Store
	runner Runner
	log    *logging.Logger

	workCh chan model.Invocation

	mu        sync.Mutex
	queueLen  map[string]int          // current depth per function_id
	functionSem map[string]chan struct{} // per-function concurrency tokens

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Scheduler and starts its worker pool.
func New(cfg Config, st *store.Store, runner Runner, log *logging.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:         cfg,
		st:          st,
		runner:      runner,
		log:         log,
		workCh:      make(chan model.Invocation, cfg.GlobalQueueDepth),
		queueLen:    make(map[string]int),
		functionSem: make(map[string]chan struct{}),
		stopCh:      make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
	return s
}

// Stop requests every worker to exit after its current invocation and
// waits for them to do so.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) semaphoreFor(functionID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.functionSem[functionID]
	if !ok {
		sem = make(chan struct{}, s.cfg.PerFunctionLimit)
		s.functionSem[functionID] = sem
	}
	return sem
}

// Enqueue implements bus.Dispatcher: inv is Admitted iff (a) its function's
// queue has room, (b) the global queue has room, and (c) a Gas-Bank
// reservation for its estimated cost succeeds (spec §4.6); otherwise it is
// Rejected(Overloaded) or Rejected(InsufficientFunds), whichever condition
// failed, and any reservation already taken is released.
func (s *Scheduler) Enqueue(ctx context.Context, inv model.Invocation) error {
	fn, err := s.lookupFunction(inv.FunctionID)
	if err != nil {
		return s.reject(ctx, inv, err, model.RejectBadRequest)
	}

	s.mu.Lock()
	if s.queueLen[inv.FunctionID] >= s.cfg.PerFunctionQueue {
		s.mu.Unlock()
		return s.reject(ctx, inv, errs.ErrOverloaded, model.RejectOverloaded)
	}
	s.queueLen[inv.FunctionID]++
	s.mu.Unlock()

	resID, err := s.reserveGas(ctx, fn)
	if err != nil {
		s.mu.Lock()
		s.queueLen[inv.FunctionID]--
		s.mu.Unlock()
		return s.reject(ctx, inv, err, model.RejectInsufficientFund)
	}
	inv.GasReservationID = string(resID)

	select {
	case s.workCh <- inv:
		inv.State = model.StateAdmitted
		_ = s.persist(inv)
		return nil
	default:
		s.mu.Lock()
		s.queueLen[inv.FunctionID]--
		s.mu.Unlock()
		s.releaseGas(ctx, inv.GasReservationID)
		return s.reject(ctx, inv, errs.ErrOverloaded, model.RejectOverloaded)
	}
}

func (s *Scheduler) reject(ctx context.Context, inv model.Invocation, cause error, kind model.FailureKind) error {
	inv.State = model.StateRejected
	inv.FailureKind = kind
	inv.Message = cause.Error()
	inv.EndedAt = time.Now().UTC()
	_ = s.persist(inv)
	return cause
}

// reserveGas holds inv's estimated cost against its owner's compute account.
// A nil Ledger is a no-op, admitting purely on the concurrency caps.
func (s *Scheduler) reserveGas(ctx context.Context, fn model.FunctionSpec) (gasbank.ReservationID, error) {
	if s.cfg.Ledger == nil {
		return "", nil
	}
	return s.cfg.Ledger.Reserve(ctx, fn.Owner, s.cfg.GasChain, estimatedCost(fn))
}

// commitGas settles a reservation at the invocation's actual cost.
func (s *Scheduler) commitGas(ctx context.Context, resID string, cost int64) {
	if s.cfg.Ledger == nil || resID == "" {
		return
	}
	if err := s.cfg.Ledger.Commit(ctx, gasbank.ReservationID(resID), cost); err != nil && s.log != nil {
		s.log.WithContext(ctx).WithError(err).Warn("scheduler: gas reservation commit failed")
	}
}

// releaseGas drops a reservation without debiting the account — the
// compensating action spec §5 requires on reject/timeout.
func (s *Scheduler) releaseGas(ctx context.Context, resID string) {
	if s.cfg.Ledger == nil || resID == "" {
		return
	}
	if err := s.cfg.Ledger.Release(ctx, gasbank.ReservationID(resID)); err != nil && s.log != nil {
		s.log.WithContext(ctx).WithError(err).Warn("scheduler: gas reservation release failed")
	}
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case inv := <-s.workCh:
			s.mu.Lock()
			s.queueLen[inv.FunctionID]--
			s.mu.Unlock()
			s.runOne(inv)
		}
	}
}

func (s *Scheduler) runOne(inv model.Invocation) {
	sem := s.semaphoreFor(inv.FunctionID)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-s.stopCh:
		return
	}

	fn, err := s.lookupFunction(inv.FunctionID)
	if err != nil {
		inv.State = model.StateRejected
		inv.FailureKind = model.RejectBadRequest
		inv.Message = err.Error()
		inv.EndedAt = time.Now().UTC()
		_ = s.persist(inv)
		s.releaseGas(context.Background(), inv.GasReservationID)
		return
	}

	wallClock := fn.Limits.WallClock
	if wallClock <= 0 {
		wallClock = s.cfg.DefaultWallClock
	}

	ctx, cancel := context.WithTimeout(context.Background(), wallClock)
	defer cancel()

	inv.State = model.StateRunning
	inv.StartedAt = time.Now().UTC()
	_ = s.persist(inv)

	result, failureKind, runErr := s.runner.Run(ctx, fn, inv)
	inv.EndedAt = time.Now().UTC()

	switch {
	case runErr == nil:
		inv.State = model.StateSucceeded
		inv.Result = result
		s.commitGas(context.Background(), inv.GasReservationID, actualCost(inv))
		inv.GasReservationID = ""
	case ctx.Err() == context.DeadlineExceeded:
		inv.State = model.StateTimeout
		inv.Message = runErr.Error()
		s.releaseGas(context.Background(), inv.GasReservationID)
		inv.GasReservationID = ""
	case errs.RetriableTransient(runErr):
		s.retryOrDeadLetter(inv, runErr)
		return
	default:
		inv.State = model.StateFailed
		inv.FailureKind = failureKind
		inv.Message = runErr.Error()
		s.releaseGas(context.Background(), inv.GasReservationID)
		inv.GasReservationID = ""
	}
	_ = s.persist(inv)
}

func (s *Scheduler) retryOrDeadLetter(inv model.Invocation, cause error) {
	// This attempt's reservation is settled here either way: a fresh one
	// is taken for the next attempt on re-Enqueue, and a dead-lettered
	// invocation runs no further, so neither path should hold a stale
	// hold against the owner's account.
	s.releaseGas(context.Background(), inv.GasReservationID)
	inv.GasReservationID = ""

	if inv.Attempt >= s.cfg.Retry.MaxAttempts {
		inv.State = model.StateFailed
		inv.FailureKind = model.FailureExhausted
		inv.Message = fmt.Sprintf("exhausted %d attempts: %v", inv.Attempt, cause)
		_ = s.persist(inv)
		_ = s.deadLetter(inv)
		return
	}

	next := inv
	next.Attempt++
	next.State = model.StateQueued
	_ = s.persist(next)

	delay := s.cfg.Retry.delayFor(next.Attempt)
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Enqueue(ctx, next); err != nil && s.log != nil {
			s.log.WithContext(ctx).WithError(err).Warn("scheduler: retry re-enqueue failed")
		}
	})
}

func (s *Scheduler) deadLetter(inv model.Invocation) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return s.st.Put(store.TableDeadLetters, inv.InvocationID, raw)
}

func (s *Scheduler) persist(inv model.Invocation) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	if err := s.st.Put(store.TableRunLog, "inv:"+inv.InvocationID, raw); err != nil {
		return err
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.Observe(context.Background(), inv)
	}
	return nil
}

func (s *Scheduler) lookupFunction(functionID string) (model.FunctionSpec, error) {
	raw, ok, err := s.st.Get(store.TableFunctions, functionID)
	if err != nil {
		return model.FunctionSpec{}, err
	}
	if !ok {
		return model.FunctionSpec{}, fmt.Errorf("scheduler: unknown function %q", functionID)
	}
	var fn model.FunctionSpec
	if err := json.Unmarshal(raw, &fn); err != nil {
		return model.FunctionSpec{}, err
	}
	return fn, nil
}
