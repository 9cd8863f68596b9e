// oracle.go is the oracle-due adapter (spec §4.3 "Oracle"). Grounded on
// two teacher packages: infrastructure/ratelimit's per-feed rate.Limiter
// wrapping (generalized here to one limiter per oracle source instead of
// one per HTTP client) and infrastructure/resilience's CircuitBreaker
// (state machine and Execute wrapper kept as-is), so a flapping upstream
// oracle feed trips the breaker instead of being hammered every poll.
package triggers

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
)

// OracleFetcher retrieves the current value for a single oracle feed.
// Implementations live outside this package (a price feed, a randomness
// beacon, etc); OracleSource only handles scheduling, rate limiting, and
// failure isolation.
type OracleFetcher interface {
	Fetch(ctx context.Context) (value any, err error)
}

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// circuitBreaker is a minimal consecutive-failure breaker: MaxFailures
// closed-state failures trip it open for Timeout, after which a single
// half-open probe either closes it again or reopens it.
type circuitBreaker struct {
	mu          sync.Mutex
	state       cbState
	failures    int
	lastFailure time.Time
	maxFailures int
	timeout     time.Duration
}

var errCircuitOpen = errors.New("triggers: oracle circuit open")

func newCircuitBreaker(maxFailures int, timeout time.Duration) *circuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &circuitBreaker{maxFailures: maxFailures, timeout: timeout}
}

func (cb *circuitBreaker) execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == cbOpen {
		if time.Since(cb.lastFailure) < cb.timeout {
			cb.mu.Unlock()
			return errCircuitOpen
		}
		cb.state = cbHalfOpen
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == cbHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = cbOpen
		}
		return err
	}
	cb.state = cbClosed
	cb.failures = 0
	return nil
}

// OracleSource polls an OracleFetcher no faster than its rate limit
// allows and emits KindOracleDue records.
type OracleSource struct {
	sourceID string
	fetcher  OracleFetcher
	limiter  *rate.Limiter
	breaker  *circuitBreaker
	interval time.Duration

	stopCh chan struct{}
}

// OracleConfig configures an OracleSource.
type OracleConfig struct {
	SourceID          string
	Fetcher           OracleFetcher
	PollInterval      time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxFailures       int
	OpenTimeout       time.Duration
}

// NewOracleSource builds an OracleSource.
func NewOracleSource(cfg OracleConfig) *OracleSource {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &OracleSource{
		sourceID: cfg.SourceID,
		fetcher:  cfg.Fetcher,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		breaker:  newCircuitBreaker(cfg.MaxFailures, cfg.OpenTimeout),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (s *OracleSource) ID() string { return s.sourceID }

// Run polls until ctx is canceled or Stop is called.
func (s *OracleSource) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var offset uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			if !s.limiter.Allow() {
				continue
			}
			var value any
			err := s.breaker.execute(func() error {
				v, err := s.fetcher.Fetch(ctx)
				value = v
				return err
			})
			if err != nil {
				continue
			}
			offset++
			_ = sink.Publish(ctx, model.TriggerRecord{
				SourceID:   s.sourceID,
				Offset:     offset,
				Kind:       model.KindOracleDue,
				OccurredAt: time.Now().UTC(),
				State:      []any{value},
			})
		}
	}
}

// Stop halts Run.
func (s *OracleSource) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}
