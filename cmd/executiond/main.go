// Command executiond is the FaaS execution substrate's single process:
// it wires together C1-C9 and serves the control plane's HTTP surface.
// Grounded on the teacher's cmd/gateway/main.go startup sequence (load
// config/secrets, construct the router, register routes, listen with a
// graceful-shutdown signal handler) generalized from one Marble's HTTP
// gateway to this module's full component graph.
package main

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/r3e-faas-sub003/internal/bus"
	"github.com/R3E-Network/r3e-faas-sub003/internal/chain"
	"github.com/R3E-Network/r3e-faas-sub003/internal/config"
	"github.com/R3E-Network/r3e-faas-sub003/internal/controlplane"
	"github.com/R3E-Network/r3e-faas-sub003/internal/gasbank"
	"github.com/R3E-Network/r3e-faas-sub003/internal/httpapi"
	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/metrics"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/runlog"
	"github.com/R3E-Network/r3e-faas-sub003/internal/sandbox"
	"github.com/R3E-Network/r3e-faas-sub003/internal/scheduler"
	"github.com/R3E-Network/r3e-faas-sub003/internal/secrets"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
	"github.com/R3E-Network/r3e-faas-sub003/internal/tee"
	"github.com/R3E-Network/r3e-faas-sub003/internal/triggers"

	"github.com/prometheus/client_golang/prometheus"
)

// Exit codes (spec §6): 0 normal shutdown, 1 config error, 2 store
// unreachable, 3 key-store attestation failure.
const (
	exitOK                  = 0
	exitConfigError         = 1
	exitStoreUnreachable    = 2
	exitAttestationFailure  = 3
)

// busSink adapts *bus.Bus (whose Publish also returns the matched
// Invocations, for controlplane's direct callers) to triggers.Sink, whose
// contract is a C3 adapter only needs to know whether delivery succeeded.
type busSink struct{ b *bus.Bus }

func (s busSink) Publish(ctx context.Context, rec model.TriggerRecord) error {
	_, err := s.b.Publish(ctx, rec)
	return err
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()
	log := logging.New("executiond", cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.WithField("error", err).Error("store unreachable")
		return exitStoreUnreachable
	}
	defer st.Close()

	masterKey, err := loadMasterKey(cfg.MasterKeyHex)
	if err != nil {
		log.WithField("error", err).Error("invalid secrets master key")
		return exitConfigError
	}
	secretsMgr, err := secrets.NewManager(st, masterKey, nil)
	if err != nil {
		log.WithField("error", err).Error("secrets manager init failed")
		return exitConfigError
	}

	var attestor tee.Attestor = tee.Simulated{}
	keys := tee.NewKeyStore(attestor, cfg.RotationGrace)
	if _, err := attestor.Attest(context.Background()); err != nil {
		log.WithField("error", err).Error("tee attestation failed")
		return exitAttestationFailure
	}

	var neoClient *chain.NeoClient
	if cfg.NeoRPCEndpoint != "" {
		neoClient, err = chain.NewNeoClient(chain.NeoConfig{RPCURL: cfg.NeoRPCEndpoint, Timeout: 10 * time.Second})
		if err != nil {
			log.WithField("error", err).Error("neo client init failed")
			return exitConfigError
		}
	}
	var ethClient *chain.EthClient
	if cfg.EthRPCEndpoint != "" {
		ethClient, err = chain.NewEthClient(chain.EthConfig{RPCURL: cfg.EthRPCEndpoint, Timeout: 10 * time.Second})
		if err != nil {
			log.WithField("error", err).Error("ethereum client init failed")
			return exitConfigError
		}
	}
	submitter := chain.NewMultiChainSubmitter(neoClient, ethClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger := gasbank.NewLedger(st, log)
	relay := gasbank.NewRelay(ledger, st, submitter, cfg.GasRecoveryGrace)
	go runGasRecoverySweep(ctx, relay, cfg.GasRecoverySweep, log)

	dispatcherPlaceholder := &schedulerHolder{}
	b, err := bus.New(st, dispatcherPlaceholder)
	if err != nil {
		log.WithField("error", err).Error("bus init failed")
		return exitConfigError
	}
	sink := busSink{b: b}

	runlogMetrics := runlog.NewMetrics(prometheus.DefaultRegisterer)
	recorder := runlog.New(st, runlogMetrics, cfg.RunLogRetention, log)

	scheduleSource := triggers.NewScheduleSource("schedule", time.Second)
	plane := controlplane.New(st, b, dispatcherPlaceholder, recorder, scheduleSource, log)

	sandboxDeps := sandbox.Deps{
		Store:   st,
		Secrets: secretsMgr,
		Keys:    keys,
		Bus:     b,
		LogSink: recorder,
		Relay:   relay,
		Ledger:  ledger,
	}
	if neoClient != nil {
		sandboxDeps.Chain = neoClient
	}
	pool, err := sandbox.New(sandbox.Config{}, sandboxDeps, log)
	if err != nil {
		log.WithField("error", err).Error("sandbox pool init failed")
		return exitConfigError
	}

	sched := scheduler.New(scheduler.Config{
		Workers:          cfg.Workers,
		GlobalQueueDepth: cfg.QueueDepth,
		PerFunctionQueue: cfg.QueueDepth,
		PerFunctionLimit: cfg.PerFunctionCap,
		Retry: scheduler.RetryPolicy{
			MaxAttempts:  cfg.MaxRetries,
			InitialDelay: cfg.RetryBaseDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2.0,
			Jitter:       0.1,
		},
		Observer: plane,
		Ledger:   ledger,
	}, st, pool, log)
	defer sched.Stop()
	dispatcherPlaceholder.set(sched)

	httpSource := triggers.NewHTTPSource("http", sink, 1<<20)

	sources := []triggers.Source{scheduleSource, httpSource}
	if neoClient != nil {
		sources = append(sources, triggers.NewNeoEventSource(triggers.NeoEventConfig{
			SourceID:      "neo",
			Client:        neoClient,
			Store:         st,
			Confirmations: cfg.Confirmations,
			Logger:        log,
		}))
	}
	for _, src := range sources {
		go func(s triggers.Source) {
			if err := s.Run(ctx, sink); err != nil && ctx.Err() == nil {
				log.WithField("source", s.ID()).WithField("error", err).Error("trigger source stopped")
			}
		}(src)
	}

	httpMetrics := metrics.New("executiond", prometheus.DefaultRegisterer)
	httpMetrics.Uptime()

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.New(plane, log, httpMetrics))
	mux.Handle("/invoke/", http.StripPrefix("/invoke", httpSource.Handler()))

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("executiond listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Error("http server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracePeriod+5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	for _, src := range sources {
		src.Stop()
	}
	return exitOK
}

// schedulerHolder breaks the Bus<->Scheduler construction cycle: the bus
// needs a Dispatcher at construction time, but the scheduler needs the
// bus's subscriptions loaded first so the control plane can register
// against a fully initialized bus. It forwards Enqueue to whichever
// *scheduler.Scheduler is set once construction completes.
type schedulerHolder struct {
	sched *scheduler.Scheduler
}

func (h *schedulerHolder) set(s *scheduler.Scheduler) { h.sched = s }

func (h *schedulerHolder) Enqueue(ctx context.Context, inv model.Invocation) error {
	return h.sched.Enqueue(ctx, inv)
}

// runGasRecoverySweep drives relay.RecoverPending as a bounded periodic
// sweep (spec §4.5: "a recovery loop re-checks after a bounded grace
// period"), rather than a single startup-only pass, so a meta-tx that stays
// unconfirmed past its grace period is eventually promoted or rejected for
// as long as the process runs.
func runGasRecoverySweep(ctx context.Context, relay *gasbank.Relay, interval time.Duration, log *logging.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	relay.RecoverPending(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Debug("gas bank recovery sweep running")
			relay.RecoverPending(ctx)
		}
	}
}

func loadMasterKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return make([]byte, 32), nil
	}
	return hex.DecodeString(hexKey)
}
