// Package config assembles the process-wide configuration struct from
// environment variables, following the teacher's infrastructure/config
// helper style. No configuration file is read.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process-wide configuration consumed at startup (spec §6).
type Config struct {
	// Store
	StorePath string

	// Scheduler
	Workers         int
	GlobalCap       int
	PerFunctionCap  int
	QueueDepth      int
	GracePeriod     time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration

	// Chain adapters
	NeoRPCEndpoint string
	EthRPCEndpoint string
	Confirmations  uint64

	// Gas-Bank meta-tx relay (spec §4.5): GasRecoveryGrace is the bounded
	// grace period a submitted-but-unconfirmed meta-tx is given before the
	// recovery sweep re-checks it; GasRecoverySweep is the sweep's period.
	GasRecoveryGrace time.Duration
	GasRecoverySweep time.Duration

	// Secrets / TEE
	MasterKeyHex  string
	TEEProvider   string // "simulated" | "attested"; not consulted by cmd/executiond
	RotationGrace time.Duration

	// Oracle
	OracleInterval  time.Duration
	OracleRateLimit float64 // requests per second

	LogLevel  string
	LogFormat string

	HTTPAddr        string
	RunLogRetention time.Duration
}

// FromEnv loads Config from the process environment, applying the same
// defaults the teacher's config.Get* helpers would.
func FromEnv() Config {
	return Config{
		StorePath: getEnv("EXECUTION_STORE_PATH", "./data/execution.db"),

		Workers:        getEnvInt("EXECUTION_WORKERS", defaultWorkers()),
		GlobalCap:      getEnvInt("EXECUTION_GLOBAL_CAP", 256),
		PerFunctionCap: getEnvInt("EXECUTION_PER_FUNCTION_CAP", 8),
		QueueDepth:     getEnvInt("EXECUTION_QUEUE_DEPTH", 1000),
		GracePeriod:    parseDurationOrDefault(os.Getenv("EXECUTION_GRACE_PERIOD"), 250*time.Millisecond),
		MaxRetries:     getEnvInt("EXECUTION_MAX_RETRIES", 5),
		RetryBaseDelay: parseDurationOrDefault(os.Getenv("EXECUTION_RETRY_BASE_DELAY"), 500*time.Millisecond),
		RetryMaxDelay:  parseDurationOrDefault(os.Getenv("EXECUTION_RETRY_MAX_DELAY"), 30*time.Second),

		NeoRPCEndpoint: getEnv("NEO_RPC_ENDPOINT", ""),
		EthRPCEndpoint: getEnv("ETH_RPC_ENDPOINT", ""),
		Confirmations:  uint64(getEnvInt("CHAIN_CONFIRMATIONS", 6)),

		GasRecoveryGrace: parseDurationOrDefault(os.Getenv("GASBANK_RECOVERY_GRACE"), 10*time.Minute),
		GasRecoverySweep: parseDurationOrDefault(os.Getenv("GASBANK_RECOVERY_SWEEP"), 1*time.Minute),

		MasterKeyHex:  getEnv("SECRETS_MASTER_KEY", ""),
		TEEProvider:   getEnv("TEE_PROVIDER", "simulated"),
		RotationGrace: parseDurationOrDefault(os.Getenv("KEY_ROTATION_OVERLAP"), 24*time.Hour),

		OracleInterval:  parseDurationOrDefault(os.Getenv("ORACLE_POLL_INTERVAL"), 10*time.Second),
		OracleRateLimit: parseFloatOrDefault(os.Getenv("ORACLE_RATE_LIMIT"), 5.0),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		RunLogRetention: parseDurationOrDefault(os.Getenv("RUNLOG_RETENTION"), 7*24*time.Hour),
	}
}

func defaultWorkers() int {
	// Mirrors the spec's "default W = num_cpus".
	return max(1, numCPU())
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func parseFloatOrDefault(raw string, def float64) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
