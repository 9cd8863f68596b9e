// Package runlog implements C8: an append-only per-function execution log
// with retention, range queries for the external management surface, and
// an incrementally maintained per-function metrics aggregate. It also
// implements scheduler.Observer and sandbox.LogSink, so it is the single
// place both the admission/dispatch path and the sandbox's `runlog` host
// binding funnel records into. Grounded on the teacher's
// infrastructure/metrics/metrics.go Prometheus collector set (generalized
// from HTTP/DB/chain-tx metrics to per-function invocation metrics) and on
// the store package's AppendSequence-ordered-log convention already used
// by C4's delivery IDs.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

// Entry is a single structured log line produced either by a function's
// `runlog.write` host binding call or by the sandbox capturing the
// function's console output.
type Entry struct {
	FunctionID   string    `json:"function_id"`
	InvocationID string    `json:"invocation_id"`
	Seq          uint64    `json:"seq"`
	Level        string    `json:"level"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// FunctionMetrics is the incrementally maintained aggregate for one
// function (spec §4.8: "count, success, failed, avg duration, memory/CPU
// mean and peak").
type FunctionMetrics struct {
	Count          uint64        `json:"count"`
	Succeeded      uint64        `json:"succeeded"`
	Failed         uint64        `json:"failed"`
	TotalDuration  time.Duration `json:"-"`
	AvgDuration    time.Duration `json:"avg_duration"`
	MemoryPeak     int64         `json:"memory_peak"`
	MemoryMeanSum  int64         `json:"-"`
	MemoryMean     int64         `json:"memory_mean"`
	CPUPeak        time.Duration `json:"cpu_peak"`
}

// Metrics holds the Prometheus collectors registered for C8.
type Metrics struct {
	InvocationsTotal *prometheus.CounterVec
	Duration         *prometheus.HistogramVec
	MemoryPeakBytes  *prometheus.GaugeVec
}

// NewMetrics registers C8's collectors against registerer (pass
// prometheus.DefaultRegisterer in production, a fresh prometheus.NewRegistry()
// in tests to avoid duplicate-registration panics across test runs).
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faas_invocations_total",
			Help: "Total number of function invocations by terminal state.",
		}, []string{"function_id", "state"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "faas_invocation_duration_seconds",
			Help:    "Invocation wall-clock duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"function_id"}),
		MemoryPeakBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "faas_invocation_memory_peak_bytes",
			Help: "Most recently observed peak heap delta for a function's invocations.",
		}, []string{"function_id"}),
	}
	registerer.MustRegister(m.InvocationsTotal, m.Duration, m.MemoryPeakBytes)
	return m
}

// Recorder is C8. It satisfies scheduler.Observer (Observe) and
// sandbox.LogSink (Append).
type Recorder struct {
	st      *store.Store
	metrics *Metrics
	log     *logging.Logger

	retention time.Duration

	mu   sync.Mutex
	aggs map[string]*FunctionMetrics
}

// New constructs a Recorder. metrics may be nil to skip Prometheus
// registration (useful in tests that construct many Recorders).
func New(st *store.Store, metrics *Metrics, retention time.Duration, log *logging.Logger) *Recorder {
	return &Recorder{st: st, metrics: metrics, retention: retention, aggs: make(map[string]*FunctionMetrics), log: log}
}

func logKey(functionID string, seq uint64) string {
	return fmt.Sprintf("log:%s:%020d", functionID, seq)
}

// Append implements sandbox.LogSink: it durably records one structured log
// line produced by a function's `runlog.write` call (or captured from its
// console output).
func (r *Recorder) Append(ctx context.Context, functionID, invocationID, level, message string) error {
	seq, err := r.st.AppendSequence(store.TableRunLog, "log:"+functionID)
	if err != nil {
		return err
	}
	entry := Entry{
		FunctionID:   functionID,
		InvocationID: invocationID,
		Seq:          seq,
		Level:        level,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.st.Put(store.TableRunLog, logKey(functionID, seq), raw)
}

// Observe implements scheduler.Observer: it folds a terminal Invocation
// into that function's incremental metrics aggregate and records it in
// Prometheus.
func (r *Recorder) Observe(ctx context.Context, inv model.Invocation) {
	switch inv.State {
	case model.StateSucceeded, model.StateFailed, model.StateTimeout, model.StateRejected:
	default:
		return // only terminal states contribute to the aggregate
	}

	duration := time.Duration(0)
	if !inv.StartedAt.IsZero() && !inv.EndedAt.IsZero() {
		duration = inv.EndedAt.Sub(inv.StartedAt)
	}

	r.mu.Lock()
	agg, ok := r.aggs[inv.FunctionID]
	if !ok {
		agg = &FunctionMetrics{}
		// Resume from the aggregate persisted before a restart. The running
		// sums are not persisted, so they are rebuilt from the means.
		if raw, found, err := r.st.Get(store.TableRunLog, metricsKey(inv.FunctionID)); err == nil && found {
			if json.Unmarshal(raw, agg) == nil {
				agg.TotalDuration = agg.AvgDuration * time.Duration(agg.Count)
				agg.MemoryMeanSum = agg.MemoryMean * int64(agg.Count)
			} else {
				*agg = FunctionMetrics{}
			}
		}
		r.aggs[inv.FunctionID] = agg
	}
	agg.Count++
	if inv.State == model.StateSucceeded {
		agg.Succeeded++
	} else {
		agg.Failed++
	}
	agg.TotalDuration += duration
	agg.AvgDuration = agg.TotalDuration / time.Duration(agg.Count)
	if inv.MemoryPeak > agg.MemoryPeak {
		agg.MemoryPeak = inv.MemoryPeak
	}
	agg.MemoryMeanSum += inv.MemoryPeak
	agg.MemoryMean = agg.MemoryMeanSum / int64(agg.Count)
	if inv.CPUUsed > agg.CPUPeak {
		agg.CPUPeak = inv.CPUUsed
	}
	snapshot := *agg
	r.mu.Unlock()

	_ = r.persistMetrics(inv.FunctionID, snapshot)

	if r.metrics != nil {
		r.metrics.InvocationsTotal.WithLabelValues(inv.FunctionID, string(inv.State)).Inc()
		if duration > 0 {
			r.metrics.Duration.WithLabelValues(inv.FunctionID).Observe(duration.Seconds())
		}
		r.metrics.MemoryPeakBytes.WithLabelValues(inv.FunctionID).Set(float64(snapshot.MemoryPeak))
	}
}

func metricsKey(functionID string) string { return "metrics:" + functionID }

func (r *Recorder) persistMetrics(functionID string, agg FunctionMetrics) error {
	raw, err := json.Marshal(agg)
	if err != nil {
		return err
	}
	return r.st.Put(store.TableRunLog, metricsKey(functionID), raw)
}

// FunctionAggregate returns functionID's current aggregate.
func (r *Recorder) FunctionAggregate(functionID string) (FunctionMetrics, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.aggs[functionID]
	if !ok {
		return FunctionMetrics{}, false
	}
	return *agg, true
}

// ListLogs returns functionID's log entries with Seq > sinceSeq, oldest
// first, capped at limit (spec §4.9 list_logs).
func (r *Recorder) ListLogs(functionID string, sinceSeq uint64, limit int) ([]Entry, error) {
	raw, err := r.st.Range(store.TableRunLog, "log:"+functionID+":")
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, v := range raw {
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			continue
		}
		if e.Seq > sinceSeq {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// GetInvocation looks up a single invocation record by id (spec §4.9
// get_invocation).
func (r *Recorder) GetInvocation(invocationID string) (model.Invocation, bool, error) {
	raw, ok, err := r.st.Get(store.TableRunLog, "inv:"+invocationID)
	if err != nil || !ok {
		return model.Invocation{}, ok, err
	}
	var inv model.Invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return model.Invocation{}, false, err
	}
	return inv, true, nil
}

// GC deletes log entries older than the configured retention window. It
// returns the number of entries removed.
func (r *Recorder) GC(now time.Time) (int, error) {
	if r.retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-r.retention)

	all, err := r.st.Range(store.TableRunLog, "log:")
	if err != nil {
		return 0, err
	}
	removed := 0
	for key, raw := range all {
		if strings.Contains(key, "__seq__") {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if e.Timestamp.Before(cutoff) {
			if err := r.st.Delete(store.TableRunLog, key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// parseSeq extracts the ordinal suffix from a log key, used only by tests
// that need to assert ordering independent of map iteration order.
func parseSeq(key string) (uint64, error) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return 0, fmt.Errorf("runlog: malformed key %q", key)
	}
	return strconv.ParseUint(key[idx+1:], 10, 64)
}
