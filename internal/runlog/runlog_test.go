package runlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

func newTestRecorder(t *testing.T, retention time.Duration) (*Recorder, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	metrics := NewMetrics(prometheus.NewRegistry())
	return New(st, metrics, retention, nil), st
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	r, _ := newTestRecorder(t, 0)
	require.NoError(t, r.Append(context.Background(), "fn-1", "inv-1", "info", "first"))
	require.NoError(t, r.Append(context.Background(), "fn-1", "inv-1", "info", "second"))

	entries, err := r.ListLogs("fn-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "first", entries[0].Message)
	require.Equal(t, "second", entries[1].Message)
	require.Less(t, entries[0].Seq, entries[1].Seq)

	seq, err := parseSeq(logKey("fn-1", entries[1].Seq))
	require.NoError(t, err)
	require.Equal(t, entries[1].Seq, seq)
}

func TestListLogsRespectsSinceSeqAndLimit(t *testing.T) {
	r, _ := newTestRecorder(t, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Append(context.Background(), "fn-1", "inv-1", "info", "line"))
	}
	entries, err := r.ListLogs("fn-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint64(3), entries[0].Seq)
}

func TestObserveAggregatesSuccessAndFailure(t *testing.T) {
	r, _ := newTestRecorder(t, 0)
	started := time.Now().UTC()

	r.Observe(context.Background(), model.Invocation{
		FunctionID: "fn-1", State: model.StateSucceeded,
		StartedAt: started, EndedAt: started.Add(100 * time.Millisecond), MemoryPeak: 1000,
	})
	r.Observe(context.Background(), model.Invocation{
		FunctionID: "fn-1", State: model.StateFailed,
		StartedAt: started, EndedAt: started.Add(300 * time.Millisecond), MemoryPeak: 3000,
	})
	r.Observe(context.Background(), model.Invocation{
		FunctionID: "fn-1", State: model.StateQueued,
	})

	agg, ok := r.FunctionAggregate("fn-1")
	require.True(t, ok)
	require.EqualValues(t, 2, agg.Count)
	require.EqualValues(t, 1, agg.Succeeded)
	require.EqualValues(t, 1, agg.Failed)
	require.EqualValues(t, 3000, agg.MemoryPeak)
	require.EqualValues(t, 2000, agg.MemoryMean)
	require.Equal(t, 200*time.Millisecond, agg.AvgDuration)
}

func TestObservePersistsAggregateAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runlog2.db")
	st, err := store.Open(path)
	require.NoError(t, err)

	r := New(st, nil, 0, nil)
	r.Observe(context.Background(), model.Invocation{
		FunctionID: "fn-1", State: model.StateSucceeded,
		StartedAt: time.Now().UTC(), EndedAt: time.Now().UTC().Add(time.Millisecond),
	})
	require.NoError(t, st.Close())

	st2, err := store.Open(path)
	require.NoError(t, err)
	defer st2.Close()

	raw, ok, err := st2.Get(store.TableRunLog, metricsKey("fn-1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(raw), `"count":1`)
}

func TestGetInvocationReadsSchedulerPersistedRecord(t *testing.T) {
	r, st := newTestRecorder(t, 0)
	inv := model.Invocation{InvocationID: "inv-xyz", FunctionID: "fn-1", State: model.StateSucceeded}
	raw, err := json.Marshal(inv)
	require.NoError(t, err)
	require.NoError(t, st.Put(store.TableRunLog, "inv:inv-xyz", raw))

	got, ok, err := r.GetInvocation("inv-xyz")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StateSucceeded, got.State)
}

func TestGCRemovesEntriesOlderThanRetention(t *testing.T) {
	r, st := newTestRecorder(t, time.Hour)
	require.NoError(t, r.Append(context.Background(), "fn-1", "inv-1", "info", "stale"))

	old := time.Now().UTC().Add(-2 * time.Hour)
	raw, ok, err := st.Get(store.TableRunLog, logKey("fn-1", 1))
	require.NoError(t, err)
	require.True(t, ok)
	var e Entry
	require.NoError(t, json.Unmarshal(raw, &e))
	e.Timestamp = old
	raw2, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, st.Put(store.TableRunLog, logKey("fn-1", 1), raw2))

	removed, err := r.GC(time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
