package controlplane

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/r3e-faas-sub003/internal/bus"
	"github.com/R3E-Network/r3e-faas-sub003/internal/errs"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/runlog"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
	"github.com/R3E-Network/r3e-faas-sub003/internal/triggers"
)

// fakeEnqueuer lets tests observe what the Plane hands to the scheduler
// without needing a real sandbox.Pool.
type fakeEnqueuer struct {
	mu   sync.Mutex
	seen []model.Invocation
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, inv model.Invocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, inv)
	return nil
}

func (f *fakeEnqueuer) last() (model.Invocation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seen) == 0 {
		return model.Invocation{}, false
	}
	return f.seen[len(f.seen)-1], true
}

func newTestPlane(t *testing.T) (*Plane, *fakeEnqueuer, *bus.Bus, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	enq := &fakeEnqueuer{}
	b, err := bus.New(st, enq)
	require.NoError(t, err)

	recorder := runlog.New(st, runlog.NewMetrics(prometheus.NewRegistry()), 0, nil)
	sched := triggers.NewScheduleSource("sched-1", time.Second)

	p := New(st, b, enq, recorder, sched, nil)
	return p, enq, b, st
}

func httpFunction(id string) model.FunctionSpec {
	return model.FunctionSpec{
		FunctionID: id,
		Runtime:    model.JS,
		Handler:    "index.js#handle",
		Source:     "export function handle(ctx){return {ok:true}}",
		Owner:      "alice",
		Trigger:    model.TriggerSpec{Type: model.TriggerHTTP, Method: "POST", PathPattern: "/hooks/" + id},
	}
}

func TestUpsertFunctionRegistersHttpSubscription(t *testing.T) {
	p, _, b, _ := newTestPlane(t)
	fn, err := p.UpsertFunction(context.Background(), httpFunction("fn-http"))
	require.NoError(t, err)
	require.Equal(t, 1, fn.Version)

	invs, err := b.Publish(context.Background(), model.TriggerRecord{
		SourceID: "http", Kind: model.KindHttpRequest, Method: "POST", Path: "/hooks/fn-http",
	})
	require.NoError(t, err)
	require.Len(t, invs, 1)
	require.Equal(t, "fn-http", invs[0].FunctionID)
}

func TestUpsertFunctionVersionsOnUpdate(t *testing.T) {
	p, _, _, _ := newTestPlane(t)
	_, err := p.UpsertFunction(context.Background(), httpFunction("fn-v"))
	require.NoError(t, err)

	second := httpFunction("fn-v")
	second.Source = "export function handle(ctx){return {ok:false}}"
	fn2, err := p.UpsertFunction(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, 2, fn2.Version)
}

func TestUpsertFunctionScheduleRegistersCronAndSubscription(t *testing.T) {
	p, _, b, _ := newTestPlane(t)
	fn := model.FunctionSpec{
		FunctionID: "fn-cron",
		Runtime:    model.JS,
		Handler:    "index.js#handle",
		Source:     "export function handle(){return {}}",
		Owner:      "alice",
		Trigger:    model.TriggerSpec{Type: model.TriggerSchedule, Cron: "* * * * *"},
	}
	_, err := p.UpsertFunction(context.Background(), fn)
	require.NoError(t, err)

	invs, err := b.Publish(context.Background(), model.TriggerRecord{
		SourceID: "sched-1", Kind: model.KindScheduleTick, CronID: "fn-cron", PlannedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Len(t, invs, 1)
	require.Equal(t, "fn-cron", invs[0].FunctionID)
}

func TestDeleteFunctionRemovesSubscription(t *testing.T) {
	p, _, b, _ := newTestPlane(t)
	_, err := p.UpsertFunction(context.Background(), httpFunction("fn-del"))
	require.NoError(t, err)
	require.NoError(t, p.DeleteFunction(context.Background(), "fn-del"))

	invs, err := b.Publish(context.Background(), model.TriggerRecord{
		SourceID: "http", Kind: model.KindHttpRequest, Method: "POST", Path: "/hooks/fn-del",
	})
	require.NoError(t, err)
	require.Empty(t, invs)

	_, found, err := p.loadFunction("fn-del")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteServiceCascadesToFunctions(t *testing.T) {
	p, _, b, _ := newTestPlane(t)
	_, err := p.UpsertService(context.Background(), model.ServiceSpec{ServiceID: "svc-1", Owner: "alice"})
	require.NoError(t, err)

	fn := httpFunction("fn-cascade")
	fn.ServiceID = "svc-1"
	_, err = p.UpsertFunction(context.Background(), fn)
	require.NoError(t, err)

	require.NoError(t, p.DeleteService(context.Background(), "svc-1"))

	_, found, err := p.loadFunction("fn-cascade")
	require.NoError(t, err)
	require.False(t, found)

	invs, err := b.Publish(context.Background(), model.TriggerRecord{
		SourceID: "http", Kind: model.KindHttpRequest, Method: "POST", Path: "/hooks/fn-cascade",
	})
	require.NoError(t, err)
	require.Empty(t, invs)
}

func TestInvokeEnqueuesManualInvocation(t *testing.T) {
	p, enq, _, _ := newTestPlane(t)
	_, err := p.UpsertFunction(context.Background(), httpFunction("fn-inv"))
	require.NoError(t, err)

	invID, err := p.Invoke(context.Background(), "fn-inv", map[string]any{"x": 1})
	require.NoError(t, err)
	require.NotEmpty(t, invID)

	last, ok := enq.last()
	require.True(t, ok)
	require.Equal(t, model.KindManualInvoke, last.Trigger.Kind)
	require.Equal(t, invID, last.InvocationID)
}

func TestInvokeUnknownFunctionReturnsNotFound(t *testing.T) {
	p, _, _, _ := newTestPlane(t)
	_, err := p.Invoke(context.Background(), "missing", nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGetInvocationDelegatesToRecorder(t *testing.T) {
	p, _, _, st := newTestPlane(t)
	inv := model.Invocation{InvocationID: "inv-1", FunctionID: "fn-1", State: model.StateSucceeded}
	raw, err := json.Marshal(inv)
	require.NoError(t, err)
	require.NoError(t, st.Put(store.TableRunLog, "inv:inv-1", raw))

	got, found, err := p.GetInvocation("inv-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, model.StateSucceeded, got.State)
}

func TestSubscribeEventsReceivesMatchingInvocation(t *testing.T) {
	p, _, _, _ := newTestPlane(t)
	ch, cancel := p.SubscribeEvents(model.Filter{Kind: model.KindHttpRequest})
	defer cancel()

	p.Observe(context.Background(), model.Invocation{
		FunctionID: "fn-1",
		Trigger:    model.TriggerRecord{Kind: model.KindHttpRequest, SourceID: "http"},
	})

	select {
	case inv := <-ch:
		require.Equal(t, "fn-1", inv.FunctionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestSubscribeEventsIgnoresNonMatchingKind(t *testing.T) {
	p, _, _, _ := newTestPlane(t)
	ch, cancel := p.SubscribeEvents(model.Filter{Kind: model.KindBlock})
	defer cancel()

	p.Observe(context.Background(), model.Invocation{
		FunctionID: "fn-1",
		Trigger:    model.TriggerRecord{Kind: model.KindHttpRequest},
	})

	select {
	case <-ch:
		t.Fatal("unexpected delivery for non-matching filter")
	case <-time.After(50 * time.Millisecond):
	}
}
