package bus

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

var errFake = errors.New("dispatch failed")

type recordingDispatcher struct {
	mu   sync.Mutex
	recv []model.Invocation
	fail map[string]bool
}

func (d *recordingDispatcher) Enqueue(ctx context.Context, inv model.Invocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil && d.fail[inv.FunctionID] {
		return errFake
	}
	d.recv = append(d.recv, inv)
	return nil
}

func newTestBus(t *testing.T, dispatcher Dispatcher) (*Bus, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b, err := New(st, dispatcher)
	require.NoError(t, err)
	return b, st
}

func TestSubscribePublishMatchesByKindAndContract(t *testing.T) {
	d := &recordingDispatcher{}
	b, _ := newTestBus(t, d)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, model.Subscription{
		FunctionID: "fn-a",
		Filter:     model.Filter{Kind: model.KindNotification, Contract: "0xabc"},
	}))
	require.NoError(t, b.Subscribe(ctx, model.Subscription{
		FunctionID: "fn-b",
		Filter:     model.Filter{Kind: model.KindNotification, Contract: "0xdef"},
	}))

	invs, err := b.Publish(ctx, model.TriggerRecord{
		SourceID: "neo-main", Offset: 1, Kind: model.KindNotification, Contract: "0xabc",
	})
	require.NoError(t, err)
	require.Len(t, invs, 1)
	require.Equal(t, "fn-a", invs[0].FunctionID)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.recv, 1)
}

func TestPublishNoMatchReturnsEmpty(t *testing.T) {
	d := &recordingDispatcher{}
	b, _ := newTestBus(t, d)
	ctx := context.Background()

	invs, err := b.Publish(ctx, model.TriggerRecord{SourceID: "s", Offset: 1, Kind: model.KindBlock})
	require.NoError(t, err)
	require.Empty(t, invs)
}

func TestUnsubscribeStopsMatching(t *testing.T) {
	d := &recordingDispatcher{}
	b, _ := newTestBus(t, d)
	ctx := context.Background()

	filter := model.Filter{Kind: model.KindHttpRequest, Method: "GET", PathPattern: "/hooks/*"}
	require.NoError(t, b.Subscribe(ctx, model.Subscription{FunctionID: "fn-a", Filter: filter}))
	require.NoError(t, b.Unsubscribe(ctx, "fn-a", filter))

	invs, err := b.Publish(ctx, model.TriggerRecord{
		SourceID: "http", Offset: 1, Kind: model.KindHttpRequest, Method: "GET", Path: "/hooks/github",
	})
	require.NoError(t, err)
	require.Empty(t, invs)
}

func TestPublishPersistsSubscriptionsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus2.db")
	st, err := store.Open(path)
	require.NoError(t, err)

	d := &recordingDispatcher{}
	b, err := New(st, d)
	require.NoError(t, err)
	require.NoError(t, b.Subscribe(context.Background(), model.Subscription{
		FunctionID: "fn-a",
		Filter:     model.Filter{Kind: model.KindScheduleTick, SourceID: "cron"},
	}))
	require.NoError(t, st.Close())

	st2, err := store.Open(path)
	require.NoError(t, err)
	defer st2.Close()
	b2, err := New(st2, d)
	require.NoError(t, err)

	invs, err := b2.Publish(context.Background(), model.TriggerRecord{
		SourceID: "cron", Offset: 1, Kind: model.KindScheduleTick,
	})
	require.NoError(t, err)
	require.Len(t, invs, 1)
}

func TestPublishOnePartialFailureStillDeliversOthers(t *testing.T) {
	d := &recordingDispatcher{fail: map[string]bool{"fn-bad": true}}
	b, _ := newTestBus(t, d)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, model.Subscription{
		FunctionID: "fn-good", Filter: model.Filter{Kind: model.KindBlock},
	}))
	require.NoError(t, b.Subscribe(ctx, model.Subscription{
		FunctionID: "fn-bad", Filter: model.Filter{Kind: model.KindBlock},
	}))

	invs, err := b.Publish(ctx, model.TriggerRecord{SourceID: "s", Offset: 5, Kind: model.KindBlock})
	require.Error(t, err)
	require.Len(t, invs, 2)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.recv, 1)
	require.Equal(t, "fn-good", d.recv[0].FunctionID)
}
