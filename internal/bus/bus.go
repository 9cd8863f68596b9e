// Package bus implements C4: the subscription registry and the at-
// least-once event fan-out pipeline between C3 trigger sources and C6's
// admission queue. Grounded on the teacher's system/core/bus.go Bus type
// — the map[string][]EventHandler subscriber index, the per-subscriber
// timeout, and the concurrent fan-out with a buffered error channel are
// all kept — generalized from string event names to model.Filter
// predicates matched against model.TriggerRecord, and made durable: a
// match is persisted as a Queued model.Invocation before Publish
// dispatches it, and the source's offset is only advanced after every
// match for that record has been durably enqueued (spec §4.4 "at-least-
// once, durable enqueue before offset commit").
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

// Dispatcher hands a newly queued Invocation to the scheduler (C6). It
// must return once the invocation is admitted into the scheduler's
// bookkeeping, not once it has finished running.
type Dispatcher interface {
	Enqueue(ctx context.Context, inv model.Invocation) error
}

// DefaultDispatchTimeout bounds how long Publish waits for a single
// Dispatcher.Enqueue call before counting it as failed.
const DefaultDispatchTimeout = 5 * time.Second

// Bus matches TriggerRecords against registered Subscriptions and
// durably enqueues one Invocation per match.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]model.Subscription // keyed by RecordKind

	st             *store.Store
	dispatcher     Dispatcher
	dispatchTimeout time.Duration
}

// New constructs a Bus, loading any subscriptions already persisted in
// st (so a restart does not lose them).
func New(st *store.Store, dispatcher Dispatcher) (*Bus, error) {
	b := &Bus{
		subs:            make(map[string][]model.Subscription),
		st:              st,
		dispatcher:      dispatcher,
		dispatchTimeout: DefaultDispatchTimeout,
	}

	all, err := st.Range(store.TableSubscriptions, "")
	if err != nil {
		return nil, fmt.Errorf("bus: load subscriptions: %w", err)
	}
	for _, raw := range all {
		var sub model.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			continue
		}
		b.index(sub)
	}
	return b, nil
}

func subscriptionKey(functionID string, filter model.Filter) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s/%s", functionID, filter.Kind, filter.SourceID, filter.Contract, filter.Event, filter.PathPattern, filter.Method)
}

func (b *Bus) index(sub model.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := string(sub.Filter.Kind)
	b.subs[key] = append(b.subs[key], sub)
}

func (b *Bus) deindex(functionID string, filter model.Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := string(filter.Kind)
	kept := b.subs[key][:0]
	for _, s := range b.subs[key] {
		if s.FunctionID == functionID && s.Filter == filter {
			continue
		}
		kept = append(kept, s)
	}
	b.subs[key] = kept
}

// Subscribe durably registers sub and makes it effective for the next
// Publish call.
func (b *Bus) Subscribe(ctx context.Context, sub model.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := b.st.Put(store.TableSubscriptions, subscriptionKey(sub.FunctionID, sub.Filter), raw); err != nil {
		return err
	}
	b.index(sub)
	return nil
}

// Unsubscribe removes a previously registered subscription.
func (b *Bus) Unsubscribe(ctx context.Context, functionID string, filter model.Filter) error {
	if err := b.st.Delete(store.TableSubscriptions, subscriptionKey(functionID, filter)); err != nil {
		return err
	}
	b.deindex(functionID, filter)
	return nil
}

func matches(filter model.Filter, rec model.TriggerRecord) bool {
	if filter.Kind != rec.Kind {
		return false
	}
	if filter.SourceID != "" && filter.SourceID != rec.SourceID {
		return false
	}
	if filter.Contract != "" && filter.Contract != rec.Contract {
		return false
	}
	if rec.Kind == model.KindScheduleTick {
		// ScheduleTick carries the firing cron entry in CronID, not Event;
		// a schedule subscription's Event field is set to its cron_id by
		// convention at registration time (see controlplane.filtersForTrigger).
		if filter.Event != "" && filter.Event != rec.CronID {
			return false
		}
	} else if filter.Event != "" && filter.Event != rec.Event {
		return false
	}
	if filter.Method != "" && filter.Method != rec.Method {
		return false
	}
	if filter.PathPattern != "" {
		ok, err := path.Match(filter.PathPattern, rec.Path)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Publish matches rec against every registered subscription and durably
// enqueues one Queued Invocation per match, fanning dispatch out
// concurrently the way the teacher's PublishEvent does. It returns once
// every match has either been enqueued or definitively failed; a
// Dispatcher failure for one function never blocks delivery to others
// (spec §4.4 "per (source_id, function_id) ordering", "at least once").
func (b *Bus) Publish(ctx context.Context, rec model.TriggerRecord) ([]model.Invocation, error) {
	b.mu.RLock()
	candidates := append([]model.Subscription(nil), b.subs[string(rec.Kind)]...)
	timeout := b.dispatchTimeout
	b.mu.RUnlock()

	var matched []model.Subscription
	for _, sub := range candidates {
		if matches(sub.Filter, rec) {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	invocations := make([]model.Invocation, 0, len(matched))
	errCh := make(chan error, len(matched))
	var wg sync.WaitGroup
	var mu sync.Mutex
	enqueueFailed := false

	for _, sub := range matched {
		deliveryID, err := b.st.AppendSequence(store.TableRunLog, "delivery:"+rec.SourceID+":"+sub.FunctionID)
		if err != nil {
			errCh <- err
			enqueueFailed = true
			continue
		}
		inv := model.Invocation{
			InvocationID: uuid.NewString(),
			FunctionID:   sub.FunctionID,
			DeliveryID:   deliveryID,
			Trigger:      rec,
			State:        model.StateQueued,
			Attempt:      1,
		}
		if err := b.persist(inv); err != nil {
			errCh <- err
			enqueueFailed = true
			continue
		}

		mu.Lock()
		invocations = append(invocations, inv)
		mu.Unlock()

		wg.Add(1)
		go func(inv model.Invocation) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := b.dispatcher.Enqueue(dctx, inv); err != nil {
				errCh <- fmt.Errorf("bus: dispatch %s to %s: %w", inv.InvocationID, inv.FunctionID, err)
			}
		}(inv)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	if !enqueueFailed {
		if err := b.st.Put(store.TableOffsets, "committed:"+rec.SourceID, []byte(fmt.Sprintf("%d", rec.Offset))); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return invocations, fmt.Errorf("bus: %d of %d dispatches failed: %v", len(errs), len(matched), errs[0])
	}
	return invocations, nil
}

func (b *Bus) persist(inv model.Invocation) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return b.st.Put(store.TableRunLog, "inv:"+inv.InvocationID, raw)
}
