// Package controlplane implements C9: the upward-facing surface consumed
// by the (out-of-scope) external management API —
// upsert/delete function and service, manual invoke, invocation lookup,
// log listing, and an event-subscription stream. It is the one place that
// understands how a FunctionSpec's declarative trigger_spec becomes C4
// Subscriptions and, for schedule triggers, a C3 ScheduleSource entry.
// Grounded on the teacher's internal/services/functions CRUD/lifecycle
// pattern (load-current, validate, version, persist, then re-derive
// downstream registrations) generalized from the teacher's single-chain
// trigger registration to this module's discriminated trigger_spec union.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/r3e-faas-sub003/internal/bus"
	"github.com/R3E-Network/r3e-faas-sub003/internal/errs"
	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/runlog"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
	"github.com/R3E-Network/r3e-faas-sub003/internal/triggers"
)

// Enqueuer is implemented by *scheduler.Scheduler; narrowed so this
// package doesn't need the scheduler's full surface.
type Enqueuer interface {
	Enqueue(ctx context.Context, inv model.Invocation) error
}

// Plane is C9. It implements scheduler.Observer, forwarding every
// invocation state transition to its Recorder and to any live
// SubscribeEvents watchers.
type Plane struct {
	st       *store.Store
	bus      *bus.Bus
	sched    Enqueuer
	recorder *runlog.Recorder
	schedule *triggers.ScheduleSource
	log      *logging.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
}

type watcher struct {
	filter model.Filter
	ch     chan model.Invocation
}

// New constructs a Plane. schedule may be nil if no cron-triggered
// functions will ever be registered.
func New(st *store.Store, b *bus.Bus, sched Enqueuer, recorder *runlog.Recorder, schedule *triggers.ScheduleSource, log *logging.Logger) *Plane {
	return &Plane{
		st:       st,
		bus:      b,
		sched:    sched,
		recorder: recorder,
		schedule: schedule,
		log:      log,
		watchers: make(map[string]*watcher),
	}
}

// knownTriggerTypes guards upsert_function's "unknown keys are rejected"
// requirement (spec §6 Function manifest).
var knownTriggerTypes = map[model.TriggerKind]bool{
	model.TriggerHTTP:       true,
	model.TriggerSchedule:   true,
	model.TriggerChainEvent: true,
	model.TriggerOracle:     true,
	model.TriggerMulti:      true,
}

func validateFunctionSpec(fn model.FunctionSpec) error {
	if fn.FunctionID == "" {
		return fmt.Errorf("%w: function_id required", errs.ErrBadRequest)
	}
	if fn.Runtime != model.JS {
		return fmt.Errorf("%w: unsupported runtime %q", errs.ErrBadRequest, fn.Runtime)
	}
	if fn.Handler == "" {
		return fmt.Errorf("%w: handler required", errs.ErrBadRequest)
	}
	if fn.Source == "" {
		return fmt.Errorf("%w: source required", errs.ErrBadRequest)
	}
	if !knownTriggerTypes[fn.Trigger.Type] {
		return fmt.Errorf("%w: unknown trigger type %q", errs.ErrBadRequest, fn.Trigger.Type)
	}
	return nil
}

// filtersForTrigger derives the set of bus Subscription filters implied by
// a trigger_spec, flattening Multi recursively (spec §6,
// "trigger.type ∈ {http, event(...), schedule, oracle_due, multi_trigger}").
func filtersForTrigger(spec model.TriggerSpec) []model.Filter {
	switch spec.Type {
	case model.TriggerHTTP:
		return []model.Filter{{Kind: model.KindHttpRequest, Method: spec.Method, PathPattern: spec.PathPattern}}
	case model.TriggerSchedule:
		return nil // driven by the ScheduleSource entry, not a bus Subscription
	case model.TriggerOracle:
		return []model.Filter{{Kind: model.KindOracleDue, SourceID: spec.OracleSourceID}}
	case model.TriggerChainEvent:
		return chainEventFilters(spec)
	case model.TriggerMulti:
		var out []model.Filter
		for _, sub := range spec.Multi {
			out = append(out, filtersForTrigger(sub)...)
		}
		return out
	default:
		return nil
	}
}

func chainEventFilters(spec model.TriggerSpec) []model.Filter {
	base := model.Filter{SourceID: spec.SourceID, Contract: spec.Contract, Event: spec.Event}
	switch spec.Kind {
	case model.ChainEventBlock:
		base.Kind = model.KindBlock
		return []model.Filter{base}
	case model.ChainEventTransaction:
		base.Kind = model.KindTransaction
		return []model.Filter{base}
	case model.ChainEventNotification:
		base.Kind = model.KindNotification
		return []model.Filter{base}
	case model.ChainEventMulti:
		block, tx, notif := base, base, base
		block.Kind, tx.Kind, notif.Kind = model.KindBlock, model.KindTransaction, model.KindNotification
		return []model.Filter{block, tx, notif}
	default:
		return nil
	}
}

func (p *Plane) loadFunction(functionID string) (model.FunctionSpec, bool, error) {
	raw, ok, err := p.st.Get(store.TableFunctions, functionID)
	if err != nil || !ok {
		return model.FunctionSpec{}, ok, err
	}
	var fn model.FunctionSpec
	if err := json.Unmarshal(raw, &fn); err != nil {
		return model.FunctionSpec{}, false, err
	}
	return fn, true, nil
}

// deregister removes fn's previous subscriptions/schedule entry so an
// update never leaves a stale registration behind.
func (p *Plane) deregister(ctx context.Context, fn model.FunctionSpec) {
	for _, f := range filtersForTrigger(fn.Trigger) {
		_ = p.bus.Unsubscribe(ctx, fn.FunctionID, f)
	}
	if fn.Trigger.Type == model.TriggerSchedule && p.schedule != nil {
		p.schedule.Remove(fn.FunctionID)
	}
}

// register installs fn's subscriptions/schedule entry.
func (p *Plane) register(ctx context.Context, fn model.FunctionSpec) error {
	for _, f := range filtersForTrigger(fn.Trigger) {
		if fn.Trigger.Type == model.TriggerSchedule {
			continue
		}
		if err := p.bus.Subscribe(ctx, model.Subscription{FunctionID: fn.FunctionID, Filter: f}); err != nil {
			return err
		}
	}
	if fn.Trigger.Type == model.TriggerSchedule {
		if p.schedule == nil {
			return fmt.Errorf("%w: no schedule source configured", errs.ErrBadRequest)
		}
		if err := p.schedule.Upsert(fn.FunctionID, fn.Trigger.Cron, time.Now().UTC()); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrBadRequest, err)
		}
		// The schedule subscription is keyed on Event=cron_id by
		// convention (bus.matches special-cases ScheduleTick accordingly).
		filter := model.Filter{Kind: model.KindScheduleTick, SourceID: p.schedule.ID(), Event: fn.FunctionID}
		if err := p.bus.Subscribe(ctx, model.Subscription{FunctionID: fn.FunctionID, Filter: filter}); err != nil {
			return err
		}
	}
	return nil
}

// UpsertFunction validates, versions, persists, and (re-)registers fn.
// Updates produce a new version sharing function_id (spec §3).
func (p *Plane) UpsertFunction(ctx context.Context, fn model.FunctionSpec) (model.FunctionSpec, error) {
	if err := validateFunctionSpec(fn); err != nil {
		return model.FunctionSpec{}, err
	}

	existing, found, err := p.loadFunction(fn.FunctionID)
	if err != nil {
		return model.FunctionSpec{}, err
	}
	if found {
		p.deregister(ctx, existing)
		fn.Version = existing.Version + 1
	} else {
		fn.Version = 1
	}
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = time.Now().UTC()
	}

	if err := p.register(ctx, fn); err != nil {
		return model.FunctionSpec{}, err
	}

	raw, err := json.Marshal(fn)
	if err != nil {
		return model.FunctionSpec{}, err
	}
	if err := p.st.Put(store.TableFunctions, fn.FunctionID, raw); err != nil {
		return model.FunctionSpec{}, err
	}
	return fn, nil
}

// DeleteFunction removes functionID's spec and every downstream
// registration it implied.
func (p *Plane) DeleteFunction(ctx context.Context, functionID string) error {
	fn, found, err := p.loadFunction(functionID)
	if err != nil {
		return err
	}
	if !found {
		return errs.ErrNotFound
	}
	p.deregister(ctx, fn)
	return p.st.Delete(store.TableFunctions, functionID)
}

// UpsertService persists a ServiceSpec. Functions reference services only
// by id; this call does not itself create or modify functions.
func (p *Plane) UpsertService(ctx context.Context, svc model.ServiceSpec) (model.ServiceSpec, error) {
	if svc.ServiceID == "" {
		return model.ServiceSpec{}, fmt.Errorf("%w: service_id required", errs.ErrBadRequest)
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(svc)
	if err != nil {
		return model.ServiceSpec{}, err
	}
	if err := p.st.Put(store.TableServices, svc.ServiceID, raw); err != nil {
		return model.ServiceSpec{}, err
	}
	return svc, nil
}

// DeleteService removes serviceID and cascades to every function that
// references it (spec §3, "deleting service cascades to its functions").
func (p *Plane) DeleteService(ctx context.Context, serviceID string) error {
	all, err := p.st.Range(store.TableFunctions, "")
	if err != nil {
		return err
	}
	for _, raw := range all {
		var fn model.FunctionSpec
		if err := json.Unmarshal(raw, &fn); err != nil {
			continue
		}
		if fn.ServiceID == serviceID {
			if err := p.DeleteFunction(ctx, fn.FunctionID); err != nil {
				return err
			}
		}
	}
	return p.st.Delete(store.TableServices, serviceID)
}

// Invoke directly admits a manual invocation of functionID, bypassing bus
// matching (spec §4.9 invoke(function_id, input) -> invocation_id).
func (p *Plane) Invoke(ctx context.Context, functionID string, input map[string]any) (string, error) {
	if _, found, err := p.loadFunction(functionID); err != nil {
		return "", err
	} else if !found {
		return "", errs.ErrNotFound
	}

	body, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	inv := model.Invocation{
		InvocationID: uuid.NewString(),
		FunctionID:   functionID,
		State:        model.StateQueued,
		Attempt:      1,
		Trigger: model.TriggerRecord{
			SourceID:   "manual",
			Kind:       model.KindManualInvoke,
			OccurredAt: time.Now().UTC(),
			Body:       body,
		},
	}
	if err := p.sched.Enqueue(ctx, inv); err != nil {
		return "", err
	}
	return inv.InvocationID, nil
}

// GetInvocation looks up a single invocation record.
func (p *Plane) GetInvocation(invocationID string) (model.Invocation, bool, error) {
	return p.recorder.GetInvocation(invocationID)
}

// ListLogs returns functionID's log entries after sinceSeq.
func (p *Plane) ListLogs(functionID string, sinceSeq uint64, limit int) ([]runlog.Entry, error) {
	return p.recorder.ListLogs(functionID, sinceSeq, limit)
}

// SubscribeEvents registers a live watcher matching filter against every
// invocation's originating TriggerRecord; the returned channel is closed
// by the returned cancel function. Buffered so a slow external consumer
// never blocks the scheduler's Observe call.
func (p *Plane) SubscribeEvents(filter model.Filter) (<-chan model.Invocation, func()) {
	id := uuid.NewString()
	w := &watcher{filter: filter, ch: make(chan model.Invocation, 64)}

	p.mu.Lock()
	p.watchers[id] = w
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
		close(w.ch)
	}
	return w.ch, cancel
}

func watcherMatches(filter model.Filter, rec model.TriggerRecord) bool {
	if filter.Kind != "" && filter.Kind != rec.Kind {
		return false
	}
	if filter.SourceID != "" && filter.SourceID != rec.SourceID {
		return false
	}
	if filter.Contract != "" && filter.Contract != rec.Contract {
		return false
	}
	return true
}

// Observe implements scheduler.Observer: every invocation state transition
// is recorded by C8 and fanned out to matching SubscribeEvents watchers.
func (p *Plane) Observe(ctx context.Context, inv model.Invocation) {
	if p.recorder != nil {
		p.recorder.Observe(ctx, inv)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.watchers {
		if !watcherMatches(w.filter, inv.Trigger) {
			continue
		}
		select {
		case w.ch <- inv:
		default:
		}
	}
}
