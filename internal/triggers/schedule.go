// schedule.go is the cron/schedule adapter (spec §4.3 "Schedule"). The
// teacher hand-rolls a 5-field cron parser in
// services/automation/automation_triggers.go (parseNextCronExecution) —
// its own tests document that the parser "doesn't strictly validate
// out-of-range values". robfig/cron/v3 replaces that homegrown parser
// with the real library while keeping the teacher's
// check-every-tick-and-fire-if-due structure
// (checkAndExecuteTriggers/executeTrigger).
package triggers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleEntry binds a cron expression to the id that ticks carry as
// TriggerRecord.CronID.
type ScheduleEntry struct {
	CronID string
	Expr   string
}

// ScheduleSource emits KindScheduleTick records when a registered cron
// expression comes due. One ScheduleSource serves every scheduled
// function; entries are added/removed without restarting Run.
type ScheduleSource struct {
	sourceID string
	tick     time.Duration

	mu      sync.Mutex
	entries map[string]cron.Schedule
	next    map[string]time.Time

	stopCh chan struct{}
	once   sync.Once
}

// NewScheduleSource builds a ScheduleSource that re-checks due entries
// every tick (spec's suggested granularity is one second; tests use a
// finer tick).
func NewScheduleSource(sourceID string, tick time.Duration) *ScheduleSource {
	return &ScheduleSource{
		sourceID: sourceID,
		tick:     tick,
		entries:  make(map[string]cron.Schedule),
		next:     make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

func (s *ScheduleSource) ID() string { return s.sourceID }

// Upsert parses expr and (re)registers it under cronID, computing its
// first due time relative to now.
func (s *ScheduleSource) Upsert(cronID, expr string, now time.Time) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("triggers: invalid cron expression %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cronID] = sched
	s.next[cronID] = sched.Next(now)
	return nil
}

// Remove unregisters cronID; it no longer fires.
func (s *ScheduleSource) Remove(cronID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, cronID)
	delete(s.next, cronID)
}

// Run polls every tick and publishes a KindScheduleTick for each entry
// whose next-due time has passed, then advances that entry's next-due
// time.
func (s *ScheduleSource) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	var offset uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			now := time.Now().UTC()
			due := s.dueEntries(now)
			for _, cronID := range due {
				offset++
				rec := model.TriggerRecord{
					SourceID:   s.sourceID,
					Offset:     offset,
					Kind:       model.KindScheduleTick,
					OccurredAt: now,
					CronID:     cronID,
					PlannedAt:  now,
				}
				_ = sink.Publish(ctx, rec)
			}
		}
	}
}

func (s *ScheduleSource) dueEntries(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for cronID, nextAt := range s.next {
		if !now.Before(nextAt) {
			due = append(due, cronID)
			s.next[cronID] = s.entries[cronID].Next(now)
		}
	}
	return due
}

// Stop halts Run.
func (s *ScheduleSource) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}
