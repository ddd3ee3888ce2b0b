// Package scheduler fires workflow triggers from cron expressions. It polls
// the scheduled_triggers table so schedules survive restarts and multiple
// deploys converge on the stored next-run time.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quaystone/tradeflow/internal/engine"
	"github.com/quaystone/tradeflow/internal/params"
	"github.com/quaystone/tradeflow/internal/store"
	"github.com/quaystone/tradeflow/pkg/dsl"
)

// DefaultPollInterval is how often the scheduler scans for due triggers.
const DefaultPollInterval = 30 * time.Second

// Runner is the slice of the engine the scheduler needs.
type Runner interface {
	Trigger(ctx context.Context, userID string, req *engine.TriggerRequest) (*store.Execution, error)
}

// Scheduler polls enabled scheduled triggers and fires the due ones.
type Scheduler struct {
	store    store.Store
	runner   Runner
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. A non-positive interval falls back to the
// default.
func New(s store.Store, runner Runner, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		stop:     make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called or the context ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the polling loop and waits for in-flight firings.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// scheduleParams is the optional params payload of a scheduled trigger.
type scheduleParams struct {
	Scope     params.ScopeContext `json:"scope"`
	Overrides map[string]any      `json:"overrides"`
}

// Tick scans once for due triggers and fires them. Exported so callers can
// force an immediate scan; firings run asynchronously.
func (s *Scheduler) Tick(ctx context.Context) {
	triggers, err := s.store.ListEnabledScheduledTriggers(ctx)
	if err != nil {
		s.logger.Error("scheduled trigger scan failed", "error", err)
		return
	}

	now := s.now()
	for _, st := range triggers {
		schedule, err := cron.ParseStandard(st.CronExpression)
		if err != nil {
			s.logger.Warn("skipping trigger with invalid cron expression",
				"trigger_id", st.ID, "cron", st.CronExpression, "error", err)
			continue
		}

		// A trigger with no stored next-run time fires on its first scan.
		if st.NextRunAt != nil && st.NextRunAt.After(now) {
			continue
		}

		slot := now
		if st.NextRunAt != nil {
			slot = *st.NextRunAt
		}
		next := schedule.Next(now)
		if err := s.store.MarkScheduledTriggerRun(ctx, st.ID, now, &next); err != nil {
			s.logger.Error("marking scheduled trigger run failed", "trigger_id", st.ID, "error", err)
			continue
		}

		s.fire(ctx, st, slot)
	}
}

// fire triggers one due schedule on its own goroutine. The idempotency key
// is derived from the trigger and its slot, so a crashed-and-restarted
// scheduler cannot double-run the same slot.
func (s *Scheduler) fire(ctx context.Context, st *store.ScheduledTrigger, slot time.Time) {
	req := &engine.TriggerRequest{
		WorkflowDefinitionID: st.DefinitionID,
		TriggerType:          dsl.TriggerScheduled,
		IdempotencyKey:       fmt.Sprintf("sched:%s:%s", st.ID, slot.UTC().Format(time.RFC3339)),
	}

	if len(st.Params) > 0 {
		var p scheduleParams
		if err := json.Unmarshal(st.Params, &p); err != nil {
			s.logger.Warn("ignoring malformed scheduled trigger params", "trigger_id", st.ID, "error", err)
		} else {
			req.ScopeContext = p.Scope
			req.SessionOverrides = p.Overrides
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ex, err := s.runner.Trigger(ctx, st.UserID, req)
		if err != nil {
			s.logger.Error("scheduled execution failed",
				"trigger_id", st.ID, "workflow_definition_id", st.DefinitionID, "error", err)
			return
		}
		s.logger.Info("scheduled execution finished",
			"trigger_id", st.ID, "execution_id", ex.ID, "status", string(ex.Status))
	}()
}
