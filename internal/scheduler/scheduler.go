// Package scheduler fires schedule-triggered workflows from their cron
// expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// DefaultInterval is how often the table is reconciled and checked.
const DefaultInterval = 30 * time.Second

// TriggeredBy is recorded on every run the scheduler starts.
const TriggeredBy = "schedule"

// RunStarter starts runs. Satisfied by *trigger.Dispatcher.
type RunStarter interface {
	StartRun(ctx context.Context, workflowID string, triggerData map[string]any, triggeredBy string) (*schema.Run, error)
}

// Options tune a Scheduler.
type Options struct {
	// Interval between ticks. Defaults to DefaultInterval.
	Interval time.Duration
	// CatchUp computes the first fire time of a newly loaded workflow from
	// its last run, so a fire missed while the process was down happens once
	// on the next tick. Without it, missed fires are skipped.
	CatchUp bool
	Now     func() time.Time
	Logger  *slog.Logger
}

// Entry is a snapshot of one scheduled workflow.
type Entry struct {
	WorkflowID string    `json:"workflowId"`
	Cron       string    `json:"cron"`
	NextFire   time.Time `json:"nextFire"`
}

type entry struct {
	cron     string
	schedule cron.Schedule
	next     time.Time
}

// Scheduler keeps the next fire time of every enabled schedule-triggered
// workflow. The table is rebuilt from the workflow store on every tick, so
// restarts and changes made by other processes are picked up without
// persisted scheduler state.
type Scheduler struct {
	workflows store.WorkflowStore
	runner    RunStarter
	interval  time.Duration
	catchUp   bool
	now       func() time.Time
	logger    *slog.Logger

	// mu guards entries. The tick loop reads it while workflow updates
	// write it.
	mu      sync.RWMutex
	entries map[string]*entry

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Scheduler.
func New(workflows store.WorkflowStore, runner RunStarter, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		workflows: workflows,
		runner:    runner,
		interval:  opts.Interval,
		catchUp:   opts.CatchUp,
		now:       opts.Now,
		logger:    opts.Logger,
		entries:   make(map[string]*entry),
	}
}

// Upsert adds, updates or removes wf's entry according to its trigger and
// enabled flag. An unchanged cron expression keeps its pending fire time.
func (s *Scheduler) Upsert(wf *schema.Workflow) error {
	if !wf.Enabled || wf.Trigger.Type != schema.TriggerSchedule {
		s.Remove(wf.ID)
		return nil
	}
	sched, err := ParseCron(wf.Trigger.CronExpression)
	if err != nil {
		s.Remove(wf.ID)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[wf.ID]; ok && cur.cron == wf.Trigger.CronExpression {
		return nil
	}
	s.entries[wf.ID] = &entry{
		cron:     wf.Trigger.CronExpression,
		schedule: sched,
		next:     s.firstFire(sched, wf.LastRun),
	}
	return nil
}

func (s *Scheduler) firstFire(sched cron.Schedule, lastRun *time.Time) time.Time {
	if s.catchUp && lastRun != nil {
		return sched.Next(*lastRun)
	}
	return sched.Next(s.now())
}

// Remove drops a workflow from the table.
func (s *Scheduler) Remove(workflowID string) {
	s.mu.Lock()
	delete(s.entries, workflowID)
	s.mu.Unlock()
}

// Reconcile makes the table match the enabled schedule-triggered workflows
// currently stored.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	enabled := true
	schedule := schema.TriggerSchedule
	workflows, err := s.workflows.ListWorkflows(ctx, store.WorkflowFilter{Enabled: &enabled, TriggerType: &schedule})
	if err != nil {
		return fmt.Errorf("list scheduled workflows: %w", err)
	}

	seen := make(map[string]struct{}, len(workflows))
	for _, wf := range workflows {
		seen[wf.ID] = struct{}{}
		if err := s.Upsert(wf); err != nil {
			s.logger.Warn("skipping workflow with invalid schedule",
				slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	for id := range s.entries {
		if _, ok := seen[id]; !ok {
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()
	return nil
}

// Tick reconciles the table and starts a run for every entry that is due.
// A workflow fires at most once per tick however many fire times it missed.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.Reconcile(ctx); err != nil {
		s.logger.Error("scheduler reconcile failed", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	var due []string
	s.mu.RLock()
	for id, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(due)

	for _, id := range due {
		run, err := s.runner.StartRun(ctx, id, map[string]any{}, TriggeredBy)
		switch {
		case schema.IsCode(err, schema.ErrCodeWorkflowDisabled), schema.IsCode(err, schema.ErrCodeWorkflowNotFound):
			s.Remove(id)
			continue
		case err != nil:
			s.logger.Error("scheduled run failed to start",
				slog.String("workflow_id", id), slog.String("error", err.Error()))
		default:
			s.logger.Info("scheduled run started",
				slog.String("workflow_id", id), slog.String("run_id", run.ID))
		}

		s.mu.Lock()
		if e, ok := s.entries[id]; ok {
			e.next = e.schedule.Next(now)
		}
		s.mu.Unlock()
	}
}

// Entries returns the current table ordered by next fire time.
func (s *Scheduler) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, Entry{WorkflowID: id, Cron: e.cron, NextFire: e.next})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextFire.Equal(out[j].NextFire) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].NextFire.Before(out[j].NextFire)
	})
	return out
}

// NextFire returns the pending fire time of a workflow.
func (s *Scheduler) NextFire(workflowID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[workflowID]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// Start launches the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info("scheduler started", slog.Duration("interval", s.interval), slog.Bool("catch_up", s.catchUp))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Stop ends the tick loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
