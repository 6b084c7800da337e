// Package cron fires persisted schedules as synthetic user messages into
// their target manager agents. A single poll loop re-reads the on-disk
// schedule files every tick and dispatches whatever is due; dispatch
// failures leave the files untouched so a later tick retries.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cronparser "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/internal/events"
	"github.com/swarmdev/swarmd/internal/events/bus"
	"github.com/swarmdev/swarmd/internal/tracing"
)

var (
	// ErrSchedulerAlreadyRunning is returned when Start is called twice.
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	// ErrSchedulerNotRunning is returned when Stop is called before Start.
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
)

// Dispatcher delivers a fired schedule into its manager. The swarm
// manager implements it by routing the message as user input.
type Dispatcher interface {
	DispatchScheduled(ctx context.Context, managerID, message string) error
}

// Config holds scheduler tuning knobs.
type Config struct {
	// PollInterval is how often due schedules are checked.
	PollInterval time.Duration
	// Clock returns the current time; tests override it.
	Clock func() time.Time
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		Clock:        time.Now,
	}
}

// Spec describes a schedule to create.
type Spec struct {
	Name     string
	Cron     string
	Message  string
	OneShot  bool
	Timezone string
}

// Scheduler owns the schedule files and the poll loop.
type Scheduler struct {
	store      *Store
	dispatcher Dispatcher
	eventBus   bus.EventBus
	cfg        Config
	logger     *logger.Logger

	newID func() string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler over the given store and dispatcher.
func NewScheduler(store *Store, dispatcher Dispatcher, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		eventBus:   eventBus,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "cron-scheduler")),
		newID:      newScheduleID,
	}
}

// Start launches the poll loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.pollLoop(ctx)

	s.logger.Info("cron scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval))
	return nil
}

// Stop halts the poll loop. The current tick drains to completion;
// in-flight dispatches are not aborted.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks every manager's schedules once and fires the due ones. The
// files are re-read each tick so they remain the source of truth.
func (s *Scheduler) Tick(ctx context.Context) {
	managers, err := s.store.Managers()
	if err != nil {
		s.logger.Warn("failed to list schedule files", zap.Error(err))
		return
	}
	for _, managerID := range managers {
		s.tickManager(ctx, managerID)
	}
}

func (s *Scheduler) tickManager(ctx context.Context, managerID string) {
	schedules, err := s.store.Load(managerID)
	if err != nil {
		s.logger.Warn("failed to load schedules",
			zap.String("manager_id", managerID),
			zap.Error(err))
		return
	}

	now := s.cfg.Clock()
	changed := false
	kept := make([]Schedule, 0, len(schedules))

	for _, sched := range schedules {
		if !s.isDue(sched, now) {
			kept = append(kept, sched)
			continue
		}

		if err := s.fire(ctx, managerID, sched); err != nil {
			// Dispatch failed: persist nothing for this schedule so a
			// future tick retries it.
			s.logger.Warn("schedule dispatch failed",
				zap.String("manager_id", managerID),
				zap.String("schedule_id", sched.ID),
				zap.Error(err))
			tracing.TraceScheduleFire(ctx, sched.ID, managerID, false)
			kept = append(kept, sched)
			continue
		}

		tracing.TraceScheduleFire(ctx, sched.ID, managerID, true)
		s.publishFired(ctx, managerID, sched)

		if sched.OneShot {
			changed = true
			continue
		}

		next, err := s.nextFire(sched, now)
		if err != nil {
			// The expression was valid at creation time; treat a parse
			// failure now as a dead schedule rather than a hot loop.
			s.logger.Error("failed to advance schedule, removing it",
				zap.String("schedule_id", sched.ID),
				zap.Error(err))
			changed = true
			continue
		}
		fired := sched.NextFireAt
		sched.LastFiredAt = &fired
		sched.NextFireAt = next
		kept = append(kept, sched)
		changed = true
	}

	if !changed {
		return
	}
	if err := s.store.Save(managerID, kept); err != nil {
		s.logger.Error("failed to persist schedules after firing",
			zap.String("manager_id", managerID),
			zap.Error(err))
	}
}

// isDue reports whether a schedule should fire now. The LastFiredAt guard
// keeps a schedule from double-firing when a save raced a crash.
func (s *Scheduler) isDue(sched Schedule, now time.Time) bool {
	if sched.NextFireAt.IsZero() || sched.NextFireAt.After(now) {
		return false
	}
	return sched.LastFiredAt == nil || !sched.LastFiredAt.Equal(sched.NextFireAt)
}

// fire builds the synthetic user message and hands it to the dispatcher.
func (s *Scheduler) fire(ctx context.Context, managerID string, sched Schedule) error {
	metadata, err := json.Marshal(map[string]string{
		"scheduleId":   sched.ID,
		"scheduleName": sched.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal schedule metadata: %w", err)
	}
	message := fmt.Sprintf("[Scheduled Task: %s]\n%s\n\n%s", sched.Name, metadata, sched.Message)

	s.logger.Info("firing schedule",
		zap.String("manager_id", managerID),
		zap.String("schedule_id", sched.ID),
		zap.String("name", sched.Name))
	return s.dispatcher.DispatchScheduled(ctx, managerID, message)
}

func (s *Scheduler) publishFired(ctx context.Context, managerID string, sched Schedule) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.ScheduleFired, "cron-scheduler", map[string]interface{}{
		"managerId":  managerID,
		"scheduleId": sched.ID,
		"name":       sched.Name,
		"oneShot":    sched.OneShot,
	})
	if err := s.eventBus.Publish(ctx, events.BuildScheduleFiredSubject(managerID), event); err != nil {
		s.logger.Warn("failed to publish schedule fired event", zap.Error(err))
	}
}

// nextFire computes the fire time after now in the schedule's timezone.
func (s *Scheduler) nextFire(sched Schedule, now time.Time) (time.Time, error) {
	expr, err := cronparser.ParseStandard(sched.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", sched.Cron, err)
	}
	loc := time.UTC
	if sched.Timezone != "" {
		if l, err := time.LoadLocation(sched.Timezone); err == nil {
			loc = l
		} else {
			s.logger.Warn("unknown timezone, falling back to UTC",
				zap.String("timezone", sched.Timezone))
		}
	}
	return expr.Next(now.In(loc)), nil
}

// Add validates and persists a new schedule for a manager, computing its
// first fire time.
func (s *Scheduler) Add(managerID string, spec Spec) (*Schedule, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("schedule name is required")
	}
	if strings.TrimSpace(spec.Message) == "" {
		return nil, errors.New("schedule message is required")
	}
	if _, err := cronparser.ParseStandard(spec.Cron); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec.Cron, err)
	}
	if spec.Timezone != "" {
		if _, err := time.LoadLocation(spec.Timezone); err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", spec.Timezone, err)
		}
	}

	now := s.cfg.Clock()
	sched := Schedule{
		ID:        s.newID(),
		Name:      strings.TrimSpace(spec.Name),
		Cron:      spec.Cron,
		Message:   spec.Message,
		OneShot:   spec.OneShot,
		Timezone:  spec.Timezone,
		CreatedAt: now.UTC(),
	}
	next, err := s.nextFire(sched, now)
	if err != nil {
		return nil, err
	}
	sched.NextFireAt = next

	if err := s.store.Append(managerID, sched); err != nil {
		return nil, err
	}
	s.logger.Info("schedule added",
		zap.String("manager_id", managerID),
		zap.String("schedule_id", sched.ID),
		zap.String("cron", sched.Cron),
		zap.Time("next_fire_at", sched.NextFireAt))
	return &sched, nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(managerID, scheduleID string) error {
	return s.store.Remove(managerID, scheduleID)
}

// List returns a manager's schedules.
func (s *Scheduler) List(managerID string) ([]Schedule, error) {
	return s.store.Load(managerID)
}

func newScheduleID() string {
	return "sched-" + uuid.NewString()
}
