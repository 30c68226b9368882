// Package scheduler fires persisted cron tasks into lane chats.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nanoclaw/internal/logging"
	"nanoclaw/internal/store"
)

// Sender injects a scheduled prompt into a lane chat attributed to the lane
// that created the task.
type Sender interface {
	SendFrom(ctx context.Context, sourceGroup, chatJID, text string) error
}

const fireTimeout = 30 * time.Second

// Scheduler owns the cron runner and keeps it in sync with the
// scheduled_tasks table.
type Scheduler struct {
	store  *store.Store
	sender Sender
	logger logging.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	parser  cron.Parser
}

// New builds a stopped scheduler; call Start to load persisted tasks.
func New(st *store.Store, sender Sender, logger logging.Logger) *Scheduler {
	return &Scheduler{
		store:   st,
		sender:  sender,
		logger:  logging.OrNop(logger),
		cron:    cron.New(),
		entries: map[string]cron.EntryID{},
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start loads every unpaused task from the store and begins firing.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.store.ListScheduledTasks(ctx, "")
	if err != nil {
		return fmt.Errorf("load scheduled tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Paused {
			continue
		}
		if err := s.addEntry(t); err != nil {
			s.logger.Warn("skipping task %s: %v", t.TaskID, err)
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started with %d tasks", len(s.entries))
	return nil
}

// Stop halts the cron runner and waits for in-flight fires.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) addEntry(t store.ScheduledTask) error {
	schedule, err := s.parser.Parse(t.Schedule)
	if err != nil {
		return fmt.Errorf("cron spec %q: %w", t.Schedule, err)
	}
	task := t
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(task) }))
	s.mu.Lock()
	s.entries[t.TaskID] = id
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) removeEntry(taskID string) {
	s.mu.Lock()
	id, ok := s.entries[taskID]
	if ok {
		delete(s.entries, taskID)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(id)
	}
}

func (s *Scheduler) fire(t store.ScheduledTask) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	// Re-read so a pause or cancel that raced the tick wins.
	current, err := s.store.GetScheduledTask(ctx, t.TaskID)
	if err != nil || current.Paused {
		return
	}
	if err := s.sender.SendFrom(ctx, current.CreatedBy, current.ChatJID, current.Prompt); err != nil {
		s.logger.Error("fire task %s: %v", t.TaskID, err)
		return
	}
	if err := s.store.TouchScheduledTask(ctx, t.TaskID, time.Now()); err != nil {
		s.logger.Warn("touch task %s: %v", t.TaskID, err)
	}
	s.logger.Info("fired task %s into %s", t.TaskID, current.ChatJID)
}

// ScheduleTask validates the cron spec, persists the task, and registers it
// with the runner.
func (s *Scheduler) ScheduleTask(ctx context.Context, t store.ScheduledTask) error {
	if _, err := s.parser.Parse(t.Schedule); err != nil {
		return fmt.Errorf("cron spec %q: %w", t.Schedule, err)
	}
	if err := s.store.CreateScheduledTask(ctx, t); err != nil {
		return err
	}
	if t.Paused {
		return nil
	}
	return s.addEntry(t)
}

// SetTaskPaused persists the pause flag and adds or removes the cron entry.
func (s *Scheduler) SetTaskPaused(ctx context.Context, taskID string, paused bool) error {
	if err := s.store.SetScheduledTaskPaused(ctx, taskID, paused); err != nil {
		return err
	}
	if paused {
		s.removeEntry(taskID)
		return nil
	}
	s.mu.Lock()
	_, registered := s.entries[taskID]
	s.mu.Unlock()
	if registered {
		return nil
	}
	t, err := s.store.GetScheduledTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.addEntry(t)
}

// CancelTask removes the task from the store and the runner.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) error {
	if err := s.store.DeleteScheduledTask(ctx, taskID); err != nil {
		return err
	}
	s.removeEntry(taskID)
	return nil
}
