// Package supervisor owns the worker-run state machine: it reconciles ledger
// rows against observed container state and fails runs that can no longer
// make progress.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"nanoclaw/internal/container"
	"nanoclaw/internal/logging"
	"nanoclaw/internal/store"
)

// Watchdog failure reasons.
const (
	ReasonStaleRun                = "stale_worker_run_watchdog"
	ReasonQueuedStaleBeforeSpawn  = "queued_stale_before_spawn"
	ReasonRunningWithoutContainer = "running_without_container"
	ReasonCompletedAtInconsistent = "active_status_with_completed_at"
)

// ContainerChecker is the slice of the container driver the watchdog needs.
type ContainerChecker interface {
	HasRunningContainerWithPrefix(ctx context.Context, prefix string) (bool, error)
}

// Config carries the watchdog timing knobs.
type Config struct {
	HardTimeout              time.Duration
	NoContainerGrace         time.Duration
	QueuedCursorGrace        time.Duration
	RepairHandoffGrace       time.Duration
	LeaseTTL                 time.Duration
	RestartSuppressionWindow time.Duration
	OwnerID                  string
	ContainerNamePrefix      string
	ProcessStartAt           time.Time
}

// CursorTimestampFn reports the last agent-visible message timestamp for a
// lane folder; the zero time means no cursor has moved yet.
type CursorTimestampFn func(groupFolder string) time.Time

// Supervisor reconciles the run ledger.
type Supervisor struct {
	store      *store.Store
	containers ContainerChecker
	cfg        Config
	cursorTS   CursorTimestampFn
	logger     logging.Logger
}

// New builds a Supervisor. cursorTS may be nil when no message loop is
// attached (preflight checks).
func New(st *store.Store, containers ContainerChecker, cfg Config, cursorTS CursorTimestampFn, logger logging.Logger) *Supervisor {
	if cfg.ProcessStartAt.IsZero() {
		cfg.ProcessStartAt = time.Now()
	}
	if cursorTS == nil {
		cursorTS = func(string) time.Time { return time.Time{} }
	}
	return &Supervisor{
		store:      st,
		containers: containers,
		cfg:        cfg,
		cursorTS:   cursorTS,
		logger:     logging.OrNop(logger),
	}
}

// containerBackedPhases are the running phases that must be backed by a live
// container.
var containerBackedPhases = map[store.RunPhase]bool{
	store.PhaseSpawning:                true,
	store.PhaseActive:                  true,
	store.PhaseCompletionValidating:    true,
	store.PhaseCompletionRepairPending: true,
	store.PhaseCompletionRepairActive:  true,
}

// Reconcile applies every watchdog rule to the active rows once. It returns
// the number of runs it failed.
func (s *Supervisor) Reconcile(ctx context.Context) (int, error) {
	runs, err := s.store.ListActiveWorkerRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	now := time.Now()
	failed := 0
	for _, run := range runs {
		reason, detail := s.judge(ctx, now, run)
		if reason == "" {
			continue
		}
		if err := s.failRun(ctx, run, reason, detail); err != nil {
			s.logger.Error("watchdog fail %s: %v", run.RunID, err)
			continue
		}
		failed++
	}
	return failed, nil
}

// judge decides whether one run must be failed and why. It also performs the
// benign lifecycle repairs (clearing no-container timers, promoting repair
// phases) as a side effect.
func (s *Supervisor) judge(ctx context.Context, now time.Time, run store.WorkerRun) (reason, detail string) {
	// Consistency guard: an active status must never carry a completion
	// timestamp.
	if run.CompletedAt != nil {
		return ReasonCompletedAtInconsistent,
			fmt.Sprintf("status %s with completed_at %s", run.Status, run.CompletedAt.Format(time.RFC3339))
	}

	age := now.Sub(run.StartedAt)
	if age > s.cfg.HardTimeout {
		return ReasonStaleRun, fmt.Sprintf("run age %s exceeds hard timeout %s", age.Round(time.Second), s.cfg.HardTimeout)
	}

	switch run.Status {
	case store.RunQueued:
		return s.judgeQueued(now, run)
	case store.RunRunning:
		if containerBackedPhases[run.Phase] {
			return s.judgeRunningContainer(ctx, now, run)
		}
	}
	return "", ""
}

// judgeQueued detects dispatches the message loop skipped past without ever
// spawning: the lane cursor moved beyond the row's creation but no spawn was
// acknowledged.
func (s *Supervisor) judgeQueued(now time.Time, run store.WorkerRun) (string, string) {
	if run.SpawnAcknowledgedAt != nil {
		return "", ""
	}
	// Right after a restart the cursor is legitimately ahead of rows that
	// were in flight when the previous process died; give the loop one
	// suppression window to pick them back up. Rows dispatched inside that
	// window stay exempt from this rule even after it elapses, so a burst of
	// post-restart dispatches is not failed while the cursor catches up. The
	// hard timeout still bounds them.
	if now.Sub(s.cfg.ProcessStartAt) < s.cfg.RestartSuppressionWindow {
		return "", ""
	}
	if !run.StartedAt.Before(s.cfg.ProcessStartAt) &&
		run.StartedAt.Sub(s.cfg.ProcessStartAt) < s.cfg.RestartSuppressionWindow {
		return "", ""
	}
	if now.Sub(run.StartedAt) < s.cfg.QueuedCursorGrace {
		return "", ""
	}
	cursor := s.cursorTS(run.GroupFolder)
	if cursor.IsZero() || cursor.Before(run.StartedAt) {
		return "", ""
	}
	return ReasonQueuedStaleBeforeSpawn,
		fmt.Sprintf("lane cursor %s moved past dispatch created %s without a spawn",
			cursor.Format(time.RFC3339), run.StartedAt.Format(time.RFC3339))
}

func (s *Supervisor) judgeRunningContainer(ctx context.Context, now time.Time, run store.WorkerRun) (string, string) {
	prefix := container.NamePrefix(s.cfg.ContainerNamePrefix, run.GroupFolder)
	alive, err := s.containers.HasRunningContainerWithPrefix(ctx, prefix)
	if err != nil {
		s.logger.Warn("container check for %s: %v", run.RunID, err)
		return "", ""
	}

	if alive {
		upd := store.LifecycleUpdate{SupervisorOwner: &s.cfg.OwnerID, ClearNoContainerSince: true}
		if run.Phase == store.PhaseCompletionRepairPending {
			phase := store.PhaseCompletionRepairActive
			upd.Phase = &phase
		}
		if err := s.store.UpdateWorkerRunLifecycle(ctx, run.RunID, upd); err != nil {
			s.logger.Error("lifecycle repair %s: %v", run.RunID, err)
		}
		return "", ""
	}

	if run.NoContainerSince == nil {
		since := now
		if err := s.store.UpdateWorkerRunLifecycle(ctx, run.RunID, store.LifecycleUpdate{
			NoContainerSince: &since,
			SupervisorOwner:  &s.cfg.OwnerID,
		}); err != nil {
			s.logger.Error("mark no-container %s: %v", run.RunID, err)
		}
		return "", ""
	}

	grace := s.cfg.NoContainerGrace
	if run.Phase == store.PhaseCompletionRepairPending || run.Phase == store.PhaseCompletionRepairActive {
		grace = s.cfg.RepairHandoffGrace
	}
	if now.Sub(*run.NoContainerSince) <= grace {
		return "", ""
	}
	if run.LeaseExpiresAt != nil && now.Before(*run.LeaseExpiresAt) {
		return "", ""
	}
	if run.LastHeartbeatAt != nil && now.Sub(*run.LastHeartbeatAt) <= s.cfg.LeaseTTL {
		return "", ""
	}
	return ReasonRunningWithoutContainer,
		fmt.Sprintf("no container with prefix %s since %s", prefix, run.NoContainerSince.Format(time.RFC3339))
}

func (s *Supervisor) failRun(ctx context.Context, run store.WorkerRun, reason, detail string) error {
	s.logger.Warn("watchdog failing run %s (%s): %s", run.RunID, reason, detail)
	return s.store.CompleteWorkerRun(ctx, run.RunID, store.RunFailed, "watchdog: "+reason,
		&store.FailureDetails{Reason: reason, Detail: detail})
}

// RunPeriodic reconciles at the given interval until ctx is cancelled. The
// message loop also calls Reconcile synchronously each iteration; this loop
// covers quiet periods with no message traffic.
func (s *Supervisor) RunPeriodic(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Error("periodic reconcile: %v", err)
			}
		}
	}
}
