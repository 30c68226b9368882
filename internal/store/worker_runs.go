package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"nanoclaw/internal/shared/jsonx"
)

// ErrRunNotFound is returned when a ledger lookup misses.
var ErrRunNotFound = errors.New("worker run not found")

// FailureDetails is the JSON payload stored in error_details on terminal
// failures; Reason carries the watchdog/validator reason code.
type FailureDetails struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// recoverableReasons is the whitelist of terminal reasons a row may be
// re-opened from when a valid completion arrives late.
var recoverableReasons = map[string]bool{
	"running_without_container": true,
	"queued_stale_before_spawn": true,
	"stale_worker_run_watchdog": true,
}

const workerRunColumns = `run_id, group_folder, status, phase, started_at, completed_at, retry_count,
dispatch_repo, dispatch_branch, context_intent, parent_run_id,
dispatch_session_id, selected_session_id, effective_session_id, session_selection_source,
session_resume_status, session_resume_error,
last_heartbeat_at, active_container_name, no_container_since, spawn_acknowledged_at,
expects_followup_container, supervisor_owner, lease_expires_at, recovered_from_reason,
result_summary, error_details, branch_name, commit_sha, files_changed, test_summary, risk_summary, pr_url`

// InsertWorkerRun idempotently creates the ledger row for runID.
//
// Outcomes: OutcomeNew when the row did not exist; OutcomeRetry when an
// existing row was terminal failed/failed_contract (the row is reset to
// queued, retry_count bumped, stale lease state cleared, metadata re-applied);
// OutcomeDuplicate for any other existing row.
func (s *Store) InsertWorkerRun(ctx context.Context, runID, groupFolder string, meta RunMetadata) (InsertOutcome, error) {
	if runID == "" || groupFolder == "" {
		return "", fmt.Errorf("run_id and group_folder are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("insert worker run: %w", err)
	}
	defer tx.Rollback()

	now := timeToDB(time.Now())

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM worker_runs WHERE run_id = ?`, runID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
INSERT INTO worker_runs (run_id, group_folder, status, phase, started_at,
    dispatch_repo, dispatch_branch, context_intent, parent_run_id, dispatch_session_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, groupFolder, RunQueued, PhaseQueued, now,
			meta.DispatchRepo, meta.DispatchBranch, meta.ContextIntent, meta.ParentRunID, meta.DispatchSessionID); err != nil {
			return "", fmt.Errorf("insert worker run %s: %w", runID, err)
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return OutcomeNew, nil

	case err != nil:
		return "", fmt.Errorf("insert worker run %s: %w", runID, err)
	}

	if RunStatus(status) != RunFailed && RunStatus(status) != RunFailedContract {
		return OutcomeDuplicate, nil
	}

	// Retry path: reset the terminal row to queued with a clean lease and
	// heartbeat so the next attempt starts as if freshly dispatched.
	if _, err := tx.ExecContext(ctx, `
UPDATE worker_runs SET
    status = ?, phase = ?, started_at = ?, completed_at = NULL,
    retry_count = retry_count + 1, error_details = NULL,
    last_heartbeat_at = NULL, active_container_name = '', no_container_since = NULL,
    spawn_acknowledged_at = NULL, lease_expires_at = NULL, supervisor_owner = '',
    session_resume_status = '', session_resume_error = '',
    dispatch_repo = ?, dispatch_branch = ?, context_intent = ?, parent_run_id = ?, dispatch_session_id = ?
WHERE run_id = ?`,
		RunQueued, PhaseQueued, now,
		meta.DispatchRepo, meta.DispatchBranch, meta.ContextIntent, meta.ParentRunID, meta.DispatchSessionID,
		runID); err != nil {
		return "", fmt.Errorf("retry worker run %s: %w", runID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return OutcomeRetry, nil
}

// GetWorkerRun returns the ledger row for runID.
func (s *Store) GetWorkerRun(ctx context.Context, runID string) (WorkerRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerRunColumns+` FROM worker_runs WHERE run_id = ?`, runID)
	return scanWorkerRun(row)
}

// UpdateWorkerRunStatus sets the ledger status without touching lifecycle columns.
func (s *Store) UpdateWorkerRunStatus(ctx context.Context, runID string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE worker_runs SET status = ? WHERE run_id = ?`, status, runID)
	if err != nil {
		return fmt.Errorf("update run status %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// UpdateWorkerRunLifecycle applies a partial lifecycle update in one statement.
func (s *Store) UpdateWorkerRunLifecycle(ctx context.Context, runID string, upd LifecycleUpdate) error {
	var set []string
	var args []any

	add := func(col string, val any) {
		set = append(set, col+" = ?")
		args = append(args, val)
	}

	if upd.Phase != nil {
		add("phase", string(*upd.Phase))
	}
	if upd.LastHeartbeatAt != nil {
		add("last_heartbeat_at", timeToDB(*upd.LastHeartbeatAt))
	}
	if upd.ActiveContainerName != nil {
		add("active_container_name", *upd.ActiveContainerName)
	}
	if upd.ClearNoContainerSince {
		set = append(set, "no_container_since = NULL")
	} else if upd.NoContainerSince != nil {
		add("no_container_since", timeToDB(*upd.NoContainerSince))
	}
	if upd.SpawnAcknowledgedAt != nil {
		add("spawn_acknowledged_at", timeToDB(*upd.SpawnAcknowledgedAt))
	}
	if upd.ClearLease {
		set = append(set, "lease_expires_at = NULL")
	} else if upd.LeaseExpiresAt != nil {
		add("lease_expires_at", timeToDB(*upd.LeaseExpiresAt))
	}
	if upd.SupervisorOwner != nil {
		add("supervisor_owner", *upd.SupervisorOwner)
	}
	if upd.EffectiveSessionID != nil {
		add("effective_session_id", *upd.EffectiveSessionID)
	}
	if upd.SelectedSessionID != nil {
		add("selected_session_id", *upd.SelectedSessionID)
	}
	if upd.SessionSource != nil {
		add("session_selection_source", *upd.SessionSource)
	}
	if upd.SessionResumeStatus != nil {
		add("session_resume_status", *upd.SessionResumeStatus)
	}
	if upd.SessionResumeError != nil {
		add("session_resume_error", *upd.SessionResumeError)
	}
	if upd.ExpectsFollowup != nil {
		add("expects_followup_container", boolToInt(*upd.ExpectsFollowup))
	}

	if len(set) == 0 {
		return nil
	}

	args = append(args, runID)
	res, err := s.db.ExecContext(ctx, `UPDATE worker_runs SET `+strings.Join(set, ", ")+` WHERE run_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update run lifecycle %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// UpdateWorkerRunCompletion writes the validated completion artifacts.
func (s *Store) UpdateWorkerRunCompletion(ctx context.Context, runID string, art CompletionArtifacts) error {
	files, err := jsonx.Marshal(art.FilesChanged)
	if err != nil {
		return fmt.Errorf("marshal files_changed: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE worker_runs SET
    branch_name = ?, commit_sha = ?, files_changed = ?, test_summary = ?, risk_summary = ?,
    pr_url = ?, result_summary = ?,
    effective_session_id = CASE WHEN ? = '' THEN effective_session_id ELSE ? END
WHERE run_id = ?`,
		art.BranchName, art.CommitSHA, string(files), art.TestSummary, art.RiskSummary,
		art.PRURL, art.ResultSummary, art.SessionID, art.SessionID, runID)
	if err != nil {
		return fmt.Errorf("update run completion %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// CompleteWorkerRun atomically transitions the row to a terminal state.
func (s *Store) CompleteWorkerRun(ctx context.Context, runID string, terminal RunStatus, summary string, details *FailureDetails) error {
	if !terminal.IsTerminal() && terminal != RunReviewRequested {
		return fmt.Errorf("complete worker run %s: %q is not a terminal status", runID, terminal)
	}

	var errJSON any
	if details != nil {
		raw, err := jsonx.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
		errJSON = string(raw)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE worker_runs SET
    status = ?, phase = ?, completed_at = ?,
    result_summary = CASE WHEN ? = '' THEN result_summary ELSE ? END,
    error_details = COALESCE(?, error_details),
    lease_expires_at = NULL, active_container_name = ''
WHERE run_id = ?`,
		terminal, PhaseTerminal, timeToDB(time.Now()), summary, summary, errJSON, runID)
	if err != nil {
		return fmt.Errorf("complete worker run %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// RecoverWorkerRunForCompletionAccept re-opens a terminal row so a late but
// valid completion can be accepted. The transition only fires when the stored
// terminal reason is on the recoverable whitelist; it records the prior reason
// in recovered_from_reason. Returns false when the row was not recoverable
// (including when it was never terminal, which needs no recovery).
func (s *Store) RecoverWorkerRunForCompletionAccept(ctx context.Context, runID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("recover worker run: %w", err)
	}
	defer tx.Rollback()

	var status string
	var details sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status, error_details FROM worker_runs WHERE run_id = ?`, runID).
		Scan(&status, &details)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, fmt.Errorf("recover worker run %s: %w", runID, err)
	}

	if RunStatus(status) != RunFailed && RunStatus(status) != RunFailedContract {
		return false, nil
	}

	var failure FailureDetails
	if details.Valid {
		_ = jsonx.Unmarshal([]byte(details.String), &failure)
	}
	if !recoverableReasons[failure.Reason] {
		return false, nil
	}

	// Guard the compare-and-set with the status we just read so a concurrent
	// supervisor cannot double-recover.
	res, err := tx.ExecContext(ctx, `
UPDATE worker_runs SET
    status = ?, phase = ?, completed_at = NULL, recovered_from_reason = ?
WHERE run_id = ? AND status = ?`,
		RunRunning, PhaseFinalizing, failure.Reason, runID, status)
	if err != nil {
		return false, fmt.Errorf("recover worker run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, tx.Commit()
}

// FindWorkerRunByEffectiveSessionID returns the most recent run that last
// held sessionID, if any.
func (s *Store) FindWorkerRunByEffectiveSessionID(ctx context.Context, sessionID string) (WorkerRun, error) {
	if sessionID == "" {
		return WorkerRun{}, ErrRunNotFound
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+workerRunColumns+` FROM worker_runs
WHERE effective_session_id = ? ORDER BY started_at DESC LIMIT 1`, sessionID)
	return scanWorkerRun(row)
}

// GetLatestReusableWorkerSession returns the newest non-empty
// effective_session_id recorded for (groupFolder, repo, branch), "" when none.
func (s *Store) GetLatestReusableWorkerSession(ctx context.Context, groupFolder, repo, branch string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
SELECT effective_session_id FROM worker_runs
WHERE group_folder = ? AND dispatch_repo = ? AND dispatch_branch = ? AND effective_session_id != ''
ORDER BY started_at DESC LIMIT 1`, groupFolder, repo, branch).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest reusable session: %w", err)
	}
	return sessionID, nil
}

// ListActiveWorkerRuns returns every queued or running row, oldest first.
func (s *Store) ListActiveWorkerRuns(ctx context.Context) ([]WorkerRun, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+workerRunColumns+` FROM worker_runs
WHERE status IN (?, ?) ORDER BY started_at`, RunQueued, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()
	return scanWorkerRuns(rows)
}

// ListWorkerRunsByGroup returns the newest runs for a lane.
func (s *Store) ListWorkerRunsByGroup(ctx context.Context, groupFolder string, limit int) ([]WorkerRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+workerRunColumns+` FROM worker_runs
WHERE group_folder = ? ORDER BY started_at DESC LIMIT ?`, groupFolder, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs by group: %w", err)
	}
	defer rows.Close()
	return scanWorkerRuns(rows)
}

// ListWorkerRuns returns the newest runs across all lanes.
func (s *Store) ListWorkerRuns(ctx context.Context, limit int) ([]WorkerRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+workerRunColumns+` FROM worker_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanWorkerRuns(rows)
}

func scanWorkerRuns(rows *sql.Rows) ([]WorkerRun, error) {
	var out []WorkerRun
	for rows.Next() {
		r, err := scanWorkerRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanWorkerRun(row rowScanner) (WorkerRun, error) {
	var r WorkerRun
	var startedAt string
	var completedAt, heartbeat, noContainer, spawnAck, lease sql.NullString
	var errorDetails, filesChanged sql.NullString
	var expectsFollowup int

	err := row.Scan(
		&r.RunID, &r.GroupFolder, &r.Status, &r.Phase, &startedAt, &completedAt, &r.RetryCount,
		&r.DispatchRepo, &r.DispatchBranch, &r.ContextIntent, &r.ParentRunID,
		&r.DispatchSessionID, &r.SelectedSessionID, &r.EffectiveSessionID, &r.SessionSelectionSource,
		&r.SessionResumeStatus, &r.SessionResumeError,
		&heartbeat, &r.ActiveContainerName, &noContainer, &spawnAck,
		&expectsFollowup, &r.SupervisorOwner, &lease, &r.RecoveredFromReason,
		&r.ResultSummary, &errorDetails, &r.BranchName, &r.CommitSHA, &filesChanged, &r.TestSummary, &r.RiskSummary, &r.PRURL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkerRun{}, ErrRunNotFound
	}
	if err != nil {
		return WorkerRun{}, fmt.Errorf("scan worker run: %w", err)
	}

	r.StartedAt = timeFromDB(startedAt)
	r.CompletedAt = timePtrFromDB(completedAt)
	r.LastHeartbeatAt = timePtrFromDB(heartbeat)
	r.NoContainerSince = timePtrFromDB(noContainer)
	r.SpawnAcknowledgedAt = timePtrFromDB(spawnAck)
	r.LeaseExpiresAt = timePtrFromDB(lease)
	r.ExpectsFollowupContainer = expectsFollowup != 0
	if errorDetails.Valid && errorDetails.String != "" {
		r.ErrorDetails = []byte(errorDetails.String)
	}
	if filesChanged.Valid && filesChanged.String != "" {
		_ = jsonx.Unmarshal([]byte(filesChanged.String), &r.FilesChanged)
	}
	return r, nil
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// FailureReason extracts the reason code from a row's error_details, "" when absent.
func (r WorkerRun) FailureReason() string {
	if len(r.ErrorDetails) == 0 {
		return ""
	}
	var d FailureDetails
	if err := jsonx.Unmarshal(r.ErrorDetails, &d); err != nil {
		return ""
	}
	return d.Reason
}
