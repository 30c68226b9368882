// Package store is the typed persistence gateway. All durable state lives in
// a single SQLite database: chats, messages, registered lanes, sessions,
// router cursors, the worker-run ledger, and the processed-message set.
package store

import (
	"time"

	"nanoclaw/internal/shared/jsonx"
)

// RunStatus is the ledger status of a worker run.
type RunStatus string

const (
	RunQueued          RunStatus = "queued"
	RunRunning         RunStatus = "running"
	RunReviewRequested RunStatus = "review_requested"
	RunFailedContract  RunStatus = "failed_contract"
	RunFailed          RunStatus = "failed"
	RunDone            RunStatus = "done"
)

// IsTerminal reports whether the status is a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunFailed, RunFailedContract, RunDone:
		return true
	default:
		return false
	}
}

// IsActive reports whether a row in this status may still be executed.
func (s RunStatus) IsActive() bool {
	switch s {
	case RunQueued, RunRunning, RunReviewRequested:
		return true
	default:
		return false
	}
}

// RunPhase is the supervisor-owned lifecycle phase of a worker run.
type RunPhase string

const (
	PhaseQueued                  RunPhase = "queued"
	PhaseSpawning                RunPhase = "spawning"
	PhaseActive                  RunPhase = "active"
	PhaseCompletionValidating    RunPhase = "completion_validating"
	PhaseCompletionRepairPending RunPhase = "completion_repair_pending"
	PhaseCompletionRepairActive  RunPhase = "completion_repair_active"
	PhaseFinalizing              RunPhase = "finalizing"
	PhaseTerminal                RunPhase = "terminal"
)

// Session selection sources recorded on the ledger row.
const (
	SessionSourceExplicit       = "explicit"
	SessionSourceAutoRepoBranch = "auto_repo_branch"
	SessionSourceNew            = "new"
)

// InsertOutcome is the result of an idempotent ledger insert.
type InsertOutcome string

const (
	OutcomeNew       InsertOutcome = "new"
	OutcomeRetry     InsertOutcome = "retry"
	OutcomeDuplicate InsertOutcome = "duplicate"
)

// RegisteredGroup is one execution lane: identity, folder, trigger policy and
// optional per-lane container configuration.
type RegisteredGroup struct {
	JID             string          `json:"jid"`
	Folder          string          `json:"folder"`
	Name            string          `json:"name"`
	TriggerPattern  string          `json:"trigger_pattern,omitempty"`
	RequiresTrigger bool            `json:"requires_trigger"`
	ContainerConfig jsonx.RawMessage `json:"container_config,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Message is one inbound or synthetic chat message. Identity is (ChatJID, ID);
// IngestSeq is assigned monotonically at store time.
type Message struct {
	ChatJID      string    `json:"chat_jid"`
	ID           string    `json:"id"`
	Sender       string    `json:"sender"`
	SenderName   string    `json:"sender_name"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	IsBotMessage bool      `json:"is_bot_message"`
	IngestSeq    int64     `json:"ingest_seq"`
}

// WorkerRun is one row of the worker-run ledger, keyed by RunID.
type WorkerRun struct {
	RunID       string    `json:"run_id"`
	GroupFolder string    `json:"group_folder"`
	Status      RunStatus `json:"status"`
	Phase       RunPhase  `json:"phase"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`

	DispatchRepo   string `json:"dispatch_repo,omitempty"`
	DispatchBranch string `json:"dispatch_branch,omitempty"`
	ContextIntent  string `json:"context_intent,omitempty"`
	ParentRunID    string `json:"parent_run_id,omitempty"`

	DispatchSessionID      string `json:"dispatch_session_id,omitempty"`
	SelectedSessionID      string `json:"selected_session_id,omitempty"`
	EffectiveSessionID     string `json:"effective_session_id,omitempty"`
	SessionSelectionSource string `json:"session_selection_source,omitempty"`
	SessionResumeStatus    string `json:"session_resume_status,omitempty"`
	SessionResumeError     string `json:"session_resume_error,omitempty"`

	LastHeartbeatAt          *time.Time `json:"last_heartbeat_at,omitempty"`
	ActiveContainerName      string     `json:"active_container_name,omitempty"`
	NoContainerSince         *time.Time `json:"no_container_since,omitempty"`
	SpawnAcknowledgedAt      *time.Time `json:"spawn_acknowledged_at,omitempty"`
	ExpectsFollowupContainer bool       `json:"expects_followup_container"`
	SupervisorOwner          string     `json:"supervisor_owner,omitempty"`
	LeaseExpiresAt           *time.Time `json:"lease_expires_at,omitempty"`
	RecoveredFromReason      string     `json:"recovered_from_reason,omitempty"`

	ResultSummary string           `json:"result_summary,omitempty"`
	ErrorDetails  jsonx.RawMessage `json:"error_details,omitempty"`
	BranchName    string           `json:"branch_name,omitempty"`
	CommitSHA     string           `json:"commit_sha,omitempty"`
	FilesChanged  []string         `json:"files_changed,omitempty"`
	TestSummary   string           `json:"test_summary,omitempty"`
	RiskSummary   string           `json:"risk_summary,omitempty"`
	PRURL         string           `json:"pr_url,omitempty"`
}

// RunMetadata is the dispatch-derived metadata applied when a ledger row is
// first inserted (and re-applied on a retry insert).
type RunMetadata struct {
	DispatchRepo      string
	DispatchBranch    string
	ContextIntent     string
	ParentRunID       string
	DispatchSessionID string
}

// LifecycleUpdate is a partial update of the supervisor-owned lifecycle
// columns. Nil pointer fields are left untouched; ClearNoContainerSince and
// ClearLease explicitly null their columns.
type LifecycleUpdate struct {
	Phase                 *RunPhase
	LastHeartbeatAt       *time.Time
	ActiveContainerName   *string
	NoContainerSince      *time.Time
	ClearNoContainerSince bool
	SpawnAcknowledgedAt   *time.Time
	LeaseExpiresAt        *time.Time
	ClearLease            bool
	SupervisorOwner       *string
	EffectiveSessionID    *string
	SelectedSessionID     *string
	SessionSource         *string
	SessionResumeStatus   *string
	SessionResumeError    *string
	ExpectsFollowup       *bool
}

// CompletionArtifacts holds the validated completion-contract fields written
// to the row before it transitions to review_requested.
type CompletionArtifacts struct {
	BranchName    string
	CommitSHA     string
	FilesChanged  []string
	TestSummary   string
	RiskSummary   string
	PRURL         string
	ResultSummary string
	SessionID     string
}
