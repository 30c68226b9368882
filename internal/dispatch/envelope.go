// Package dispatch implements the strict cross-lane contracts: the dispatch
// envelope a planner sends to a worker lane, the completion contract the
// worker must return, and the dispatch-block events recorded on refusal.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"nanoclaw/internal/shared/jsonx"
)

// TaskTypes accepted in a dispatch envelope.
var TaskTypes = map[string]bool{
	"analyze": true, "implement": true, "fix": true, "refactor": true,
	"test": true, "release": true, "research": true, "code": true,
}

// Context intents accepted in a dispatch envelope.
const (
	IntentFresh    = "fresh"
	IntentContinue = "continue"
)

// OutputContract describes what the worker's completion must contain.
type OutputContract struct {
	RequiredFields          []string `json:"required_fields"`
	BrowserEvidenceRequired bool     `json:"browser_evidence_required,omitempty"`
}

// Envelope is the validated JSON contract the planner sends to a worker lane.
type Envelope struct {
	RunID           string         `json:"run_id"`
	TaskType        string         `json:"task_type"`
	ContextIntent   string         `json:"context_intent"`
	Input           string         `json:"input"`
	Repo            string         `json:"repo"`
	BaseBranch      string         `json:"base_branch,omitempty"`
	Branch          string         `json:"branch"`
	AcceptanceTests []string       `json:"acceptance_tests"`
	OutputContract  OutputContract `json:"output_contract"`
	Priority        string         `json:"priority,omitempty"`
	UIImpacting     bool           `json:"ui_impacting,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	ParentRunID     string         `json:"parent_run_id,omitempty"`
}

var (
	repoPattern       = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	branchPattern     = regexp.MustCompile(`^jarvis-[A-Za-z0-9._/-]+$`)
	baseBranchPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
	sessionIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
	whitespacePattern = regexp.MustCompile(`\s`)

	// screenshotDirectivePattern rejects inputs and acceptance tests that try
	// to smuggle screen-capture or image-analysis tooling into a worker run.
	screenshotDirectivePattern = regexp.MustCompile(
		`(?i)(screen[\s_-]?shot|screen[\s_-]?capture|capture[\s_-]?screen|image[\s_-]?analysis|analy[sz]e[\s_-]?image|read[\s_-]?image|vision[\s_-]?tool)`,
	)
)

// ErrNoEnvelope is returned by ParseEnvelope when the text carries no dispatch
// JSON object at all (as opposed to a malformed one).
var ErrNoEnvelope = errors.New("no dispatch envelope in message")

// IsDispatchPayload reports whether text looks like a dispatch envelope
// without fully validating it.
func IsDispatchPayload(text string) bool {
	_, err := ParseEnvelope(text)
	return err == nil
}

// ParseEnvelope extracts a dispatch envelope from a message body. The body may
// be a bare JSON object or have the object embedded anywhere in surrounding
// text (first '{' to last '}'). Malformed-but-close JSON is run through
// jsonrepair before giving up. Anything that is not a JSON object with a
// run_id field is rejected.
func ParseEnvelope(text string) (*Envelope, error) {
	candidate := extractJSONObject(text)
	if candidate == "" {
		return nil, ErrNoEnvelope
	}

	raw := []byte(candidate)
	if !jsonx.Valid(raw) {
		repaired, err := jsonrepair.JSONRepair(candidate)
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable payload", ErrNoEnvelope)
		}
		raw = []byte(repaired)
	}

	// Probe for run_id before binding to the typed struct: a JSON object
	// without run_id is ordinary chat, not a dispatch.
	var probe map[string]jsonx.RawMessage
	if err := jsonx.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrNoEnvelope)
	}
	if _, ok := probe["run_id"]; !ok {
		return nil, ErrNoEnvelope
	}

	var env Envelope
	if err := jsonx.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode dispatch envelope: %w", err)
	}
	return &env, nil
}

func extractJSONObject(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// ValidateEnvelope checks every schema rule and returns the list of
// human-readable problems; an empty list means the envelope is valid.
func ValidateEnvelope(env *Envelope) []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch {
	case env.RunID == "":
		add("run_id missing")
	case len(env.RunID) > 64:
		add("run_id exceeds 64 characters")
	case whitespacePattern.MatchString(env.RunID):
		add("run_id contains whitespace")
	}

	if !TaskTypes[env.TaskType] {
		add("task_type %q not recognized", env.TaskType)
	}

	switch env.ContextIntent {
	case IntentFresh:
		if env.SessionID != "" {
			add("session_id must be absent when context_intent=fresh")
		}
	case IntentContinue:
	default:
		add("context_intent %q not recognized", env.ContextIntent)
	}

	switch {
	case strings.TrimSpace(env.Input) == "":
		add("input missing")
	case screenshotDirectivePattern.MatchString(env.Input):
		add("input contains a screenshot directive")
	}

	if !repoPattern.MatchString(env.Repo) {
		add("repo must be owner/repo shaped")
	}
	if !branchPattern.MatchString(env.Branch) {
		add("branch must match jarvis-<feature>")
	}
	if env.BaseBranch != "" && (!baseBranchPattern.MatchString(env.BaseBranch) || strings.Contains(env.BaseBranch, "..")) {
		add("base_branch is not a safe git ref")
	}

	if env.SessionID != "" {
		if len(env.SessionID) > 128 || whitespacePattern.MatchString(env.SessionID) || !sessionIDPattern.MatchString(env.SessionID) {
			add("session_id format")
		}
	}
	if env.ParentRunID != "" {
		if len(env.ParentRunID) > 64 || whitespacePattern.MatchString(env.ParentRunID) {
			add("parent_run_id format")
		}
	}

	if len(env.AcceptanceTests) == 0 {
		add("acceptance_tests missing")
	}
	for i, test := range env.AcceptanceTests {
		if strings.TrimSpace(test) == "" {
			add("acceptance_tests[%d] empty", i)
		} else if screenshotDirectivePattern.MatchString(test) {
			add("acceptance_tests[%d] contains a screenshot directive", i)
		}
	}

	problems = append(problems, validateRequiredFields(env)...)
	return problems
}

func validateRequiredFields(env *Envelope) []string {
	var problems []string
	required := env.OutputContract.RequiredFields
	if len(required) == 0 {
		return []string{"output_contract.required_fields missing"}
	}

	have := make(map[string]bool, len(required))
	for _, f := range required {
		have[f] = true
	}
	for _, mandatory := range []string{"run_id", "branch", "commit_sha", "files_changed", "test_result", "risk"} {
		if !have[mandatory] {
			problems = append(problems, fmt.Sprintf("output_contract.required_fields must include %s", mandatory))
		}
	}
	if !have["pr_url"] && !have["pr_skipped_reason"] {
		problems = append(problems, "output_contract.required_fields must include pr_url or pr_skipped_reason")
	}
	if env.ContextIntent == IntentContinue && !have["session_id"] {
		problems = append(problems, "output_contract.required_fields must include session_id when context_intent=continue")
	}
	return problems
}

// SessionRouter is the ledger surface session-routing validation needs.
type SessionRouter interface {
	// SessionOwner returns the group folder that last held sessionID, ""
	// when the session is unknown.
	SessionOwner(ctx context.Context, sessionID string) (string, error)
	// LatestReusableSession returns the newest non-empty effective session
	// recorded for (groupFolder, repo, branch), "" when none.
	LatestReusableSession(ctx context.Context, groupFolder, repo, branch string) (string, error)
}

// Session-routing reason texts. The IPC gate matches on these verbatim.
const (
	ReasonCrossWorkerSession = "cross-worker session reuse is blocked"
	ReasonNoReusableSession  = "context_intent=continue requires a reusable prior session on this worker/repo/branch"
)

// ValidateSessionRouting applies the worker-lane session rules: an explicit
// session_id must not be owned by another worker lane, and continue without
// an explicit session_id requires a reusable prior run on the target
// (folder, repo, branch).
func ValidateSessionRouting(ctx context.Context, router SessionRouter, env *Envelope, targetFolder string) ([]string, error) {
	if router == nil {
		return nil, fmt.Errorf("session router is required")
	}
	var problems []string

	if env.SessionID != "" {
		owner, err := router.SessionOwner(ctx, env.SessionID)
		if err != nil {
			return nil, fmt.Errorf("session owner lookup: %w", err)
		}
		if owner != "" && owner != targetFolder {
			problems = append(problems, ReasonCrossWorkerSession)
		}
	}

	if env.ContextIntent == IntentContinue && env.SessionID == "" {
		session, err := router.LatestReusableSession(ctx, targetFolder, env.Repo, env.Branch)
		if err != nil {
			return nil, fmt.Errorf("reusable session lookup: %w", err)
		}
		if session == "" {
			problems = append(problems, ReasonNoReusableSession)
		}
	}

	return problems, nil
}
