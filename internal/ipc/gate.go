// Package ipc watches per-lane filesystem drop directories for message and
// task envelopes written by in-container agents, and enforces the cross-lane
// authorization and dispatch rules before anything reaches a chat.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nanoclaw/internal/dispatch"
	"nanoclaw/internal/store"
)

// Lanes describes the special lane folders the authorization table keys on.
type Lanes struct {
	MainFolder    string
	PlannerFolder string
	WorkerPrefix  string
}

// IsWorker reports whether folder names a worker lane.
func (l Lanes) IsWorker(folder string) bool {
	return strings.HasPrefix(folder, l.WorkerPrefix)
}

// Authorize applies the lane authorization table: main may address anything,
// every lane may address itself, and the planner may additionally address
// worker lanes.
func (l Lanes) Authorize(sourceFolder, targetFolder string) bool {
	switch {
	case sourceFolder == l.MainFolder:
		return true
	case sourceFolder == targetFolder:
		return true
	case sourceFolder == l.PlannerFolder && l.IsWorker(targetFolder):
		return true
	}
	return false
}

// sessionRouter adapts the run ledger to the dispatch session-routing checks.
type sessionRouter struct {
	store *store.Store
}

func (r sessionRouter) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	run, err := r.store.FindWorkerRunByEffectiveSessionID(ctx, sessionID)
	if errors.Is(err, store.ErrRunNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return run.GroupFolder, nil
}

func (r sessionRouter) LatestReusableSession(ctx context.Context, groupFolder, repo, branch string) (string, error) {
	return r.store.GetLatestReusableWorkerSession(ctx, groupFolder, repo, branch)
}

// gateDecision is the outcome of running a message envelope through the
// dispatch gate.
type gateDecision struct {
	allow    bool
	block    *dispatch.BlockEvent
	guidance string
	outcome  store.InsertOutcome
}

// checkDispatch applies the dispatch-ownership rules to a message body headed
// for targetFolder. Non-dispatch chat passes through untouched.
func (w *Watcher) checkDispatch(ctx context.Context, sourceFolder, targetJID, targetFolder, text string) (gateDecision, error) {
	env, err := dispatch.ParseEnvelope(text)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoEnvelope) {
			return gateDecision{allow: true}, nil
		}
		block := dispatch.NewBlockEvent(sourceFolder, targetJID, dispatch.ReasonInvalidDispatchPayload, err.Error())
		return gateDecision{block: &block, guidance: guidanceInvalidPayload(err.Error())}, nil
	}

	// A dispatch bounced back into the planner's own chat is an echo of a
	// worker dispatch, never a real instruction.
	if targetFolder == w.lanes.PlannerFolder {
		block := dispatch.NewBlockEvent(sourceFolder, targetJID, dispatch.ReasonTargetAuthFailed,
			"dispatch payloads may not be sent to the planning lane")
		block.RunID = env.RunID
		block.TargetFolder = targetFolder
		return gateDecision{block: &block, guidance: guidanceInvalidTarget()}, nil
	}
	if !w.lanes.IsWorker(targetFolder) {
		return gateDecision{allow: true}, nil
	}

	if sourceFolder != w.lanes.PlannerFolder {
		block := dispatch.NewBlockEvent(sourceFolder, targetJID, dispatch.ReasonUnauthorizedSourceLane,
			"only the planning lane may dispatch work to workers")
		block.RunID = env.RunID
		block.TargetFolder = targetFolder
		return gateDecision{block: &block, guidance: guidanceUnauthorized()}, nil
	}

	problems := dispatch.ValidateEnvelope(env)
	routing, err := dispatch.ValidateSessionRouting(ctx, sessionRouter{w.store}, env, targetFolder)
	if err != nil {
		return gateDecision{}, fmt.Errorf("session routing for %s: %w", env.RunID, err)
	}
	problems = append(problems, routing...)
	if len(problems) > 0 {
		reason := strings.Join(problems, "; ")
		block := dispatch.NewBlockEvent(sourceFolder, targetJID, dispatch.ReasonInvalidDispatchPayload, reason)
		block.RunID = env.RunID
		block.TargetFolder = targetFolder
		return gateDecision{block: &block, guidance: guidanceInvalidPayload(reason)}, nil
	}

	outcome, err := w.store.InsertWorkerRun(ctx, env.RunID, targetFolder, store.RunMetadata{
		DispatchRepo:      env.Repo,
		DispatchBranch:    env.Branch,
		ContextIntent:     env.ContextIntent,
		ParentRunID:       env.ParentRunID,
		DispatchSessionID: env.SessionID,
	})
	if err != nil {
		return gateDecision{}, fmt.Errorf("insert worker run %s: %w", env.RunID, err)
	}
	if outcome == store.OutcomeDuplicate {
		block := dispatch.NewBlockEvent(sourceFolder, targetJID, dispatch.ReasonDuplicateRunID,
			fmt.Sprintf("run_id %s has already been executed", env.RunID))
		block.RunID = env.RunID
		block.TargetFolder = targetFolder
		return gateDecision{block: &block, guidance: guidanceDuplicate(env.RunID), outcome: outcome}, nil
	}
	return gateDecision{allow: true, outcome: outcome}, nil
}

func guidanceInvalidPayload(reason string) string {
	return "Your dispatch was refused: " + reason + "\n\n" + resendTemplate
}

func guidanceUnauthorized() string {
	return "Your dispatch was refused: only the planning lane may dispatch work to worker lanes.\n\n" + resendTemplate
}

func guidanceUnknownTarget(chatJID string) string {
	return fmt.Sprintf("Message refused: %s is not a registered lane. Check available_groups.json for valid targets.", chatJID)
}

func guidanceInvalidTarget() string {
	return "Your dispatch was refused: dispatch payloads cannot target the planning lane. Address a worker lane instead.\n\n" + resendTemplate
}

// Duplicate refusals intentionally omit the resend template so the agent does
// not retry the same run id.
func guidanceDuplicate(runID string) string {
	return fmt.Sprintf("Dispatch refused: run_id %s was already executed. Pick a new run_id if this is genuinely new work.", runID)
}

const resendTemplate = `To resend, emit a single JSON object shaped like:
{"run_id":"<unique>","task_type":"implement","context_intent":"fresh","input":"<task>","repo":"owner/repo","branch":"jarvis-<feature>","acceptance_tests":["<cmd>"],"output_contract":{"required_fields":["run_id","branch","commit_sha","files_changed","test_result","risk","pr_url"]}}`
