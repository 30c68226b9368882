package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"nanoclaw/internal/container"
	"nanoclaw/internal/dispatch"
	"nanoclaw/internal/store"
)

// processGroupMessages is the cold path: the queue calls it when a lane has
// pending messages and no live container accepted them via stdin.
func (o *Orchestrator) processGroupMessages(ctx context.Context, chatJID string) {
	g, ok := o.groupByJID(chatJID)
	if !ok {
		o.logger.Warn("service pass for unknown lane %s", chatJID)
		return
	}

	cursor := o.effectiveCursor(chatJID)
	msgs, err := o.store.GetMessagesSince(ctx, chatJID, cursor, o.cfg.AssistantName)
	if err != nil {
		o.logger.Error("read batch for %s: %v", g.Folder, err)
		return
	}
	msgs = o.filterBatch(ctx, g, msgs)
	if len(msgs) == 0 {
		return
	}

	candidate := msgs[len(msgs)-1].Timestamp
	o.setInflight(chatJID, candidate)
	o.metrics.incBatch(g.Folder)

	if o.isWorkerFolder(g.Folder) {
		o.processWorkerBatch(ctx, g, msgs, candidate)
		return
	}
	o.processChatBatch(ctx, g, msgs, candidate)
}

// filterBatch drops already-processed messages and messages the lane's
// trigger policy excludes.
func (o *Orchestrator) filterBatch(ctx context.Context, g store.RegisteredGroup, msgs []store.Message) []store.Message {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	processed, err := o.store.GetProcessedMessageIDs(ctx, g.JID, ids)
	if err != nil {
		o.logger.Warn("processed lookup for %s: %v", g.Folder, err)
		processed = map[string]bool{}
	}
	var out []store.Message
	for _, m := range msgs {
		if processed[m.ID] || !o.shouldProcess(g, m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// finishBatch marks the batch processed and commits the cursor past it.
func (o *Orchestrator) finishBatch(ctx context.Context, g store.RegisteredGroup, msgs []store.Message, candidate time.Time, runID string) {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := o.store.MarkMessagesProcessed(ctx, g.JID, ids, runID); err != nil {
		o.logger.Warn("mark batch processed for %s: %v", g.Folder, err)
	}
	if err := o.commitCursor(ctx, g.JID, candidate); err != nil {
		o.logger.Warn("%v", err)
	}
}

// processChatBatch serves a main or planner lane batch with one agent
// container turn.
//
// Cursor discipline: once any output reached the chat the batch counts as
// delivered and the cursor commits even if the container later errored.
// A failure before delivery leaves the committed cursor in place so the next
// pass retries the same batch.
func (o *Orchestrator) processChatBatch(ctx context.Context, g store.RegisteredGroup, msgs []store.Message, candidate time.Time) {
	if g.Folder == o.cfg.PlannerGroupFolder && len(msgs) == 1 && isSimpleGreeting(msgs[0].Content, o.cfg.AssistantName) {
		if err := o.sender.SendMessage(ctx, g.JID, greetingReply(o.cfg.AssistantName)); err != nil {
			o.logger.Error("greeting reply to %s: %v", g.Folder, err)
			o.clearInflight(g.JID)
			return
		}
		o.finishBatch(ctx, g, msgs, candidate, "")
		return
	}

	sessionID, err := o.store.GetSession(ctx, g.Folder)
	if err != nil {
		o.logger.Warn("session lookup for %s: %v", g.Folder, err)
	}

	delivered, runErr := o.runChatAgent(ctx, g, formatMessages(msgs), sessionID)
	if runErr != nil && !delivered {
		o.logger.Error("agent turn for %s failed before delivery: %v", g.Folder, runErr)
		o.clearInflight(g.JID)
		return
	}
	if runErr != nil {
		o.logger.Warn("agent turn for %s failed after delivery: %v", g.Folder, runErr)
	}
	o.finishBatch(ctx, g, msgs, candidate, "")
}

// runChatAgent spawns one container turn for a conversational lane and
// streams its output into the chat. Returns whether anything was delivered.
func (o *Orchestrator) runChatAgent(ctx context.Context, g store.RegisteredGroup, history, sessionID string) (bool, error) {
	prompt, err := encodePromptEnvelope(g.Folder, g.JID, history, sessionID, "")
	if err != nil {
		return false, fmt.Errorf("encode prompt: %w", err)
	}

	var mu sync.Mutex
	delivered := false
	lastEvent := time.Now()

	onEvent := func(ev container.Output) {
		mu.Lock()
		lastEvent = time.Now()
		mu.Unlock()

		if ev.NewSessionID != "" {
			if err := o.store.SetSession(ctx, g.Folder, ev.NewSessionID); err != nil {
				o.logger.Warn("persist session for %s: %v", g.Folder, err)
			}
		}
		if ev.Result != nil && *ev.Result != "" {
			text := stripInternal(*ev.Result)
			if text != "" && g.Folder == o.cfg.PlannerGroupFolder {
				text = sanitizeOutbound(text)
			}
			if text != "" {
				if err := o.sender.SendMessage(ctx, g.JID, text); err != nil {
					o.logger.Error("deliver to %s: %v", g.Folder, err)
				} else {
					mu.Lock()
					delivered = true
					mu.Unlock()
				}
			}
		}
		// Every clean end-of-turn signals idle, with or without a result.
		if ev.Status == container.StatusSuccess {
			o.queue.NotifyIdle(g.JID)
		}
	}

	proc, err := o.driver.Spawn(ctx, container.SpawnSpec{
		GroupFolder: g.Folder,
		Image:       o.cfg.ContainerImage,
		Mounts:      o.cfg.ContainerMounts,
		Env: map[string]string{
			"NANOCLAW_GROUP":    g.Folder,
			"NANOCLAW_CHAT_JID": g.JID,
		},
		Prompt: prompt,
	}, onEvent, func(line string) { o.logger.Debug("[%s] %s", g.Folder, line) })
	if err != nil {
		return false, fmt.Errorf("spawn agent for %s: %w", g.Folder, err)
	}
	o.metrics.incSpawn(g.Folder)
	defer o.metrics.decActive()

	o.queue.RegisterProcess(g.JID, proc, proc.Name(), g.Folder)
	defer o.queue.UnregisterProcess(g.JID)

	err = o.waitForExit(ctx, proc, func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return lastEvent
	})

	mu.Lock()
	defer mu.Unlock()
	return delivered, err
}

// containerProc is the slice of a running container waitForExit controls.
type containerProc interface {
	Done() <-chan struct{}
	Wait() error
	CloseStdin() error
	Kill() error
	Name() string
}

// waitForExit blocks until the container exits, the idle-output timeout
// elapses with no events, or the hard timeout fires. Idle expiry first closes
// stdin so the agent can wind down on its own; only a container that ignores
// the closed pipe for another idle window gets killed. Hard timeouts and
// context cancellation kill immediately and surface as errors.
func (o *Orchestrator) waitForExit(ctx context.Context, proc containerProc, lastEvent func() time.Time) error {
	hard := time.NewTimer(o.cfg.HardTimeout)
	defer hard.Stop()
	idle := time.NewTicker(time.Second)
	defer idle.Stop()

	var stdinClosedAt time.Time
	for {
		select {
		case <-proc.Done():
			return proc.Wait()
		case <-ctx.Done():
			_ = proc.Kill()
			return ctx.Err()
		case <-hard.C:
			_ = proc.Kill()
			return fmt.Errorf("container %s exceeded hard timeout %s", proc.Name(), o.cfg.HardTimeout)
		case <-idle.C:
			if time.Since(lastEvent()) <= o.cfg.IdleOutputTimeout {
				continue
			}
			if stdinClosedAt.IsZero() {
				o.logger.Info("container %s idle for %s, closing stdin", proc.Name(), o.cfg.IdleOutputTimeout)
				_ = proc.CloseStdin()
				stdinClosedAt = time.Now()
				continue
			}
			if time.Since(stdinClosedAt) > o.cfg.IdleOutputTimeout {
				_ = proc.Kill()
				return fmt.Errorf("container %s ignored stdin close after idling %s", proc.Name(), o.cfg.IdleOutputTimeout)
			}
		}
	}
}

// processWorkerBatch collapses a worker lane batch down to its last dispatch
// envelope and executes it as a ledgered run. Worker batches always commit:
// the ledger, not the cursor, governs retries.
func (o *Orchestrator) processWorkerBatch(ctx context.Context, g store.RegisteredGroup, msgs []store.Message, candidate time.Time) {
	var env *dispatch.Envelope
	for _, m := range msgs {
		parsed, err := dispatch.ParseEnvelope(m.Content)
		if err != nil {
			continue
		}
		env = parsed
	}
	if env == nil {
		o.logger.Debug("worker lane %s batch had no dispatch, skipping %d messages", g.Folder, len(msgs))
		o.finishBatch(ctx, g, msgs, candidate, "")
		return
	}
	if problems := dispatch.ValidateEnvelope(env); len(problems) > 0 {
		// The authorization gate validates before delivery, so this only
		// fires for rows written outside the gate.
		o.logger.Warn("invalid dispatch reached worker lane %s: %s", g.Folder, strings.Join(problems, "; "))
		o.finishBatch(ctx, g, msgs, candidate, env.RunID)
		return
	}

	run, err := o.store.GetWorkerRun(ctx, env.RunID)
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		// Scheduled dispatches arrive without a gate-inserted row.
		outcome, insErr := o.store.InsertWorkerRun(ctx, env.RunID, g.Folder, store.RunMetadata{
			DispatchRepo:      env.Repo,
			DispatchBranch:    env.Branch,
			ContextIntent:     env.ContextIntent,
			ParentRunID:       env.ParentRunID,
			DispatchSessionID: env.SessionID,
		})
		if insErr != nil {
			o.logger.Error("insert run %s: %v", env.RunID, insErr)
			o.clearInflight(g.JID)
			return
		}
		o.logger.Info("run %s inserted at execution time (%s)", env.RunID, outcome)
	case err != nil:
		o.logger.Error("ledger lookup %s: %v", env.RunID, err)
		o.clearInflight(g.JID)
		return
	case run.Status != store.RunQueued:
		o.logger.Info("run %s already %s, dropping redelivery", env.RunID, run.Status)
		o.finishBatch(ctx, g, msgs, candidate, env.RunID)
		return
	}

	o.executeWorkerRun(ctx, g, env)
	o.finishBatch(ctx, g, msgs, candidate, env.RunID)
}

// executeWorkerRun drives one dispatch through session selection, container
// execution, completion validation and the single repair attempt.
func (o *Orchestrator) executeWorkerRun(ctx context.Context, g store.RegisteredGroup, env *dispatch.Envelope) {
	startedAt := time.Now()

	effective, source, err := o.selectSession(ctx, g.Folder, env)
	if errors.Is(err, errNoReusableSession) {
		o.failRun(ctx, g, env, startedAt, store.RunFailedContract, "missing_reusable_session", err.Error())
		return
	}
	if err != nil {
		o.logger.Error("session selection for %s: %v", env.RunID, err)
		return
	}

	phase := store.PhaseSpawning
	if err := o.store.UpdateWorkerRunLifecycle(ctx, env.RunID, store.LifecycleUpdate{
		Phase:              &phase,
		SelectedSessionID:  &effective,
		EffectiveSessionID: &effective,
		SessionSource:      &source,
	}); err != nil {
		o.logger.Error("lifecycle update %s: %v", env.RunID, err)
		return
	}
	if err := o.store.UpdateWorkerRunStatus(ctx, env.RunID, store.RunRunning); err != nil {
		o.logger.Error("status update %s: %v", env.RunID, err)
		return
	}

	res, runErr := o.runContainer(ctx, g, env.RunID, buildDispatchPrompt(env), effective, store.PhaseActive)
	if res == nil {
		o.failRun(ctx, g, env, startedAt, store.RunFailed, "container_spawn_failed_before_running", runErr.Error())
		return
	}
	if res.newSessionID != "" {
		effective = res.newSessionID
	}

	phase = store.PhaseCompletionValidating
	if err := o.store.UpdateWorkerRunLifecycle(ctx, env.RunID, store.LifecycleUpdate{Phase: &phase}); err != nil {
		o.logger.Warn("lifecycle update %s: %v", env.RunID, err)
	}

	exp := dispatch.Expectations{
		RunID:                   env.RunID,
		Branch:                  env.Branch,
		RequiredFields:          env.OutputContract.RequiredFields,
		BrowserEvidenceRequired: env.OutputContract.BrowserEvidenceRequired,
		AllowNoCodeChanges:      dispatch.RunIDImpliesNoCode(env.RunID),
	}
	comp, problems := validateTranscript(res.transcript, exp)

	// A dirty exit never earns a repair run. A valid completion that made it
	// out before the container died still lands; everything else fails plain.
	if runErr != nil {
		if comp != nil && len(problems) == 0 {
			o.acceptCompletion(ctx, g, env, comp, startedAt)
			return
		}
		o.failRun(ctx, g, env, startedAt, store.RunFailed, "container_exited_dirty", dirtyExitDetail(runErr, res.transcript))
		return
	}

	if comp == nil || len(problems) > 0 {
		comp, problems = o.repairCompletion(ctx, g, env, effective, exp, problems, res.transcript)
	}
	if comp == nil || len(problems) > 0 {
		o.failRun(ctx, g, env, startedAt, store.RunFailedContract, "completion_contract_violation", strings.Join(problems, "; "))
		return
	}

	o.acceptCompletion(ctx, g, env, comp, startedAt)
}

// dirtyExitDetail compacts a failed container's error and transcript tail into
// the ledger error detail.
func dirtyExitDetail(waitErr error, transcript string) string {
	const tailLimit = 500
	tail := strings.TrimSpace(transcript)
	if len(tail) > tailLimit {
		tail = tail[len(tail)-tailLimit:]
	}
	if tail == "" {
		return waitErr.Error()
	}
	return waitErr.Error() + "; output tail: " + tail
}

var errNoReusableSession = errors.New("no reusable session")

// selectSession resolves the effective session for a dispatch.
func (o *Orchestrator) selectSession(ctx context.Context, folder string, env *dispatch.Envelope) (sessionID, source string, err error) {
	if env.ContextIntent == dispatch.IntentFresh {
		return "", store.SessionSourceNew, nil
	}
	if env.SessionID != "" {
		return env.SessionID, store.SessionSourceExplicit, nil
	}
	latest, err := o.store.GetLatestReusableWorkerSession(ctx, folder, env.Repo, env.Branch)
	if err != nil {
		return "", "", err
	}
	if latest == "" {
		return "", "", fmt.Errorf("%w for %s on %s@%s", errNoReusableSession, folder, env.Repo, env.Branch)
	}
	return latest, store.SessionSourceAutoRepoBranch, nil
}

// workerResult is what one worker container execution produced.
type workerResult struct {
	transcript   string
	newSessionID string
}

// runContainerFn executes one worker container for a ledgered run.
type runContainerFn func(ctx context.Context, g store.RegisteredGroup, runID, promptText, sessionID string, activePhase store.RunPhase) (*workerResult, error)

// runWorkerContainer spawns one container for a ledgered run, keeps the
// heartbeat and lease fresh while it streams, and returns the accumulated
// transcript after exit. A nil result means the container never ran; a
// non-nil result with an error means it ran but exited dirty.
func (o *Orchestrator) runWorkerContainer(ctx context.Context, g store.RegisteredGroup, runID, promptText, sessionID string, activePhase store.RunPhase) (*workerResult, error) {
	prompt, err := encodePromptEnvelope(g.Folder, g.JID, promptText, sessionID, runID)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}

	var mu sync.Mutex
	var transcript strings.Builder
	newSessionID := ""
	lastEvent := time.Now()
	promoted := false

	onEvent := func(ev container.Output) {
		now := time.Now()
		mu.Lock()
		lastEvent = now
		if ev.NewSessionID != "" {
			newSessionID = ev.NewSessionID
		}
		if ev.Result != nil && *ev.Result != "" {
			transcript.WriteString(*ev.Result)
			transcript.WriteByte('\n')
		}
		firstEvent := !promoted
		promoted = true
		mu.Unlock()

		lease := now.Add(o.cfg.LeaseTTL)
		upd := store.LifecycleUpdate{LastHeartbeatAt: &now, LeaseExpiresAt: &lease}
		if firstEvent {
			upd.Phase = &activePhase
		}
		if ev.SessionResumeStatus != "" {
			upd.SessionResumeStatus = &ev.SessionResumeStatus
			upd.SessionResumeError = &ev.SessionResumeError
		}
		if ev.NewSessionID != "" {
			upd.EffectiveSessionID = &ev.NewSessionID
		}
		if err := o.store.UpdateWorkerRunLifecycle(ctx, runID, upd); err != nil {
			o.logger.Warn("heartbeat for %s: %v", runID, err)
		}
	}

	proc, err := o.driver.Spawn(ctx, container.SpawnSpec{
		GroupFolder: g.Folder,
		Image:       o.cfg.ContainerImage,
		Mounts:      o.cfg.ContainerMounts,
		Env: map[string]string{
			"NANOCLAW_GROUP":      g.Folder,
			"NANOCLAW_CHAT_JID":   g.JID,
			"NANOCLAW_RUN_ID":     runID,
			"NANOCLAW_SESSION_ID": sessionID,
		},
		Prompt: prompt,
	}, onEvent, func(line string) { o.logger.Debug("[%s/%s] %s", g.Folder, runID, line) })
	if err != nil {
		return nil, fmt.Errorf("spawn worker container: %w", err)
	}
	o.metrics.incSpawn(g.Folder)
	defer o.metrics.decActive()

	now := time.Now()
	name := proc.Name()
	lease := now.Add(o.cfg.LeaseTTL)
	if err := o.store.UpdateWorkerRunLifecycle(ctx, runID, store.LifecycleUpdate{
		ActiveContainerName: &name,
		SpawnAcknowledgedAt: &now,
		LeaseExpiresAt:      &lease,
	}); err != nil {
		o.logger.Warn("spawn ack for %s: %v", runID, err)
	}

	o.queue.RegisterProcess(g.JID, proc, name, g.Folder)
	defer o.queue.UnregisterProcess(g.JID)

	waitErr := o.waitForExit(ctx, proc, func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return lastEvent
	})
	if waitErr != nil {
		o.logger.Warn("worker container for %s exited dirty: %v", runID, waitErr)
	}

	mu.Lock()
	defer mu.Unlock()
	return &workerResult{transcript: transcript.String(), newSessionID: newSessionID}, waitErr
}

// validateTranscript extracts and validates the completion block from a
// container transcript.
func validateTranscript(transcript string, exp dispatch.Expectations) (*dispatch.Completion, []string) {
	comp, err := dispatch.ParseCompletion(transcript)
	if err != nil {
		return nil, []string{err.Error()}
	}
	result := dispatch.ValidateCompletion(comp, exp)
	if !result.Valid {
		return comp, result.Missing
	}
	return comp, nil
}

// repairCompletion gives the run exactly one corrective container on the same
// session before failing the contract.
func (o *Orchestrator) repairCompletion(ctx context.Context, g store.RegisteredGroup, env *dispatch.Envelope, sessionID string, exp dispatch.Expectations, problems []string, transcript string) (*dispatch.Completion, []string) {
	phase := store.PhaseCompletionRepairPending
	expects := true
	if err := o.store.UpdateWorkerRunLifecycle(ctx, env.RunID, store.LifecycleUpdate{
		Phase:           &phase,
		ExpectsFollowup: &expects,
	}); err != nil {
		o.logger.Warn("repair handoff for %s: %v", env.RunID, err)
	}
	o.metrics.incRepair()
	o.logger.Info("run %s completion invalid (%s), attempting repair", env.RunID, strings.Join(problems, "; "))

	res, err := o.runContainer(ctx, g, env.RunID,
		buildRepairPrompt(env.RunID, problems, transcript), sessionID, store.PhaseCompletionRepairActive)

	expects = false
	if updErr := o.store.UpdateWorkerRunLifecycle(ctx, env.RunID, store.LifecycleUpdate{ExpectsFollowup: &expects}); updErr != nil {
		o.logger.Warn("repair teardown for %s: %v", env.RunID, updErr)
	}
	if res == nil {
		return nil, append(problems, "repair container spawn failed: "+err.Error())
	}
	comp, remaining := validateTranscript(res.transcript, exp)
	if err != nil && (comp == nil || len(remaining) > 0) {
		remaining = append(remaining, "repair container error: "+err.Error())
	}
	return comp, remaining
}

// acceptCompletion persists the validated artifacts and hands the run to
// review. Runs the watchdog failed while the container was finishing are
// recovered first so the late completion still lands.
func (o *Orchestrator) acceptCompletion(ctx context.Context, g store.RegisteredGroup, env *dispatch.Envelope, comp *dispatch.Completion, startedAt time.Time) {
	recovered, err := o.store.RecoverWorkerRunForCompletionAccept(ctx, env.RunID)
	if err != nil {
		o.logger.Warn("recovery check for %s: %v", env.RunID, err)
	}
	if recovered {
		o.logger.Info("run %s recovered from watchdog failure for completion accept", env.RunID)
	}

	var files []string
	if comp.FilesChanged != nil {
		files = *comp.FilesChanged
	}
	summary := summarizeCompletion(comp)
	if err := o.store.UpdateWorkerRunCompletion(ctx, env.RunID, store.CompletionArtifacts{
		BranchName:    comp.Branch,
		CommitSHA:     comp.CommitSHA,
		FilesChanged:  files,
		TestSummary:   comp.TestResult,
		RiskSummary:   comp.Risk,
		PRURL:         comp.PRURL,
		ResultSummary: summary,
		SessionID:     comp.SessionID,
	}); err != nil {
		o.logger.Error("persist completion %s: %v", env.RunID, err)
		return
	}
	if err := o.store.CompleteWorkerRun(ctx, env.RunID, store.RunReviewRequested, summary, nil); err != nil {
		o.logger.Error("finalize run %s: %v", env.RunID, err)
		return
	}

	o.metrics.observeRun(string(store.RunReviewRequested), time.Since(startedAt))
	o.logger.Info("run %s review requested after %s", env.RunID, time.Since(startedAt).Round(time.Second))
	o.notifyPlanner(ctx, summary)
}

// failRun records a terminal failure on the ledger and tells the planner.
func (o *Orchestrator) failRun(ctx context.Context, g store.RegisteredGroup, env *dispatch.Envelope, startedAt time.Time, terminal store.RunStatus, reason, detail string) {
	summary := fmt.Sprintf("Run %s failed: %s", env.RunID, reason)
	if err := o.store.CompleteWorkerRun(ctx, env.RunID, terminal, summary, &store.FailureDetails{
		Reason: reason,
		Detail: detail,
	}); err != nil {
		o.logger.Error("fail run %s: %v", env.RunID, err)
	}
	o.metrics.observeRun(string(terminal), time.Since(startedAt))
	o.logger.Warn("run %s on %s failed: %s (%s)", env.RunID, g.Folder, reason, detail)
	o.notifyPlanner(ctx, fmt.Sprintf("%s (%s)", summary, detail))
}

func (o *Orchestrator) notifyPlanner(ctx context.Context, text string) {
	planner, ok := o.groupByFolder(o.cfg.PlannerGroupFolder)
	if !ok {
		o.logger.Warn("planner lane %s not registered, dropping notification", o.cfg.PlannerGroupFolder)
		return
	}
	if err := o.sender.SendMessage(ctx, planner.JID, text); err != nil {
		o.logger.Error("notify planner: %v", err)
	}
}
