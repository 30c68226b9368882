package ipc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"nanoclaw/internal/dispatch"
	"nanoclaw/internal/shared/jsonx"
	"nanoclaw/internal/store"
)

// Task envelope types accepted on the tasks/ drop directory.
const (
	taskSchedule      = "schedule_task"
	taskPause         = "pause_task"
	taskResume        = "resume_task"
	taskCancel        = "cancel_task"
	taskRefreshGroups = "refresh_groups"
	taskRegisterGroup = "register_group"
)

type taskEnvelope struct {
	Type     string `json:"type"`
	TaskID   string `json:"taskId,omitempty"`
	ChatJID  string `json:"chatJid,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Prompt   string `json:"prompt,omitempty"`

	// register_group fields.
	JID             string `json:"jid,omitempty"`
	Folder          string `json:"folder,omitempty"`
	Name            string `json:"name,omitempty"`
	TriggerPattern  string `json:"triggerPattern,omitempty"`
	RequiresTrigger bool   `json:"requiresTrigger,omitempty"`
}

func (w *Watcher) handleTaskFile(ctx context.Context, source store.RegisteredGroup, path string, raw []byte) error {
	var env taskEnvelope
	if err := jsonx.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode task envelope: %w", err)
	}

	switch env.Type {
	case taskSchedule:
		return w.handleScheduleTask(ctx, source, env)
	case taskPause, taskResume, taskCancel:
		return w.handleTaskControl(ctx, source, env)
	case taskRefreshGroups:
		return w.handleRefreshGroups(ctx, source)
	case taskRegisterGroup:
		return w.handleRegisterGroup(ctx, source, env)
	default:
		return fmt.Errorf("unknown task type %q in %s", env.Type, filepath.Base(path))
	}
}

func (w *Watcher) handleScheduleTask(ctx context.Context, source store.RegisteredGroup, env taskEnvelope) error {
	if env.ChatJID == "" || env.Schedule == "" || strings.TrimSpace(env.Prompt) == "" {
		return fmt.Errorf("schedule_task requires chatJid, schedule and prompt")
	}

	target, err := w.store.GetGroupByJID(ctx, env.ChatJID)
	if err != nil {
		if errors.Is(err, store.ErrGroupNotFound) {
			block := dispatch.NewBlockEvent(source.Folder, env.ChatJID, dispatch.ReasonTargetAuthFailed,
				fmt.Sprintf("chat %s is not a registered lane", env.ChatJID))
			w.refuse(ctx, source, block, guidanceUnknownTarget(env.ChatJID))
			return nil
		}
		return err
	}
	if !w.lanes.Authorize(source.Folder, target.Folder) {
		block := dispatch.NewBlockEvent(source.Folder, target.JID, dispatch.ReasonUnauthorizedSourceLane,
			fmt.Sprintf("lane %s may not schedule tasks on %s", source.Folder, target.Folder))
		block.TargetFolder = target.Folder
		w.refuse(ctx, source, block, guidanceUnauthorized())
		return nil
	}

	// A planner-scheduled prompt aimed at a worker is a deferred dispatch
	// and must satisfy the full dispatch contract now, not at fire time.
	if source.Folder == w.lanes.PlannerFolder && w.lanes.IsWorker(target.Folder) {
		denv, err := dispatch.ParseEnvelope(env.Prompt)
		if err != nil {
			block := dispatch.NewBlockEvent(source.Folder, target.JID, dispatch.ReasonInvalidDispatchPayload,
				"scheduled worker prompts must be dispatch envelopes: "+err.Error())
			block.TargetFolder = target.Folder
			w.refuse(ctx, source, block, guidanceInvalidPayload(err.Error()))
			return nil
		}
		problems := dispatch.ValidateEnvelope(denv)
		routing, err := dispatch.ValidateSessionRouting(ctx, sessionRouter{w.store}, denv, target.Folder)
		if err != nil {
			return fmt.Errorf("session routing for scheduled %s: %w", denv.RunID, err)
		}
		if problems = append(problems, routing...); len(problems) > 0 {
			reason := strings.Join(problems, "; ")
			block := dispatch.NewBlockEvent(source.Folder, target.JID, dispatch.ReasonInvalidDispatchPayload, reason)
			block.RunID = denv.RunID
			block.TargetFolder = target.Folder
			w.refuse(ctx, source, block, guidanceInvalidPayload(reason))
			return nil
		}
	}

	taskID := env.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	task := store.ScheduledTask{
		TaskID:      taskID,
		GroupFolder: target.Folder,
		ChatJID:     target.JID,
		Schedule:    env.Schedule,
		Prompt:      env.Prompt,
		CreatedBy:   source.Folder,
		CreatedAt:   time.Now(),
	}
	if err := w.tasks.ScheduleTask(ctx, task); err != nil {
		return fmt.Errorf("schedule task %s: %w", taskID, err)
	}
	w.logger.Info("scheduled task %s on %s (cron %q) by %s", taskID, target.Folder, env.Schedule, source.Folder)
	return nil
}

func (w *Watcher) handleTaskControl(ctx context.Context, source store.RegisteredGroup, env taskEnvelope) error {
	if env.TaskID == "" {
		return fmt.Errorf("%s requires taskId", env.Type)
	}
	task, err := w.store.GetScheduledTask(ctx, env.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			w.logger.Warn("%s: task %s not found (source %s)", env.Type, env.TaskID, source.Folder)
			return nil
		}
		return err
	}
	if !w.lanes.Authorize(source.Folder, task.GroupFolder) {
		block := dispatch.NewBlockEvent(source.Folder, task.ChatJID, dispatch.ReasonUnauthorizedSourceLane,
			fmt.Sprintf("lane %s may not manage tasks owned by %s", source.Folder, task.GroupFolder))
		block.TargetFolder = task.GroupFolder
		w.refuse(ctx, source, block, guidanceUnauthorized())
		return nil
	}

	switch env.Type {
	case taskPause:
		err = w.tasks.SetTaskPaused(ctx, env.TaskID, true)
	case taskResume:
		err = w.tasks.SetTaskPaused(ctx, env.TaskID, false)
	case taskCancel:
		err = w.tasks.CancelTask(ctx, env.TaskID)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", env.Type, env.TaskID, err)
	}
	w.logger.Info("%s %s by %s", env.Type, env.TaskID, source.Folder)
	return nil
}

func (w *Watcher) handleRefreshGroups(ctx context.Context, source store.RegisteredGroup) error {
	if source.Folder != w.lanes.MainFolder {
		block := dispatch.NewBlockEvent(source.Folder, "", dispatch.ReasonUnauthorizedSourceLane,
			"refresh_groups is restricted to the main lane")
		w.refuse(ctx, source, block, guidanceUnauthorized())
		return nil
	}
	if w.refreshGroups == nil {
		return nil
	}
	return w.refreshGroups(ctx)
}

func (w *Watcher) handleRegisterGroup(ctx context.Context, source store.RegisteredGroup, env taskEnvelope) error {
	if source.Folder != w.lanes.MainFolder {
		block := dispatch.NewBlockEvent(source.Folder, env.JID, dispatch.ReasonUnauthorizedSourceLane,
			"register_group is restricted to the main lane")
		w.refuse(ctx, source, block, guidanceUnauthorized())
		return nil
	}
	if env.JID == "" {
		return fmt.Errorf("register_group requires jid")
	}
	if !store.IsSafeFolderName(env.Folder) {
		block := dispatch.NewBlockEvent(source.Folder, env.JID, dispatch.ReasonInvalidDispatchPayload,
			fmt.Sprintf("folder %q is not a safe lane name", env.Folder))
		w.refuse(ctx, source, block, fmt.Sprintf("Registration refused: folder %q must be lowercase alphanumeric with . _ - only.", env.Folder))
		return nil
	}
	err := w.store.UpsertGroup(ctx, store.RegisteredGroup{
		JID:             env.JID,
		Folder:          env.Folder,
		Name:            env.Name,
		TriggerPattern:  env.TriggerPattern,
		RequiresTrigger: env.RequiresTrigger,
	})
	if err != nil {
		return fmt.Errorf("register group %s: %w", env.Folder, err)
	}
	if err := EnsureLaneDirs(w.root, env.Folder); err != nil {
		return err
	}
	w.logger.Info("registered lane %s (%s)", env.Folder, env.JID)
	if w.refreshGroups != nil {
		return w.refreshGroups(ctx)
	}
	return nil
}
