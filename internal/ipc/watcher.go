package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"nanoclaw/internal/dispatch"
	"nanoclaw/internal/logging"
	"nanoclaw/internal/shared/jsonx"
	"nanoclaw/internal/store"
)

// ChannelSender delivers text into a chat. SendMessage speaks in the
// assistant's voice; SendFrom attributes the message to a source lane so the
// target lane treats it as inbound traffic.
type ChannelSender interface {
	SendMessage(ctx context.Context, chatJID, text string) error
	SendFrom(ctx context.Context, sourceGroup, chatJID, text string) error
}

// TaskService manages scheduled tasks on behalf of the IPC gate.
type TaskService interface {
	ScheduleTask(ctx context.Context, t store.ScheduledTask) error
	SetTaskPaused(ctx context.Context, taskID string, paused bool) error
	CancelTask(ctx context.Context, taskID string) error
}

// Options configures a Watcher.
type Options struct {
	Root          string
	PollInterval  time.Duration
	Lanes         Lanes
	Store         *store.Store
	Sender        ChannelSender
	Tasks         TaskService
	RefreshGroups func(ctx context.Context) error
	Logger        logging.Logger
}

// Watcher polls every lane's messages/ and tasks/ drop directories, runs each
// envelope through the authorization gate, and forwards or refuses it.
type Watcher struct {
	root          string
	pollInterval  time.Duration
	lanes         Lanes
	store         *store.Store
	sender        ChannelSender
	tasks         TaskService
	refreshGroups func(ctx context.Context) error
	logger        logging.Logger

	fsWatcher *fsnotify.Watcher
	watched   map[string]bool
}

// NewWatcher validates options and builds a Watcher. The fsnotify watcher is
// a wake-up optimization; polling alone is sufficient for correctness.
func NewWatcher(opts Options) (*Watcher, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("ipc root is required")
	}
	if opts.Store == nil || opts.Sender == nil {
		return nil, fmt.Errorf("store and sender are required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	w := &Watcher{
		root:          opts.Root,
		pollInterval:  opts.PollInterval,
		lanes:         opts.Lanes,
		store:         opts.Store,
		sender:        opts.Sender,
		tasks:         opts.Tasks,
		refreshGroups: opts.RefreshGroups,
		logger:        logging.OrNop(opts.Logger),
		watched:       map[string]bool{},
	}
	if fw, err := fsnotify.NewWatcher(); err == nil {
		w.fsWatcher = fw
	} else {
		w.logger.Warn("fsnotify unavailable, falling back to polling only: %v", err)
	}
	return w, nil
}

// EnsureLaneDirs creates the per-lane IPC directory layout.
func EnsureLaneDirs(root, laneFolder string) error {
	for _, sub := range []string{"messages", "tasks", "errors"} {
		if err := os.MkdirAll(filepath.Join(root, laneFolder, sub), 0o755); err != nil {
			return fmt.Errorf("ensure ipc dir for %s: %w", laneFolder, err)
		}
	}
	return nil
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	if w.fsWatcher != nil {
		defer w.fsWatcher.Close()
	}

	var wake <-chan fsnotify.Event
	var fsErrs <-chan error
	if w.fsWatcher != nil {
		wake = w.fsWatcher.Events
		fsErrs = w.fsWatcher.Errors
	}

	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
			// Drain the burst so one dropped file costs one sweep.
		drain:
			for {
				select {
				case <-wake:
				default:
					break drain
				}
			}
		case err := <-fsErrs:
			if err != nil {
				w.logger.Warn("fsnotify: %v", err)
			}
		}
	}
}

// sweep scans every registered lane once.
func (w *Watcher) sweep(ctx context.Context) {
	groups, err := w.store.ListGroups(ctx)
	if err != nil {
		w.logger.Error("list groups: %v", err)
		return
	}
	for _, g := range groups {
		if err := EnsureLaneDirs(w.root, g.Folder); err != nil {
			w.logger.Error("%v", err)
			continue
		}
		w.watchLane(g.Folder)
		w.scanDir(ctx, g, filepath.Join(w.root, g.Folder, "messages"), w.handleMessageFile)
		w.scanDir(ctx, g, filepath.Join(w.root, g.Folder, "tasks"), w.handleTaskFile)
	}
}

func (w *Watcher) watchLane(folder string) {
	if w.fsWatcher == nil || w.watched[folder] {
		return
	}
	for _, sub := range []string{"messages", "tasks"} {
		if err := w.fsWatcher.Add(filepath.Join(w.root, folder, sub)); err != nil {
			w.logger.Warn("watch %s/%s: %v", folder, sub, err)
			return
		}
	}
	w.watched[folder] = true
}

type envelopeHandler func(ctx context.Context, source store.RegisteredGroup, path string, raw []byte) error

func (w *Watcher) scanDir(ctx context.Context, source store.RegisteredGroup, dir string, handle envelopeHandler) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.logger.Error("read %s: %v", dir, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			w.logger.Error("read %s: %v", path, err)
			continue
		}
		if err := handle(ctx, source, path, raw); err != nil {
			w.logger.Error("handle %s: %v", path, err)
			w.quarantine(source.Folder, path)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("remove %s: %v", path, err)
		}
	}
}

// quarantine moves a failed envelope into the lane's errors directory with
// the source-lane prefix so operators can replay it.
func (w *Watcher) quarantine(sourceFolder, path string) {
	dest := filepath.Join(w.root, sourceFolder, "errors", sourceFolder+"-"+filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("quarantine %s: %v", path, err)
	}
}

type messageEnvelope struct {
	Type    string `json:"type"`
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

func (w *Watcher) handleMessageFile(ctx context.Context, source store.RegisteredGroup, path string, raw []byte) error {
	var env messageEnvelope
	if err := jsonx.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode message envelope: %w", err)
	}
	if env.Type != "message" || env.ChatJID == "" {
		return fmt.Errorf("malformed message envelope in %s", filepath.Base(path))
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
			fmt.Sprintf("lane %s is not authorized to address %s", source.Folder, target.Folder))
		block.TargetFolder = target.Folder
		w.refuse(ctx, source, block, guidanceUnauthorized())
		return nil
	}

	decision, err := w.checkDispatch(ctx, source.Folder, target.JID, target.Folder, env.Text)
	if err != nil {
		return err
	}
	if !decision.allow {
		w.refuse(ctx, source, *decision.block, decision.guidance)
		return nil
	}

	if err := w.sender.SendFrom(ctx, source.Folder, target.JID, env.Text); err != nil {
		return fmt.Errorf("forward message to %s: %w", target.Folder, err)
	}
	w.logger.Debug("forwarded ipc message %s -> %s", source.Folder, target.Folder)
	return nil
}

// refuse records a dispatch-block event and sends guidance back to the source
// lane. Guidance failures are logged, never fatal: the refusal already held.
func (w *Watcher) refuse(ctx context.Context, source store.RegisteredGroup, block dispatch.BlockEvent, guidance string) {
	w.writeBlockEvent(source.Folder, block)
	if guidance == "" || source.JID == "" {
		return
	}
	if err := w.sender.SendMessage(ctx, source.JID, guidance); err != nil {
		w.logger.Warn("send guidance to %s: %v", source.Folder, err)
	}
}

func (w *Watcher) writeBlockEvent(sourceFolder string, block dispatch.BlockEvent) {
	raw, err := jsonx.MarshalIndent(block, "", "  ")
	if err != nil {
		w.logger.Error("encode block event: %v", err)
		return
	}
	name := fmt.Sprintf("dispatch-block-%d.json", time.Now().UnixNano())
	path := filepath.Join(w.root, sourceFolder, "errors", name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		w.logger.Error("write block event %s: %v", path, err)
		return
	}
	w.logger.Info("dispatch blocked: source=%s target=%s reason=%s", sourceFolder, block.TargetJID, block.ReasonCode)
}
