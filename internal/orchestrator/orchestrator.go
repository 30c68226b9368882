// Package orchestrator runs the message loop: it pulls new chat messages,
// routes each lane's batch into a container-backed agent, validates worker
// completions against the dispatch contract, and owns the per-lane cursor
// state that makes crash recovery idempotent.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"nanoclaw/internal/config"
	"nanoclaw/internal/container"
	"nanoclaw/internal/logging"
	"nanoclaw/internal/queue"
	"nanoclaw/internal/store"
)

// Router state keys. Cursors are stored per chat under cursorKeyPrefix.
const (
	ingestSeqKey    = "last_ingest_seq"
	cursorKeyPrefix = "cursor:"
)

const snapshotInterval = 30 * time.Second

// Sender delivers assistant output into a chat.
type Sender interface {
	SendMessage(ctx context.Context, chatJID, text string) error
}

// Orchestrator is the message loop.
type Orchestrator struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.Queue
	driver  container.Driver
	sender  Sender
	logger  logging.Logger
	metrics *Metrics

	// runContainer executes one worker container; a seam for tests.
	runContainer runContainerFn
	// watchdog is the supervisor's Reconcile, run once per loop tick.
	watchdog func(ctx context.Context) (int, error)

	mu        sync.Mutex
	committed map[string]time.Time // chatJID -> durable cursor
	inflight  map[string]time.Time // chatJID -> candidate cursor of a batch being served
	lastSeq   int64
	byJID     map[string]store.RegisteredGroup
	byFolder  map[string]store.RegisteredGroup

	startedAt time.Time
}

// New wires the orchestrator. The queue's process callback is installed here;
// call Run to start the loop.
func New(cfg config.Config, st *store.Store, q *queue.Queue, driver container.Driver, sender Sender, logger logging.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		queue:     q,
		driver:    driver,
		sender:    sender,
		logger:    logging.OrNop(logger),
		metrics:   defaultMetrics(),
		committed: map[string]time.Time{},
		inflight:  map[string]time.Time{},
		byJID:     map[string]store.RegisteredGroup{},
		byFolder:  map[string]store.RegisteredGroup{},
		startedAt: time.Now(),
	}
	o.runContainer = o.runWorkerContainer
	q.SetProcessMessagesFn(o.processGroupMessages)
	// A clean end of turn re-checks the lane for messages that arrived while
	// the container was busy.
	q.SetOnIdle(q.EnqueueMessageCheck)
	return o
}

// SetWatchdog installs the supervisor reconcile hook the loop runs each tick.
func (o *Orchestrator) SetWatchdog(fn func(ctx context.Context) (int, error)) {
	o.watchdog = fn
}

// CursorTimestamp returns the effective cursor for a lane folder. The
// supervisor uses it to tell whether the loop has moved past a queued
// dispatch without spawning.
func (o *Orchestrator) CursorTimestamp(groupFolder string) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.byFolder[groupFolder]
	if !ok {
		return time.Time{}
	}
	cur := o.committed[g.JID]
	if inf, ok := o.inflight[g.JID]; ok && inf.After(cur) {
		cur = inf
	}
	return cur
}

// RefreshGroups reloads the lane registry from the store.
func (o *Orchestrator) RefreshGroups(ctx context.Context) error {
	groups, err := o.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("refresh groups: %w", err)
	}
	o.mu.Lock()
	o.byJID = make(map[string]store.RegisteredGroup, len(groups))
	o.byFolder = make(map[string]store.RegisteredGroup, len(groups))
	for _, g := range groups {
		o.byJID[g.JID] = g
		o.byFolder[g.Folder] = g
	}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) groupByJID(jid string) (store.RegisteredGroup, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.byJID[jid]
	return g, ok
}

func (o *Orchestrator) groupByFolder(folder string) (store.RegisteredGroup, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.byFolder[folder]
	return g, ok
}

func (o *Orchestrator) isWorkerFolder(folder string) bool {
	return strings.HasPrefix(folder, o.cfg.WorkerGroupPrefix)
}

// loadState restores the ingest sequence and per-lane cursors persisted in
// router_state so a restart resumes where the previous process stopped.
func (o *Orchestrator) loadState(ctx context.Context) error {
	raw, err := o.store.GetRouterState(ctx, ingestSeqKey)
	if err != nil {
		return fmt.Errorf("load ingest seq: %w", err)
	}
	if raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt ingest seq %q: %w", raw, err)
		}
		o.lastSeq = seq
	}

	groups, err := o.store.ListGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		val, err := o.store.GetRouterState(ctx, cursorKeyPrefix+g.JID)
		if err != nil {
			return err
		}
		if val == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			o.logger.Warn("corrupt cursor for %s: %q", g.JID, val)
			continue
		}
		o.committed[g.JID] = ts
	}
	return nil
}

// commitCursor durably advances a lane's cursor and clears its in-flight
// candidate.
func (o *Orchestrator) commitCursor(ctx context.Context, chatJID string, ts time.Time) error {
	if err := o.store.SetRouterState(ctx, cursorKeyPrefix+chatJID, ts.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("commit cursor %s: %w", chatJID, err)
	}
	o.mu.Lock()
	if ts.After(o.committed[chatJID]) {
		o.committed[chatJID] = ts
	}
	delete(o.inflight, chatJID)
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) setInflight(chatJID string, ts time.Time) {
	o.mu.Lock()
	o.inflight[chatJID] = ts
	o.mu.Unlock()
}

func (o *Orchestrator) clearInflight(chatJID string) {
	o.mu.Lock()
	delete(o.inflight, chatJID)
	o.mu.Unlock()
}

// effectiveCursor is the read cursor: the committed position, or the
// in-flight candidate when one is ahead of it.
func (o *Orchestrator) effectiveCursor(chatJID string) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.committed[chatJID]
	if inf, ok := o.inflight[chatJID]; ok && inf.After(cur) {
		cur = inf
	}
	return cur
}

// Run executes the poll loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.RefreshGroups(ctx); err != nil {
		return err
	}
	if err := o.loadState(ctx); err != nil {
		return err
	}
	o.logger.Info("message loop started at seq %d across %d lanes", o.lastSeq, len(o.byJID))

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	snapshots := time.NewTicker(snapshotInterval)
	defer snapshots.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-snapshots.C:
			o.writeSnapshots(ctx)
		case <-ticker.C:
			if err := o.tick(ctx); err != nil {
				o.logger.Error("loop tick: %v", err)
			}
		}
	}
}

// tick pulls new messages across all lanes, advances the ingest sequence,
// and hands each lane either the stdin fast path or a queued service pass.
func (o *Orchestrator) tick(ctx context.Context) error {
	if err := o.RefreshGroups(ctx); err != nil {
		return err
	}
	if o.watchdog != nil {
		n, err := o.watchdog(ctx)
		if err != nil {
			o.logger.Warn("watchdog reconcile: %v", err)
		} else if n > 0 {
			o.metrics.addWatchdogFailures(n)
		}
	}

	o.mu.Lock()
	jids := make([]string, 0, len(o.byJID))
	for jid := range o.byJID {
		jids = append(jids, jid)
	}
	lastSeq := o.lastSeq
	o.mu.Unlock()

	msgs, newSeq, err := o.store.GetNewMessages(ctx, jids, lastSeq, o.cfg.AssistantName)
	if err != nil {
		return err
	}
	if newSeq > lastSeq {
		if err := o.store.SetRouterState(ctx, ingestSeqKey, strconv.FormatInt(newSeq, 10)); err != nil {
			return err
		}
		o.mu.Lock()
		o.lastSeq = newSeq
		o.mu.Unlock()
	}

	touched := map[string]bool{}
	for _, m := range msgs {
		g, ok := o.groupByJID(m.ChatJID)
		if !ok {
			continue
		}
		if !o.shouldProcess(g, m) {
			continue
		}
		if touched[m.ChatJID] {
			continue
		}
		// Fast path: pipe into a live container. Worker lanes never pipe;
		// each dispatch gets a fresh container.
		if !o.isWorkerFolder(g.Folder) && o.pipeMessage(ctx, g, m) {
			continue
		}
		touched[m.ChatJID] = true
		o.queue.EnqueueMessageCheck(m.ChatJID)
	}
	return nil
}

// shouldProcess applies the lane trigger policy. Synthetic lane traffic and
// lanes without a trigger requirement always process; otherwise the message
// must mention the assistant or match the lane's pattern.
func (o *Orchestrator) shouldProcess(g store.RegisteredGroup, m store.Message) bool {
	if m.IsBotMessage {
		return false
	}
	if o.isWorkerFolder(g.Folder) {
		return true
	}
	if !g.RequiresTrigger {
		return true
	}
	return o.matchesTrigger(g, m.Content)
}

func (o *Orchestrator) matchesTrigger(g store.RegisteredGroup, content string) bool {
	if g.TriggerPattern != "" {
		re, err := regexp.Compile("(?i)" + g.TriggerPattern)
		if err != nil {
			o.logger.Warn("bad trigger pattern for %s: %v", g.Folder, err)
		} else {
			return re.MatchString(content)
		}
	}
	return strings.Contains(strings.ToLower(content), "@"+strings.ToLower(o.cfg.AssistantName))
}

// pipeMessage delivers a single message into the lane's live container stdin.
// On success the message is marked processed and the cursor advances past it
// immediately; the running agent owns it from here.
func (o *Orchestrator) pipeMessage(ctx context.Context, g store.RegisteredGroup, m store.Message) bool {
	processed, err := o.store.GetProcessedMessageIDs(ctx, m.ChatJID, []string{m.ID})
	if err != nil {
		o.logger.Warn("processed lookup for %s: %v", m.ChatJID, err)
		return false
	}
	if processed[m.ID] {
		return true
	}
	if !o.queue.SendMessage(m.ChatJID, formatMessages([]store.Message{m})) {
		return false
	}
	if err := o.store.MarkMessagesProcessed(ctx, m.ChatJID, []string{m.ID}, ""); err != nil {
		o.logger.Warn("mark piped message processed: %v", err)
	}
	if err := o.commitCursor(ctx, m.ChatJID, m.Timestamp); err != nil {
		o.logger.Warn("%v", err)
	}
	o.logger.Debug("piped message %s into live container for %s", m.ID, g.Folder)
	return true
}
