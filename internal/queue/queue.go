// Package queue serializes container work per lane while letting distinct
// lanes run in parallel up to a global concurrency cap.
package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"nanoclaw/internal/logging"
)

// ContainerProcess is the slice of a running container the queue controls.
type ContainerProcess interface {
	SendInput(text string) error
	CloseStdin() error
	Kill() error
}

// ProcessMessagesFn is invoked when a lane reaches the head of the queue.
type ProcessMessagesFn func(ctx context.Context, chatJID string)

type registration struct {
	proc          ContainerProcess
	containerName string
	groupFolder   string
	registeredAt  time.Time
	idleAt        time.Time
}

// Queue holds one pending-work token per lane plus at most one active
// container registration per lane.
type Queue struct {
	mu       sync.Mutex
	pending  map[string]bool
	order    []string
	serving  map[string]bool
	active   map[string]*registration
	draining bool

	sem          *semaphore.Weighted
	processFn    ProcessMessagesFn
	workerPrefix string
	onIdle       func(chatJID string)
	wake         chan struct{}
	logger       logging.Logger

	wg sync.WaitGroup
}

// New builds a queue allowing maxConcurrent simultaneous lane services.
// workerPrefix identifies worker lane folders, which never accept stdin
// piping.
func New(maxConcurrent int64, workerPrefix string, logger logging.Logger) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		pending:      map[string]bool{},
		serving:      map[string]bool{},
		active:       map[string]*registration{},
		sem:          semaphore.NewWeighted(maxConcurrent),
		workerPrefix: workerPrefix,
		wake:         make(chan struct{}, 1),
		logger:       logging.OrNop(logger),
	}
}

// SetProcessMessagesFn installs the lane service callback. Must be called
// before Run.
func (q *Queue) SetProcessMessagesFn(fn ProcessMessagesFn) {
	q.mu.Lock()
	q.processFn = fn
	q.mu.Unlock()
}

// SetOnIdle installs an optional callback fired when a lane's container
// reports a clean end of turn.
func (q *Queue) SetOnIdle(fn func(chatJID string)) {
	q.mu.Lock()
	q.onIdle = fn
	q.mu.Unlock()
}

// EnqueueMessageCheck schedules a service pass for the lane. Repeated calls
// while a pass is pending coalesce into one.
func (q *Queue) EnqueueMessageCheck(chatJID string) {
	q.mu.Lock()
	if !q.draining && !q.pending[chatJID] {
		q.pending[chatJID] = true
		q.order = append(q.order, chatJID)
	}
	q.mu.Unlock()
	q.kick()
}

// SendMessage pipes text into the lane's live container stdin and reports
// whether it succeeded. Worker lanes always get false: each dispatch runs in
// a fresh container, never a reused one.
func (q *Queue) SendMessage(chatJID, text string) bool {
	q.mu.Lock()
	reg := q.active[chatJID]
	if reg == nil || q.isWorkerFolder(reg.groupFolder) {
		q.mu.Unlock()
		return false
	}
	proc := reg.proc
	q.mu.Unlock()

	if err := proc.SendInput(text); err != nil {
		q.logger.Warn("stdin pipe to %s failed: %v", chatJID, err)
		return false
	}
	return true
}

func (q *Queue) isWorkerFolder(folder string) bool {
	return q.workerPrefix != "" && strings.HasPrefix(folder, q.workerPrefix)
}

// RegisterProcess binds a freshly spawned container to the lane.
func (q *Queue) RegisterProcess(chatJID string, proc ContainerProcess, containerName, groupFolder string) {
	q.mu.Lock()
	q.active[chatJID] = &registration{
		proc:          proc,
		containerName: containerName,
		groupFolder:   groupFolder,
		registeredAt:  time.Now(),
	}
	q.mu.Unlock()
}

// UnregisterProcess drops the lane's active registration after the container
// exits.
func (q *Queue) UnregisterProcess(chatJID string) {
	q.mu.Lock()
	delete(q.active, chatJID)
	q.mu.Unlock()
}

// NotifyIdle records a clean end-of-turn signal from the lane's container.
func (q *Queue) NotifyIdle(chatJID string) {
	q.mu.Lock()
	reg := q.active[chatJID]
	if reg != nil {
		reg.idleAt = time.Now()
	}
	fn := q.onIdle
	q.mu.Unlock()
	if fn != nil {
		fn(chatJID)
	}
}

// Run serves pending lanes until ctx is cancelled. Each lane is serviced by
// at most one goroutine at a time; distinct lanes run concurrently up to the
// semaphore cap.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
		for {
			chatJID, ok := q.takeNext()
			if !ok {
				break
			}
			if err := q.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			q.wg.Add(1)
			go q.serve(ctx, chatJID)
		}
	}
}

// takeNext pops the first pending lane that is not already being served.
func (q *Queue) takeNext() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processFn == nil {
		return "", false
	}
	for i, chatJID := range q.order {
		if q.serving[chatJID] {
			continue
		}
		q.order = append(q.order[:i:i], q.order[i+1:]...)
		delete(q.pending, chatJID)
		q.serving[chatJID] = true
		return chatJID, true
	}
	return "", false
}

func (q *Queue) serve(ctx context.Context, chatJID string) {
	defer q.wg.Done()
	defer q.sem.Release(1)

	q.mu.Lock()
	fn := q.processFn
	q.mu.Unlock()
	fn(ctx, chatJID)

	q.mu.Lock()
	delete(q.serving, chatJID)
	requeued := q.pending[chatJID]
	q.mu.Unlock()
	if requeued {
		q.kick()
	}
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Shutdown closes every active stdin, waits up to timeout for containers to
// unregister, then force-kills the rest. New enqueues are refused once a
// drain starts.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	q.draining = true
	q.pending = map[string]bool{}
	q.order = nil
	regs := make(map[string]*registration, len(q.active))
	for jid, reg := range q.active {
		regs[jid] = reg
	}
	q.mu.Unlock()

	for jid, reg := range regs {
		if err := reg.proc.CloseStdin(); err != nil {
			q.logger.Debug("drain close stdin %s: %v", jid, err)
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		remaining := len(q.active)
		q.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	q.mu.Lock()
	leftover := make(map[string]*registration, len(q.active))
	for jid, reg := range q.active {
		leftover[jid] = reg
	}
	q.mu.Unlock()
	for jid, reg := range leftover {
		q.logger.Warn("force killing container %s for %s after drain timeout", reg.containerName, jid)
		if err := reg.proc.Kill(); err != nil {
			q.logger.Error("kill %s: %v", reg.containerName, err)
		}
		q.UnregisterProcess(jid)
	}
}
