package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nanoclaw/internal/config"
	"nanoclaw/internal/container"
	"nanoclaw/internal/dispatch"
	"nanoclaw/internal/queue"
	"nanoclaw/internal/store"
)

const (
	mainJID    = "main@nanoclaw"
	plannerJID = "planner@nanoclaw"
	workerJID  = "worker1@nanoclaw"

	fullSHA = "0123456789abcdef0123456789abcdef01234567"
)

const workerDispatch = `{"run_id":"task-500","task_type":"fix","context_intent":"fresh",` +
	`"input":"fix the login bug","repo":"acme/site","branch":"jarvis-fix-1",` +
	`"acceptance_tests":["go test ./..."],` +
	`"output_contract":{"required_fields":["run_id","branch","commit_sha","files_changed","test_result","risk","pr_url"]}}`

const continueDispatch = `{"run_id":"task-501","task_type":"fix","context_intent":"continue",` +
	`"input":"follow up on the login bug","repo":"acme/site","branch":"jarvis-fix-1",` +
	`"acceptance_tests":["go test ./..."],` +
	`"output_contract":{"required_fields":["run_id","branch","commit_sha","files_changed","test_result","risk","pr_url","session_id"]}}`

type fakeSender struct {
	mu   sync.Mutex
	sent []string // "chatJID|text"
}

func (f *fakeSender) SendMessage(_ context.Context, chatJID, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, chatJID+"|"+text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// stubDriver fails every spawn with a fixed error.
type stubDriver struct {
	err error
}

func (d *stubDriver) Spawn(context.Context, container.SpawnSpec, func(container.Output), func(string)) (*container.Process, error) {
	return nil, d.err
}

func (d *stubDriver) HasRunningContainerWithPrefix(context.Context, string) (bool, error) {
	return false, nil
}

func (d *stubDriver) CleanupOrphans(context.Context) error { return nil }

func (d *stubDriver) EnsureRuntimeRunning(context.Context) error { return nil }

func newTestOrch(t *testing.T, driver container.Driver) (*Orchestrator, *store.Store, *fakeSender) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	groups := []store.RegisteredGroup{
		{JID: mainJID, Folder: "main", Name: "Main"},
		{JID: plannerJID, Folder: "andy-developer", Name: "Planner"},
		{JID: workerJID, Folder: "jarvis-worker-1", Name: "Worker One"},
	}
	for _, g := range groups {
		if err := st.UpsertGroup(ctx, g); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.Config{
		AssistantName:            "Andy",
		MainGroupFolder:          "main",
		PlannerGroupFolder:       "andy-developer",
		WorkerGroupPrefix:        "jarvis-worker-",
		ContainerImage:           "agent:test",
		ContainerNamePrefix:      "nanoclaw-",
		PollInterval:             time.Second,
		IPCPollInterval:          time.Second,
		MaxConcurrentContainers:  2,
		HardTimeout:              5 * time.Second,
		IdleOutputTimeout:        2 * time.Second,
		NoContainerGrace:         time.Second,
		QueuedCursorGrace:        time.Second,
		RepairHandoffGrace:       time.Second,
		LeaseTTL:                 time.Minute,
		RestartSuppressionWindow: time.Minute,
		ShutdownDrainTimeout:     time.Second,
		IPCRoot:                  t.TempDir(),
	}

	sender := &fakeSender{}
	o := New(cfg, st, queue.New(2, cfg.WorkerGroupPrefix, nil), driver, sender, nil)
	if err := o.RefreshGroups(ctx); err != nil {
		t.Fatal(err)
	}
	return o, st, sender
}

func storeMsg(t *testing.T, st *store.Store, chatJID, id, content string) store.Message {
	t.Helper()
	m := store.Message{
		ChatJID:    chatJID,
		ID:         id,
		Sender:     "planner@nanoclaw",
		SenderName: "andy-developer",
		Content:    content,
		Timestamp:  time.Now(),
	}
	if err := st.StoreMessage(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestGreetingShortCircuit(t *testing.T) {
	o, st, sender := newTestOrch(t, &stubDriver{err: errors.New("no runtime")})
	ctx := context.Background()
	storeMsg(t, st, plannerJID, "m1", "hi")

	o.processGroupMessages(ctx, plannerJID)

	sent := sender.all()
	if len(sent) != 1 || !strings.Contains(sent[0], "Andy here") {
		t.Fatalf("sent = %v", sent)
	}
	processed, err := st.GetProcessedMessageIDs(ctx, plannerJID, []string{"m1"})
	if err != nil {
		t.Fatal(err)
	}
	if !processed["m1"] {
		t.Fatal("greeting not marked processed")
	}
	if o.effectiveCursor(plannerJID).IsZero() {
		t.Fatal("cursor not committed past greeting")
	}
}

func TestWorkerSpawnFailureFailsRun(t *testing.T) {
	o, st, sender := newTestOrch(t, &stubDriver{err: errors.New("docker daemon down")})
	ctx := context.Background()
	storeMsg(t, st, workerJID, "m1", workerDispatch)

	o.processGroupMessages(ctx, workerJID)

	run, err := st.GetWorkerRun(ctx, "task-500")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunFailed {
		t.Fatalf("status = %s, want %s", run.Status, store.RunFailed)
	}
	if got := run.FailureReason(); got != "container_spawn_failed_before_running" {
		t.Fatalf("failure reason = %q", got)
	}

	var plannerNotified bool
	for _, s := range sender.all() {
		if strings.HasPrefix(s, plannerJID+"|") && strings.Contains(s, "task-500") {
			plannerNotified = true
		}
	}
	if !plannerNotified {
		t.Fatal("planner not notified of the failure")
	}
}

func TestWorkerMissingReusableSession(t *testing.T) {
	o, st, _ := newTestOrch(t, &stubDriver{err: errors.New("unreachable")})
	ctx := context.Background()
	storeMsg(t, st, workerJID, "m1", continueDispatch)

	o.processGroupMessages(ctx, workerJID)

	run, err := st.GetWorkerRun(ctx, "task-501")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunFailedContract {
		t.Fatalf("status = %s, want %s", run.Status, store.RunFailedContract)
	}
	if got := run.FailureReason(); got != "missing_reusable_session" {
		t.Fatalf("failure reason = %q", got)
	}
}

func TestWorkerRedeliveryDropped(t *testing.T) {
	o, st, _ := newTestOrch(t, &stubDriver{err: errors.New("unreachable")})
	ctx := context.Background()

	if _, err := st.InsertWorkerRun(ctx, "task-500", "jarvis-worker-1", store.RunMetadata{
		DispatchRepo: "acme/site", DispatchBranch: "jarvis-fix-1", ContextIntent: "fresh",
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateWorkerRunStatus(ctx, "task-500", store.RunRunning); err != nil {
		t.Fatal(err)
	}
	storeMsg(t, st, workerJID, "m1", workerDispatch)

	o.processGroupMessages(ctx, workerJID)

	run, err := st.GetWorkerRun(ctx, "task-500")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunRunning {
		t.Fatalf("redelivery changed status to %s", run.Status)
	}
	processed, err := st.GetProcessedMessageIDs(ctx, workerJID, []string{"m1"})
	if err != nil {
		t.Fatal(err)
	}
	if !processed["m1"] {
		t.Fatal("redelivered dispatch not marked processed")
	}
}

func TestSelectSession(t *testing.T) {
	o, st, _ := newTestOrch(t, &stubDriver{})
	ctx := context.Background()

	// Seed a prior run holding a session for auto selection.
	if _, err := st.InsertWorkerRun(ctx, "task-1", "jarvis-worker-1", store.RunMetadata{
		DispatchRepo: "acme/site", DispatchBranch: "jarvis-fix-1",
	}); err != nil {
		t.Fatal(err)
	}
	sess := "sess-9"
	if err := st.UpdateWorkerRunLifecycle(ctx, "task-1", store.LifecycleUpdate{EffectiveSessionID: &sess}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		env         dispatch.Envelope
		wantSess    string
		wantSource  string
		wantMissing bool
	}{
		{
			name:       "fresh intent gets new session",
			env:        dispatch.Envelope{ContextIntent: dispatch.IntentFresh},
			wantSource: store.SessionSourceNew,
		},
		{
			name:       "explicit session wins",
			env:        dispatch.Envelope{ContextIntent: dispatch.IntentContinue, SessionID: "sess-42"},
			wantSess:   "sess-42",
			wantSource: store.SessionSourceExplicit,
		},
		{
			name:       "auto repo branch lookup",
			env:        dispatch.Envelope{ContextIntent: dispatch.IntentContinue, Repo: "acme/site", Branch: "jarvis-fix-1"},
			wantSess:   "sess-9",
			wantSource: store.SessionSourceAutoRepoBranch,
		},
		{
			name:        "no prior session is a contract miss",
			env:         dispatch.Envelope{ContextIntent: dispatch.IntentContinue, Repo: "acme/other", Branch: "jarvis-x"},
			wantMissing: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSess, gotSource, err := o.selectSession(ctx, "jarvis-worker-1", &tt.env)
			if tt.wantMissing {
				if !errors.Is(err, errNoReusableSession) {
					t.Fatalf("err = %v, want errNoReusableSession", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if gotSess != tt.wantSess || gotSource != tt.wantSource {
				t.Fatalf("got (%q, %q), want (%q, %q)", gotSess, gotSource, tt.wantSess, tt.wantSource)
			}
		})
	}
}

func validTranscript() string {
	return "work log line\n<completion>\n" +
		`{"run_id":"task-500","branch":"jarvis-fix-1","commit_sha":"` + fullSHA + `",` +
		`"files_changed":["auth/login.go"],"test_result":"go test ./... pass",` +
		`"risk":"low","pr_url":"https://github.com/acme/site/pull/7"}` +
		"\n</completion>"
}

func workerExpectations() dispatch.Expectations {
	return dispatch.Expectations{
		RunID:  "task-500",
		Branch: "jarvis-fix-1",
		RequiredFields: []string{
			"run_id", "branch", "commit_sha", "files_changed", "test_result", "risk", "pr_url",
		},
	}
}

func TestValidateTranscript(t *testing.T) {
	comp, problems := validateTranscript(validTranscript(), workerExpectations())
	if comp == nil || len(problems) != 0 {
		t.Fatalf("comp = %v, problems = %v", comp, problems)
	}
	if comp.CommitSHA != fullSHA {
		t.Fatalf("commit_sha = %q", comp.CommitSHA)
	}

	if _, problems := validateTranscript("just chatter, no block", workerExpectations()); len(problems) == 0 {
		t.Fatal("transcript without completion must report problems")
	}
}

func TestAcceptCompletionPersistsArtifacts(t *testing.T) {
	o, st, sender := newTestOrch(t, &stubDriver{})
	ctx := context.Background()

	if _, err := st.InsertWorkerRun(ctx, "task-500", "jarvis-worker-1", store.RunMetadata{
		DispatchRepo: "acme/site", DispatchBranch: "jarvis-fix-1",
	}); err != nil {
		t.Fatal(err)
	}
	env, err := dispatch.ParseEnvelope(workerDispatch)
	if err != nil {
		t.Fatal(err)
	}
	comp, problems := validateTranscript(validTranscript(), workerExpectations())
	if len(problems) != 0 {
		t.Fatalf("problems = %v", problems)
	}
	g, _ := o.groupByFolder("jarvis-worker-1")

	o.acceptCompletion(ctx, g, env, comp, time.Now())

	run, err := st.GetWorkerRun(ctx, "task-500")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunReviewRequested {
		t.Fatalf("status = %s, want %s", run.Status, store.RunReviewRequested)
	}
	if run.CommitSHA != fullSHA || run.PRURL == "" {
		t.Fatalf("artifacts not persisted: %+v", run)
	}

	var notified bool
	for _, s := range sender.all() {
		if strings.HasPrefix(s, plannerJID+"|") && strings.Contains(s, "task-500") {
			notified = true
		}
	}
	if !notified {
		t.Fatal("planner did not get the completion summary")
	}
}

func TestShouldProcessTriggerPolicy(t *testing.T) {
	o, _, _ := newTestOrch(t, &stubDriver{})

	triggered := store.RegisteredGroup{JID: mainJID, Folder: "main", RequiresTrigger: true}
	open := store.RegisteredGroup{JID: plannerJID, Folder: "andy-developer"}
	worker := store.RegisteredGroup{JID: workerJID, Folder: "jarvis-worker-1", RequiresTrigger: true}

	tests := []struct {
		name  string
		group store.RegisteredGroup
		msg   store.Message
		want  bool
	}{
		{"mention matches trigger", triggered, store.Message{Content: "@Andy deploy please"}, true},
		{"case insensitive mention", triggered, store.Message{Content: "hey @andy look"}, true},
		{"no mention skipped", triggered, store.Message{Content: "random chat"}, false},
		{"bot messages never process", open, store.Message{Content: "@Andy hi", IsBotMessage: true}, false},
		{"open lane takes everything", open, store.Message{Content: "anything"}, true},
		{"worker lane ignores trigger policy", worker, store.Message{Content: "raw dispatch"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := o.shouldProcess(tt.group, tt.msg); got != tt.want {
				t.Fatalf("shouldProcess = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCustomTriggerPattern(t *testing.T) {
	o, _, _ := newTestOrch(t, &stubDriver{})
	g := store.RegisteredGroup{JID: mainJID, Folder: "main", RequiresTrigger: true, TriggerPattern: `^!task\b`}

	if !o.shouldProcess(g, store.Message{Content: "!task ship it"}) {
		t.Fatal("pattern match rejected")
	}
	if o.shouldProcess(g, store.Message{Content: "please !task later"}) {
		t.Fatal("anchored pattern matched mid-message")
	}
}

func TestCursorPersistence(t *testing.T) {
	o, st, _ := newTestOrch(t, &stubDriver{})
	ctx := context.Background()

	ts := time.Now().Add(-time.Minute)
	if err := o.commitCursor(ctx, plannerJID, ts); err != nil {
		t.Fatal(err)
	}

	o2 := New(o.cfg, st, queue.New(1, o.cfg.WorkerGroupPrefix, nil), &stubDriver{}, &fakeSender{}, nil)
	if err := o2.RefreshGroups(ctx); err != nil {
		t.Fatal(err)
	}
	if err := o2.loadState(ctx); err != nil {
		t.Fatal(err)
	}
	if got := o2.effectiveCursor(plannerJID); !got.Equal(ts) {
		t.Fatalf("restored cursor = %v, want %v", got, ts)
	}
}

func TestInflightCursorAdvancesReads(t *testing.T) {
	o, _, _ := newTestOrch(t, &stubDriver{})

	committed := time.Now().Add(-time.Hour)
	inflight := time.Now()
	o.mu.Lock()
	o.committed[mainJID] = committed
	o.mu.Unlock()
	o.setInflight(mainJID, inflight)

	if got := o.effectiveCursor(mainJID); !got.Equal(inflight) {
		t.Fatalf("effective cursor = %v, want inflight %v", got, inflight)
	}
	o.clearInflight(mainJID)
	if got := o.effectiveCursor(mainJID); !got.Equal(committed) {
		t.Fatalf("effective cursor = %v, want committed %v", got, committed)
	}
}

func TestSnapshotsWritten(t *testing.T) {
	o, st, _ := newTestOrch(t, &stubDriver{})
	ctx := context.Background()

	if _, err := st.InsertWorkerRun(ctx, "task-9", "jarvis-worker-1", store.RunMetadata{}); err != nil {
		t.Fatal(err)
	}
	o.writeSnapshots(ctx)

	for _, name := range []string{"available_groups.json", "worker_runs.json", "tasks.json"} {
		path := filepath.Join(o.cfg.SnapshotDir("jarvis-worker-1"), name)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("snapshot %s missing: %v", name, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(o.cfg.SnapshotDir("jarvis-worker-1"), "worker_runs.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "task-9") {
		t.Fatal("worker run snapshot missing the lane's run")
	}
}

func TestSanitizeOutbound(t *testing.T) {
	if got := sanitizeOutbound(workerDispatch); !strings.Contains(got, "Dispatched task-500 (fix)") {
		t.Fatalf("dispatch echo not rewritten: %q", got)
	}
	plain := "the fix is ready for review"
	if got := sanitizeOutbound(plain); got != plain {
		t.Fatalf("plain text altered: %q", got)
	}
}

func TestStripInternal(t *testing.T) {
	in := "before <internal>secret planning</internal> after"
	if got := stripInternal(in); got != "before  after" {
		t.Fatalf("stripInternal = %q", got)
	}
}

func TestIsSimpleGreeting(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"hi", true},
		{"Hello!", true},
		{"@Andy hey", true},
		{"good morning Andy", true},
		{"thanks", true},
		{"hi, can you fix the build?", false},
		{"deploy now", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isSimpleGreeting(tt.text, "Andy"); got != tt.want {
			t.Errorf("isSimpleGreeting(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestBuildDispatchPrompt(t *testing.T) {
	env, err := dispatch.ParseEnvelope(workerDispatch)
	if err != nil {
		t.Fatal(err)
	}
	prompt := buildDispatchPrompt(env)
	for _, want := range []string{"task-500", "acme/site", "jarvis-fix-1", "go test ./...", "commit_sha", "<completion>"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

// stubRunContainer replaces the container seam with canned results, one per
// call, and counts invocations.
func stubRunContainer(t *testing.T, o *Orchestrator, calls *int, results []*workerResult, errs []error) {
	t.Helper()
	o.runContainer = func(_ context.Context, _ store.RegisteredGroup, _, _, _ string, _ store.RunPhase) (*workerResult, error) {
		i := *calls
		*calls++
		if i >= len(results) {
			t.Fatalf("unexpected container run #%d", i+1)
		}
		return results[i], errs[i]
	}
}

func TestWorkerDirtyExitFailsWithoutRepair(t *testing.T) {
	o, st, _ := newTestOrch(t, &stubDriver{})
	ctx := context.Background()
	storeMsg(t, st, workerJID, "m1", workerDispatch)

	calls := 0
	stubRunContainer(t, o, &calls,
		[]*workerResult{{transcript: "partial log, no block"}},
		[]error{errors.New("container nanoclaw-jarvis-worker-1-1 exceeded hard timeout 5s")})

	o.processGroupMessages(ctx, workerJID)

	if calls != 1 {
		t.Fatalf("container runs = %d, want 1 (dirty exits must not earn a repair)", calls)
	}
	run, err := st.GetWorkerRun(ctx, "task-500")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunFailed {
		t.Fatalf("status = %s, want %s", run.Status, store.RunFailed)
	}
	if got := run.FailureReason(); got != "container_exited_dirty" {
		t.Fatalf("failure reason = %q", got)
	}
}

func TestWorkerDirtyExitWithValidCompletionStillLands(t *testing.T) {
	o, st, _ := newTestOrch(t, &stubDriver{})
	ctx := context.Background()
	storeMsg(t, st, workerJID, "m1", workerDispatch)

	calls := 0
	stubRunContainer(t, o, &calls,
		[]*workerResult{{transcript: validTranscript()}},
		[]error{errors.New("container killed mid-flush")})

	o.processGroupMessages(ctx, workerJID)

	run, err := st.GetWorkerRun(ctx, "task-500")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunReviewRequested {
		t.Fatalf("status = %s, want %s", run.Status, store.RunReviewRequested)
	}
}

func TestWorkerCleanExitInvalidCompletionRepairs(t *testing.T) {
	o, st, _ := newTestOrch(t, &stubDriver{})
	ctx := context.Background()
	storeMsg(t, st, workerJID, "m1", workerDispatch)

	calls := 0
	stubRunContainer(t, o, &calls,
		[]*workerResult{{transcript: "chatter without a block"}, {transcript: validTranscript()}},
		[]error{nil, nil})

	o.processGroupMessages(ctx, workerJID)

	if calls != 2 {
		t.Fatalf("container runs = %d, want 2 (one repair after a clean exit)", calls)
	}
	run, err := st.GetWorkerRun(ctx, "task-500")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunReviewRequested {
		t.Fatalf("status = %s, want %s", run.Status, store.RunReviewRequested)
	}
}

func TestDirtyExitDetail(t *testing.T) {
	err := errors.New("idle for 2s")
	if got := dirtyExitDetail(err, ""); got != "idle for 2s" {
		t.Fatalf("detail = %q", got)
	}
	long := strings.Repeat("x", 600) + "TAIL"
	got := dirtyExitDetail(err, long)
	if !strings.HasSuffix(got, "TAIL") || len(got) > 600 {
		t.Fatalf("detail not compacted: %d bytes", len(got))
	}
}

func TestTickRunsWatchdog(t *testing.T) {
	o, _, _ := newTestOrch(t, &stubDriver{})
	ctx := context.Background()

	invoked := 0
	o.SetWatchdog(func(context.Context) (int, error) {
		invoked++
		return 1, nil
	})

	if err := o.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if err := o.tick(ctx); err != nil {
		t.Fatal(err)
	}
	if invoked != 2 {
		t.Fatalf("watchdog ran %d times, want once per tick", invoked)
	}
}

type fakeAgentProc struct {
	mu          sync.Mutex
	done        chan struct{}
	stdinClosed bool
	killed      bool
	exitOnClose bool
}

func newFakeAgentProc(exitOnClose bool) *fakeAgentProc {
	return &fakeAgentProc{done: make(chan struct{}), exitOnClose: exitOnClose}
}

func (p *fakeAgentProc) Done() <-chan struct{} { return p.done }

func (p *fakeAgentProc) Wait() error { return nil }

func (p *fakeAgentProc) Name() string { return "nanoclaw-test-1" }

func (p *fakeAgentProc) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stdinClosed = true
	if p.exitOnClose {
		close(p.done)
	}
	return nil
}

func (p *fakeAgentProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func TestWaitForExitIdleClosesStdinBeforeKill(t *testing.T) {
	o, _, _ := newTestOrch(t, &stubDriver{})
	o.cfg.IdleOutputTimeout = 100 * time.Millisecond
	start := time.Now()
	lastEvent := func() time.Time { return start }

	// A container that winds down when its stdin closes exits cleanly.
	polite := newFakeAgentProc(true)
	if err := o.waitForExit(context.Background(), polite, lastEvent); err != nil {
		t.Fatalf("polite wind-down returned error: %v", err)
	}
	if !polite.stdinClosed || polite.killed {
		t.Fatalf("polite proc: closed=%v killed=%v", polite.stdinClosed, polite.killed)
	}

	// One that ignores the closed pipe gets killed one idle window later.
	stubborn := newFakeAgentProc(false)
	err := o.waitForExit(context.Background(), stubborn, lastEvent)
	if err == nil {
		t.Fatal("stubborn proc must surface an error")
	}
	if !stubborn.stdinClosed || !stubborn.killed {
		t.Fatalf("stubborn proc: closed=%v killed=%v", stubborn.stdinClosed, stubborn.killed)
	}
}

func TestSummarizeCompletion(t *testing.T) {
	files := []string{"a.go", "b.go"}
	c := &dispatch.Completion{
		RunID: "task-500", Branch: "jarvis-fix-1", CommitSHA: fullSHA,
		FilesChanged: &files, TestResult: "pass", Risk: "low",
		PRSkippedReason: "docs only",
	}
	got := summarizeCompletion(c)
	for _, want := range []string{"task-500", "jarvis-fix-1", fullSHA[:10], "2 files", "PR skipped: docs only"} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q: %s", want, got)
		}
	}
}
