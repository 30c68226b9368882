package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	require.Error(t, err)
}

func TestIsSafeFolderName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"main", true},
		{"jarvis-worker-1", true},
		{"andy.developer_2", true},
		{"", false},
		{"../evil", false},
		{"has space", false},
		{"UPPER", false},
		{"-leading-dash", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsSafeFolderName(tt.name), "folder %q", tt.name)
	}
}

func TestUpsertGroupRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	g := RegisteredGroup{
		JID:             "worker1@nanoclaw",
		Folder:          "jarvis-worker-1",
		Name:            "Worker One",
		TriggerPattern:  `^!go\b`,
		RequiresTrigger: true,
	}
	require.NoError(t, st.UpsertGroup(ctx, g))

	byJID, err := st.GetGroupByJID(ctx, g.JID)
	require.NoError(t, err)
	require.Equal(t, g.Folder, byJID.Folder)
	require.True(t, byJID.RequiresTrigger)
	require.False(t, byJID.CreatedAt.IsZero())

	byFolder, err := st.GetGroupByFolder(ctx, g.Folder)
	require.NoError(t, err)
	require.Equal(t, g.JID, byFolder.JID)

	// Update through the same JID keeps a single row.
	g.Name = "Renamed"
	require.NoError(t, st.UpsertGroup(ctx, g))
	groups, err := st.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "Renamed", groups[0].Name)

	require.Error(t, st.UpsertGroup(ctx, RegisteredGroup{JID: "x@nanoclaw", Folder: "../escape"}))

	_, err = st.GetGroupByFolder(ctx, "missing")
	require.ErrorIs(t, err, ErrGroupNotFound)
}

func TestRouterStateAndSessions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	val, err := st.GetRouterState(ctx, "last_ingest_seq")
	require.NoError(t, err)
	require.Empty(t, val)

	require.NoError(t, st.SetRouterState(ctx, "last_ingest_seq", "41"))
	require.NoError(t, st.SetRouterState(ctx, "last_ingest_seq", "42"))
	val, err = st.GetRouterState(ctx, "last_ingest_seq")
	require.NoError(t, err)
	require.Equal(t, "42", val)

	require.NoError(t, st.SetSession(ctx, "main", "sess-1"))
	require.NoError(t, st.SetSession(ctx, "main", "sess-2"))
	sess, err := st.GetSession(ctx, "main")
	require.NoError(t, err)
	require.Equal(t, "sess-2", sess)

	sess, err = st.GetSession(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, sess)
}

func TestMessageIngestAndProcessing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	msg := Message{ChatJID: "main@nanoclaw", ID: "m1", Sender: "user@pc", SenderName: "user", Content: "hello"}
	require.NoError(t, st.StoreMessage(ctx, msg))
	// Redelivery of the same (chat, id) is a no-op.
	require.NoError(t, st.StoreMessage(ctx, msg))
	require.NoError(t, st.StoreMessage(ctx, Message{
		ChatJID: "main@nanoclaw", ID: "m2", Sender: "andy@nanoclaw", SenderName: "Andy",
		Content: "reply", IsBotMessage: true,
	}))

	msgs, seq, err := st.GetNewMessages(ctx, []string{"main@nanoclaw"}, 0, "Andy")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "assistant's own messages must be excluded")
	require.Equal(t, "m1", msgs[0].ID)
	require.Greater(t, seq, int64(0))

	// Advancing past the returned sequence yields nothing new.
	again, seq2, err := st.GetNewMessages(ctx, []string{"main@nanoclaw"}, seq, "Andy")
	require.NoError(t, err)
	require.Empty(t, again)
	require.Equal(t, seq, seq2)

	require.NoError(t, st.MarkMessagesProcessed(ctx, "main@nanoclaw", []string{"m1"}, "task-1"))
	processed, err := st.GetProcessedMessageIDs(ctx, "main@nanoclaw", []string{"m1", "m2"})
	require.NoError(t, err)
	require.True(t, processed["m1"])
	require.False(t, processed["m2"])
}

func TestGetMessagesSinceCursor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	early := time.Now().Add(-time.Hour)
	late := time.Now()
	require.NoError(t, st.StoreMessage(ctx, Message{ChatJID: "c", ID: "old", Content: "old", Timestamp: early}))
	require.NoError(t, st.StoreMessage(ctx, Message{ChatJID: "c", ID: "new", Content: "new", Timestamp: late}))

	msgs, err := st.GetMessagesSince(ctx, "c", early, "Andy")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "new", msgs[0].ID)
}

func TestGetMessagesSinceFractionOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// A cursor whose fraction is a prefix of a later message's fraction
	// (.1 vs .12) must still see that message; the stored text has to be
	// order-preserving.
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	m1 := base.Add(100 * time.Millisecond)
	m2 := base.Add(120 * time.Millisecond)
	require.NoError(t, st.StoreMessage(ctx, Message{ChatJID: "c", ID: "m1", Content: "first", Timestamp: m1}))
	require.NoError(t, st.StoreMessage(ctx, Message{ChatJID: "c", ID: "m2", Content: "second", Timestamp: m2}))

	msgs, err := st.GetMessagesSince(ctx, "c", m1, "Andy")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m2", msgs[0].ID)
}

func TestInsertWorkerRunOutcomes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	meta := RunMetadata{DispatchRepo: "acme/site", DispatchBranch: "jarvis-fix-1", ContextIntent: "fresh"}

	outcome, err := st.InsertWorkerRun(ctx, "task-1", "jarvis-worker-1", meta)
	require.NoError(t, err)
	require.Equal(t, OutcomeNew, outcome)

	outcome, err = st.InsertWorkerRun(ctx, "task-1", "jarvis-worker-1", meta)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)

	require.NoError(t, st.CompleteWorkerRun(ctx, "task-1", RunFailed, "boom", &FailureDetails{Reason: "stale_worker_run_watchdog"}))

	outcome, err = st.InsertWorkerRun(ctx, "task-1", "jarvis-worker-1", meta)
	require.NoError(t, err)
	require.Equal(t, OutcomeRetry, outcome)

	run, err := st.GetWorkerRun(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, RunQueued, run.Status)
	require.Equal(t, PhaseQueued, run.Phase)
	require.Equal(t, 1, run.RetryCount)
	require.Nil(t, run.CompletedAt)
	require.Nil(t, run.LeaseExpiresAt)
	require.Empty(t, run.ErrorDetails)
}

func TestCompleteWorkerRunRejectsNonTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.InsertWorkerRun(ctx, "task-1", "jarvis-worker-1", RunMetadata{})
	require.NoError(t, err)

	require.Error(t, st.CompleteWorkerRun(ctx, "task-1", RunRunning, "", nil))
	require.NoError(t, st.CompleteWorkerRun(ctx, "task-1", RunReviewRequested, "done", nil))

	run, err := st.GetWorkerRun(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, RunReviewRequested, run.Status)
	require.Equal(t, PhaseTerminal, run.Phase)
	require.NotNil(t, run.CompletedAt)
}

func TestLifecycleUpdatePartialColumns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.InsertWorkerRun(ctx, "task-1", "jarvis-worker-1", RunMetadata{})
	require.NoError(t, err)

	now := time.Now()
	name := "nanoclaw-jarvis-worker-1-123"
	phase := PhaseActive
	require.NoError(t, st.UpdateWorkerRunLifecycle(ctx, "task-1", LifecycleUpdate{
		Phase:               &phase,
		LastHeartbeatAt:     &now,
		ActiveContainerName: &name,
		NoContainerSince:    &now,
	}))

	run, err := st.GetWorkerRun(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, PhaseActive, run.Phase)
	require.Equal(t, name, run.ActiveContainerName)
	require.NotNil(t, run.NoContainerSince)

	require.NoError(t, st.UpdateWorkerRunLifecycle(ctx, "task-1", LifecycleUpdate{ClearNoContainerSince: true}))
	run, err = st.GetWorkerRun(ctx, "task-1")
	require.NoError(t, err)
	require.Nil(t, run.NoContainerSince)
	require.Equal(t, name, run.ActiveContainerName, "untouched columns must survive partial updates")

	require.ErrorIs(t, st.UpdateWorkerRunLifecycle(ctx, "missing", LifecycleUpdate{Phase: &phase}), ErrRunNotFound)
}

func TestRecoverWorkerRunForCompletionAccept(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.InsertWorkerRun(ctx, "task-1", "jarvis-worker-1", RunMetadata{})
	require.NoError(t, err)
	require.NoError(t, st.CompleteWorkerRun(ctx, "task-1", RunFailed, "watchdog: running_without_container",
		&FailureDetails{Reason: "running_without_container"}))

	recovered, err := st.RecoverWorkerRunForCompletionAccept(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, recovered)

	run, err := st.GetWorkerRun(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, RunRunning, run.Status)
	require.Nil(t, run.CompletedAt)
	require.Equal(t, "running_without_container", run.RecoveredFromReason)

	// Failures outside the whitelist stay terminal.
	_, err = st.InsertWorkerRun(ctx, "task-2", "jarvis-worker-1", RunMetadata{})
	require.NoError(t, err)
	require.NoError(t, st.CompleteWorkerRun(ctx, "task-2", RunFailedContract, "contract",
		&FailureDetails{Reason: "completion_contract_violation"}))
	recovered, err = st.RecoverWorkerRunForCompletionAccept(ctx, "task-2")
	require.NoError(t, err)
	require.False(t, recovered)

	_, err = st.RecoverWorkerRunForCompletionAccept(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestLatestReusableSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	meta := RunMetadata{DispatchRepo: "acme/site", DispatchBranch: "jarvis-fix-1"}

	_, err := st.InsertWorkerRun(ctx, "task-1", "jarvis-worker-1", meta)
	require.NoError(t, err)
	s1 := "sess-1"
	require.NoError(t, st.UpdateWorkerRunLifecycle(ctx, "task-1", LifecycleUpdate{EffectiveSessionID: &s1}))

	time.Sleep(5 * time.Millisecond)
	_, err = st.InsertWorkerRun(ctx, "task-2", "jarvis-worker-1", meta)
	require.NoError(t, err)
	s2 := "sess-2"
	require.NoError(t, st.UpdateWorkerRunLifecycle(ctx, "task-2", LifecycleUpdate{EffectiveSessionID: &s2}))

	got, err := st.GetLatestReusableWorkerSession(ctx, "jarvis-worker-1", "acme/site", "jarvis-fix-1")
	require.NoError(t, err)
	require.Equal(t, "sess-2", got)

	got, err = st.GetLatestReusableWorkerSession(ctx, "jarvis-worker-1", "acme/site", "jarvis-other")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCompletionArtifactsRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.InsertWorkerRun(ctx, "task-1", "jarvis-worker-1", RunMetadata{})
	require.NoError(t, err)

	require.NoError(t, st.UpdateWorkerRunCompletion(ctx, "task-1", CompletionArtifacts{
		BranchName:   "jarvis-fix-1",
		CommitSHA:    "0123456789abcdef0123456789abcdef01234567",
		FilesChanged: []string{"a.go", "b.go"},
		TestSummary:  "pass",
		RiskSummary:  "low",
		PRURL:        "https://github.com/acme/site/pull/7",
		SessionID:    "sess-1",
	}))

	run, err := st.GetWorkerRun(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, []string{"a.go", "b.go"}, run.FilesChanged)
	require.Equal(t, "sess-1", run.EffectiveSessionID)

	// An empty session in later artifacts must not clobber the stored one.
	require.NoError(t, st.UpdateWorkerRunCompletion(ctx, "task-1", CompletionArtifacts{BranchName: "jarvis-fix-1"}))
	run, err = st.GetWorkerRun(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", run.EffectiveSessionID)
}

func TestListActiveWorkerRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"task-1", "task-2", "task-3"} {
		_, err := st.InsertWorkerRun(ctx, id, "jarvis-worker-1", RunMetadata{})
		require.NoError(t, err)
	}
	require.NoError(t, st.UpdateWorkerRunStatus(ctx, "task-2", RunRunning))
	require.NoError(t, st.CompleteWorkerRun(ctx, "task-3", RunDone, "done", nil))

	active, err := st.ListActiveWorkerRuns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	for _, r := range active {
		require.True(t, r.Status == RunQueued || r.Status == RunRunning)
	}
}
