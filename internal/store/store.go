package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"nanoclaw/internal/logging"
)

const processedCacheSize = 8192

// Store wraps the SQLite database behind typed operations.
type Store struct {
	db     *sql.DB
	logger logging.Logger

	// processedCache fronts processed_messages reads; keys are chatJID+"\x00"+messageID.
	processedCache *lru.Cache[string, struct{}]
}

// Open opens (or creates) the SQLite database at path and ensures the schema.
func Open(ctx context.Context, path string, logger logging.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer; serializing through one connection keeps
	// transactions from tripping over each other.
	db.SetMaxOpenConns(1)

	cache, err := lru.New[string, struct{}](processedCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logging.OrNop(logger), processedCache: cache}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS chats (
    jid TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    last_message_time TEXT NOT NULL DEFAULT ''
);`,
		`CREATE TABLE IF NOT EXISTS messages (
    ingest_seq INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_jid TEXT NOT NULL,
    id TEXT NOT NULL,
    sender TEXT NOT NULL DEFAULT '',
    sender_name TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL,
    is_bot_message INTEGER NOT NULL DEFAULT 0,
    UNIQUE (chat_jid, id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages (chat_jid, timestamp);`,
		`CREATE TABLE IF NOT EXISTS registered_groups (
    jid TEXT PRIMARY KEY,
    folder TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    trigger_pattern TEXT NOT NULL DEFAULT '',
    requires_trigger INTEGER NOT NULL DEFAULT 1,
    container_config TEXT,
    created_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS sessions (
    group_folder TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS router_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS worker_runs (
    run_id TEXT PRIMARY KEY,
    group_folder TEXT NOT NULL,
    status TEXT NOT NULL,
    phase TEXT NOT NULL,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    dispatch_repo TEXT NOT NULL DEFAULT '',
    dispatch_branch TEXT NOT NULL DEFAULT '',
    context_intent TEXT NOT NULL DEFAULT '',
    parent_run_id TEXT NOT NULL DEFAULT '',
    dispatch_session_id TEXT NOT NULL DEFAULT '',
    selected_session_id TEXT NOT NULL DEFAULT '',
    effective_session_id TEXT NOT NULL DEFAULT '',
    session_selection_source TEXT NOT NULL DEFAULT '',
    session_resume_status TEXT NOT NULL DEFAULT '',
    session_resume_error TEXT NOT NULL DEFAULT '',
    last_heartbeat_at TEXT,
    active_container_name TEXT NOT NULL DEFAULT '',
    no_container_since TEXT,
    spawn_acknowledged_at TEXT,
    expects_followup_container INTEGER NOT NULL DEFAULT 0,
    supervisor_owner TEXT NOT NULL DEFAULT '',
    lease_expires_at TEXT,
    recovered_from_reason TEXT NOT NULL DEFAULT '',
    result_summary TEXT NOT NULL DEFAULT '',
    error_details TEXT,
    branch_name TEXT NOT NULL DEFAULT '',
    commit_sha TEXT NOT NULL DEFAULT '',
    files_changed TEXT,
    test_summary TEXT NOT NULL DEFAULT '',
    risk_summary TEXT NOT NULL DEFAULT '',
    pr_url TEXT NOT NULL DEFAULT ''
);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_group ON worker_runs (group_folder);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_session_lookup
    ON worker_runs (group_folder, dispatch_repo, dispatch_branch, effective_session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_effective_session ON worker_runs (effective_session_id);`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
    chat_jid TEXT NOT NULL,
    message_id TEXT NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    processed_at TEXT NOT NULL,
    PRIMARY KEY (chat_jid, message_id)
);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
    task_id TEXT PRIMARY KEY,
    group_folder TEXT NOT NULL,
    chat_jid TEXT NOT NULL,
    schedule TEXT NOT NULL,
    prompt TEXT NOT NULL,
    paused INTEGER NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    last_run_at TEXT
);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Time columns are stored as fixed-width nanosecond UTC text. RFC3339Nano
// trims trailing fraction zeros, which breaks lexicographic ordering in SQL
// comparisons ("...00.1Z" sorts after "...00.12Z"); padding the fraction keeps
// text order equal to time order.
const dbTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeToDB(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func timeFromDB(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timePtrFromDB(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := timeFromDB(v.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
