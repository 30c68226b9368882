package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// safeFolderPattern is the restricted shape every lane folder must match.
var safeFolderPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// IsSafeFolderName reports whether name is acceptable as a lane folder.
func IsSafeFolderName(name string) bool {
	return safeFolderPattern.MatchString(name)
}

// ErrGroupNotFound is returned when a lane lookup misses.
var ErrGroupNotFound = errors.New("registered group not found")

// UpsertGroup registers or updates a lane. Folder names must be safe paths.
func (s *Store) UpsertGroup(ctx context.Context, g RegisteredGroup) error {
	if g.JID == "" {
		return fmt.Errorf("group jid is required")
	}
	if !IsSafeFolderName(g.Folder) {
		return fmt.Errorf("unsafe group folder %q", g.Folder)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}

	var cfg any
	if len(g.ContainerConfig) > 0 {
		cfg = string(g.ContainerConfig)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO registered_groups (jid, folder, name, trigger_pattern, requires_trigger, container_config, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (jid) DO UPDATE SET
    folder = excluded.folder,
    name = excluded.name,
    trigger_pattern = excluded.trigger_pattern,
    requires_trigger = excluded.requires_trigger,
    container_config = excluded.container_config`,
		g.JID, g.Folder, g.Name, g.TriggerPattern, boolToInt(g.RequiresTrigger), cfg, timeToDB(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// GetGroupByJID returns the lane registered under jid.
func (s *Store) GetGroupByJID(ctx context.Context, jid string) (RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT jid, folder, name, trigger_pattern, requires_trigger, container_config, created_at
FROM registered_groups WHERE jid = ?`, jid)
	return scanGroup(row)
}

// GetGroupByFolder returns the lane with the given safe folder name.
func (s *Store) GetGroupByFolder(ctx context.Context, folder string) (RegisteredGroup, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT jid, folder, name, trigger_pattern, requires_trigger, container_config, created_at
FROM registered_groups WHERE folder = ?`, folder)
	return scanGroup(row)
}

// ListGroups returns every registered lane.
func (s *Store) ListGroups(ctx context.Context) ([]RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT jid, folder, name, trigger_pattern, requires_trigger, container_config, created_at
FROM registered_groups ORDER BY folder`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []RegisteredGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (RegisteredGroup, error) {
	var g RegisteredGroup
	var requiresTrigger int
	var cfg sql.NullString
	var createdAt string
	err := row.Scan(&g.JID, &g.Folder, &g.Name, &g.TriggerPattern, &requiresTrigger, &cfg, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredGroup{}, ErrGroupNotFound
	}
	if err != nil {
		return RegisteredGroup{}, fmt.Errorf("scan group: %w", err)
	}
	g.RequiresTrigger = requiresTrigger != 0
	if cfg.Valid && cfg.String != "" {
		g.ContainerConfig = []byte(cfg.String)
	}
	g.CreatedAt = timeFromDB(createdAt)
	return g, nil
}

// SetRouterState persists one router cursor key.
func (s *Store) SetRouterState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO router_state (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set router state %s: %w", key, err)
	}
	return nil
}

// GetRouterState reads one router cursor key; missing keys return "".
func (s *Store) GetRouterState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get router state %s: %w", key, err)
	}
	return value, nil
}

// SetSession records the last observed agent session for a lane.
func (s *Store) SetSession(ctx context.Context, groupFolder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (group_folder, session_id, updated_at) VALUES (?, ?, ?)
ON CONFLICT (group_folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		groupFolder, sessionID, timeToDB(time.Now()))
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// GetSession returns the last observed agent session for a lane, "" when none.
func (s *Store) GetSession(ctx context.Context, groupFolder string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return sessionID, nil
}
