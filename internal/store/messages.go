package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// StoreMessage inserts a message and upserts its chat row. Duplicate
// (chat_jid, id) pairs are ignored so channel redeliveries are harmless.
func (s *Store) StoreMessage(ctx context.Context, msg Message) error {
	if msg.ChatJID == "" || msg.ID == "" {
		return fmt.Errorf("message requires chat_jid and id")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	defer tx.Rollback()

	ts := timeToDB(msg.Timestamp)
	if _, err := tx.ExecContext(ctx, `
INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
ON CONFLICT (jid) DO UPDATE SET last_message_time = excluded.last_message_time`,
		msg.ChatJID, msg.SenderName, ts); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO messages (chat_jid, id, sender, sender_name, content, timestamp, is_bot_message)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatJID, msg.ID, msg.Sender, msg.SenderName, msg.Content, ts, boolToInt(msg.IsBotMessage)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

// GetMessagesSince returns the messages for one chat strictly after cursor,
// ordered by ingest_seq, excluding the assistant's own outbound messages.
func (s *Store) GetMessagesSince(ctx context.Context, chatJID string, cursor time.Time, assistantName string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ingest_seq, chat_jid, id, sender, sender_name, content, timestamp, is_bot_message
FROM messages
WHERE chat_jid = ? AND timestamp > ? AND NOT (is_bot_message = 1 AND sender_name = ?)
ORDER BY ingest_seq`,
		chatJID, timeToDB(cursor), assistantName)
	if err != nil {
		return nil, fmt.Errorf("get messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetNewMessages returns all messages across the given lanes with ingest_seq
// greater than lastIngestSeq, plus the new maximum ingest_seq observed.
func (s *Store) GetNewMessages(ctx context.Context, laneJIDs []string, lastIngestSeq int64, assistantName string) ([]Message, int64, error) {
	if len(laneJIDs) == 0 {
		return nil, lastIngestSeq, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(laneJIDs)), ",")
	args := make([]any, 0, len(laneJIDs)+2)
	args = append(args, lastIngestSeq)
	for _, jid := range laneJIDs {
		args = append(args, jid)
	}
	args = append(args, assistantName)

	rows, err := s.db.QueryContext(ctx, `
SELECT ingest_seq, chat_jid, id, sender, sender_name, content, timestamp, is_bot_message
FROM messages
WHERE ingest_seq > ? AND chat_jid IN (`+placeholders+`) AND NOT (is_bot_message = 1 AND sender_name = ?)
ORDER BY ingest_seq`, args...)
	if err != nil {
		return nil, lastIngestSeq, fmt.Errorf("get new messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, lastIngestSeq, err
	}

	maxSeq := lastIngestSeq
	for _, m := range msgs {
		if m.IngestSeq > maxSeq {
			maxSeq = m.IngestSeq
		}
	}
	return msgs, maxSeq, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		var isBot int
		if err := rows.Scan(&m.IngestSeq, &m.ChatJID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &ts, &isBot); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = timeFromDB(ts)
		m.IsBotMessage = isBot != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessagesProcessed records each message id as consumed, at most once per
// (chat_jid, id), inside a single transaction.
func (s *Store) MarkMessagesProcessed(ctx context.Context, chatJID string, messageIDs []string, runID string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	defer tx.Rollback()

	now := timeToDB(time.Now())
	for _, id := range messageIDs {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO processed_messages (chat_jid, message_id, run_id, processed_at)
VALUES (?, ?, ?, ?)`, chatJID, id, runID, now); err != nil {
			return fmt.Errorf("mark processed %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, id := range messageIDs {
		s.processedCache.Add(processedKey(chatJID, id), struct{}{})
	}
	return nil
}

// GetProcessedMessageIDs returns the subset of ids already marked processed
// for the chat.
func (s *Store) GetProcessedMessageIDs(ctx context.Context, chatJID string, messageIDs []string) (map[string]bool, error) {
	processed := make(map[string]bool, len(messageIDs))
	var miss []string
	for _, id := range messageIDs {
		if _, ok := s.processedCache.Get(processedKey(chatJID, id)); ok {
			processed[id] = true
		} else {
			miss = append(miss, id)
		}
	}
	if len(miss) == 0 {
		return processed, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(miss)), ",")
	args := make([]any, 0, len(miss)+1)
	args = append(args, chatJID)
	for _, id := range miss {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT message_id FROM processed_messages WHERE chat_jid = ? AND message_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get processed ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		processed[id] = true
		s.processedCache.Add(processedKey(chatJID, id), struct{}{})
	}
	return processed, rows.Err()
}

func processedKey(chatJID, messageID string) string {
	return chatJID + "\x00" + messageID
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
