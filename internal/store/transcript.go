// Package store persists a transcript of activity traffic for auditing and
// debugging. Adapters themselves stay stateless; durability lives here, at
// the gateway edge.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"botbridge/internal/activity"
	"botbridge/internal/feed"

	_ "modernc.org/sqlite"
)

// TranscriptStore records feed entries in SQLite.
type TranscriptStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTranscriptStore opens (or creates) the transcript database.
func NewTranscriptStore(dbPath string, logger *slog.Logger) (*TranscriptStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &TranscriptStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *TranscriptStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcript (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_id     TEXT NOT NULL,
		direction       TEXT NOT NULL,
		channel         TEXT NOT NULL,
		conversation_id TEXT,
		thread_id       TEXT,
		from_id         TEXT,
		recipient_id    TEXT,
		type            TEXT NOT NULL,
		name            TEXT,
		text            TEXT,
		channel_data    TEXT,
		observed_at     DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_conv ON transcript(channel, conversation_id, observed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records one feed entry.
func (s *TranscriptStore) Append(ctx context.Context, entry feed.Entry) error {
	act := entry.Activity
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript
		 (activity_id, direction, channel, conversation_id, thread_id, from_id, recipient_id, type, name, text, channel_data, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		act.ID, entry.Direction, entry.Channel, act.ConversationID, act.ThreadID,
		act.FromID, act.RecipientID, string(act.Type), act.Name, act.Text,
		string(act.ChannelData), entry.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Recent returns the most recent entries for one conversation, oldest first.
func (s *TranscriptStore) Recent(ctx context.Context, channel, conversationID string, limit int) ([]feed.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT activity_id, direction, channel, conversation_id, thread_id, from_id, recipient_id, type, name, text, channel_data, observed_at
		 FROM transcript
		 WHERE channel = ? AND conversation_id = ?
		 ORDER BY seq DESC LIMIT ?`,
		channel, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var entries []feed.Entry
	for rows.Next() {
		var e feed.Entry
		var typ, channelData string
		err := rows.Scan(&e.Activity.ID, &e.Direction, &e.Channel, &e.Activity.ConversationID,
			&e.Activity.ThreadID, &e.Activity.FromID, &e.Activity.RecipientID,
			&typ, &e.Activity.Name, &e.Activity.Text, &channelData, &e.ObservedAt)
		if err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		e.Activity.Type = activity.Type(typ)
		e.Activity.ChannelID = e.Channel
		if channelData != "" {
			e.Activity.ChannelData = []byte(channelData)
		}
		entries = append(entries, e)
	}

	// reverse to oldest-first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, rows.Err()
}

// Prune deletes entries older than the retention window.
func (s *TranscriptStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM transcript WHERE observed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transcript: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("transcript pruned", "deleted", n)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *TranscriptStore) Close() error {
	return s.db.Close()
}
