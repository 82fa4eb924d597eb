// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Provides message persistence with automatic schema creation and migrations

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-council/internal/message"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a SQLite store at path using the named driver.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		driver: driver,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			topic         TEXT NOT NULL DEFAULT '',
			participants  TEXT NOT NULL DEFAULT '[]',
			created_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_activity
			ON conversations(last_activity DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			recipient_id    TEXT NOT NULL,
			type            TEXT NOT NULL,
			content         TEXT NOT NULL,
			in_reply_to     TEXT,
			metadata_json   TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_reply ON messages(in_reply_to);

		CREATE TABLE IF NOT EXISTS meetings (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			participants  TEXT NOT NULL DEFAULT '[]',
			state         TEXT NOT NULL,
			scheduled_at  TEXT NOT NULL,
			started_at    TEXT,
			ended_at      TEXT,
			summary       TEXT NOT NULL DEFAULT '',
			decisions     TEXT NOT NULL DEFAULT '[]',
			action_items  TEXT NOT NULL DEFAULT '[]',
			last_sequence INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,

			CHECK (state IN ('scheduled', 'active', 'ended'))
		);

		CREATE INDEX IF NOT EXISTS idx_meetings_state ON meetings(state, scheduled_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'task_id'`,
			apply:  `ALTER TABLE messages ADD COLUMN task_id TEXT`,
			column: "task_id",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'meeting_id'`,
			apply:  `ALTER TABLE messages ADD COLUMN meeting_id TEXT`,
			column: "meeting_id",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'sequence_number'`,
			apply:  `ALTER TABLE messages ADD COLUMN sequence_number INTEGER`,
			column: "sequence_number",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}

	// Indexes over migrated columns can only be created once the columns exist
	indexes := `
		CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_meeting_sequence
			ON messages(meeting_id, sequence_number)
			WHERE sequence_number IS NOT NULL;
	`
	if _, err := s.db.Exec(indexes); err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseOptionalTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const messageColumns = `id, conversation_id, sender_id, recipient_id, type, content,
	in_reply_to, metadata_json, created_at, task_id, meeting_id, sequence_number`

// SaveMessage saves a message to the database.
// Returns ErrDuplicate if a message with the same id was already stored.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *message.Message) error {
	if err := insertMessage(ctx, s.db, msg); err != nil {
		return err
	}
	s.logger.Debug("saved message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"type", msg.Type)
	return nil
}

func insertMessage(ctx context.Context, db execer, msg *message.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}

	var metadata any
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(data)
	}

	var sequence any
	if msg.SequenceNumber > 0 {
		sequence = msg.SequenceNumber
	}

	query := `INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.RecipientID,
		string(msg.Type),
		string(content),
		nullString(msg.InReplyTo),
		metadata,
		formatTime(msg.CreatedAt),
		nullString(msg.TaskID),
		nullString(msg.MeetingID),
		sequence,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("inserting message %s: %w", msg.ID, ErrDuplicate)
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*message.Message, error) {
	var msg message.Message
	var msgType, content, createdAt string
	var inReplyTo, metadata, taskID, meetingID sql.NullString
	var sequence sql.NullInt64

	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.RecipientID,
		&msgType,
		&content,
		&inReplyTo,
		&metadata,
		&createdAt,
		&taskID,
		&meetingID,
		&sequence,
	); err != nil {
		return nil, err
	}

	t, err := message.ParseType(msgType)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	msg.Type = t

	if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
		return nil, fmt.Errorf("decoding content of message %s: %w", msg.ID, err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of message %s: %w", msg.ID, err)
		}
		if len(msg.Metadata) == 0 {
			msg.Metadata = nil
		}
	}

	msg.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}

	msg.InReplyTo = inReplyTo.String
	msg.TaskID = taskID.String
	msg.MeetingID = meetingID.String
	msg.SequenceNumber = sequence.Int64

	return &msg, nil
}

// queryMessages is a helper that executes a query and returns messages
func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*message.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*message.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// GetMessage retrieves a single message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// GetMessages retrieves one page of a conversation in arrival order.
// Rows with equal timestamps keep insertion order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*message.Message, error) {
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT ? OFFSET ?
	`

	return s.queryMessages(ctx, query, conversationID, clampLimit(limit), offset)
}

// GetRecentMessages retrieves the newest messages of a conversation, newest first.
func (s *SQLiteStore) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]*message.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	return s.queryMessages(ctx, query, conversationID, clampLimit(limit))
}

// GetReplies returns the direct replies of messageID in arrival order.
func (s *SQLiteStore) GetReplies(ctx context.Context, messageID string) ([]*message.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE in_reply_to = ?
		ORDER BY created_at ASC, rowid ASC
	`

	return s.queryMessages(ctx, query, messageID)
}

// GetAgentMessages retrieves messages sent or received by an agent, newest first.
func (s *SQLiteStore) GetAgentMessages(ctx context.Context, agentID string, limit int) ([]*message.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE sender_id = ? OR recipient_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	return s.queryMessages(ctx, query, agentID, agentID, clampLimit(limit))
}

// CountMessages counts the messages matching filter.
func (s *SQLiteStore) CountMessages(ctx context.Context, filter MessageFilter) (int, error) {
	// Build the query dynamically based on which filters are set
	query := `SELECT COUNT(*) FROM messages WHERE 1 = 1`
	var args []any

	if filter.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, filter.ConversationID)
	}
	if filter.MeetingID != "" {
		query += ` AND meeting_id = ?`
		args = append(args, filter.MeetingID)
	}
	if filter.SenderID != "" {
		query += ` AND sender_id = ?`
		args = append(args, filter.SenderID)
	}
	if filter.RecipientID != "" {
		query += ` AND recipient_id = ?`
		args = append(args, filter.RecipientID)
	}
	if filter.AgentID != "" {
		query += ` AND (sender_id = ? OR recipient_id = ?)`
		args = append(args, filter.AgentID, filter.AgentID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*filter.Since))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
