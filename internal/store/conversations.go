// ABOUTME: Conversation row persistence for the SQLite store
// ABOUTME: Participants are stored as a JSON array alongside lifecycle timestamps

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateConversation inserts a conversation row.
// Returns ErrDuplicate if the id is taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	participants, err := encodeStrings(conv.Participants)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO conversations (id, topic, participants, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Topic,
		participants,
		formatTime(conv.CreatedAt),
		formatTime(conv.LastActivity),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "topic", conv.Topic)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, topic, participants, created_at, last_activity
		FROM conversations
		WHERE id = ?
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// UpdateConversation rewrites the topic, participants, and last activity.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *Conversation) error {
	participants, err := encodeStrings(conv.Participants)
	if err != nil {
		return err
	}

	query := `
		UPDATE conversations
		SET topic = ?, participants = ?, last_activity = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		conv.Topic,
		participants,
		formatTime(conv.LastActivity),
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations retrieves conversations ordered by most recent activity.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	query := `
		SELECT id, topic, participants, created_at, last_activity
		FROM conversations
		ORDER BY last_activity DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var participants, createdAt, lastActivity string

	if err := row.Scan(&conv.ID, &conv.Topic, &participants, &createdAt, &lastActivity); err != nil {
		return nil, err
	}

	var err error
	if conv.Participants, err = decodeStrings(participants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.LastActivity, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}
	return &conv, nil
}

func encodeStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(data), nil
}

func decodeStrings(data string) ([]string, error) {
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, err
	}
	return values, nil
}
