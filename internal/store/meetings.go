// ABOUTME: Meeting row persistence and atomic sequence allocation for the SQLite store
// ABOUTME: Sequence numbers are assigned and the message inserted in one transaction

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-council/internal/message"
)

const meetingColumns = `id, type, title, participants, state, scheduled_at, started_at, ended_at,
	summary, decisions, action_items, last_sequence, created_at`

// CreateMeeting inserts a meeting row.
// Returns ErrDuplicate if the id is taken.
func (s *SQLiteStore) CreateMeeting(ctx context.Context, m *Meeting) error {
	participants, decisions, actionItems, err := encodeMeetingLists(m)
	if err != nil {
		return err
	}

	query := `INSERT INTO meetings (` + meetingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		m.ID,
		m.Type,
		m.Title,
		participants,
		string(m.State),
		formatTime(m.ScheduledAt),
		formatOptionalTime(m.StartedAt),
		formatOptionalTime(m.EndedAt),
		m.Summary,
		decisions,
		actionItems,
		m.LastSequence,
		formatTime(m.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting meeting: %w", err)
	}

	s.logger.Debug("created meeting", "id", m.ID, "type", m.Type, "state", m.State)
	return nil
}

// GetMeeting retrieves a meeting by ID.
// Returns ErrNotFound if the meeting doesn't exist.
func (s *SQLiteStore) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	query := `SELECT ` + meetingColumns + ` FROM meetings WHERE id = ?`

	m, err := scanMeeting(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying meeting: %w", err)
	}
	return m, nil
}

// ListMeetings retrieves meetings by scheduled time, newest first.
// An empty state lists meetings in every state.
func (s *SQLiteStore) ListMeetings(ctx context.Context, state MeetingState, limit int) ([]*Meeting, error) {
	query := `SELECT ` + meetingColumns + ` FROM meetings`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY scheduled_at DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying meetings: %w", err)
	}
	defer rows.Close()

	var meetings []*Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning meeting row: %w", err)
		}
		meetings = append(meetings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating meeting rows: %w", err)
	}
	return meetings, nil
}

// UpdateMeeting writes the mutable meeting fields if the stored state equals expected.
// last_sequence is owned by SaveMeetingMessage and never written here.
func (s *SQLiteStore) UpdateMeeting(ctx context.Context, m *Meeting, expected MeetingState) error {
	participants, decisions, actionItems, err := encodeMeetingLists(m)
	if err != nil {
		return err
	}

	query := `
		UPDATE meetings
		SET title = ?, participants = ?, state = ?, started_at = ?, ended_at = ?,
		    summary = ?, decisions = ?, action_items = ?
		WHERE id = ? AND state = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		m.Title,
		participants,
		string(m.State),
		formatOptionalTime(m.StartedAt),
		formatOptionalTime(m.EndedAt),
		m.Summary,
		decisions,
		actionItems,
		m.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("updating meeting: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetMeeting(ctx, m.ID); err != nil {
			return err
		}
		return ErrStateConflict
	}

	s.logger.Debug("updated meeting", "id", m.ID, "from", expected, "to", m.State)
	return nil
}

// SaveMeetingMessage increments the meeting's counter and inserts msg in one
// transaction. A failed insert rolls the counter back, so numbers stay gapless.
func (s *SQLiteStore) SaveMeetingMessage(ctx context.Context, msg *message.Message) (int64, error) {
	if msg.MeetingID == "" {
		return 0, fmt.Errorf("message %s has no meeting_id", msg.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		UPDATE meetings
		SET last_sequence = last_sequence + 1
		WHERE id = ? AND state = ?
		RETURNING last_sequence
	`, msg.MeetingID, string(MeetingActive)).Scan(&seq)
	if err == sql.ErrNoRows {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM meetings WHERE id = ?`, msg.MeetingID).Scan(&exists); err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, ErrStateConflict
	}
	if err != nil {
		return 0, fmt.Errorf("allocating sequence number: %w", err)
	}

	msg.SequenceNumber = seq
	if err := insertMessage(ctx, tx, msg); err != nil {
		msg.SequenceNumber = 0
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		msg.SequenceNumber = 0
		return 0, fmt.Errorf("committing meeting message: %w", err)
	}

	s.logger.Debug("saved meeting message",
		"id", msg.ID,
		"meeting_id", msg.MeetingID,
		"sequence_number", seq)
	return seq, nil
}

// GetMeetingMessages returns a meeting's messages ordered by sequence number.
func (s *SQLiteStore) GetMeetingMessages(ctx context.Context, meetingID string) ([]*message.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE meeting_id = ? AND sequence_number IS NOT NULL
		ORDER BY sequence_number ASC
	`

	return s.queryMessages(ctx, query, meetingID)
}

func encodeMeetingLists(m *Meeting) (participants, decisions, actionItems string, err error) {
	if participants, err = encodeStrings(m.Participants); err != nil {
		return "", "", "", err
	}
	if decisions, err = encodeStrings(m.Decisions); err != nil {
		return "", "", "", err
	}
	items := m.ActionItems
	if items == nil {
		items = []ActionItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding action items: %w", err)
	}
	return participants, decisions, string(data), nil
}

func scanMeeting(row rowScanner) (*Meeting, error) {
	var m Meeting
	var state, participants, scheduledAt, decisions, actionItems, createdAt string
	var startedAt, endedAt sql.NullString

	if err := row.Scan(
		&m.ID,
		&m.Type,
		&m.Title,
		&participants,
		&state,
		&scheduledAt,
		&startedAt,
		&endedAt,
		&m.Summary,
		&decisions,
		&actionItems,
		&m.LastSequence,
		&createdAt,
	); err != nil {
		return nil, err
	}

	m.State = MeetingState(state)

	var err error
	if m.Participants, err = decodeStrings(participants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if m.Decisions, err = decodeStrings(decisions); err != nil {
		return nil, fmt.Errorf("decoding decisions: %w", err)
	}
	if err := json.Unmarshal([]byte(actionItems), &m.ActionItems); err != nil {
		return nil, fmt.Errorf("decoding action items: %w", err)
	}
	if m.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, fmt.Errorf("parsing scheduled_at: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.StartedAt, err = parseOptionalTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if m.EndedAt, err = parseOptionalTime(endedAt); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	return &m, nil
}
