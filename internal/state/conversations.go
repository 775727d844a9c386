package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ShayCichocki/agora/pkg/models"
)

const upsertConversation = `
	INSERT INTO conversations (id, project_ref, title, participants, phase, resume_phase,
		active_speakers, blocked_on, blocked_by, block_reason, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		participants = excluded.participants,
		phase = excluded.phase,
		resume_phase = excluded.resume_phase,
		active_speakers = excluded.active_speakers,
		blocked_on = excluded.blocked_on,
		blocked_by = excluded.blocked_by,
		block_reason = excluded.block_reason,
		updated_at = excluded.updated_at
`

const selectConversation = `
	SELECT id, project_ref, title, participants, phase, resume_phase,
		active_speakers, blocked_on, blocked_by, block_reason, created_at, updated_at
	FROM conversations
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func conversationArgs(c *models.Conversation) ([]any, error) {
	participants, err := encodeList(c.Participants)
	if err != nil {
		return nil, err
	}
	speakers, err := encodeList(c.ActiveSpeakers)
	if err != nil {
		return nil, err
	}
	blocked, err := encodeList(c.BlockedOn)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ID, c.ProjectRef, c.Title, participants, string(c.Phase), string(c.ResumePhase),
		speakers, blocked, c.BlockedBy, c.BlockReason, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	}, nil
}

func saveConversation(ctx context.Context, ex execer, c *models.Conversation) error {
	args, err := conversationArgs(c)
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, upsertConversation, args...); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// SaveConversation inserts or replaces a conversation.
func (db *DB) SaveConversation(ctx context.Context, c *models.Conversation) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return saveConversation(ctx, db.conn, c)
}

// GetConversation retrieves a conversation by root id.
func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := db.queryRow(ctx, selectConversation+" WHERE id = ?", id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations lists conversations, newest activity first. An empty
// projectRef lists every project.
func (db *DB) ListConversations(ctx context.Context, projectRef string) ([]*models.Conversation, error) {
	var rows *sql.Rows
	var err error
	if projectRef != "" {
		rows, err = db.query(ctx, selectConversation+" WHERE project_ref = ? ORDER BY updated_at DESC", projectRef)
	} else {
		rows, err = db.query(ctx, selectConversation+" ORDER BY updated_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveTransition stores the conversation and the transition that produced it.
func (db *DB) SaveTransition(ctx context.Context, c *models.Conversation, t models.PhaseTransition) error {
	return db.transaction(ctx, func(tx *sql.Tx) error {
		if err := saveConversation(ctx, tx, c); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO phase_transitions (conversation_id, from_phase, to_phase, agent, signal, reason, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, t.ConversationID, string(t.From), string(t.To), t.Agent, string(t.Signal), t.Reason, formatTime(t.At))
		if err != nil {
			return fmt.Errorf("record transition: %w", err)
		}
		return nil
	})
}

// ListTransitions returns a conversation's transitions, oldest first.
func (db *DB) ListTransitions(ctx context.Context, conversationID string) ([]models.PhaseTransition, error) {
	rows, err := db.query(ctx, `
		SELECT conversation_id, from_phase, to_phase, agent, signal, reason, at
		FROM phase_transitions WHERE conversation_id = ? ORDER BY id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []models.PhaseTransition
	for rows.Next() {
		var t models.PhaseTransition
		var at string
		if err := rows.Scan(&t.ConversationID, &t.From, &t.To, &t.Agent, &t.Signal, &t.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.At, _ = parseTime(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*models.Conversation, error) {
	var c models.Conversation
	var participants, speakers, blocked, createdAt, updatedAt string
	err := s.Scan(&c.ID, &c.ProjectRef, &c.Title, &participants, &c.Phase, &c.ResumePhase,
		&speakers, &blocked, &c.BlockedBy, &c.BlockReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Participants = decodeList(participants)
	c.ActiveSpeakers = decodeList(speakers)
	c.BlockedOn = decodeList(blocked)
	c.CreatedAt, _ = parseTime(createdAt)
	c.UpdatedAt, _ = parseTime(updatedAt)
	return &c, nil
}

func encodeList(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

func decodeList(s string) []string {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil || len(v) == 0 {
		return nil
	}
	return v
}
