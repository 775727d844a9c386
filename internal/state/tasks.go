package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ShayCichocki/agora/pkg/models"
)

const selectTask = `
	SELECT id, conversation_id, project_ref, agent_name, title, prompt, status, updates,
		result, error, cost_usd, duration_ms, turn_count, input_tokens, output_tokens,
		created_at, completed_at
	FROM tasks
`

// SaveTask inserts or replaces a task.
func (db *DB) SaveTask(ctx context.Context, t *models.Task) error {
	updates, err := encodeList(t.Updates)
	if err != nil {
		return err
	}
	var completedAt *string
	if t.CompletedAt != nil {
		s := formatTime(*t.CompletedAt)
		completedAt = &s
	}

	_, err = db.exec(ctx, `
		INSERT INTO tasks (id, conversation_id, project_ref, agent_name, title, prompt, status, updates,
			result, error, cost_usd, duration_ms, turn_count, input_tokens, output_tokens, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updates = excluded.updates,
			result = excluded.result,
			error = excluded.error,
			cost_usd = excluded.cost_usd,
			duration_ms = excluded.duration_ms,
			turn_count = excluded.turn_count,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			completed_at = excluded.completed_at
	`, t.ID, t.ConversationID, t.ProjectRef, t.AgentName, t.Title, t.Prompt, string(t.Status), updates,
		t.Result, t.Error, t.Stats.CostUSD, t.Stats.DurationMs, t.Stats.TurnCount,
		t.Stats.InputTokens, t.Stats.OutputTokens, formatTime(t.CreatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(db.queryRow(ctx, selectTask+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasksByConversation lists a conversation's tasks, oldest first.
func (db *DB) ListTasksByConversation(ctx context.Context, conversationID string) ([]*models.Task, error) {
	rows, err := db.query(ctx, selectTask+" WHERE conversation_id = ? ORDER BY created_at", conversationID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var updates, createdAt string
	var completedAt sql.NullString
	err := s.Scan(&t.ID, &t.ConversationID, &t.ProjectRef, &t.AgentName, &t.Title, &t.Prompt, &t.Status,
		&updates, &t.Result, &t.Error, &t.Stats.CostUSD, &t.Stats.DurationMs, &t.Stats.TurnCount,
		&t.Stats.InputTokens, &t.Stats.OutputTokens, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Updates = decodeList(updates)
	t.CreatedAt, _ = parseTime(createdAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}
